package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/types"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the bridge only listens locally
	},
}

// WebSocketConnection streams engine events to one host client
type WebSocketConnection struct {
	conn    *websocket.Conn
	engine  Engine
	events  <-chan types.Event
	cancel  func()
	replies chan types.Event
	logger  *logrus.Entry
	mutex   sync.Mutex
	closed  bool
}

// HandleEvents upgrades the request and streams every event until the client leaves
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event after it is missed.
	ch, cancel := h.bus.Subscribe(256)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}

	wsConn := &WebSocketConnection{
		conn:    conn,
		engine:  h.engine,
		events:  ch,
		cancel:  cancel,
		replies: make(chan types.Event, 16),
		logger:  h.logger.WithField("remote", r.RemoteAddr),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go wsConn.eventSender()

	wsConn.handleMessages()
}

// handleMessages handles incoming WebSocket messages
func (wsConn *WebSocketConnection) handleMessages() {
	defer wsConn.close(websocket.CloseNormalClosure, "Connection closed")

	for {
		var msg types.ClientMessage
		if err := wsConn.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsConn.logger.WithError(err).Warn("WebSocket read error")
			}
			return
		}

		wsConn.conn.SetReadDeadline(time.Now().Add(pongWait))
		wsConn.handleMessage(msg)
	}
}

// handleMessage handles a single WebSocket message
func (wsConn *WebSocketConnection) handleMessage(msg types.ClientMessage) {
	switch msg.Type {
	case "data":
		if msg.Stream != "stdin" {
			wsConn.sendError("Can only write to stdin")
			return
		}
		if !wsConn.engine.SendInput(msg.Data) {
			wsConn.sendError("No process is running")
		}
	case "eof":
		if !wsConn.engine.CloseInput() {
			wsConn.sendError("No process is running")
		}
	case "signal":
		if !wsConn.engine.Stop() {
			wsConn.sendError("No process is running")
		}
	default:
		wsConn.sendError("Unknown message type: " + msg.Type)
	}
}

// eventSender is the only writer of data frames on the connection
func (wsConn *WebSocketConnection) eventSender() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var event types.Event
		select {
		case ev, ok := <-wsConn.events:
			if !ok {
				return
			}
			event = ev
		case ev := <-wsConn.replies:
			event = ev
		case <-ticker.C:
			wsConn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wsConn.close(websocket.CloseGoingAway, "Ping failed")
				return
			}
			continue
		}

		wsConn.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := wsConn.conn.WriteJSON(event); err != nil {
			wsConn.logger.WithError(err).Error("Failed to send WebSocket message")
			wsConn.close(websocket.CloseGoingAway, "Write failed")
			return
		}
	}
}

// sendError queues an error reply for this client only
func (wsConn *WebSocketConnection) sendError(message string) {
	select {
	case wsConn.replies <- types.Event{Type: types.EventError, Error: message, Time: time.Now()}:
	default:
		wsConn.logger.Warn("Reply queue full, dropping message")
	}
}

// close closes the WebSocket connection
func (wsConn *WebSocketConnection) close(code int, message string) {
	wsConn.mutex.Lock()
	defer wsConn.mutex.Unlock()

	if wsConn.closed {
		return
	}
	wsConn.closed = true
	wsConn.cancel()

	wsConn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, message),
		time.Now().Add(time.Second))

	wsConn.conn.Close()
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coderunr/cprunner/internal/middleware"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Callbacks receive accepted problems
type Callbacks struct {
	OnProblem func(types.ProblemSubmission)
	// OnFocus asks the host to bring its window to the front.
	OnFocus func()
}

// Listener is the local endpoint that problem-parsing browser extensions post to
type Listener struct {
	addr      string
	bodyLimit int64
	callbacks Callbacks
	logger    *logrus.Entry

	mu     sync.Mutex
	server *http.Server
	bound  string
}

// NewListener creates a listener for addr; nothing is bound until Start
func NewListener(addr string, bodyLimit int64, callbacks Callbacks, logger *logrus.Logger) *Listener {
	return &Listener{
		addr:      addr,
		bodyLimit: bodyLimit,
		callbacks: callbacks,
		logger:    logger.WithField("component", "ingest"),
	}
}

// Router returns the HTTP handler serving POST /
func (l *Listener) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger(l.logger))
	r.Use(middleware.Recovery(l.logger))
	r.Use(middleware.BodyLimit(l.bodyLimit))

	r.Post("/", l.handleProblem)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}

// Start binds the listener. Starting twice is a no-op reporting alreadyRunning.
func (l *Listener) Start() (alreadyRunning bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.server != nil {
		return true, nil
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return false, fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	server := &http.Server{
		Handler:           l.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
	}
	l.server = server
	l.bound = ln.Addr().String()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.WithError(err).Error("Ingestion listener failed")
		}
	}()

	l.logger.Infof("Ingestion listener started on %s", l.bound)
	return false, nil
}

// Stop shuts the listener down. It reports whether it was running.
func (l *Listener) Stop(ctx context.Context) (bool, error) {
	l.mu.Lock()
	server := l.server
	l.server = nil
	l.bound = ""
	l.mu.Unlock()

	if server == nil {
		return false, nil
	}

	if err := server.Shutdown(ctx); err != nil {
		return true, fmt.Errorf("failed to stop ingestion listener: %w", err)
	}
	l.logger.Info("Ingestion listener stopped")
	return true, nil
}

// Running reports whether the listener is bound
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.server != nil
}

// Addr returns the bound address, or "" when stopped
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

func (l *Listener) handleProblem(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large")
			return
		}
		writeText(w, http.StatusBadRequest, "Bad Request")
		return
	}

	problem, err := ParseProblem(body)
	if err != nil {
		l.logger.WithError(err).Warn("Rejected problem submission")
		writeText(w, http.StatusBadRequest, "Bad Request")
		return
	}

	l.logger.WithFields(logrus.Fields{
		"name":  problem.Name,
		"group": problem.Group,
		"tests": len(problem.Tests),
	}).Info("Problem received")

	if l.callbacks.OnProblem != nil {
		l.callbacks.OnProblem(problem)
	}
	if l.callbacks.OnFocus != nil {
		l.callbacks.OnFocus()
	}

	writeText(w, http.StatusOK, "OK")
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

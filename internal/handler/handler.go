package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coderunr/cprunner/internal/events"
	"github.com/coderunr/cprunner/internal/judge"
	"github.com/coderunr/cprunner/internal/toolchain"
	"github.com/coderunr/cprunner/internal/types"
	"github.com/sirupsen/logrus"
)

// Version is reported by GET /
const Version = "1.0.0"

// Engine is the orchestration core as seen by the host bridge
type Engine interface {
	Compile(ctx context.Context, req types.CompileRequest) types.CompileResult
	Run(artifact, cwd string) (types.RunInfo, error)
	Stop() bool
	SendInput(text string) bool
	CloseInput() bool
	RunState() (types.RunInfo, bool)
	RunBatchTests(ctx context.Context, artifact string, tests []types.TestCase, limit time.Duration, onProgress judge.ProgressFunc) []types.BatchTestResult
	StartIngestionListener() (bool, error)
	StopIngestionListener(ctx context.Context) (bool, error)
	Toolchain(ctx context.Context) (*types.ToolchainInfo, error)
	RedetectToolchain(ctx context.Context) (*types.ToolchainInfo, error)
}

// Handler contains the dependencies for HTTP handlers
type Handler struct {
	engine Engine
	bus    *events.Bus
	logger *logrus.Entry
}

// NewHandler creates a new handler instance
func NewHandler(engine Engine, bus *events.Bus, logger *logrus.Logger) *Handler {
	return &Handler{
		engine: engine,
		bus:    bus,
		logger: logger.WithField("component", "handler"),
	}
}

// GetVersion returns the API version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{"message": "cprunner v" + Version}, http.StatusOK)
}

// Compile compiles a source buffer
func (h *Handler) Compile(w http.ResponseWriter, r *http.Request) {
	var request types.CompileRequest
	if !h.decode(w, r, &request) {
		return
	}

	if request.SourcePath == "" && request.SourceText == "" {
		h.sendError(w, "source_path or source_text is required", http.StatusBadRequest)
		return
	}

	result := h.engine.Compile(r.Context(), request)
	h.sendJSON(w, result, http.StatusOK)
}

// Run starts an interactive run
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var request types.RunRequest
	if !h.decode(w, r, &request) {
		return
	}

	if request.ArtifactPath == "" {
		h.sendError(w, "artifact_path is required", http.StatusBadRequest)
		return
	}

	info, err := h.engine.Run(request.ArtifactPath, request.Cwd)
	if err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.sendJSON(w, info, http.StatusOK)
}

// GetRun returns the active interactive run
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	info, ok := h.engine.RunState()
	if !ok {
		h.sendError(w, "no active run", http.StatusNotFound)
		return
	}
	h.sendJSON(w, info, http.StatusOK)
}

// Stop terminates the interactive run
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]bool{"stopped": h.engine.Stop()}, http.StatusOK)
}

// Input forwards text to the interactive run
func (h *Handler) Input(w http.ResponseWriter, r *http.Request) {
	var request types.InputRequest
	if !h.decode(w, r, &request) {
		return
	}

	accepted := true
	if request.Data != "" {
		accepted = h.engine.SendInput(request.Data)
	}
	if request.EOF {
		accepted = h.engine.CloseInput() && accepted
	}
	h.sendJSON(w, map[string]bool{"accepted": accepted}, http.StatusOK)
}

// Batch judges an artifact against test cases
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var request types.BatchRequest
	if !h.decode(w, r, &request) {
		return
	}

	if err := validateBatchRequest(&request); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := time.Duration(request.TimeLimitMillis) * time.Millisecond
	results := h.engine.RunBatchTests(r.Context(), request.ArtifactPath, request.Tests, limit, nil)
	h.sendJSON(w, results, http.StatusOK)
}

// StartIngest binds the problem ingestion listener
func (h *Handler) StartIngest(w http.ResponseWriter, r *http.Request) {
	already, err := h.engine.StartIngestionListener()
	if err != nil {
		h.logger.WithError(err).Error("Failed to start ingestion listener")
		h.sendError(w, err.Error(), http.StatusConflict)
		return
	}
	h.sendJSON(w, map[string]bool{"already_running": already}, http.StatusOK)
}

// StopIngest unbinds the problem ingestion listener
func (h *Handler) StopIngest(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.engine.StopIngestionListener(r.Context())
	if err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.sendJSON(w, map[string]bool{"stopped": stopped}, http.StatusOK)
}

// GetToolchain returns the detected compiler
func (h *Handler) GetToolchain(w http.ResponseWriter, r *http.Request) {
	h.sendToolchain(w, r, h.engine.Toolchain)
}

// RedetectToolchain searches for a compiler again
func (h *Handler) RedetectToolchain(w http.ResponseWriter, r *http.Request) {
	h.sendToolchain(w, r, h.engine.RedetectToolchain)
}

func (h *Handler) sendToolchain(w http.ResponseWriter, r *http.Request, locate func(context.Context) (*types.ToolchainInfo, error)) {
	info, err := locate(r.Context())
	if errors.Is(err, toolchain.ErrNotFound) {
		h.sendJSON(w, types.ToolchainInfo{
			ExecutablePath: toolchain.DefaultCommand,
			DisplayName:    toolchain.DefaultCommand,
		}, http.StatusNotFound)
		return
	}
	if err != nil {
		h.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.sendJSON(w, info, http.StatusOK)
}

// validateBatchRequest validates the incoming batch request
func validateBatchRequest(request *types.BatchRequest) error {
	if request.ArtifactPath == "" {
		return fmt.Errorf("artifact_path is required as a string")
	}

	if len(request.Tests) == 0 {
		return fmt.Errorf("tests is required as a non-empty array")
	}

	if request.TimeLimitMillis < 0 {
		return fmt.Errorf("time_limit_ms must be non-negative")
	}

	return nil
}

// decode reads a JSON body, answering the error itself when it fails
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		// An empty body is allowed for requests whose fields are all optional.
		if errors.Is(err, io.EOF) {
			return true
		}
		h.sendError(w, "Invalid JSON request: "+strings.TrimPrefix(err.Error(), "json: "), http.StatusBadRequest)
		return false
	}
	return true
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	h.sendJSON(w, types.ErrorResponse{Message: message, Code: statusCode}, statusCode)
}

// sendJSON sends a JSON response
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

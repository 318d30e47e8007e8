// Package api exposes the pipeline over HTTP: a streaming /chat endpoint,
// project-file context lookup, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/localcoder/codebase"
	"github.com/c360studio/localcoder/model"
	"github.com/c360studio/localcoder/pipeline"
)

// DefaultMaxBodyBytes limits POST body sizes.
const DefaultMaxBodyBytes = 1 << 20 // 1 MB

// Response headers.
const (
	HeaderRunID          = "X-Run-ID"
	TrailerPipelineState = "X-Pipeline-Status"
)

// Values of the X-Pipeline-Status trailer.
const (
	PipelineCompleted = "completed"
	PipelineFailed    = "failed"
)

// Health statuses.
const (
	StatusReady        = "ready"
	StatusInitializing = "initializing"
)

// Service is the pipeline surface the handlers call.
type Service interface {
	Chat(ctx context.Context, req pipeline.ChatRequest, sink pipeline.Sink) (*pipeline.Run, error)
	ReadContext(relPath string) (string, error)
	Status() model.Status
}

// Handler serves the HTTP endpoints.
type Handler struct {
	svc      Service
	maxBody  int64
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxBodyBytes limits request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the HTTP handlers for svc.
func NewHandler(svc Service, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		maxBody:  DefaultMaxBodyBytes,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterHTTPHandlers registers all handlers under the given prefix.
// An empty prefix registers at the root:
//
//	POST <prefix>/chat
//	POST <prefix>/add_file_to_context
//	GET  <prefix>/health
//	GET  <prefix>/metrics
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}

	mux.HandleFunc(prefix+"chat", h.handleChat)
	mux.HandleFunc(prefix+"add_file_to_context", h.handleAddFile)
	mux.HandleFunc(prefix+"health", h.handleHealth)
	mux.Handle(prefix+"metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// ----------------------------------------------------------------------------
// POST /chat
// ----------------------------------------------------------------------------

// ChatRequest is the request body for POST /chat.
type ChatRequest struct {
	// Message is the user's request. Required.
	Message string `json:"message"`

	// ContextCode is optional code to reason about.
	ContextCode string `json:"context_code,omitempty"`

	// ContextFile is an optional project file used when ContextCode is empty.
	ContextFile string `json:"context_file,omitempty"`
}

// handleChat runs the pipeline and streams each stage as it happens.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	runID := uuid.New().String()
	sw := newStageWriter(w, runID, h.logger)

	run, err := h.svc.Chat(r.Context(), pipeline.ChatRequest{
		Message:     req.Message,
		ContextCode: req.ContextCode,
		ContextFile: req.ContextFile,
		RunID:       runID,
	}, sw)

	var stageErr *pipeline.StageExecutionError
	switch {
	case err == nil:
		sw.finish(PipelineCompleted)
		h.logger.Info("Chat completed", "run_id", run.ID)
	case errors.As(err, &stageErr):
		sw.fail(stageErr)
		h.logger.Warn("Chat failed", "run_id", runID, "stage", stageErr.Stage, "error", stageErr.Cause)
	case errors.Is(err, pipeline.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, "Model is not ready")
	case errors.Is(err, pipeline.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "No message provided")
	default:
		h.logger.Error("Chat error", "run_id", runID, "error", err)
		if sw.started {
			sw.fail(err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Pipeline error")
	}
}

// ----------------------------------------------------------------------------
// POST /add_file_to_context
// ----------------------------------------------------------------------------

// AddFileRequest is the request body for POST /add_file_to_context.
type AddFileRequest struct {
	Filename string `json:"filename"`
}

// AddFileResponse is the response body for POST /add_file_to_context.
type AddFileResponse struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// handleAddFile returns a project file for use as chat context.
func (h *Handler) handleAddFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req AddFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "No filename provided")
		return
	}

	content, err := h.svc.ReadContext(req.Filename)
	if err != nil {
		var readErr *codebase.ReadError
		switch {
		case errors.Is(err, pipeline.ErrNotReady):
			writeError(w, http.StatusServiceUnavailable, "Model is not ready")
		case errors.Is(err, codebase.ErrNotFound):
			writeError(w, http.StatusNotFound, "File not found")
		case errors.As(err, &readErr):
			h.logger.Warn("Context file unreadable", "filename", req.Filename, "error", err)
			writeError(w, http.StatusNotFound, "File could not be read")
		default:
			h.logger.Error("Context lookup failed", "filename", req.Filename, "error", err)
			writeError(w, http.StatusInternalServerError, "Context lookup failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, AddFileResponse{Filename: req.Filename, Content: content})
}

// ----------------------------------------------------------------------------
// GET /health
// ----------------------------------------------------------------------------

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`

	// Error is set when initialization failed; Status stays "initializing".
	Error string `json:"error,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.svc.Status()
	resp := HealthResponse{Status: StatusInitializing}
	switch st.State {
	case model.StateReady:
		resp.Status = StatusReady
		resp.Model = st.Model
	case model.StateFailed:
		if st.Cause != nil {
			resp.Error = st.Cause.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written.
		_ = err
	}
}

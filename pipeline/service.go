package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/c360studio/localcoder/agent"
	"github.com/c360studio/localcoder/codebase"
	"github.com/c360studio/localcoder/model"
)

// Loaded is what a LoadFunc hands to the service.
type Loaded struct {
	// Engine serves every stage. If it implements io.Closer, Close stops it.
	Engine agent.Completer

	// Model is the loaded model file, reported by Status.
	Model string
}

// LoadFunc loads the model. It runs once per service.
type LoadFunc func(ctx context.Context) (Loaded, error)

// ChatRequest is one /chat call.
type ChatRequest struct {
	Message     string
	ContextCode string

	// ContextFile names a project file used as ContextCode when ContextCode
	// is empty. An unreadable file yields empty context.
	ContextFile string

	RunID string
}

// Service owns the engine's initialization state and the pipeline built on
// it. Every request checks readiness first.
type Service struct {
	readiness *model.Readiness
	index     *codebase.Index
	maxTokens int
	orchOpts  []Option
	sink      Sink
	logger    *slog.Logger

	mu     sync.RWMutex
	engine agent.Completer
	orch   *Orchestrator
	closed bool
	once   sync.Once
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithIndex sets the project file reader.
func WithIndex(ix *codebase.Index) ServiceOption {
	return func(s *Service) {
		s.index = ix
	}
}

// WithMaxTokens sets the default per-stage token budget.
func WithMaxTokens(n int) ServiceOption {
	return func(s *Service) {
		s.maxTokens = n
	}
}

// WithOrchestratorOptions passes options to the orchestrator built on load.
func WithOrchestratorOptions(opts ...Option) ServiceOption {
	return func(s *Service) {
		s.orchOpts = append(s.orchOpts, opts...)
	}
}

// WithEventSink adds a sink that sees every run's events, alongside the
// per-request sink.
func WithEventSink(sink Sink) ServiceOption {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates an uninitialized service.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		readiness: model.NewReadiness(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads the model through load and builds the pipeline. Only the
// first call loads; later calls return the recorded outcome. A failure is
// final for the process: there is no reload.
func (s *Service) Initialize(ctx context.Context, load LoadFunc) error {
	s.once.Do(func() {
		if s.isClosed() {
			s.readiness.MarkFailed(ErrServiceClosed)
			return
		}
		s.logger.Info("Loading model")

		loaded, err := load(ctx)
		if err == nil && loaded.Engine == nil {
			err = errors.New("loader returned no engine")
		}
		if err != nil {
			s.readiness.MarkFailed(err)
			s.logger.Error("Model initialization failed", "error", err)
			return
		}

		orchOpts := append([]Option{WithLogger(s.logger)}, s.orchOpts...)
		agents := agent.NewSet(loaded.Engine, s.maxTokens, agent.WithLogger(s.logger))

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.logger.Warn("Service closed while the model loaded; stopping engine", "model", loaded.Model)
			if c, ok := loaded.Engine.(io.Closer); ok {
				if err := c.Close(); err != nil {
					s.logger.Warn("Failed to stop engine", "error", err)
				}
			}
			s.readiness.MarkFailed(ErrServiceClosed)
			return
		}
		s.engine = loaded.Engine
		s.orch = NewOrchestrator(agents, orchOpts...)
		s.mu.Unlock()

		s.readiness.MarkReady(loaded.Model)
		s.logger.Info("Model ready", "model", loaded.Model)
	})

	st := s.readiness.Status()
	if st.State == model.StateFailed {
		return st.Cause
	}
	return nil
}

func (s *Service) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Status returns the readiness state.
func (s *Service) Status() model.Status {
	return s.readiness.Status()
}

// Ready reports whether requests are served.
func (s *Service) Ready() bool {
	return s.readiness.Status().Ready()
}

// orchestrator returns the pipeline once ready.
func (s *Service) orchestrator() (*Orchestrator, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orch, nil
}

// Chat runs the pipeline for one request. It returns ErrNotReady without
// emitting any event when the model is not loaded.
func (s *Service) Chat(ctx context.Context, req ChatRequest, sink Sink) (*Run, error) {
	orch, err := s.orchestrator()
	if err != nil {
		return nil, err
	}
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	contextCode := req.ContextCode
	if contextCode == "" && req.ContextFile != "" && s.index != nil {
		contextCode = s.index.ReadOrEmpty(req.ContextFile)
	}

	if s.sink != nil {
		if sink == nil {
			sink = s.sink
		} else {
			sink = MultiSink{sink, s.sink}
		}
	}

	return orch.Execute(ctx, Request{
		Message:     req.Message,
		ContextCode: contextCode,
		RunID:       req.RunID,
	}, sink)
}

// ReadContext returns a project file's content for use as context.
func (s *Service) ReadContext(relPath string) (string, error) {
	if !s.Ready() {
		return "", ErrNotReady
	}
	if s.index == nil {
		return "", codebase.ErrNotFound
	}
	return s.index.Read(relPath)
}

// Policy returns the artifact policy of the loaded pipeline, or nil before
// the model is ready.
func (s *Service) Policy() Policy {
	orch, err := s.orchestrator()
	if err != nil {
		return nil
	}
	return orch.Policy()
}

// Close stops the engine if it can be stopped.
func (s *Service) Close() error {
	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.closed = true
	s.mu.Unlock()

	if c, ok := engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

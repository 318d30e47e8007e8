// Package llm provides the local inference engine: one model loaded into a
// local llama.cpp server, streamed completions with client-side stop-sequence
// and token-budget guards, and process-wide serialisation of generation.
package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Engine defaults.
const (
	DefaultProvider    = "llamacpp"
	DefaultThreads     = 4
	DefaultContextSize = 4096
	DefaultTemperature = 0.1
	DefaultTopP        = 0.95
	DefaultMaxTokens   = 2048
	DefaultLoadTimeout = 2 * time.Minute
)

// maxEventSize bounds one server-sent event line.
const maxEventSize = 1024 * 1024

// ErrEngineClosed is returned by StreamCompletion after Close.
var ErrEngineClosed = errors.New("engine closed")

// DefaultStopSequences returns the stop sequences used when a request sets none.
func DefaultStopSequences() []string {
	return []string{"<|EOT|>", "### Instruction", "### Response"}
}

// EngineConfig is fixed for the lifetime of an Engine.
type EngineConfig struct {
	// ModelPath is the model file to load.
	ModelPath string

	// Provider names the server wire format ("llamacpp" or "openai").
	Provider string

	Threads     int
	ContextSize int

	// GPULayers is the number of layers offloaded to a GPU. Always 0 for CPU-only inference.
	GPULayers int

	Temperature float64
	TopP        float64

	// MaxTokens is the default per-request token budget.
	MaxTokens int

	// Stop is the default stop sequence list.
	Stop []string

	// LoadTimeout bounds Initialize.
	LoadTimeout time.Duration
}

// DefaultEngineConfig returns the CPU inference defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Provider:    DefaultProvider,
		Threads:     DefaultThreads,
		ContextSize: DefaultContextSize,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		MaxTokens:   DefaultMaxTokens,
		Stop:        DefaultStopSequences(),
		LoadTimeout: DefaultLoadTimeout,
	}
}

// withDefaults fills zero-valued fields.
func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	if c.Threads <= 0 {
		c.Threads = d.Threads
	}
	if c.ContextSize <= 0 {
		c.ContextSize = d.ContextSize
	}
	if c.Temperature <= 0 {
		c.Temperature = d.Temperature
	}
	if c.TopP <= 0 {
		c.TopP = d.TopP
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if len(c.Stop) == 0 {
		c.Stop = d.Stop
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	return c
}

// CompletionRequest is one prompt completion.
type CompletionRequest struct {
	Prompt string

	// Stop overrides the engine's stop sequences when non-empty.
	Stop []string

	// MaxTokens overrides the engine's token budget when positive.
	MaxTokens int
}

// Engine streams completions from one loaded model. Only one stream
// generates at a time; further callers wait their turn.
type Engine struct {
	cfg        EngineConfig
	provider   Provider
	server     *Server
	launcher   Launcher
	httpClient *http.Client
	poll       PollConfig
	logger     *slog.Logger
	metrics    *Metrics

	sem       *semaphore.Weighted
	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets a custom HTTP client for talking to the server.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLauncher sets how the inference server is obtained.
func WithLauncher(l Launcher) Option {
	return func(e *Engine) {
		e.launcher = l
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithPollConfig sets the readiness polling schedule.
func WithPollConfig(cfg PollConfig) Option {
	return func(e *Engine) {
		e.poll = cfg
	}
}

// Initialize loads the model and returns a ready engine. Every failure is a
// *ModelLoadError; the caller should treat it as fatal to readiness.
func Initialize(ctx context.Context, cfg EngineConfig, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	// Serving CPU-only
	cfg.GPULayers = 0

	e := &Engine{
		cfg: cfg,
		// No overall timeout: generation time is bounded by the token budget.
		httpClient: &http.Client{},
		poll:       DefaultPollConfig(),
		logger:     slog.Default(),
		sem:        semaphore.NewWeighted(1),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.launcher == nil {
		e.launcher = &ProcessLauncher{Logger: e.logger}
	}

	loadErr := func(err error) error {
		return &ModelLoadError{Path: cfg.ModelPath, Err: err}
	}

	if cfg.ModelPath == "" {
		return nil, loadErr(errors.New("model path is empty"))
	}
	info, err := os.Stat(cfg.ModelPath)
	if err != nil {
		return nil, loadErr(err)
	}
	if info.IsDir() {
		return nil, loadErr(errors.New("model path is a directory"))
	}

	e.provider = GetProvider(cfg.Provider)
	if e.provider == nil {
		return nil, loadErr(fmt.Errorf("unknown provider %q (available: %s)",
			cfg.Provider, strings.Join(ListProviders(), ", ")))
	}

	start := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout)
	defer cancel()

	srv, err := e.launcher.Launch(loadCtx, cfg)
	if err != nil {
		return nil, loadErr(err)
	}
	e.server = srv

	if err := e.waitReady(loadCtx); err != nil {
		_ = srv.Stop()
		return nil, loadErr(err)
	}

	e.metrics.observeLoad(time.Since(start))
	e.logger.Info("Model loaded",
		"model", cfg.ModelPath,
		"provider", cfg.Provider,
		"server", srv.URL,
		"threads", cfg.Threads,
		"context_size", cfg.ContextSize,
		"duration", time.Since(start))

	return e, nil
}

// waitReady polls the server until it reports ready, exits, or ctx ends.
func (e *Engine) waitReady(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		ready, err := e.checkHealth(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("server not ready: %w", ctx.Err())
		case <-e.server.Exited():
			return e.server.exitError()
		case <-time.After(e.poll.backoff(attempt)):
		}
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// ModelPath returns the loaded model file.
func (e *Engine) ModelPath() string {
	return e.cfg.ModelPath
}

// StreamCompletion starts generating a completion for req.Prompt. It blocks
// until the engine is free or ctx is done. The returned stream holds the
// engine until it ends or is closed; callers must drain or Close it.
func (e *Engine) StreamCompletion(ctx context.Context, req CompletionRequest) (*Stream, error) {
	select {
	case <-e.closed:
		return nil, ErrEngineClosed
	default:
	}

	params := SamplingParams{
		Temperature: e.cfg.Temperature,
		TopP:        e.cfg.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = e.cfg.MaxTokens
	}
	if len(params.Stop) == 0 {
		params.Stop = e.cfg.Stop
	}

	waitStart := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	e.metrics.observeQueueWait(time.Since(waitStart))

	prompt := req.Prompt
	return NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		defer e.sem.Release(1)

		start := time.Now()
		e.metrics.streamStarted()
		outcome, err := e.generate(ctx, prompt, params, emit)
		e.metrics.streamEnded(outcome, time.Since(start))

		e.logger.Debug("Completion stream ended",
			"outcome", outcome,
			"duration", time.Since(start),
			"error", err)
		return err
	}), nil
}

// generate reads the server's event stream, applying the stop-sequence and
// token-budget guards. It returns how the stream ended.
func (e *Engine) generate(ctx context.Context, prompt string, params SamplingParams, emit func(string) bool) (string, error) {
	resp, err := e.openStream(ctx, prompt, params)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, err
		}
		return OutcomeError, err
	}
	defer resp.Body.Close()

	guard := newStopGuard(params.Stop)
	fragments := 0

	send := func(text string) bool {
		return text == "" || emit(text)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		chunk, err := e.provider.ParseStreamEvent([]byte(data))
		if err != nil {
			return OutcomeError, NewFatalError(err)
		}

		if chunk.Text != "" {
			fragments++
			e.metrics.fragment()

			out, hit := guard.push(chunk.Text)
			if !send(out) {
				return OutcomeCancelled, ctx.Err()
			}
			if hit {
				return OutcomeStop, nil
			}
			if fragments >= params.MaxTokens {
				if !send(guard.flush()) {
					return OutcomeCancelled, ctx.Err()
				}
				return OutcomeBudget, nil
			}
		}

		if chunk.Done {
			if !send(guard.flush()) {
				return OutcomeCancelled, ctx.Err()
			}
			return OutcomeEnd, nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, ctx.Err()
		}
		return OutcomeError, NewTransientError(fmt.Errorf("read event stream: %w", err))
	}
	if ctx.Err() != nil {
		return OutcomeCancelled, ctx.Err()
	}

	// Body ended without a final event
	if !send(guard.flush()) {
		return OutcomeCancelled, ctx.Err()
	}
	return OutcomeEnd, nil
}

// Close stops the inference server. In-flight streams fail.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.server != nil {
			err = e.server.Stop()
		}
		e.logger.Info("Engine closed", "model", e.cfg.ModelPath)
	})
	return err
}

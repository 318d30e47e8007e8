package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360studio/localcoder/api"
	"github.com/c360studio/localcoder/codebase"
	"github.com/c360studio/localcoder/config"
	"github.com/c360studio/localcoder/llm"
	"github.com/c360studio/localcoder/model"
	"github.com/c360studio/localcoder/pipeline"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Metrics
	registry        *prometheus.Registry
	engineMetrics   *llm.Metrics
	pipelineMetrics *pipeline.Metrics

	// NATS
	natsConn *nats.Conn

	index *codebase.Index
	svc   *pipeline.Service

	// engineOpts are appended to the options the engine is initialized with.
	engineOpts []llm.Option
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	index, err := codebase.NewIndex(codebase.Config{
		Root:   cfg.Context.Root,
		Ignore: cfg.Context.Ignore,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open context root: %w", err)
	}

	return &App{
		cfg:             cfg,
		logger:          logger,
		registry:        reg,
		engineMetrics:   llm.NewMetrics(reg),
		pipelineMetrics: pipeline.NewMetrics(reg),
		index:           index,
	}, nil
}

// Start connects optional infrastructure and builds the (not yet ready)
// pipeline service.
func (a *App) Start(ctx context.Context) error {
	policy, err := pipeline.NewPolicy(a.cfg.Pipeline)
	if err != nil {
		return err
	}

	opts := []pipeline.ServiceOption{
		pipeline.WithIndex(a.index),
		pipeline.WithMaxTokens(a.cfg.Engine.MaxTokens),
		pipeline.WithServiceLogger(a.logger),
		pipeline.WithOrchestratorOptions(
			pipeline.WithPolicy(policy),
			pipeline.WithMetrics(a.pipelineMetrics),
		),
	}

	if a.cfg.NATS.URL != "" {
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := pipeline.ConnectNATS(a.cfg.NATS.URL, a.logger)
		if err != nil {
			return err
		}
		a.natsConn = conn
		opts = append(opts, pipeline.WithEventSink(
			pipeline.NewNATSSink(conn, a.cfg.NATS.Subject, a.logger)))
		a.logger.Info("Publishing stage events", "subject", a.cfg.NATS.Subject+".>")
	}

	if !a.cfg.Context.DisableCache {
		if err := a.index.Watch(ctx); err != nil {
			a.logger.Warn("Context cache disabled", "error", err)
		}
	}

	a.svc = pipeline.NewService(opts...)
	return nil
}

// Service returns the pipeline service. Nil before Start.
func (a *App) Service() *pipeline.Service {
	return a.svc
}

// LoadModel resolves the model file and initializes the engine. The outcome
// is recorded in the service's readiness.
func (a *App) LoadModel(ctx context.Context) error {
	return a.svc.Initialize(ctx, a.loadEngine)
}

func (a *App) loadEngine(ctx context.Context) (pipeline.Loaded, error) {
	modelPath, err := resolveModelPath(a.cfg)
	if err != nil {
		return pipeline.Loaded{}, err
	}

	opts := []llm.Option{
		llm.WithLogger(a.logger),
		llm.WithMetrics(a.engineMetrics),
		llm.WithLauncher(a.launcher()),
	}
	opts = append(opts, a.engineOpts...)

	engine, err := llm.Initialize(ctx, engineConfig(a.cfg, modelPath), opts...)
	if err != nil {
		return pipeline.Loaded{}, err
	}
	return pipeline.Loaded{Engine: engine, Model: engine.ModelPath()}, nil
}

func (a *App) launcher() llm.Launcher {
	if a.cfg.Engine.URL != "" {
		return &llm.AttachLauncher{URL: a.cfg.Engine.URL}
	}
	return &llm.ProcessLauncher{Binary: a.cfg.Engine.ServerBinary, Logger: a.logger}
}

// resolveModelPath returns the configured model file, or discovers one.
func resolveModelPath(cfg *config.Config) (string, error) {
	if cfg.Model.Path != "" {
		return cfg.Model.Path, nil
	}
	return model.Discover(cfg.ModelDir(), cfg.Model.Extension)
}

// engineConfig maps the configuration file onto the engine's settings.
func engineConfig(cfg *config.Config, modelPath string) llm.EngineConfig {
	return llm.EngineConfig{
		ModelPath:   modelPath,
		Provider:    cfg.Engine.Provider,
		Threads:     cfg.Engine.Threads,
		ContextSize: cfg.Engine.ContextSize,
		Temperature: cfg.Engine.Temperature,
		TopP:        cfg.Engine.TopP,
		MaxTokens:   cfg.Engine.MaxTokens,
		Stop:        cfg.Engine.Stop,
		LoadTimeout: cfg.Engine.LoadTimeout,
	}
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	api.NewHandler(a.svc,
		api.WithMaxBodyBytes(a.cfg.Server.MaxBodyBytes),
		api.WithGatherer(a.registry),
		api.WithLogger(a.logger),
	).RegisterHTTPHandlers("", mux)
	return mux
}

// Serve listens on the configured address until ctx is done. The model loads
// in the background; requests get 503 until it is ready.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	loadCtx, cancelLoad := context.WithCancel(ctx)
	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		if err := a.LoadModel(loadCtx); err != nil {
			a.logger.Error("Model unavailable; serving health only", "error", err)
		}
	}()
	// The engine must be owned by the service before Shutdown runs.
	defer func() {
		cancelLoad()
		<-loadDone
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	return nil
}

// RunOnce loads the model, runs the pipeline for one message and prints
// each stage to out.
func (a *App) RunOnce(ctx context.Context, message, contextFile string, out io.Writer) error {
	if err := a.LoadModel(ctx); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	_, err := a.svc.Chat(ctx, pipeline.ChatRequest{
		Message:     message,
		ContextFile: contextFile,
	}, newTextSink(out))
	return err
}

// textSink prints stage events in the same layout as the /chat stream.
type textSink struct {
	out io.Writer
}

func newTextSink(out io.Writer) *textSink {
	return &textSink{out: out}
}

func (s *textSink) Emit(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventStageStarted:
		fmt.Fprintf(s.out, "#### %s:\n", ev.Label)
	case pipeline.EventStageCompleted:
		fmt.Fprintf(s.out, "%s\n\n", ev.Artifact)
	}
}

// RunREPL runs the interactive chat loop.
func (a *App) RunREPL(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := a.LoadModel(ctx); err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	scanner := bufio.NewScanner(in)
	contextFile := ""

	for {
		fmt.Fprint(out, "localcoder> ")

		if !scanner.Scan() {
			// EOF (Ctrl+D)
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if input == "quit" || input == "exit" {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			contextFile = a.handleCommand(input, contextFile, out)
			continue
		}

		_, err := a.svc.Chat(ctx, pipeline.ChatRequest{
			Message:     input,
			ContextFile: contextFile,
		}, newTextSink(out))
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// handleCommand runs a REPL command and returns the context file to use next.
func (a *App) handleCommand(input, contextFile string, out io.Writer) string {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return contextFile
	}

	switch parts[0] {
	case "/help":
		fmt.Fprintln(out, "Available commands:")
		fmt.Fprintln(out, "  /help          - Show this help")
		fmt.Fprintln(out, "  /status        - Show model status")
		fmt.Fprintln(out, "  /context FILE  - Use a project file as context")
		fmt.Fprintln(out, "  /context       - Clear the context file")
		fmt.Fprintln(out, "  /config        - Show current configuration")
		fmt.Fprintln(out, "  quit/exit      - Exit the REPL")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Or type a request to run the pipeline.")

	case "/status":
		st := a.svc.Status()
		fmt.Fprintf(out, "Model: %s (%s)\n", st.Model, st.State)
		fmt.Fprintf(out, "Policy: %s\n", a.cfg.Pipeline.Policy)
		if contextFile != "" {
			fmt.Fprintf(out, "Context: %s\n", contextFile)
		}

	case "/context":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Context cleared")
			return ""
		}
		content, err := a.svc.ReadContext(parts[1])
		if err != nil {
			fmt.Fprintf(out, "Cannot use %s: %v\n", parts[1], err)
			return contextFile
		}
		fmt.Fprintf(out, "Context: %s (%d bytes)\n", parts[1], len(content))
		return parts[1]

	case "/config":
		fmt.Fprintf(out, "Engine:\n")
		fmt.Fprintf(out, "  Provider: %s\n", a.cfg.Engine.Provider)
		fmt.Fprintf(out, "  Threads: %d\n", a.cfg.Engine.Threads)
		fmt.Fprintf(out, "  Context size: %d\n", a.cfg.Engine.ContextSize)
		fmt.Fprintf(out, "  Max tokens: %d\n", a.cfg.Engine.MaxTokens)
		fmt.Fprintf(out, "\nContext:\n")
		fmt.Fprintf(out, "  Root: %s\n", a.index.Root())

	default:
		fmt.Fprintf(out, "Unknown command: %s\n", parts[0])
		fmt.Fprintln(out, "Type /help for available commands.")
	}
	return contextFile
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() {
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			a.logger.Warn("Failed to stop engine", "error", err)
		}
	}

	if err := a.index.Close(); err != nil {
		a.logger.Warn("Failed to stop context watcher", "error", err)
	}

	// Close NATS connection
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	a.logger.Info("Shutdown complete")
}

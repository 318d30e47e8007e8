package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// stderrTailSize is how much server stderr is kept for load error messages.
const stderrTailSize = 4096

// stopGrace is how long a launched server gets to exit after an interrupt.
const stopGrace = 5 * time.Second

// Server is a running local inference server.
type Server struct {
	// URL is the server's base URL (always a loopback address).
	URL string

	exited  chan struct{}
	exitErr error
	stderr  *tailBuffer
	stop    func() error
}

// Exited is closed when the server process ends. It is nil for attached servers.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// exitError describes why a launched server ended, including its last stderr output.
func (s *Server) exitError() error {
	tail := ""
	if s.stderr != nil {
		tail = strings.TrimSpace(s.stderr.String())
	}
	if tail == "" {
		return fmt.Errorf("server exited: %v", s.exitErr)
	}
	return fmt.Errorf("server exited: %v: %s", s.exitErr, tail)
}

// Stop terminates a launched server. Attached servers are left running.
func (s *Server) Stop() error {
	if s.stop == nil {
		return nil
	}
	return s.stop()
}

// Launcher makes an inference server available for a model.
type Launcher interface {
	Launch(ctx context.Context, cfg EngineConfig) (*Server, error)
}

// AttachLauncher uses a server that is already running on this machine.
type AttachLauncher struct {
	URL string
}

// Launch returns the attached server.
func (a *AttachLauncher) Launch(_ context.Context, _ EngineConfig) (*Server, error) {
	if a.URL == "" {
		return nil, fmt.Errorf("attach: server URL is required")
	}
	return &Server{URL: strings.TrimSuffix(a.URL, "/")}, nil
}

// ProcessLauncher starts a llama.cpp server process bound to 127.0.0.1.
type ProcessLauncher struct {
	// Binary is the server executable (default: llama-server).
	Binary string

	// ExtraArgs are appended to the generated command line.
	ExtraArgs []string

	Logger *slog.Logger
}

// Launch starts the server process on a free loopback port.
// The process outlives ctx; it is stopped through Server.Stop.
func (p *ProcessLauncher) Launch(ctx context.Context, cfg EngineConfig) (*Server, error) {
	binary := p.Binary
	if binary == "" {
		binary = "llama-server"
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("find server binary: %w", err)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("pick server port: %w", err)
	}

	args := serverArgs(cfg, port)
	args = append(args, p.ExtraArgs...)

	stderr := &tailBuffer{max: stderrTailSize}
	cmd := exec.Command(path, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	logger.Info("Started inference server",
		"binary", path,
		"pid", cmd.Process.Pid,
		"port", port,
		"model", cfg.ModelPath)

	srv := &Server{
		URL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		exited: make(chan struct{}),
		stderr: stderr,
	}

	go func() {
		srv.exitErr = cmd.Wait()
		close(srv.exited)
	}()

	var stopOnce sync.Once
	srv.stop = func() error {
		stopOnce.Do(func() {
			select {
			case <-srv.exited:
				return
			default:
			}
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-srv.exited:
			case <-time.After(stopGrace):
				logger.Warn("Inference server ignored interrupt, killing", "pid", cmd.Process.Pid)
				_ = cmd.Process.Kill()
				<-srv.exited
			}
		})
		return nil
	}

	return srv, nil
}

// serverArgs builds the llama.cpp server command line. Inference stays on the
// CPU (-ngl 0 by default) and the model is memory-mapped, not locked.
func serverArgs(cfg EngineConfig, port int) []string {
	return []string{
		"-m", cfg.ModelPath,
		"-t", strconv.Itoa(cfg.Threads),
		"-c", strconv.Itoa(cfg.ContextSize),
		"-ngl", strconv.Itoa(cfg.GPULayers),
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

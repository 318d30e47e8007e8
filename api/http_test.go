package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/localcoder/codebase"
	"github.com/c360studio/localcoder/llm"
	_ "github.com/c360studio/localcoder/llm/providers"
	"github.com/c360studio/localcoder/llm/testutil"
	"github.com/c360studio/localcoder/model"
	"github.com/c360studio/localcoder/pipeline"
	"github.com/c360studio/localcoder/workflow/prompts"
)

// ----------------------------------------------------------------------------
// Test fixtures
// ----------------------------------------------------------------------------

// roleServer imitates llama.cpp's /completion endpoint. Each stage answers
// "<role>(<first section of its prompt>)" so outputs trace their inputs.
type roleServer struct {
	*httptest.Server

	mu        sync.Mutex
	active    int
	maxActive int
	delay     time.Duration
}

func newRoleServer(t *testing.T) *roleServer {
	t.Helper()
	s := &roleServer{delay: 5 * time.Millisecond}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/completion", s.handleCompletion)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// firstSection returns the body of the first labelled section of a prompt.
func firstSection(prompt string) string {
	i := strings.Index(prompt, "\n### ")
	if i < 0 {
		return ""
	}
	rest := prompt[i+1:]
	j := strings.Index(rest, ":\n")
	if j < 0 {
		return ""
	}
	rest = rest[j+2:]
	if k := strings.Index(rest, "\n### "); k >= 0 {
		rest = rest[:k]
	}
	return rest
}

func roleOutput(prompt string) string {
	return prompts.RoleForPrompt(prompt) + "(" + firstSection(prompt) + ")"
}

func (s *roleServer) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	out := roleOutput(body.Prompt)
	half := len(out) / 2

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, frag := range []string{out[:half], out[half:]} {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.delay):
		}
		data, _ := json.Marshal(map[string]any{"content": frag, "stop": false})
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true,\"stop_type\":\"eos\"}\n\n")
	flusher.Flush()
}

func (s *roleServer) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// expectedChat is the /chat body the role server produces for message.
func expectedChat(message string) string {
	analysis := "reasoner(" + message + ")"
	plan := "planner(" + analysis + ")"
	code := "generator(" + plan + ")"
	review := "reviewer(" + analysis + ")"
	return "#### Reasoner Agent:\n" + analysis + "\n\n" +
		"#### Planner Agent:\n" + plan + "\n\n" +
		"#### Generation Agent:\n" + code + "\n\n" +
		"#### Reviewer Agent:\n" + review + "\n"
}

// newLiveServer wires a real engine, service and handler to a role server.
func newLiveServer(t *testing.T, opts ...pipeline.ServiceOption) (*httptest.Server, *roleServer) {
	t.Helper()
	llamaSrv := newRoleServer(t)

	modelPath := filepath.Join(t.TempDir(), "coder.gguf")
	require.NoError(t, os.WriteFile(modelPath, []byte("GGUF"), 0o644))

	svc := pipeline.NewService(append([]pipeline.ServiceOption{pipeline.WithMaxTokens(64)}, opts...)...)
	err := svc.Initialize(context.Background(), func(ctx context.Context) (pipeline.Loaded, error) {
		engine, err := llm.Initialize(ctx, llm.EngineConfig{ModelPath: modelPath},
			llm.WithLauncher(&llm.AttachLauncher{URL: llamaSrv.URL}))
		if err != nil {
			return pipeline.Loaded{}, err
		}
		return pipeline.Loaded{Engine: engine, Model: engine.ModelPath()}, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return serve(t, NewHandler(svc, WithGatherer(prometheus.NewRegistry()))), llamaSrv
}

func serve(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterHTTPHandlers("", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// stubService is a Service with fixed answers.
type stubService struct {
	status  model.Status
	chatErr error
	events  []pipeline.Event
	files   map[string]string
	readErr error
}

func (s *stubService) Chat(_ context.Context, req pipeline.ChatRequest, sink pipeline.Sink) (*pipeline.Run, error) {
	for _, ev := range s.events {
		sink.Emit(ev)
	}
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	return &pipeline.Run{ID: req.RunID, State: pipeline.StateDone}, nil
}

func (s *stubService) ReadContext(relPath string) (string, error) {
	if s.readErr != nil {
		return "", s.readErr
	}
	content, ok := s.files[relPath]
	if !ok {
		return "", codebase.ErrNotFound
	}
	return content, nil
}

func (s *stubService) Status() model.Status {
	return s.status
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

// ----------------------------------------------------------------------------
// POST /chat
// ----------------------------------------------------------------------------

func TestChat_StreamsFourLabelledBlocks(t *testing.T) {
	srv, _ := newLiveServer(t)

	resp := post(t, srv.URL+"/chat", `{"message":"add two numbers"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get(HeaderRunID))

	assert.Equal(t, expectedChat("add two numbers"), readAll(t, resp))
	assert.Equal(t, PipelineCompleted, resp.Trailer.Get(TrailerPipelineState))
}

func TestChat_ConcurrentRunsDoNotInterleave(t *testing.T) {
	srv, llamaSrv := newLiveServer(t)

	messages := []string{"first request", "second request", "third request"}
	bodies := make([]string, len(messages))

	var wg sync.WaitGroup
	for i, msg := range messages {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(srv.URL+"/chat", "application/json",
				strings.NewReader(`{"message":"`+msg+`"}`))
			if err != nil {
				t.Errorf("POST /chat: %v", err)
				return
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(resp.Body)
			bodies[i] = string(data)
		}()
	}
	wg.Wait()

	for i, msg := range messages {
		assert.Equal(t, expectedChat(msg), bodies[i])
	}
	assert.Equal(t, 1, llamaSrv.peakConcurrency())
}

func TestChat_UsesContextFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "calc.py"), []byte("def calc(): pass"), 0o644))
	ix, err := codebase.NewIndex(codebase.Config{Root: root})
	require.NoError(t, err)

	srv, _ := newLiveServer(t, pipeline.WithIndex(ix))
	resp := post(t, srv.URL+"/chat", `{"message":"explain","context_file":"calc.py"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, expectedChat("explain"), readAll(t, resp))
}

func TestChat_RequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		svc        *stubService
		method     string
		body       string
		wantStatus int
	}{
		{"empty message", &stubService{chatErr: pipeline.ErrEmptyMessage}, http.MethodPost, `{"message":""}`, http.StatusBadRequest},
		{"bad json", &stubService{}, http.MethodPost, `{"message":`, http.StatusBadRequest},
		{"not ready", &stubService{chatErr: pipeline.ErrNotReady}, http.MethodPost, `{"message":"hi"}`, http.StatusServiceUnavailable},
		{"other error", &stubService{chatErr: errors.New("boom")}, http.MethodPost, `{"message":"hi"}`, http.StatusInternalServerError},
		{"wrong method", &stubService{}, http.MethodGet, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, NewHandler(tt.svc, WithGatherer(prometheus.NewRegistry())))
			req, err := http.NewRequest(tt.method, srv.URL+"/chat", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusMethodNotAllowed {
				var body errorResponse
				decodeJSON(t, resp, &body)
				assert.NotEmpty(t, body.Error)
			}
		})
	}
}

func TestChat_NotReadyEmitsNoStages(t *testing.T) {
	svc := pipeline.NewService()
	srv := serve(t, NewHandler(svc, WithGatherer(prometheus.NewRegistry())))

	resp := post(t, srv.URL+"/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, readAll(t, resp), "####")
}

func TestChat_StageFailure(t *testing.T) {
	mock := &testutil.MockEngine{
		Responses: []string{"the analysis"},
		Err:       errors.New("server gone"),
		ErrOnCall: 2,
	}
	svc := pipeline.NewService()
	require.NoError(t, svc.Initialize(context.Background(), func(context.Context) (pipeline.Loaded, error) {
		return pipeline.Loaded{Engine: mock, Model: "m.gguf"}, nil
	}))
	srv := serve(t, NewHandler(svc, WithGatherer(prometheus.NewRegistry())))

	resp := post(t, srv.URL+"/chat", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	want := "#### Reasoner Agent:\nthe analysis\n\n" +
		"#### Planner Agent:\n" +
		"#### Pipeline Failed:\nplanning: server gone\n"
	assert.Equal(t, want, readAll(t, resp))
	assert.Equal(t, PipelineFailed, resp.Trailer.Get(TrailerPipelineState))
	assert.Equal(t, 2, mock.GetCallCount())
}

// ----------------------------------------------------------------------------
// POST /add_file_to_context
// ----------------------------------------------------------------------------

func TestAddFile(t *testing.T) {
	ready := model.Status{State: model.StateReady, Model: "m.gguf"}

	tests := []struct {
		name       string
		svc        *stubService
		body       string
		wantStatus int
	}{
		{"found", &stubService{status: ready, files: map[string]string{"a.py": "x = 1"}}, `{"filename":"a.py"}`, http.StatusOK},
		{"missing filename", &stubService{status: ready}, `{}`, http.StatusBadRequest},
		{"empty body", &stubService{status: ready}, ``, http.StatusBadRequest},
		{"not found", &stubService{status: ready}, `{"filename":"nope.py"}`, http.StatusNotFound},
		{"unreadable", &stubService{status: ready, readErr: &codebase.ReadError{Path: "big.bin", Err: codebase.ErrTooLarge}}, `{"filename":"big.bin"}`, http.StatusNotFound},
		{"not ready", &stubService{readErr: pipeline.ErrNotReady}, `{"filename":"a.py"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, NewHandler(tt.svc, WithGatherer(prometheus.NewRegistry())))
			resp := post(t, srv.URL+"/add_file_to_context", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var got AddFileResponse
				decodeJSON(t, resp, &got)
				assert.Equal(t, AddFileResponse{Filename: "a.py", Content: "x = 1"}, got)
			}
		})
	}
}

func TestAddFile_ReadsProjectFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pkg", "util.go"), []byte("package pkg"), 0o644))
	ix, err := codebase.NewIndex(codebase.Config{Root: root})
	require.NoError(t, err)

	srv, _ := newLiveServer(t, pipeline.WithIndex(ix))

	resp := post(t, srv.URL+"/add_file_to_context", `{"filename":"pkg/util.go"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got AddFileResponse
	decodeJSON(t, resp, &got)
	assert.Equal(t, "package pkg", got.Content)

	resp = post(t, srv.URL+"/add_file_to_context", `{"filename":"../etc/passwd"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ----------------------------------------------------------------------------
// GET /health, /metrics
// ----------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		status model.Status
		want   HealthResponse
	}{
		{"initializing", model.Status{State: model.StateUninitialized}, HealthResponse{Status: StatusInitializing}},
		{"ready", model.Status{State: model.StateReady, Model: "/models/coder.gguf"}, HealthResponse{Status: StatusReady, Model: "/models/coder.gguf"}},
		{"failed", model.Status{State: model.StateFailed, Cause: errors.New("bad magic")}, HealthResponse{Status: StatusInitializing, Error: "bad magic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, NewHandler(&stubService{status: tt.status}, WithGatherer(prometheus.NewRegistry())))
			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			var got HealthResponse
			decodeJSON(t, resp, &got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHealth_ReadyAfterInitialize(t *testing.T) {
	svc := pipeline.NewService()
	srv := serve(t, NewHandler(svc, WithGatherer(prometheus.NewRegistry())))

	var before HealthResponse
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	decodeJSON(t, resp, &before)
	resp.Body.Close()
	assert.Equal(t, StatusInitializing, before.Status)

	require.NoError(t, svc.Initialize(context.Background(), func(context.Context) (pipeline.Loaded, error) {
		return pipeline.Loaded{Engine: &testutil.MockEngine{}, Model: "m.gguf"}, nil
	}))

	var after HealthResponse
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	decodeJSON(t, resp, &after)
	resp.Body.Close()
	assert.Equal(t, HealthResponse{Status: StatusReady, Model: "m.gguf"}, after)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	pipeline.NewMetrics(reg).RunCount(pipeline.StateDone).Inc()

	srv := serve(t, NewHandler(&stubService{}, WithGatherer(reg)))
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), `localcoder_pipeline_runs_total{status="done"} 1`)
}

func TestRegisterHTTPHandlers_Prefix(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(&stubService{}, WithGatherer(prometheus.NewRegistry())).RegisterHTTPHandlers("api", mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

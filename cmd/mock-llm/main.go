// Package main implements a mock inference server for offline testing.
// It speaks the llama.cpp server's streaming /completion protocol and the
// OpenAI-compatible /v1/completions stream, answering from text fixture
// files chosen by the pipeline role that rendered the prompt. This lets the
// whole pipeline run without a model: fast, deterministic, and offline.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 8080
//	localcoder serve   # with engine.url: http://127.0.0.1:8080
//
// Fixture files are named by role ("reasoner.txt", "planner.md", ...). A
// "default.txt" fixture answers prompts that match no role.
//
// Sequential fixtures: If numbered files exist (e.g., "reviewer.1.txt",
// "reviewer.2.txt"), the Nth call for that role returns the Nth fixture.
// After exhausting numbered fixtures, the base "reviewer.txt" is used as a
// repeating fallback.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/localcoder/workflow/prompts"
)

// defaultRole answers prompts that no pipeline role produced.
const defaultRole = "default"

// --- Wire types ---

// completionRequest covers both the llama.cpp and OpenAI request bodies.
type completionRequest struct {
	Prompt    string   `json:"prompt"`
	NPredict  int      `json:"n_predict,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
	Stop      []string `json:"stop,omitempty"`
	Stream    bool     `json:"stream"`
}

// budget returns the requested token budget, whichever field carried it.
func (r completionRequest) budget() int {
	if r.NPredict > 0 {
		return r.NPredict
	}
	return r.MaxTokens
}

type llamaChunk struct {
	Content  string `json:"content"`
	Stop     bool   `json:"stop"`
	StopType string `json:"stop_type,omitempty"`
}

type openAIChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
}

type openAIChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

// --- Server ---

// capturedRequest stores the key fields of an incoming request for test verification.
type capturedRequest struct {
	Role      string `json:"role"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	CallIndex int    `json:"call_index"` // 1-indexed per-role call number
	Timestamp int64  `json:"timestamp"`
}

type server struct {
	fixtures map[string][]string // role → ordered fixture contents (sequential)
	delay    time.Duration       // pause between streamed fragments
	logger   *slog.Logger
	calls    atomic.Int64 // total calls served

	// Per-role call counters for sequential fixture selection.
	roleCalls   map[string]*atomic.Int64
	roleCallsMu sync.Mutex // protects lazy init of roleCalls entries

	// Per-role request capture for prompt verification.
	roleRequests   map[string][]capturedRequest
	roleRequestsMu sync.Mutex
}

func newServer(fixtures map[string][]string, delay time.Duration, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:     fixtures,
		delay:        delay,
		logger:       logger,
		roleCalls:    make(map[string]*atomic.Int64),
		roleRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/completion", s.handleLlamaCompletion)
	mux.HandleFunc("/v1/completions", s.handleOpenAICompletion)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

// captureRequest stores a request for later retrieval via /requests endpoint.
func (s *server) captureRequest(role string, req completionRequest, callIndex int) {
	s.roleRequestsMu.Lock()
	defer s.roleRequestsMu.Unlock()
	s.roleRequests[role] = append(s.roleRequests[role], capturedRequest{
		Role:      role,
		Prompt:    req.Prompt,
		MaxTokens: req.budget(),
		CallIndex: callIndex,
		Timestamp: time.Now().UnixMilli(),
	})
}

// getRoleCounter returns the call counter for a role, creating it lazily.
func (s *server) getRoleCounter(role string) *atomic.Int64 {
	s.roleCallsMu.Lock()
	defer s.roleCallsMu.Unlock()
	if c, ok := s.roleCalls[role]; ok {
		return c
	}
	c := &atomic.Int64{}
	s.roleCalls[role] = c
	return c
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 8080, "port to listen on (loopback only)")
	delay := flag.Duration("delay", 0, "pause between streamed fragments")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow env var override
	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded fixtures", "roles", len(fixtures), "dir", *fixtureDir)
	for role, seq := range fixtures {
		logger.Info("Fixture", "role", role, "count", len(seq))
	}

	s := newServer(fixtures, *delay, logger)

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	logger.Info("Mock inference server listening", "addr", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// respond resolves the fixture for a request. It writes an error response and
// returns false when the request cannot be served.
func (s *server) respond(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return "", false
	}

	callNum := s.calls.Add(1)
	role := prompts.RoleForPrompt(req.Prompt)
	if role == "" {
		role = defaultRole
	}

	seq, ok := s.fixtures[role]
	if !ok {
		seq, ok = s.fixtures[defaultRole]
	}
	if !ok {
		s.logger.Warn("No fixture for role", "call", callNum, "role", role)
		http.Error(w, fmt.Sprintf("no fixture for role %q", role), http.StatusNotFound)
		return "", false
	}

	// Select fixture from sequence based on per-role call count
	counter := s.getRoleCounter(role)
	callIndex := int(counter.Add(1) - 1) // 0-indexed

	s.captureRequest(role, req, callIndex+1)
	content := seq[min(callIndex, len(seq)-1)]

	s.logger.Info("Completion", "call", callNum, "role", role, "call_index", callIndex+1, "fixtures", len(seq), "bytes", len(content))
	return content, true
}

// fragments splits text after each space, roughly the way a tokenizer would.
func fragments(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}

// stream writes each fragment as one server-sent event.
func (s *server) stream(w http.ResponseWriter, r *http.Request, frags []string, event func(frag string) any, final any) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	rc := http.NewResponseController(w)

	write := func(v any) bool {
		data, _ := json.Marshal(v)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		_ = rc.Flush()
		return true
	}

	for _, frag := range frags {
		if s.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.delay):
			}
		}
		if !write(event(frag)) {
			return
		}
	}
	write(final)
}

// handleLlamaCompletion serves llama.cpp's POST /completion stream.
func (s *server) handleLlamaCompletion(w http.ResponseWriter, r *http.Request) {
	content, ok := s.respond(w, r)
	if !ok {
		return
	}
	s.stream(w, r, fragments(content),
		func(frag string) any { return llamaChunk{Content: frag} },
		llamaChunk{Stop: true, StopType: "eos"})
}

// handleOpenAICompletion serves the OpenAI-compatible POST /v1/completions stream.
func (s *server) handleOpenAICompletion(w http.ResponseWriter, r *http.Request) {
	content, ok := s.respond(w, r)
	if !ok {
		return
	}

	id := "cmpl-" + uuid.New().String()
	created := time.Now().Unix()
	chunk := func(text string, finish *string) openAIChunk {
		return openAIChunk{
			ID:      id,
			Object:  "text_completion",
			Created: created,
			Model:   "mock-llm",
			Choices: []openAIChoice{{Text: text, FinishReason: finish}},
		}
	}

	stop := "stop"
	s.stream(w, r, fragments(content),
		func(frag string) any { return chunk(frag, nil) },
		chunk("", &stop))

	fmt.Fprint(w, "data: [DONE]\n\n")
}

// handleModels returns the mock model (OpenAI-compatible).
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data": []map[string]string{
			{"id": "mock-llm", "object": "model", "owned_by": "mock-llm"},
		},
	})
}

// handleStats returns call counts for test assertions.
// Returns total_calls and per-role calls_by_role breakdown.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.roleCallsMu.Lock()
	callsByRole := make(map[string]int64, len(s.roleCalls))
	for role, counter := range s.roleCalls {
		callsByRole[role] = counter.Load()
	}
	s.roleCallsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":   s.calls.Load(),
		"calls_by_role": callsByRole,
	})
}

// handleRequests returns captured requests for test assertions.
// Query params:
//   - role: filter by role (optional, returns all roles if omitted)
//   - call: filter by call index, 1-indexed (optional)
//
// Returns {"requests_by_role": {"planner": [...], ...}}
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	roleFilter := r.URL.Query().Get("role")
	callFilter := r.URL.Query().Get("call")

	s.roleRequestsMu.Lock()
	result := make(map[string][]capturedRequest)
	for role, reqs := range s.roleRequests {
		if roleFilter != "" && role != roleFilter {
			continue
		}
		if callFilter != "" {
			callIdx, err := strconv.Atoi(callFilter)
			if err == nil {
				for _, req := range reqs {
					if req.CallIndex == callIdx {
						result[role] = append(result[role], req)
					}
				}
				continue
			}
		}
		result[role] = reqs
	}
	s.roleRequestsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"requests_by_role": result,
	})
}

// numberedFileRe matches files like "reviewer.1.txt", "planner.2.md".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.(txt|md)$`)

// baseFileRe matches files like "reviewer.txt", "planner.md".
var baseFileRe = regexp.MustCompile(`^([^.]+)\.(txt|md)$`)

// loadFixtures reads text files from dir and returns a map of role→content sequence.
//
// For each role, fixtures are ordered:
//  1. Numbered files (role.1.txt, role.2.txt, ...) in numeric order
//  2. Base file (role.txt) appended as the final fallback
//
// Trailing newlines are trimmed from every fixture.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)             // role → content
	numberedFiles := make(map[string]map[int]string) // role → {index → content}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		numbered := numberedFileRe.FindStringSubmatch(info.Name())
		base := baseFileRe.FindStringSubmatch(info.Name())
		if numbered == nil && base == nil {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		content := strings.TrimRight(string(data), "\n")

		if numbered != nil {
			role := numbered[1]
			index, _ := strconv.Atoi(numbered[2])
			if numberedFiles[role] == nil {
				numberedFiles[role] = make(map[int]string)
			}
			numberedFiles[role][index] = content
			return nil
		}

		baseFiles[base[1]] = content
		return nil
	})

	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)

	allRoles := make(map[string]bool)
	for role := range baseFiles {
		allRoles[role] = true
	}
	for role := range numberedFiles {
		allRoles[role] = true
	}

	for role := range allRoles {
		var seq []string

		if numbered, ok := numberedFiles[role]; ok {
			indices := make([]int, 0, len(numbered))
			for idx := range numbered {
				indices = append(indices, idx)
			}
			sort.Ints(indices)

			for _, idx := range indices {
				seq = append(seq, numbered[idx])
			}
		}

		if base, ok := baseFiles[role]; ok {
			seq = append(seq, base)
		}

		if len(seq) > 0 {
			fixtures[role] = seq
		}
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}

	return fixtures, nil
}

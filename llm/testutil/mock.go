// Package testutil provides test utilities for the llm package.
// It includes a scripted engine for testing code that consumes completion streams.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/c360studio/localcoder/llm"
)

// MockEngine is a thread-safe scripted engine for testing.
// It records every request and streams configured responses word by word.
//
// Usage:
//
//	// Responses returned in sequence
//	mock := &MockEngine{
//	    Responses: []string{"analysis", "plan", "code", "review"},
//	}
//
//	// Fail the third call
//	mock := &MockEngine{
//	    Responses: []string{"analysis", "plan"},
//	    Err:       errors.New("server gone"),
//	    ErrOnCall: 3,
//	}
type MockEngine struct {
	mu            sync.Mutex
	Responses     []string // Responses to stream in sequence
	Err           error    // Error to return from StreamCompletion
	ErrOnCall     int      // 1-based call that fails with Err; 0 fails every call
	StreamErr     error    // Error delivered by the stream after its fragments
	requests      []llm.CompletionRequest
	callCount     int
	responseIndex int
}

// StreamCompletion implements the engine's streaming call.
func (m *MockEngine) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.requests = append(m.requests, req)

	if m.Err != nil && (m.ErrOnCall == 0 || m.ErrOnCall == m.callCount) {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := ""
	if m.responseIndex < len(m.Responses) {
		text = m.Responses[m.responseIndex]
		m.responseIndex++
	}
	streamErr := m.StreamErr

	return llm.NewStream(ctx, func(ctx context.Context, emit func(string) bool) error {
		for _, frag := range Fragments(text) {
			if !emit(frag) {
				return ctx.Err()
			}
		}
		return streamErr
	}), nil
}

// Requests returns every request received so far.
func (m *MockEngine) Requests() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// GetCallCount returns the number of times StreamCompletion was called.
func (m *MockEngine) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset resets the mock's state (call count, requests and response index).
func (m *MockEngine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.responseIndex = 0
	m.requests = nil
}

// Fragments splits text the way a tokenizer roughly would: after each space.
func Fragments(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}

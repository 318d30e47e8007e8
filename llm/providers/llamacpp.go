package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/localcoder/llm"
)

// LlamaCppProvider speaks the native llama.cpp server API (POST /completion).
type LlamaCppProvider struct{}

func init() {
	llm.RegisterProvider(&LlamaCppProvider{})
}

// Name returns the provider identifier.
func (p *LlamaCppProvider) Name() string {
	return "llamacpp"
}

// BuildURL constructs the completion endpoint.
func (p *LlamaCppProvider) BuildURL(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/completion") {
		return baseURL
	}
	return baseURL + "/completion"
}

// HealthURL returns the server health endpoint. llama.cpp answers 503 while
// the model is still loading and 200 once it can serve.
func (p *LlamaCppProvider) HealthURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/health"
}

// SetHeaders asks for an event stream.
func (p *LlamaCppProvider) SetHeaders(req *http.Request) {
	req.Header.Set("Accept", "text/event-stream")
}

type llamaCppRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
}

// BuildRequestBody creates the native completion request body.
func (p *LlamaCppProvider) BuildRequestBody(prompt string, params llm.SamplingParams) ([]byte, error) {
	return json.Marshal(llamaCppRequest{
		Prompt:      prompt,
		NPredict:    params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.Stop,
		Stream:      true,
		CachePrompt: true,
	})
}

type llamaCppEvent struct {
	Content  string `json:"content"`
	Stop     bool   `json:"stop"`
	StopType string `json:"stop_type"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseStreamEvent decodes one streamed completion event.
func (p *LlamaCppProvider) ParseStreamEvent(data []byte) (llm.StreamChunk, error) {
	var ev llamaCppEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return llm.StreamChunk{}, fmt.Errorf("parse llama.cpp event: %w", err)
	}
	if ev.Error != nil {
		return llm.StreamChunk{}, fmt.Errorf("llama.cpp error: %s", ev.Error.Message)
	}
	return llm.StreamChunk{
		Text:         ev.Content,
		Done:         ev.Stop,
		FinishReason: ev.StopType,
	}, nil
}

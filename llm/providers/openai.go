package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/localcoder/llm"
)

// doneMarker terminates an OpenAI-compatible event stream.
const doneMarker = "[DONE]"

// maxOpenAIStops is the largest stop list the OpenAI completions API accepts.
// The engine's client-side guard still honours the full list.
const maxOpenAIStops = 4

// OpenAIProvider speaks the OpenAI-compatible legacy completions API
// (POST /v1/completions) that llama.cpp, llamafile and vLLM expose locally.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the completions endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/completions") {
		return baseURL
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/completions"
	}
	return baseURL + "/v1/completions"
}

// HealthURL returns the model listing endpoint, which answers once the model is served.
func (o *OpenAIProvider) HealthURL(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/models"
	}
	return baseURL + "/v1/models"
}

// SetHeaders asks for an event stream.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	req.Header.Set("Accept", "text/event-stream")
}

type openAIRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
}

// BuildRequestBody creates the OpenAI-compatible completion body.
func (o *OpenAIProvider) BuildRequestBody(prompt string, params llm.SamplingParams) ([]byte, error) {
	stop := params.Stop
	if len(stop) > maxOpenAIStops {
		stop = stop[:maxOpenAIStops]
	}
	return json.Marshal(openAIRequest{
		Model:       "local",
		Prompt:      prompt,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        stop,
		Stream:      true,
	})
}

type openAIEvent struct {
	Choices []struct {
		Text         string  `json:"text"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseStreamEvent decodes one streamed completion chunk.
func (o *OpenAIProvider) ParseStreamEvent(data []byte) (llm.StreamChunk, error) {
	if strings.TrimSpace(string(data)) == doneMarker {
		return llm.StreamChunk{Done: true}, nil
	}

	var ev openAIEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return llm.StreamChunk{}, fmt.Errorf("parse openai event: %w", err)
	}
	if ev.Error != nil {
		return llm.StreamChunk{}, fmt.Errorf("openai error: %s", ev.Error.Message)
	}
	if len(ev.Choices) == 0 {
		return llm.StreamChunk{}, nil
	}

	choice := ev.Choices[0]
	chunk := llm.StreamChunk{Text: choice.Text}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		chunk.Done = true
		chunk.FinishReason = *choice.FinishReason
	}
	return chunk, nil
}

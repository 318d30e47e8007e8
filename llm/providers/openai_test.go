package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/c360studio/localcoder/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_Name(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "openai", p.Name())
}

func TestOpenAIProvider_BuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "bare host",
			baseURL: "http://127.0.0.1:8080",
			want:    "http://127.0.0.1:8080/v1/completions",
		},
		{
			name:    "v1 base",
			baseURL: "http://127.0.0.1:8080/v1",
			want:    "http://127.0.0.1:8080/v1/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "http://127.0.0.1:8080/v1/",
			want:    "http://127.0.0.1:8080/v1/completions",
		},
		{
			name:    "full endpoint kept",
			baseURL: "http://localhost:8080/v1/completions",
			want:    "http://localhost:8080/v1/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.BuildURL(tt.baseURL))
		})
	}
}

func TestOpenAIProvider_HealthURL(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "http://127.0.0.1:8080/v1/models", p.HealthURL("http://127.0.0.1:8080"))
	assert.Equal(t, "http://127.0.0.1:8080/v1/models", p.HealthURL("http://127.0.0.1:8080/v1/"))
}

func TestOpenAIProvider_SetHeaders(t *testing.T) {
	p := &OpenAIProvider{}
	req, _ := http.NewRequest("POST", "http://127.0.0.1:8080/v1/completions", nil)
	p.SetHeaders(req)
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestOpenAIProvider_BuildRequestBody(t *testing.T) {
	p := &OpenAIProvider{}

	body, err := p.BuildRequestBody("prompt", llm.SamplingParams{
		Temperature: 0.1,
		TopP:        0.95,
		MaxTokens:   64,
		Stop:        []string{"a", "b", "c", "d", "e"},
	})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "prompt", req["prompt"])
	assert.Equal(t, float64(64), req["max_tokens"])
	assert.Equal(t, true, req["stream"])
	assert.Len(t, req["stop"], maxOpenAIStops)
}

func TestOpenAIProvider_ParseStreamEvent(t *testing.T) {
	p := &OpenAIProvider{}

	tests := []struct {
		name    string
		data    string
		want    llm.StreamChunk
		wantErr bool
	}{
		{
			name: "text chunk",
			data: `{"choices":[{"text":"func","finish_reason":null}]}`,
			want: llm.StreamChunk{Text: "func"},
		},
		{
			name: "final chunk",
			data: `{"choices":[{"text":"","finish_reason":"length"}]}`,
			want: llm.StreamChunk{Done: true, FinishReason: "length"},
		},
		{
			name: "done marker",
			data: `[DONE]`,
			want: llm.StreamChunk{Done: true},
		},
		{
			name: "no choices",
			data: `{"choices":[]}`,
			want: llm.StreamChunk{},
		},
		{
			name:    "error payload",
			data:    `{"error":{"message":"context overflow"}}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			data:    `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.ParseStreamEvent([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package providers

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/localcoder/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLlamaCppProvider_Registered(t *testing.T) {
	assert.NotNil(t, llm.GetProvider("llamacpp"))
	assert.NotNil(t, llm.GetProvider("openai"))
}

func TestLlamaCppProvider_URLs(t *testing.T) {
	p := &LlamaCppProvider{}
	assert.Equal(t, "http://127.0.0.1:8080/completion", p.BuildURL("http://127.0.0.1:8080"))
	assert.Equal(t, "http://127.0.0.1:8080/completion", p.BuildURL("http://127.0.0.1:8080/"))
	assert.Equal(t, "http://127.0.0.1:8080/completion", p.BuildURL("http://127.0.0.1:8080/completion"))
	assert.Equal(t, "http://127.0.0.1:8080/health", p.HealthURL("http://127.0.0.1:8080/"))
}

func TestLlamaCppProvider_BuildRequestBody(t *testing.T) {
	p := &LlamaCppProvider{}

	body, err := p.BuildRequestBody("### Output:\n", llm.SamplingParams{
		Temperature: 0.1,
		TopP:        0.95,
		MaxTokens:   2048,
		Stop:        llm.DefaultStopSequences(),
	})
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "### Output:\n", req["prompt"])
	assert.Equal(t, float64(2048), req["n_predict"])
	assert.InDelta(t, 0.1, req["temperature"], 1e-9)
	assert.InDelta(t, 0.95, req["top_p"], 1e-9)
	assert.Equal(t, true, req["stream"])
	assert.Equal(t, []any{"<|EOT|>", "### Instruction", "### Response"}, req["stop"])
}

func TestLlamaCppProvider_ParseStreamEvent(t *testing.T) {
	p := &LlamaCppProvider{}

	tests := []struct {
		name    string
		data    string
		want    llm.StreamChunk
		wantErr bool
	}{
		{
			name: "content",
			data: `{"content":"Hello","stop":false}`,
			want: llm.StreamChunk{Text: "Hello"},
		},
		{
			name: "end of generation",
			data: `{"content":"","stop":true,"stop_type":"eos"}`,
			want: llm.StreamChunk{Done: true, FinishReason: "eos"},
		},
		{
			name: "budget exhausted",
			data: `{"content":"x","stop":true,"stop_type":"limit"}`,
			want: llm.StreamChunk{Text: "x", Done: true, FinishReason: "limit"},
		},
		{
			name:    "server error",
			data:    `{"error":{"code":500,"message":"failed to load model"}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			data:    `hello`,
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

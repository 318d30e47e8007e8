package llm

import (
	"net/http"
	"sort"
	"sync"
)

// SamplingParams are the per-request generation settings sent to the server.
type SamplingParams struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// StreamChunk is one decoded server-sent event.
type StreamChunk struct {
	// Text is the fragment carried by the event (may be empty).
	Text string

	// Done reports that the server finished generating.
	Done bool

	// FinishReason is the server's reason for stopping ("eos", "limit", "word", "stop", "length").
	FinishReason string
}

// Provider defines the wire format of a local inference server.
type Provider interface {
	// Name returns the provider identifier (e.g., "llamacpp", "openai").
	Name() string

	// BuildURL constructs the streaming completion endpoint URL.
	BuildURL(baseURL string) string

	// HealthURL constructs the endpoint polled while the model loads.
	HealthURL(baseURL string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body for a raw prompt completion.
	BuildRequestBody(prompt string, params SamplingParams) ([]byte, error)

	// ParseStreamEvent decodes the data payload of one server-sent event.
	ParseStreamEvent(data []byte) (StreamChunk, error)
}

// providerRegistry holds registered providers.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider to the registry.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

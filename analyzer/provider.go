// Package analyzer calls the external LLM that turns an assembled project
// context into a structured analysis. Providers are pluggable adapters
// registered at init time; the client adds retry classification and a
// per-endpoint circuit breaker on top.
package analyzer

import (
	"net/http"
	"sync"
)

// Provider adapts one LLM API. The system preamble is passed separately
// from the user content so providers that support prompt caching can mark
// it cacheable.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL.
	BuildURL(baseURL string) string

	// SetHeaders adds provider-specific authentication headers.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. temperature is nil
	// to use the provider default.
	BuildRequestBody(model, system, user string, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the completion from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// Response is the raw completion before structured parsing.
type Response struct {
	Content      string
	Model        string
	TokensUsed   int
	FinishReason string
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

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}

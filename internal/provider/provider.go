// Package provider binds upstream families to endpoints and credentials.
// Adapters never rewrite request bodies; the proxy forwards the Anthropic
// Messages protocol verbatim and adapters only say where it goes and which
// auth headers it carries.
package provider

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	relay "github.com/eugener/shadowfax/internal"
)

const (
	anthropicVersion = "2023-06-01"
	oauthBeta        = "oauth-2025-04-20"

	anthropicBaseURL = "https://api.anthropic.com"
	minimaxBaseURL   = "https://api.minimax.io/anthropic"
	kiloBaseURL      = "https://api.kilocode.ai"
	nanogptBaseURL   = "https://nano-gpt.com/api"
	zaiBaseURL       = "https://api.z.ai/api/anthropic"
)

// Adapter resolves the upstream endpoint and credentials for one account.
type Adapter interface {
	// Family returns the provider family tag.
	Family() string
	// BaseURL returns the upstream base URL for the account. Families
	// without a fixed endpoint require account.CustomEndpoint.
	BaseURL(a *relay.Account) (string, error)
	// SetAuth injects the account credentials into outbound headers.
	SetAuth(h http.Header, a *relay.Account)
}

type authStyle int

const (
	authBearer authStyle = iota // Authorization: Bearer <api_key>
	authHeader                  // x-api-key: <api_key>
	authOAuth                   // Authorization: Bearer <access_token> + beta header
)

// Family is a concrete upstream family. The zero value is not usable;
// construct through DefaultRegistry or the exported constructors in tests.
type Family struct {
	name    string
	baseURL string // empty means CustomEndpoint is required
	style   authStyle
}

func (f *Family) Family() string { return f.name }

func (f *Family) BaseURL(a *relay.Account) (string, error) {
	if a.CustomEndpoint != "" {
		return strings.TrimRight(a.CustomEndpoint, "/"), nil
	}
	if f.baseURL == "" {
		return "", fmt.Errorf("provider %q requires a custom endpoint", f.name)
	}
	return f.baseURL, nil
}

func (f *Family) SetAuth(h http.Header, a *relay.Account) {
	switch f.style {
	case authOAuth:
		h.Set("Authorization", "Bearer "+a.AccessToken)
		h.Set("anthropic-beta", oauthBeta)
	case authHeader:
		h.Set("x-api-key", a.APIKey)
	default:
		h.Set("Authorization", "Bearer "+a.APIKey)
	}
	h.Set("anthropic-version", anthropicVersion)
}

// Registry maps (provider, auth_type) pairs to adapters. A row registered
// with an empty auth type matches any auth type for its provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[registryKey]Adapter
}

type registryKey struct {
	provider string
	authType string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[registryKey]Adapter)}
}

// DefaultRegistry returns a registry with every built-in family registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(relay.ProviderAnthropic, relay.AuthTypeOAuth,
		&Family{name: relay.ProviderAnthropic, baseURL: anthropicBaseURL, style: authOAuth})
	r.Register(relay.ProviderAnthropic, relay.AuthTypeAPIKey,
		&Family{name: relay.ProviderAnthropic, baseURL: anthropicBaseURL, style: authHeader})
	r.Register(relay.ProviderAnthropicCompat, "",
		&Family{name: relay.ProviderAnthropicCompat, style: authHeader})
	r.Register(relay.ProviderOpenAICompat, "",
		&Family{name: relay.ProviderOpenAICompat, style: authBearer})
	r.Register(relay.ProviderMinimax, "",
		&Family{name: relay.ProviderMinimax, baseURL: minimaxBaseURL, style: authBearer})
	r.Register(relay.ProviderKilo, "",
		&Family{name: relay.ProviderKilo, baseURL: kiloBaseURL, style: authBearer})
	r.Register(relay.ProviderNanoGPT, "",
		&Family{name: relay.ProviderNanoGPT, baseURL: nanogptBaseURL, style: authBearer})
	r.Register(relay.ProviderZAI, "",
		&Family{name: relay.ProviderZAI, baseURL: zaiBaseURL, style: authHeader})
	return r
}

// Register adds an adapter under (provider, authType), overwriting any
// previous registration for the same pair.
func (r *Registry) Register(provider, authType string, a Adapter) {
	r.mu.Lock()
	r.adapters[registryKey{provider, authType}] = a
	r.mu.Unlock()
}

// Resolve returns the adapter for the account's provider and auth type,
// falling back to the provider's any-auth row.
func (r *Registry) Resolve(a *relay.Account) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ad, ok := r.adapters[registryKey{a.Provider, a.AuthType}]; ok {
		return ad, nil
	}
	if ad, ok := r.adapters[registryKey{a.Provider, ""}]; ok {
		return ad, nil
	}
	return nil, fmt.Errorf("no adapter for provider %q auth %q", a.Provider, a.AuthType)
}

// List returns the sorted set of registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.adapters))
	for k := range r.adapters {
		seen[k.provider] = struct{}{}
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

package provider

import (
	"io"
	"net/http"
	"strings"
	"testing"

	relay "github.com/eugener/shadowfax/internal"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()

	tests := []struct {
		name     string
		acct     relay.Account
		family   string
		wantAuth string // header carrying the credential
	}{
		{
			name:     "anthropic oauth",
			acct:     relay.Account{Provider: relay.ProviderAnthropic, AuthType: relay.AuthTypeOAuth, AccessToken: "at-1"},
			family:   relay.ProviderAnthropic,
			wantAuth: "Authorization",
		},
		{
			name:     "anthropic console key",
			acct:     relay.Account{Provider: relay.ProviderAnthropic, AuthType: relay.AuthTypeAPIKey, APIKey: "sk-ant-1"},
			family:   relay.ProviderAnthropic,
			wantAuth: "x-api-key",
		},
		{
			name:     "zai any auth",
			acct:     relay.Account{Provider: relay.ProviderZAI, AuthType: relay.AuthTypeAPIKey, APIKey: "z-1"},
			family:   relay.ProviderZAI,
			wantAuth: "x-api-key",
		},
		{
			name:     "minimax bearer",
			acct:     relay.Account{Provider: relay.ProviderMinimax, AuthType: relay.AuthTypeAPIKey, APIKey: "mm-1"},
			family:   relay.ProviderMinimax,
			wantAuth: "Authorization",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ad, err := reg.Resolve(&tt.acct)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if ad.Family() != tt.family {
				t.Errorf("Family() = %q, want %q", ad.Family(), tt.family)
			}
			h := http.Header{}
			ad.SetAuth(h, &tt.acct)
			if h.Get(tt.wantAuth) == "" {
				t.Errorf("auth header %q not set: %v", tt.wantAuth, h)
			}
			if h.Get("anthropic-version") == "" {
				t.Error("anthropic-version not set")
			}
		})
	}

	_, err := reg.Resolve(&relay.Account{Provider: "bedrock", AuthType: relay.AuthTypeAPIKey})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestOAuthAuthHeaders(t *testing.T) {
	t.Parallel()

	acct := relay.Account{Provider: relay.ProviderAnthropic, AuthType: relay.AuthTypeOAuth, AccessToken: "at-99"}
	ad, err := DefaultRegistry().Resolve(&acct)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	h := http.Header{}
	ad.SetAuth(h, &acct)
	if got := h.Get("Authorization"); got != "Bearer at-99" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("anthropic-beta"); got != "oauth-2025-04-20" {
		t.Errorf("anthropic-beta = %q", got)
	}
	if h.Get("x-api-key") != "" {
		t.Error("x-api-key must not be set for oauth accounts")
	}
}

func TestBaseURL(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()

	t.Run("family default", func(t *testing.T) {
		t.Parallel()
		acct := relay.Account{Provider: relay.ProviderAnthropic, AuthType: relay.AuthTypeOAuth}
		ad, _ := reg.Resolve(&acct)
		base, err := ad.BaseURL(&acct)
		if err != nil {
			t.Fatalf("BaseURL: %v", err)
		}
		if base != "https://api.anthropic.com" {
			t.Errorf("base = %q", base)
		}
	})

	t.Run("custom endpoint wins", func(t *testing.T) {
		t.Parallel()
		acct := relay.Account{Provider: relay.ProviderZAI, CustomEndpoint: "http://localhost:9999/anthropic/"}
		ad, _ := reg.Resolve(&acct)
		base, err := ad.BaseURL(&acct)
		if err != nil {
			t.Fatalf("BaseURL: %v", err)
		}
		if base != "http://localhost:9999/anthropic" {
			t.Errorf("base = %q, want trailing slash trimmed", base)
		}
	})

	t.Run("endpoint required", func(t *testing.T) {
		t.Parallel()
		acct := relay.Account{Provider: relay.ProviderOpenAICompat}
		ad, _ := reg.Resolve(&acct)
		if _, err := ad.BaseURL(&acct); err == nil {
			t.Fatal("expected error without custom endpoint")
		}
	})
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	names := DefaultRegistry().List()
	want := []string{
		relay.ProviderAnthropic, relay.ProviderAnthropicCompat, relay.ProviderKilo,
		relay.ProviderMinimax, relay.ProviderNanoGPT, relay.ProviderOpenAICompat,
		relay.ProviderZAI,
	}
	if len(names) != len(want) {
		t.Fatalf("List() = %v, want %d names", names, len(want))
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	err := &APIError{Provider: "zai", StatusCode: 429, Body: "rate limited"}
	if !strings.Contains(err.Error(), "zai") || !strings.Contains(err.Error(), "429") {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d", err.HTTPStatus())
	}

	kinds := []struct {
		status int
		want   relay.ErrorKind
	}{
		{429, relay.KindRateLimit},
		{401, relay.KindAuth},
		{403, relay.KindAuth},
		{500, relay.KindProvider},
		{529, relay.KindProvider},
		{404, relay.KindValidation},
	}
	for _, k := range kinds {
		e := &APIError{Provider: "anthropic", StatusCode: k.status}
		if got := e.Kind(); got != k.want {
			t.Errorf("Kind(%d) = %v, want %v", k.status, got, k.want)
		}
	}
}

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	body := `{"type":"error","error":{"type":"not_found_error","message":"model not found"}}`
	resp := &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader(body)),
	}

	apiErr := ParseAPIError("anthropic", resp)
	if apiErr.HTTPStatus() != 404 {
		t.Errorf("HTTPStatus() = %d, want 404", apiErr.HTTPStatus())
	}
	if !strings.Contains(apiErr.Error(), "model not found") {
		t.Errorf("Error() = %q, want body content", apiErr.Error())
	}
}

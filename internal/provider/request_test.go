package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	relay "github.com/eugener/shadowfax/internal"
)

func TestOutbound(t *testing.T) {
	t.Parallel()

	acct := relay.Account{
		Provider: relay.ProviderAnthropic, AuthType: relay.AuthTypeAPIKey,
		APIKey: "sk-ant-test", CustomEndpoint: "https://upstream.example",
	}
	ad, err := DefaultRegistry().Resolve(&acct)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages?beta=true", strings.NewReader("ignored"))
	inbound.Header.Set("Content-Type", "application/json")
	inbound.Header.Set("Accept", "text/event-stream")
	inbound.Header.Set("Authorization", "Bearer client-key")
	inbound.Header.Set("x-api-key", "client-key-2")
	inbound.Header.Set("Connection", "keep-alive")

	body := []byte(`{"model":"claude-sonnet-4-5","stream":true}`)
	req, err := Outbound(context.Background(), ad, &acct, inbound, "/v1/messages", body)
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}

	if got := req.URL.String(); got != "https://upstream.example/v1/messages?beta=true" {
		t.Errorf("url = %q", got)
	}
	if req.Method != http.MethodPost {
		t.Errorf("method = %q", req.Method)
	}
	if got := req.Header.Get("x-api-key"); got != "sk-ant-test" {
		t.Errorf("x-api-key = %q, want account credential", got)
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("client Authorization must be stripped")
	}
	if req.Header.Get("Connection") != "" {
		t.Error("hop-by-hop header must be stripped")
	}
	if got := req.Header.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q, want passthrough", got)
	}
	if req.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", req.ContentLength, len(body))
	}
	sent, _ := io.ReadAll(req.Body)
	if string(sent) != string(body) {
		t.Errorf("body = %q, want the buffered body, not the inbound reader", sent)
	}
}

func TestOutboundDefaultContentType(t *testing.T) {
	t.Parallel()

	acct := relay.Account{Provider: relay.ProviderKilo, APIKey: "k-1"}
	ad, _ := DefaultRegistry().Resolve(&acct)

	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req, err := Outbound(context.Background(), ad, &acct, inbound, "/v1/messages", []byte("{}"))
	if err != nil {
		t.Fatalf("Outbound: %v", err)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestOutboundMissingEndpoint(t *testing.T) {
	t.Parallel()

	acct := relay.Account{Provider: relay.ProviderOpenAICompat, APIKey: "k-1"}
	ad, _ := DefaultRegistry().Resolve(&acct)

	inbound := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	if _, err := Outbound(context.Background(), ad, &acct, inbound, "/v1/messages", nil); err == nil {
		t.Fatal("expected error for missing custom endpoint")
	}
}

func TestCopyResponseHeaders(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Header: http.Header{
		"Content-Type":      {"text/event-stream"},
		"X-Request-Id":      {"req-1"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive"},
	}}
	rec := httptest.NewRecorder()
	CopyResponseHeaders(rec, resp)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "req-1" {
		t.Errorf("X-Request-Id = %q", got)
	}
	if rec.Header().Get("Transfer-Encoding") != "" || rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop headers must not be copied")
	}
}

package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	relay "github.com/eugener/shadowfax/internal"
)

// Headers that must not travel between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Client credential headers are stripped; the adapter injects the account's.
var clientAuthHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"api-key":       {},
	"cookie":        {},
}

// Outbound builds the upstream request for one dispatch attempt: adapter base
// URL + path + original query, inbound headers minus hop-by-hop and client
// credentials, adapter auth, and the buffered body (re-sendable on failover).
func Outbound(ctx context.Context, ad Adapter, a *relay.Account, inbound *http.Request, path string, body []byte) (*http.Request, error) {
	base, err := ad.BaseURL(a)
	if err != nil {
		return nil, err
	}
	target := base + path
	if inbound.URL.RawQuery != "" {
		target += "?" + inbound.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, inbound.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", ad.Family(), err)
	}

	for key, vals := range inbound.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		if _, auth := clientAuthHeaders[strings.ToLower(key)]; auth {
			continue
		}
		req.Header[key] = vals
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	ad.SetAuth(req.Header, a)
	req.ContentLength = int64(len(body))
	return req, nil
}

// CopyResponseHeaders writes upstream response headers to w, skipping
// hop-by-hop entries.
func CopyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
}

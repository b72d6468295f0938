package provider

import (
	"fmt"
	"io"
	"net/http"

	relay "github.com/eugener/shadowfax/internal"
)

// APIError is a non-2xx upstream response captured for failover decisions
// and error surfacing.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Kind maps the upstream status onto the error taxonomy.
func (e *APIError) Kind() relay.ErrorKind {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return relay.KindRateLimit
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return relay.KindAuth
	case e.StatusCode >= 500:
		return relay.KindProvider
	default:
		return relay.KindValidation
	}
}

// ParseAPIError reads up to 4KB of the response body into an APIError.
func ParseAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}

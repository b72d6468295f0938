package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate limited")
	ErrTokenRefresh       = errors.New("token refresh failed")
	ErrProviderError      = errors.New("provider error")
	ErrNoAccounts         = errors.New("no accounts available")
	ErrSessionExpired     = errors.New("oauth session expired")
	ErrSessionNotFound    = errors.New("oauth session not found")
	ErrOAuthExchange      = errors.New("oauth exchange failed")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidStrategy    = errors.New("unknown strategy")
	ErrKeyInactive        = errors.New("api key inactive")
	ErrClientAborted      = errors.New("client aborted")
	ErrSubscriberOverflow = errors.New("subscriber limit reached")
)

// ErrorKind classifies a domain error for HTTP surfacing and failover
// decisions.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimit
	KindTokenRefresh
	KindProvider
	KindServiceUnavailable
	KindOAuth
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindAuth:
		return "authentication_error"
	case KindForbidden:
		return "permission_error"
	case KindNotFound:
		return "not_found_error"
	case KindConflict:
		return "conflict_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindTokenRefresh:
		return "token_refresh_error"
	case KindProvider:
		return "api_error"
	case KindServiceUnavailable:
		return "overloaded_error"
	case KindOAuth:
		return "oauth_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the status code this kind surfaces as.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindAuth:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindRateLimit:
		return 429
	case KindTokenRefresh, KindProvider:
		return 502
	case KindServiceUnavailable:
		return 503
	case KindOAuth:
		return 400
	default:
		return 500
	}
}

// Error is a classified domain error with optional structured context.
// Context values are redacted before logging (see Redact).
type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Err     error
}

// E builds a classified error wrapping cause (cause may be nil).
func E(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// WithContext attaches a key/value to the error context, allocating the map
// lazily.
func (e *Error) WithContext(key string, val any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = val
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors report KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrKeyInactive):
		return KindAuth
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrTokenRefresh):
		return KindTokenRefresh
	case errors.Is(err, ErrProviderError):
		return KindProvider
	case errors.Is(err, ErrNoAccounts), errors.Is(err, ErrSubscriberOverflow):
		return KindServiceUnavailable
	case errors.Is(err, ErrOAuthExchange), errors.Is(err, ErrSessionExpired):
		return KindOAuth
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidStrategy):
		return KindValidation
	default:
		return KindInternal
	}
}

// ValidationError reports a single field violation at the boundary.
type ValidationError struct {
	Field   string `json:"field"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

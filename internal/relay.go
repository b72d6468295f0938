// Package relay defines domain types and interfaces for the Shadowfax proxy.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Accounts ---

// Auth types for upstream accounts.
const (
	AuthTypeOAuth  = "oauth"
	AuthTypeAPIKey = "api_key"
)

// OAuth flow modes. Console logins mint an API key; claude-oauth logins
// hold a refreshable token pair.
const (
	OAuthModeConsole = "console"
	OAuthModeClaude  = "claude-oauth"
)

// Provider families. The adapter registry resolves (provider, auth_type)
// pairs to a concrete upstream adapter.
const (
	ProviderAnthropic       = "anthropic"
	ProviderOpenAICompat    = "openai"
	ProviderAnthropicCompat = "anthropic-compat"
	ProviderMinimax         = "minimax"
	ProviderKilo            = "kilo"
	ProviderNanoGPT         = "nanogpt"
	ProviderZAI             = "zai"
)

// Account is one upstream credential set the dispatcher can route through.
type Account struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Provider            string     `json:"provider"`
	AuthType            string     `json:"auth_type"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	APIKey              string     `json:"-"`
	ExpiresAt           *int64     `json:"expires_at,omitempty"` // epoch millis
	CreatedAt           time.Time  `json:"created_at"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
	RequestCount        int64      `json:"request_count"` // session-window counter
	TotalRequests       int64      `json:"total_requests"`
	SessionStart        *time.Time `json:"session_start,omitempty"`
	SessionRequestCount int64      `json:"session_request_count"`
	RateLimitedUntil    *time.Time `json:"rate_limited_until,omitempty"`
	RateLimitStatus     string     `json:"rate_limit_status,omitempty"`
	RateLimitReset      *time.Time `json:"rate_limit_reset,omitempty"`
	RateLimitRemaining  *int64     `json:"rate_limit_remaining,omitempty"`
	Paused              bool       `json:"paused"`
	Priority            int        `json:"priority"`
	AutoFallbackEnabled bool       `json:"auto_fallback_enabled"`
	AutoRefreshEnabled  bool       `json:"auto_refresh_enabled"`
	CustomEndpoint      string     `json:"custom_endpoint,omitempty"`
	ModelMappings       string     `json:"model_mappings,omitempty"` // raw JSON object
}

// AvailableAt reports whether the account may appear in candidate lists:
// not paused and not inside a rate-limit window.
func (a *Account) AvailableAt(now time.Time) bool {
	if a.Paused {
		return false
	}
	return a.RateLimitedUntil == nil || a.RateLimitedUntil.Before(now)
}

// IsOAuth reports whether the account authenticates with a token pair.
func (a *Account) IsOAuth() bool { return a.AuthType == AuthTypeOAuth }

// NeedsRefresh reports whether the access token expires within skew of now.
// API-key accounts never need refresh.
func (a *Account) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if !a.IsOAuth() || a.ExpiresAt == nil {
		return false
	}
	return *a.ExpiresAt <= now.Add(skew).UnixMilli()
}

// OAuthSession is a pending PKCE login, deleted on completion or expiry.
type OAuthSession struct {
	ID             string    `json:"id"`
	AccountName    string    `json:"account_name"`
	PKCEVerifier   string    `json:"-"`
	Mode           string    `json:"mode"`
	CustomEndpoint string    `json:"custom_endpoint,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the session TTL has elapsed.
func (s *OAuthSession) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// --- Request telemetry ---

// Usage holds token counts extracted from an upstream response.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// Total sums all four token buckets.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// Zero reports whether no tokens were observed.
func (u Usage) Zero() bool { return u.Total() == 0 }

// RequestRecord is the per-request telemetry row. Created when dispatch
// starts, finalized exactly once when the request reaches a terminal state.
type RequestRecord struct {
	ID                    string    `json:"id"`
	Timestamp             time.Time `json:"timestamp"`
	Method                string    `json:"method"`
	Path                  string    `json:"path"`
	AccountUsed           string    `json:"account_used,omitempty"`
	StatusCode            int       `json:"status_code,omitempty"`
	Success               bool      `json:"success"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	ResponseTimeMs        int64     `json:"response_time_ms,omitempty"`
	FailoverAttempts      int       `json:"failover_attempts"`
	Model                 string    `json:"model,omitempty"`
	InputTokens           *int64    `json:"input_tokens,omitempty"`
	OutputTokens          *int64    `json:"output_tokens,omitempty"`
	CacheReadInputTokens  *int64    `json:"cache_read_input_tokens,omitempty"`
	CacheCreationTokens   *int64    `json:"cache_creation_input_tokens,omitempty"`
	TotalTokens           *int64    `json:"total_tokens,omitempty"`
	CostUSD               *float64  `json:"cost_usd,omitempty"`
	OutputTokensPerSecond *float64  `json:"output_tokens_per_second,omitempty"`
	AgentUsed             string    `json:"agent_used,omitempty"`
	APIKeyID              string    `json:"api_key_id,omitempty"`
}

// RequestPayload is the archived request/response JSON pair linked to a
// telemetry row by id. Deleting the parent row cascades to the payload.
type RequestPayload struct {
	ID           string    `json:"id"`
	RequestBody  string    `json:"request_body"`
	ResponseBody string    `json:"response_body"`
	CreatedAt    time.Time `json:"created_at"`
}

// RequestMeta carries per-request routing hints into strategy selection.
type RequestMeta struct {
	Model string
	Agent string
	Path  string
}

// --- Strategy configuration ---

// Strategy names form a closed set; anything else is rejected at the boundary.
const (
	StrategyLeastRequests      = "least-requests"
	StrategyRoundRobin         = "round-robin"
	StrategySession            = "session"
	StrategyWeighted           = "weighted"
	StrategyWeightedRoundRobin = "weighted-round-robin"
)

// StrategyConfig is a named strategy with its persisted JSON settings.
type StrategyConfig struct {
	Name      string    `json:"name"`
	Config    string    `json:"config"` // raw JSON
	UpdatedAt time.Time `json:"updated_at"`
}

// Runtime settings keys, persisted in the settings table so values set over
// the management API survive restarts.
const (
	SettingStrategy             = "strategy"
	SettingDefaultModel         = "default_model"
	SettingRetentionPayloadDays = "retention_payload_days"
	SettingRetentionRequestDays = "retention_request_days"
)

// AgentPreference pins an optional account and model override for a
// detected client agent.
type AgentPreference struct {
	Agent       string    `json:"agent"`
	AccountName string    `json:"account_name,omitempty"`
	Model       string    `json:"model,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ModelTranslation is a global model rewrite applied before per-account
// mappings. SourcePattern matches by substring.
type ModelTranslation struct {
	ID            string    `json:"id"`
	SourcePattern string    `json:"source_pattern"`
	TargetModel   string    `json:"target_model"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// --- API keys and identity ---

// Roles for management API keys.
const (
	RoleAdmin   = "admin"
	RoleAPIOnly = "api-only"
)

// APIKey guards the management and proxy surface.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	HashedKey  string     `json:"-"` // SHA-256 hex, never exposed
	PrefixLast string     `json:"prefix_last_8"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	UsageCount int64      `json:"usage_count"`
	IsActive   bool       `json:"is_active"`
	Role       string     `json:"role"`
}

// Identity is the authenticated caller attached to request context.
type Identity struct {
	APIKeyID string     `json:"api_key_id"`
	KeyName  string     `json:"key_name"`
	Role     string     `json:"role"`
	Perms    Permission `json:"-"`
}

// Permission is a bitmask of authorization capabilities.
type Permission uint32

const (
	PermProxy  Permission = 1 << iota // call /v1/* and /messages/* endpoints
	PermManage                        // everything under /api/*
)

// Can reports whether the identity has the given permission.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	RoleAdmin:   PermProxy | PermManage,
	RoleAPIOnly: PermProxy,
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new allocation. Falls back to creating fresh metadata
// when none exists (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Shadowfax management keys.
const APIKeyPrefix = "sfx_"

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

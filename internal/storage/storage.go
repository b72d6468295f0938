// Package storage defines persistence interfaces for the relay.
package storage

import (
	"context"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

// AccountStore manages upstream account persistence.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *relay.Account) error
	GetAccount(ctx context.Context, id string) (*relay.Account, error)
	GetAccountByName(ctx context.Context, name string) (*relay.Account, error)
	ListAccounts(ctx context.Context) ([]*relay.Account, error)
	UpdateAccount(ctx context.Context, a *relay.Account) error
	DeleteAccount(ctx context.Context, id string) error
	RenameAccount(ctx context.Context, id, newName string) error
	SetAccountPaused(ctx context.Context, id string, paused bool) error
	SetAccountPriority(ctx context.Context, id string, priority int) error
	SetAccountEndpoint(ctx context.Context, id, endpoint string) error
	SetAccountMappings(ctx context.Context, id, mappingsJSON string) error
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error
	MarkAccountUsed(ctx context.Context, id string, at time.Time) error
	StartAccountSession(ctx context.Context, id string, at time.Time) error
	SetRateLimit(ctx context.Context, id string, until *time.Time, status string, reset *time.Time, remaining *int64) error
	ClearExpiredRateLimits(ctx context.Context, now time.Time) (int64, error)
	ResetSessionCounts(ctx context.Context, ids []string) error
}

// RequestStore manages request telemetry and archived payloads.
type RequestStore interface {
	InsertRequest(ctx context.Context, r *relay.RequestRecord) error
	FinalizeRequest(ctx context.Context, r *relay.RequestRecord) error
	GetRequest(ctx context.Context, id string) (*relay.RequestRecord, error)
	ListRequests(ctx context.Context, offset, limit int) ([]*relay.RequestRecord, error)
	SavePayload(ctx context.Context, p *relay.RequestPayload) error
	GetPayload(ctx context.Context, id string) (*relay.RequestPayload, error)
	CleanupOldRequests(ctx context.Context, payloadAge, requestAge *time.Duration) (CleanupResult, error)
}

// OAuthSessionStore manages pending PKCE logins.
type OAuthSessionStore interface {
	CreateOAuthSession(ctx context.Context, s *relay.OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*relay.OAuthSession, error)
	DeleteOAuthSession(ctx context.Context, id string) error
	DeleteExpiredOAuthSessions(ctx context.Context, now time.Time) (int64, error)
}

// StrategyStore manages strategy configuration rows.
type StrategyStore interface {
	GetStrategyConfig(ctx context.Context, name string) (*relay.StrategyConfig, error)
	SetStrategyConfig(ctx context.Context, name, configJSON string) error
	ListStrategyConfigs(ctx context.Context) ([]*relay.StrategyConfig, error)
}

// AgentPreferenceStore manages per-agent routing preferences.
type AgentPreferenceStore interface {
	GetAgentPreference(ctx context.Context, agent string) (*relay.AgentPreference, error)
	SetAgentPreference(ctx context.Context, p *relay.AgentPreference) error
	ListAgentPreferences(ctx context.Context) ([]*relay.AgentPreference, error)
	DeleteAgentPreference(ctx context.Context, agent string) error
}

// APIKeyStore manages management API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *relay.APIKey) error
	GetKeyByHash(ctx context.Context, hash string) (*relay.APIKey, error)
	ListKeys(ctx context.Context) ([]*relay.APIKey, error)
	CountActiveKeys(ctx context.Context) (int64, error)
	SetKeyActive(ctx context.Context, id string, active bool) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// ModelTranslationStore manages global model rewrites.
type ModelTranslationStore interface {
	CreateTranslation(ctx context.Context, t *relay.ModelTranslation) error
	ListTranslations(ctx context.Context) ([]*relay.ModelTranslation, error)
	DeleteTranslation(ctx context.Context, id string) error
}

// SettingsStore holds runtime-adjustable settings (active strategy, default
// model, retention) as key/value rows. Missing keys return relay.ErrNotFound.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// CleanupResult reports row counts removed by CleanupOldRequests.
type CleanupResult struct {
	RemovedRequests int64 `json:"removed_requests"`
	RemovedPayloads int64 `json:"removed_payloads"`
}

// AnalyticsBucket is one time bucket of aggregated request telemetry.
type AnalyticsBucket struct {
	Start        time.Time `json:"start"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// AccountTotals is a per-account aggregate for the stats surface.
type AccountTotals struct {
	AccountUsed string  `json:"account_used"`
	Requests    int64   `json:"requests"`
	Errors      int64   `json:"errors"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// StatsStore exposes read-only aggregates over request telemetry.
type StatsStore interface {
	AnalyticsBuckets(ctx context.Context, since time.Time, bucket time.Duration) ([]AnalyticsBucket, error)
	AccountTotals(ctx context.Context, since time.Time) ([]AccountTotals, error)
	CountRequests(ctx context.Context) (int64, error)
}

// Maintenance exposes store upkeep operations.
type Maintenance interface {
	Optimize(ctx context.Context) error
	Compact(ctx context.Context) error
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	RequestStore
	OAuthSessionStore
	StrategyStore
	AgentPreferenceStore
	APIKeyStore
	ModelTranslationStore
	SettingsStore
	StatsStore
	Maintenance
	Ping(ctx context.Context) error
	Close() error
}

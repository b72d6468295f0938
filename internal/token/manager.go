// Package token implements the OAuth credential lifecycle for upstream
// accounts: PKCE login begin/complete and single-flight access token refresh.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Anthropic OAuth endpoints. One token endpoint serves both login modes; the
// authorize URL differs per mode. The redirect target is the console's code
// display page, from which the user pastes the code back.
const (
	claudeAuthURL  = "https://claude.ai/oauth/authorize"
	consoleAuthURL = "https://console.anthropic.com/oauth/authorize"
	tokenURL       = "https://console.anthropic.com/v1/oauth/token"
	createKeyURL   = "https://console.anthropic.com/api/oauth/claude_cli/create_api_key"
	redirectURL    = "https://console.anthropic.com/oauth/code/callback"

	betaHeader = "anthropic-beta"
	betaValue  = "oauth-2025-04-20"

	sessionTTL      = 10 * time.Minute
	refreshSkew     = 60 * time.Second
	exchangeTimeout = 10 * time.Second
)

// DefaultClientID is the public Claude CLI OAuth client, used unless the
// deployment configures its own.
const DefaultClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

var scopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Repo is the slice of the store the manager needs.
type Repo interface {
	CreateAccount(ctx context.Context, a *relay.Account) error
	GetAccount(ctx context.Context, id string) (*relay.Account, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error
	CreateOAuthSession(ctx context.Context, s *relay.OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*relay.OAuthSession, error)
	DeleteOAuthSession(ctx context.Context, id string) error
}

// Options configures a Manager. Zero values select production defaults.
type Options struct {
	ClientID     string             // OAuth client identifier; empty uses DefaultClientID
	TokenURL     string             // token endpoint override
	CreateKeyURL string             // key-minting endpoint override
	HTTPClient   *http.Client       // base client for upstream calls
	Metrics      *telemetry.Metrics // optional refresh counters
}

// Manager drives PKCE logins and keeps account access tokens fresh.
type Manager struct {
	repo   Repo
	opts   Options
	client *http.Client
	group  singleflight.Group
}

// NewManager wires a Manager over the given repository.
func NewManager(repo Repo, opts Options) *Manager {
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.TokenURL == "" {
		opts.TokenURL = tokenURL
	}
	if opts.CreateKeyURL == "" {
		opts.CreateKeyURL = createKeyURL
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: exchangeTimeout}
	}
	return &Manager{
		repo: repo,
		opts: opts,
		client: &http.Client{
			Transport: &betaTransport{base: base.Transport},
			Timeout:   base.Timeout,
		},
	}
}

// betaTransport injects the OAuth beta header Anthropic requires on the token
// and key-minting endpoints.
type betaTransport struct {
	base http.RoundTripper
}

func (t *betaTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(betaHeader, betaValue)
	return t.getBase().RoundTrip(r2)
}

func (t *betaTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// config builds the oauth2 client configuration for a login mode.
func (m *Manager) config(mode string) *oauth2.Config {
	authURL := claudeAuthURL
	if mode == relay.OAuthModeConsole {
		authURL = consoleAuthURL
	}
	return &oauth2.Config{
		ClientID:    m.opts.ClientID,
		RedirectURL: redirectURL,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  m.opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// oauthContext routes oauth2 token calls through the beta-header client.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// LoginOptions parameterize a new PKCE login.
type LoginOptions struct {
	AccountName    string
	Mode           string // relay.OAuthModeClaude or relay.OAuthModeConsole; empty = claude
	CustomEndpoint string
}

// Login is a started PKCE flow awaiting its authorization code.
type Login struct {
	SessionID string `json:"session_id"`
	AuthURL   string `json:"auth_url"`
	Verifier  string `json:"verifier"`
}

// BeginLogin generates a PKCE verifier, persists a pending session, and
// returns the authorize URL the user must visit. The session id doubles as
// the OAuth state parameter.
func (m *Manager) BeginLogin(ctx context.Context, opts LoginOptions) (*Login, error) {
	if opts.AccountName == "" {
		return nil, &relay.ValidationError{Field: "name", Message: "account name is required"}
	}
	if opts.Mode == "" {
		opts.Mode = relay.OAuthModeClaude
	}
	if opts.Mode != relay.OAuthModeClaude && opts.Mode != relay.OAuthModeConsole {
		return nil, &relay.ValidationError{Field: "mode", Value: opts.Mode, Message: "must be console or claude-oauth"}
	}

	verifier := oauth2.GenerateVerifier()
	now := time.Now().UTC()
	sess := &relay.OAuthSession{
		ID:             uuid.Must(uuid.NewV7()).String(),
		AccountName:    opts.AccountName,
		PKCEVerifier:   verifier,
		Mode:           opts.Mode,
		CustomEndpoint: opts.CustomEndpoint,
		CreatedAt:      now,
		ExpiresAt:      now.Add(sessionTTL),
	}
	if err := m.repo.CreateOAuthSession(ctx, sess); err != nil {
		return nil, err
	}

	authURL := m.config(opts.Mode).AuthCodeURL(sess.ID,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("code", "true"),
	)
	slog.Info("oauth login started", "session_id", sess.ID, "account", opts.AccountName, "mode", opts.Mode)
	return &Login{SessionID: sess.ID, AuthURL: authURL, Verifier: verifier}, nil
}

// CompleteLogin exchanges the authorization code for credentials and registers
// the account. Codes pasted from the browser may carry a "#state" fragment,
// which is stripped before the exchange.
func (m *Manager) CompleteLogin(ctx context.Context, sessionID, code string) (*relay.Account, error) {
	sess, err := m.repo.GetOAuthSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, relay.E(relay.KindOAuth, "login session not found", relay.ErrSessionNotFound)
		}
		return nil, err
	}
	now := time.Now().UTC()
	if sess.Expired(now) {
		_ = m.repo.DeleteOAuthSession(ctx, sessionID)
		return nil, relay.E(relay.KindOAuth, "login session expired", relay.ErrSessionExpired)
	}

	code, _, _ = strings.Cut(strings.TrimSpace(code), "#")
	if code == "" {
		return nil, &relay.ValidationError{Field: "code", Message: "authorization code is required"}
	}

	exCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	tok, err := m.config(sess.Mode).Exchange(m.oauthContext(exCtx), code, oauth2.VerifierOption(sess.PKCEVerifier))
	if err != nil {
		return nil, relay.E(relay.KindOAuth, "code exchange rejected: "+exchangeCause(err), relay.ErrOAuthExchange).
			WithContext("account", sess.AccountName)
	}

	acct := &relay.Account{
		ID:                  uuid.Must(uuid.NewV7()).String(),
		Name:                sess.AccountName,
		Provider:            relay.ProviderAnthropic,
		CreatedAt:           now,
		AutoFallbackEnabled: true,
		AutoRefreshEnabled:  true,
		CustomEndpoint:      sess.CustomEndpoint,
	}
	if sess.Mode == relay.OAuthModeConsole {
		mintCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
		defer cancel()
		key, err := m.mintAPIKey(mintCtx, tok.AccessToken)
		if err != nil {
			return nil, err
		}
		acct.AuthType = relay.AuthTypeAPIKey
		acct.APIKey = key
	} else {
		acct.AuthType = relay.AuthTypeOAuth
		acct.AccessToken = tok.AccessToken
		acct.RefreshToken = tok.RefreshToken
		if !tok.Expiry.IsZero() {
			ms := tok.Expiry.UnixMilli()
			acct.ExpiresAt = &ms
		}
	}

	if err := m.repo.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	if err := m.repo.DeleteOAuthSession(ctx, sessionID); err != nil {
		slog.Warn("completed login but session cleanup failed", "session_id", sessionID, "error", err)
	}
	slog.Info("account registered", "account", acct.Name, "auth_type", acct.AuthType)
	return acct, nil
}

// mintAPIKey trades a console access token for a long-lived API key.
func (m *Manager) mintAPIKey(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.CreateKeyURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", relay.E(relay.KindOAuth, "api key creation failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", relay.E(relay.KindOAuth, "api key creation failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", relay.E(relay.KindOAuth,
			fmt.Sprintf("api key creation returned %d", resp.StatusCode), relay.ErrOAuthExchange)
	}

	var out struct {
		RawKey string `json:"raw_key"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", relay.E(relay.KindOAuth, "api key creation returned malformed json", err)
	}
	if out.RawKey == "" {
		return "", relay.E(relay.KindOAuth, "api key creation returned no key", relay.ErrOAuthExchange)
	}
	return out.RawKey, nil
}

// EnsureFresh returns an account whose access token is valid for at least the
// skew window, refreshing through the token endpoint when needed. Concurrent
// callers for the same account share a single upstream refresh.
func (m *Manager) EnsureFresh(ctx context.Context, a *relay.Account) (*relay.Account, error) {
	if !a.AutoRefreshEnabled || !a.NeedsRefresh(time.Now(), refreshSkew) {
		m.countRefresh(telemetry.RefreshFresh)
		return a, nil
	}

	// The flight must not die with whichever caller happened to start it, so
	// it runs detached from the request context with its own timeout.
	v, err, _ := m.group.Do(a.ID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), a.ID)
	})
	if err != nil {
		m.countRefresh(telemetry.RefreshError)
		return nil, err
	}
	m.countRefresh(telemetry.RefreshRefreshed)
	return v.(*relay.Account), nil
}

func (m *Manager) refresh(ctx context.Context, id string) (*relay.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	// Re-read inside the flight: a refresh that completed while this caller
	// queued makes this one a no-op.
	a, err := m.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.NeedsRefresh(time.Now(), refreshSkew) {
		return a, nil
	}
	if a.RefreshToken == "" {
		return nil, relay.E(relay.KindTokenRefresh, "account has no refresh token", relay.ErrTokenRefresh).
			WithContext("account", a.Name)
	}

	src := m.config(relay.OAuthModeClaude).TokenSource(m.oauthContext(ctx),
		&oauth2.Token{RefreshToken: a.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		slog.Warn("token refresh failed", "account", a.Name, "error", err)
		return nil, relay.E(relay.KindTokenRefresh, "refresh rejected: "+exchangeCause(err), relay.ErrTokenRefresh).
			WithContext("account", a.Name)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = a.RefreshToken
	}
	// The schema stores a concrete expiry; responses without expires_in get
	// an hour.
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	if err := m.repo.UpdateAccountTokens(ctx, a.ID, tok.AccessToken, refreshToken, expiry.UnixMilli()); err != nil {
		return nil, err
	}

	a.AccessToken = tok.AccessToken
	a.RefreshToken = refreshToken
	ms := expiry.UnixMilli()
	a.ExpiresAt = &ms
	slog.Info("refreshed oauth token", "account", a.Name, "expires_at", expiry.UTC().Format(time.RFC3339))
	return a, nil
}

func (m *Manager) countRefresh(result string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
}

// exchangeCause condenses an oauth2 retrieve error to the provider error code
// when one is present.
func exchangeCause(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
		return re.Response.Status
	}
	return err.Error()
}

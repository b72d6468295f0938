package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage/sqlite"
)

func newTestRepo(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	if err != nil {
		t.Fatal("open store:", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// writeGrant answers a token request. An empty refresh omits the field.
func writeGrant(w http.ResponseWriter, access, refresh string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	grant := map[string]any{
		"token_type":   "Bearer",
		"access_token": access,
		"expires_in":   expiresIn,
	}
	if refresh != "" {
		grant["refresh_token"] = refresh
	}
	json.NewEncoder(w).Encode(grant)
}

func oauthAccount(name string, expiresAt time.Time) *relay.Account {
	ms := expiresAt.UnixMilli()
	return &relay.Account{
		ID:                  "acct-" + name,
		Name:                name,
		Provider:            relay.ProviderAnthropic,
		AuthType:            relay.AuthTypeOAuth,
		AccessToken:         "stale-access",
		RefreshToken:        "refresh-1",
		ExpiresAt:           &ms,
		CreatedAt:           time.Now().UTC(),
		AutoFallbackEnabled: true,
		AutoRefreshEnabled:  true,
	}
}

func TestBeginLogin(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	m := NewManager(repo, Options{})

	login, err := m.BeginLogin(context.Background(), LoginOptions{AccountName: "work"})
	if err != nil {
		t.Fatal("begin:", err)
	}
	if login.SessionID == "" {
		t.Fatal("empty session id")
	}
	if len(login.Verifier) < 43 {
		t.Errorf("verifier length = %d, want >= 43", len(login.Verifier))
	}

	u, err := url.Parse(login.AuthURL)
	if err != nil {
		t.Fatal("parse auth url:", err)
	}
	if u.Host != "claude.ai" {
		t.Errorf("host = %q, want claude.ai", u.Host)
	}
	q := u.Query()
	if got := q.Get("state"); got != login.SessionID {
		t.Errorf("state = %q, want session id %q", got, login.SessionID)
	}
	if got := q.Get("code_challenge_method"); got != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", got)
	}
	if q.Get("code_challenge") == "" {
		t.Error("missing code_challenge")
	}
	if got := q.Get("client_id"); got != DefaultClientID {
		t.Errorf("client_id = %q", got)
	}
	if got := q.Get("scope"); got != "org:create_api_key user:profile user:inference" {
		t.Errorf("scope = %q", got)
	}
	if got := q.Get("code"); got != "true" {
		t.Errorf("code param = %q, want true", got)
	}

	sess, err := repo.GetOAuthSession(context.Background(), login.SessionID)
	if err != nil {
		t.Fatal("get session:", err)
	}
	if sess.PKCEVerifier != login.Verifier {
		t.Error("persisted verifier differs from returned one")
	}
	if sess.Mode != relay.OAuthModeClaude {
		t.Errorf("mode = %q, want claude-oauth default", sess.Mode)
	}
	if ttl := sess.ExpiresAt.Sub(sess.CreatedAt); ttl != 10*time.Minute {
		t.Errorf("session ttl = %v, want 10m", ttl)
	}
}

func TestBeginLoginModes(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	m := NewManager(repo, Options{})

	login, err := m.BeginLogin(context.Background(), LoginOptions{
		AccountName:    "console-acct",
		Mode:           relay.OAuthModeConsole,
		CustomEndpoint: "https://api.example.com",
	})
	if err != nil {
		t.Fatal("begin console:", err)
	}
	u, err := url.Parse(login.AuthURL)
	if err != nil {
		t.Fatal("parse auth url:", err)
	}
	if u.Host != "console.anthropic.com" {
		t.Errorf("console mode host = %q, want console.anthropic.com", u.Host)
	}
	sess, err := repo.GetOAuthSession(context.Background(), login.SessionID)
	if err != nil {
		t.Fatal("get session:", err)
	}
	if sess.CustomEndpoint != "https://api.example.com" {
		t.Errorf("custom endpoint = %q", sess.CustomEndpoint)
	}

	if _, err := m.BeginLogin(context.Background(), LoginOptions{AccountName: "x", Mode: "max"}); err == nil {
		t.Error("expected error for unknown mode")
	}
	var ve *relay.ValidationError
	if _, err := m.BeginLogin(context.Background(), LoginOptions{}); !errors.As(err, &ve) {
		t.Errorf("missing name err = %v, want ValidationError", err)
	}
}

func TestCompleteLoginClaude(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)

	forms := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("anthropic-beta"); got != betaValue {
			t.Errorf("anthropic-beta = %q, want %q", got, betaValue)
		}
		r.ParseForm()
		forms <- r.PostForm
		writeGrant(w, "at-new", "rt-new", 3600)
	}))
	defer srv.Close()

	m := NewManager(repo, Options{TokenURL: srv.URL})
	login, err := m.BeginLogin(context.Background(), LoginOptions{AccountName: "work"})
	if err != nil {
		t.Fatal("begin:", err)
	}

	acct, err := m.CompleteLogin(context.Background(), login.SessionID, "auth-code-123#"+login.SessionID)
	if err != nil {
		t.Fatal("complete:", err)
	}

	form := <-forms
	if got := form.Get("grant_type"); got != "authorization_code" {
		t.Errorf("grant_type = %q", got)
	}
	if got := form.Get("code"); got != "auth-code-123" {
		t.Errorf("code = %q, want pasted fragment stripped", got)
	}
	if got := form.Get("code_verifier"); got != login.Verifier {
		t.Error("code_verifier does not match the login verifier")
	}
	if got := form.Get("client_id"); got != DefaultClientID {
		t.Errorf("client_id = %q", got)
	}

	if acct.AuthType != relay.AuthTypeOAuth {
		t.Errorf("auth type = %q, want oauth", acct.AuthType)
	}
	if acct.AccessToken != "at-new" || acct.RefreshToken != "rt-new" {
		t.Errorf("tokens = %q/%q, want at-new/rt-new", acct.AccessToken, acct.RefreshToken)
	}
	if acct.ExpiresAt == nil {
		t.Fatal("expires_at not set")
	}
	until := time.Until(time.UnixMilli(*acct.ExpiresAt))
	if until < 55*time.Minute || until > 65*time.Minute {
		t.Errorf("expiry %v from now, want ~1h", until)
	}

	stored, err := repo.GetAccountByName(context.Background(), "work")
	if err != nil {
		t.Fatal("account not persisted:", err)
	}
	if stored.AccessToken != "at-new" {
		t.Errorf("stored access token = %q", stored.AccessToken)
	}
	if !stored.AutoRefreshEnabled || !stored.AutoFallbackEnabled {
		t.Error("new accounts should have refresh and fallback enabled")
	}

	if _, err := repo.GetOAuthSession(context.Background(), login.SessionID); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("session after completion: err = %v, want not found", err)
	}
}

func TestCompleteLoginConsole(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		writeGrant(w, "console-access", "", 600)
	})
	mux.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer console-access" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("anthropic-beta"); got != betaValue {
			t.Errorf("anthropic-beta = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"raw_key": "sk-ant-api03-minted"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewManager(repo, Options{TokenURL: srv.URL + "/token", CreateKeyURL: srv.URL + "/key"})
	login, err := m.BeginLogin(context.Background(), LoginOptions{
		AccountName: "console-acct",
		Mode:        relay.OAuthModeConsole,
	})
	if err != nil {
		t.Fatal("begin:", err)
	}

	acct, err := m.CompleteLogin(context.Background(), login.SessionID, "code-1")
	if err != nil {
		t.Fatal("complete:", err)
	}
	if acct.AuthType != relay.AuthTypeAPIKey {
		t.Errorf("auth type = %q, want api_key", acct.AuthType)
	}
	if acct.APIKey != "sk-ant-api03-minted" {
		t.Errorf("api key = %q", acct.APIKey)
	}
	if acct.AccessToken != "" || acct.RefreshToken != "" {
		t.Error("console accounts should not hold oauth tokens")
	}

	stored, err := repo.GetAccountByName(context.Background(), "console-acct")
	if err != nil {
		t.Fatal("account not persisted:", err)
	}
	if stored.APIKey != "sk-ant-api03-minted" {
		t.Errorf("stored api key = %q", stored.APIKey)
	}
}

func TestCompleteLoginSessionErrors(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	m := NewManager(repo, Options{})

	if _, err := m.CompleteLogin(context.Background(), "missing", "code"); !errors.Is(err, relay.ErrSessionNotFound) {
		t.Errorf("missing session err = %v, want session not found", err)
	}

	now := time.Now().UTC()
	sess := &relay.OAuthSession{
		ID:           "expired-1",
		AccountName:  "old",
		PKCEVerifier: "v",
		Mode:         relay.OAuthModeClaude,
		CreatedAt:    now.Add(-20 * time.Minute),
		ExpiresAt:    now.Add(-10 * time.Minute),
	}
	if err := repo.CreateOAuthSession(context.Background(), sess); err != nil {
		t.Fatal("create session:", err)
	}
	if _, err := m.CompleteLogin(context.Background(), "expired-1", "code"); !errors.Is(err, relay.ErrSessionExpired) {
		t.Errorf("expired session err = %v, want session expired", err)
	}
	if _, err := repo.GetOAuthSession(context.Background(), "expired-1"); !errors.Is(err, relay.ErrNotFound) {
		t.Error("expired session should be deleted on completion attempt")
	}

	login, err := m.BeginLogin(context.Background(), LoginOptions{AccountName: "blank"})
	if err != nil {
		t.Fatal("begin:", err)
	}
	var ve *relay.ValidationError
	if _, err := m.CompleteLogin(context.Background(), login.SessionID, "  "); !errors.As(err, &ve) {
		t.Errorf("blank code err = %v, want ValidationError", err)
	}
}

func TestCompleteLoginExchangeRejected(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	m := NewManager(repo, Options{TokenURL: srv.URL})
	login, err := m.BeginLogin(context.Background(), LoginOptions{AccountName: "work"})
	if err != nil {
		t.Fatal("begin:", err)
	}

	_, err = m.CompleteLogin(context.Background(), login.SessionID, "bad-code")
	if !errors.Is(err, relay.ErrOAuthExchange) {
		t.Fatalf("err = %v, want oauth exchange failure", err)
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Errorf("err %q should carry the provider code", err)
	}
	if _, err := repo.GetAccountByName(context.Background(), "work"); !errors.Is(err, relay.ErrNotFound) {
		t.Error("no account should be created on failed exchange")
	}
	// The session survives for another attempt.
	if _, err := repo.GetOAuthSession(context.Background(), login.SessionID); err != nil {
		t.Error("session should survive a failed exchange:", err)
	}
}

func TestEnsureFreshSingleFlight(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		// Hold the flight open so callers pile up behind it.
		time.Sleep(30 * time.Millisecond)
		writeGrant(w, "at-fresh", "rt-rotated", 3600)
	}))
	defer srv.Close()

	m := NewManager(repo, Options{TokenURL: srv.URL})
	acct := oauthAccount("work", time.Now().Add(-time.Minute))
	if err := repo.CreateAccount(context.Background(), acct); err != nil {
		t.Fatal("create:", err)
	}

	const callers = 8
	results := make(chan string, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.EnsureFresh(context.Background(), acct)
			if err != nil {
				errs <- err
				return
			}
			results <- got.AccessToken
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatal("refresh:", err)
	}
	for tok := range results {
		if tok != "at-fresh" {
			t.Errorf("access token = %q, want at-fresh", tok)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want exactly 1", n)
	}

	stored, err := repo.GetAccount(context.Background(), acct.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if stored.AccessToken != "at-fresh" || stored.RefreshToken != "rt-rotated" {
		t.Errorf("stored tokens = %q/%q, want at-fresh/rt-rotated", stored.AccessToken, stored.RefreshToken)
	}
	if stored.NeedsRefresh(time.Now(), time.Minute) {
		t.Error("account should be fresh after refresh")
	}
}

func TestEnsureFreshSkips(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeGrant(w, "x", "y", 3600)
	}))
	defer srv.Close()

	repo := newTestRepo(t)
	m := NewManager(repo, Options{TokenURL: srv.URL})

	keyAcct := &relay.Account{
		ID:        "key-1",
		Name:      "key",
		Provider:  relay.ProviderZAI,
		AuthType:  relay.AuthTypeAPIKey,
		APIKey:    "sk-1",
		CreatedAt: time.Now().UTC(),
	}
	if got, err := m.EnsureFresh(context.Background(), keyAcct); err != nil || got != keyAcct {
		t.Errorf("api key account: got %v, %v; want the account back untouched", got, err)
	}

	fresh := oauthAccount("fresh", time.Now().Add(2*time.Hour))
	if got, err := m.EnsureFresh(context.Background(), fresh); err != nil || got != fresh {
		t.Errorf("fresh account: got %v, %v; want the account back untouched", got, err)
	}

	manual := oauthAccount("manual", time.Now().Add(-time.Hour))
	manual.AutoRefreshEnabled = false
	if got, err := m.EnsureFresh(context.Background(), manual); err != nil || got != manual {
		t.Errorf("auto refresh disabled: got %v, %v; want the account back untouched", got, err)
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("token endpoint hit %d times, want 0", n)
	}
}

func TestEnsureFreshRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		writeGrant(w, "at-2", "", 3600)
	}))
	defer srv.Close()

	m := NewManager(repo, Options{TokenURL: srv.URL})
	acct := oauthAccount("flaky", time.Now().Add(-time.Minute))
	if err := repo.CreateAccount(context.Background(), acct); err != nil {
		t.Fatal("create:", err)
	}

	_, err := m.EnsureFresh(context.Background(), acct)
	if !errors.Is(err, relay.ErrTokenRefresh) {
		t.Fatalf("first refresh err = %v, want token refresh failure", err)
	}
	if relay.KindOf(err) != relay.KindTokenRefresh {
		t.Errorf("kind = %v, want KindTokenRefresh", relay.KindOf(err))
	}

	got, err := m.EnsureFresh(context.Background(), acct)
	if err != nil {
		t.Fatal("second refresh:", err)
	}
	if got.AccessToken != "at-2" {
		t.Errorf("access token = %q, want at-2", got.AccessToken)
	}
	// The grant omitted refresh_token: the original one must survive.
	if got.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want refresh-1 preserved", got.RefreshToken)
	}
	stored, err := repo.GetAccount(context.Background(), acct.ID)
	if err != nil {
		t.Fatal("get:", err)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Errorf("stored refresh token = %q, want preserved", stored.RefreshToken)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("endpoint hits = %d, want 2", n)
	}
}

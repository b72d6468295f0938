package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/events"
	"github.com/eugener/shadowfax/internal/strategy"
	"github.com/eugener/shadowfax/internal/testutil"
)

// testServer bundles a handler with the fakes behind it.
type testServer struct {
	h     http.Handler
	store *testutil.Store
	auth  *auth.APIKeyAuth
	bus   *events.Bus
	key   string // attached as x-api-key when non-empty
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := testutil.NewStore()
	keyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		t.Fatalf("NewAPIKeyAuth: %v", err)
	}
	bus := events.NewBus(nil)
	t.Cleanup(func() { bus.Close() })

	h := New(Deps{
		Store: store,
		Auth:  keyAuth,
		Proxy: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("proxied " + r.URL.Path))
		}),
		Strategies:      strategy.NewRegistry(store, strategy.Options{}),
		Bus:             bus,
		Retention:       RetentionDefaults{PayloadDays: 7, RequestDays: 30},
		DefaultStrategy: relay.StrategySession,
	})
	return &testServer{h: h, store: store, auth: keyAuth, bus: bus}
}

// seedKey registers a key directly in the store, bypassing the handler, and
// drops any cached miss so it takes effect immediately.
func (ts *testServer) seedKey(t *testing.T, name, role string) (raw, id string) {
	t.Helper()
	raw, key, err := auth.Generate(name, role)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := ts.store.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	ts.auth.InvalidateHash(key.HashedKey)
	return raw, key.ID
}

func (ts *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	return ts.doAs(ts.key, method, target, body)
}

func (ts *testServer) doAs(key, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

// --- Health ---

func TestHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if resp.Accounts != 0 {
		t.Errorf("accounts = %d, want 0", resp.Accounts)
	}
	if resp.Strategy != relay.StrategySession {
		t.Errorf("strategy = %q, want %q", resp.Strategy, relay.StrategySession)
	}
}

func TestHealthReflectsStrategySetting(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/config/strategy", `{"strategy":"round-robin"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set strategy: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/health", "")
	var resp healthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Strategy != relay.StrategyRoundRobin {
		t.Errorf("strategy = %q, want %q", resp.Strategy, relay.StrategyRoundRobin)
	}
}

// failingAccountsStore makes the account listing fail to simulate a
// degraded database.
type failingAccountsStore struct {
	*testutil.Store
}

func (failingAccountsStore) ListAccounts(context.Context) ([]*relay.Account, error) {
	return nil, errors.New("db down")
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()
	keyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		t.Fatalf("NewAPIKeyAuth: %v", err)
	}
	h := New(Deps{
		Store:           failingAccountsStore{store},
		Auth:            keyAuth,
		Proxy:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}),
		Strategies:      strategy.NewRegistry(store, strategy.Options{}),
		Bus:             events.NewBus(nil),
		DefaultStrategy: relay.StrategySession,
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("body should report degraded, got: %s", rec.Body.String())
	}
}

// --- Request ID ---

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", "")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header should be set")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "client-supplied-id")
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "client-supplied-id" {
		t.Errorf("X-Request-Id = %q, want %q", got, "client-supplied-id")
	}
}

// --- Proxy routing ---

func TestProxyRoutes(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	for _, path := range []string{
		"/v1/messages",
		"/v1/messages/count_tokens",
		"/messages",
		"/messages/count_tokens",
	} {
		rec := ts.do(http.MethodPost, path, `{"model":"claude-sonnet-4-5"}`)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "proxied "+path) {
			t.Errorf("%s: proxy stub not reached, body = %s", path, rec.Body.String())
		}
	}
}

func TestProxyMethodNotAllowed(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/messages", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// --- Auth gate ---

func TestAuthDisabledWhileNoKeys(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusOK {
		t.Errorf("management: status = %d, want 200 with auth disabled", rec.Code)
	}
	rec = ts.do(http.MethodPost, "/v1/messages", `{}`)
	if rec.Code != http.StatusOK {
		t.Errorf("proxy: status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestAuthFirstKeyArmsGate(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	// Bootstrap: creating the first key needs no credentials.
	rec := ts.do(http.MethodPost, "/api/api-keys", `{"name":"bootstrap","role":"admin"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create key: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	json.NewDecoder(rec.Body).Decode(&created)
	if !strings.HasPrefix(created.Key, relay.APIKeyPrefix) {
		t.Fatalf("key = %q, want %s prefix", created.Key, relay.APIKeyPrefix)
	}

	// The gate is armed now: no credentials is a 401.
	rec = ts.do(http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no creds: status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication_error") {
		t.Errorf("body should carry authentication_error, got: %s", rec.Body.String())
	}

	// The freshly minted key passes.
	rec = ts.doAs(created.Key, http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
}

func TestAuthBearerForm(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	raw, _ := ts.seedKey(t, "bearer-key", relay.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}
}

func TestAuthUnknownKey(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.seedKey(t, "real", relay.RoleAdmin)

	rec := ts.doAs("sfx_bogusbogusbogusbogusbogusbogus", http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthInactiveKey(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.seedKey(t, "keeper", relay.RoleAdmin)
	raw, id := ts.seedKey(t, "revoked", relay.RoleAdmin)

	if err := ts.store.SetKeyActive(context.Background(), id, false); err != nil {
		t.Fatalf("SetKeyActive: %v", err)
	}
	ts.auth.InvalidateByKeyID(id)

	rec := ts.doAs(raw, http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAuthExemptPaths(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.seedKey(t, "gatekeeper", relay.RoleAdmin)

	// Health serves probes without credentials even with the gate armed.
	rec := ts.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/health: status = %d, want 200", rec.Code)
	}

	// The OAuth endpoints stay reachable; an empty body is a validation
	// failure, not an auth one.
	rec = ts.do(http.MethodPost, "/api/oauth/init", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("/api/oauth/init: status = %d, want 400", rec.Code)
	}
}

func TestAuthRoleEnforcement(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	adminRaw, _ := ts.seedKey(t, "admin-key", relay.RoleAdmin)
	apiRaw, _ := ts.seedKey(t, "api-key", relay.RoleAPIOnly)

	// api-only may proxy but not manage.
	rec := ts.doAs(apiRaw, http.MethodPost, "/v1/messages", `{}`)
	if rec.Code != http.StatusOK {
		t.Errorf("api-only proxy: status = %d, want 200", rec.Code)
	}
	rec = ts.doAs(apiRaw, http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("api-only manage: status = %d, want 403", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "permission_error") {
		t.Errorf("body should carry permission_error, got: %s", rec.Body.String())
	}

	// admin may do both.
	rec = ts.doAs(adminRaw, http.MethodPost, "/v1/messages", `{}`)
	if rec.Code != http.StatusOK {
		t.Errorf("admin proxy: status = %d, want 200", rec.Code)
	}
	rec = ts.doAs(adminRaw, http.MethodGet, "/api/accounts", "")
	if rec.Code != http.StatusOK {
		t.Errorf("admin manage: status = %d, want 200", rec.Code)
	}
}

// --- Metrics route ---

func TestMetricsRouteMounted(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore()
	keyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		t.Fatalf("NewAPIKeyAuth: %v", err)
	}
	h := New(Deps{
		Store: store,
		Auth:  keyAuth,
		Proxy: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}),
		Prom: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# scrape ok"))
		}),
		Strategies:      strategy.NewRegistry(store, strategy.Options{}),
		Bus:             events.NewBus(nil),
		DefaultStrategy: relay.StrategySession,
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "scrape ok") {
		t.Errorf("prom handler not reached, body = %s", rec.Body.String())
	}
}

func TestMetricsRouteAbsentWithoutHandler(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no prom handler is wired", rec.Code)
	}
}

// Package testutil provides in-memory doubles for tests.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

// Store is an in-memory storage.Store. Sentinel semantics follow the SQLite
// implementation: mutations on missing rows return relay.ErrNotFound, unique
// violations relay.ErrConflict, and list orderings match the real queries.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]*relay.Account
	requests     map[string]*relay.RequestRecord
	payloads     map[string]*relay.RequestPayload
	sessions     map[string]*relay.OAuthSession
	strategies   map[string]*relay.StrategyConfig
	agents       map[string]*relay.AgentPreference
	keys         map[string]*relay.APIKey
	translations map[string]*relay.ModelTranslation
	settings     map[string]string

	OptimizeCalls int
	CompactCalls  int
	PingErr       error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]*relay.Account),
		requests:     make(map[string]*relay.RequestRecord),
		payloads:     make(map[string]*relay.RequestPayload),
		sessions:     make(map[string]*relay.OAuthSession),
		strategies:   make(map[string]*relay.StrategyConfig),
		agents:       make(map[string]*relay.AgentPreference),
		keys:         make(map[string]*relay.APIKey),
		translations: make(map[string]*relay.ModelTranslation),
		settings:     make(map[string]string),
	}
}

func cloneAccount(a *relay.Account) *relay.Account {
	cp := *a
	return &cp
}

func cloneRequest(r *relay.RequestRecord) *relay.RequestRecord {
	cp := *r
	return &cp
}

// --- AccountStore ---

func (s *Store) CreateAccount(_ context.Context, a *relay.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account: %w", relay.ErrConflict)
	}
	for _, existing := range s.accounts {
		if existing.Name == a.Name {
			return fmt.Errorf("account: %w", relay.ErrConflict)
		}
	}
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*relay.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) GetAccountByName(_ context.Context, name string) (*relay.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.Name == name {
			return cloneAccount(a), nil
		}
	}
	return nil, relay.ErrNotFound
}

func (s *Store) ListAccounts(_ context.Context) ([]*relay.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneAccount(a))
	}
	slices.SortFunc(out, func(a, b *relay.Account) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) UpdateAccount(_ context.Context, a *relay.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return fmt.Errorf("account: %w", relay.ErrNotFound)
	}
	s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return fmt.Errorf("account: %w", relay.ErrNotFound)
	}
	delete(s.accounts, id)
	return nil
}

func (s *Store) RenameAccount(_ context.Context, id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account: %w", relay.ErrNotFound)
	}
	for _, existing := range s.accounts {
		if existing.ID != id && existing.Name == newName {
			return fmt.Errorf("account: %w", relay.ErrConflict)
		}
	}
	a.Name = newName
	return nil
}

func (s *Store) SetAccountPaused(_ context.Context, id string, paused bool) error {
	return s.mutateAccount(id, func(a *relay.Account) { a.Paused = paused })
}

func (s *Store) SetAccountPriority(_ context.Context, id string, priority int) error {
	return s.mutateAccount(id, func(a *relay.Account) { a.Priority = priority })
}

func (s *Store) SetAccountEndpoint(_ context.Context, id, endpoint string) error {
	return s.mutateAccount(id, func(a *relay.Account) { a.CustomEndpoint = endpoint })
}

func (s *Store) SetAccountMappings(_ context.Context, id, mappingsJSON string) error {
	return s.mutateAccount(id, func(a *relay.Account) { a.ModelMappings = mappingsJSON })
}

func (s *Store) UpdateAccountTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt int64) error {
	return s.mutateAccount(id, func(a *relay.Account) {
		a.AccessToken = accessToken
		a.RefreshToken = refreshToken
		a.ExpiresAt = &expiresAt
	})
}

func (s *Store) MarkAccountUsed(_ context.Context, id string, at time.Time) error {
	return s.mutateAccount(id, func(a *relay.Account) {
		t := at
		a.LastUsed = &t
		a.RequestCount++
		a.TotalRequests++
		a.SessionRequestCount++
	})
}

func (s *Store) StartAccountSession(_ context.Context, id string, at time.Time) error {
	return s.mutateAccount(id, func(a *relay.Account) {
		t := at
		a.SessionStart = &t
		a.SessionRequestCount = 0
	})
}

func (s *Store) SetRateLimit(_ context.Context, id string, until *time.Time, status string, reset *time.Time, remaining *int64) error {
	return s.mutateAccount(id, func(a *relay.Account) {
		a.RateLimitedUntil = until
		a.RateLimitStatus = status
		a.RateLimitReset = reset
		a.RateLimitRemaining = remaining
	})
}

func (s *Store) ClearExpiredRateLimits(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.accounts {
		if a.RateLimitedUntil != nil && a.RateLimitedUntil.Before(now) {
			a.RateLimitedUntil = nil
			a.RateLimitStatus = ""
			n++
		}
	}
	return n, nil
}

func (s *Store) ResetSessionCounts(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			a.SessionStart = nil
			a.SessionRequestCount = 0
		}
	}
	return nil
}

func (s *Store) mutateAccount(id string, fn func(*relay.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account: %w", relay.ErrNotFound)
	}
	fn(a)
	return nil
}

// --- RequestStore ---

func (s *Store) InsertRequest(_ context.Context, r *relay.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return fmt.Errorf("request: %w", relay.ErrConflict)
	}
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *Store) FinalizeRequest(_ context.Context, r *relay.RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; !ok {
		return fmt.Errorf("request: %w", relay.ErrNotFound)
	}
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*relay.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return cloneRequest(r), nil
}

func (s *Store) ListRequests(_ context.Context, offset, limit int) ([]*relay.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*relay.RequestRecord, 0, len(s.requests))
	for _, r := range s.requests {
		all = append(all, cloneRequest(r))
	}
	slices.SortFunc(all, func(a, b *relay.RequestRecord) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) SavePayload(_ context.Context, p *relay.RequestPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payloads[p.ID] = &cp
	return nil
}

func (s *Store) GetPayload(_ context.Context, id string) (*relay.RequestPayload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) CleanupOldRequests(_ context.Context, payloadAge, requestAge *time.Duration) (storage.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res storage.CleanupResult
	now := time.Now().UTC()

	if payloadAge != nil {
		cutoff := now.Add(-*payloadAge)
		for id, p := range s.payloads {
			if p.CreatedAt.Before(cutoff) {
				delete(s.payloads, id)
				res.RemovedPayloads++
			}
		}
	}
	if requestAge != nil {
		cutoff := now.Add(-*requestAge)
		for id, r := range s.requests {
			if r.Timestamp.Before(cutoff) {
				if _, ok := s.payloads[id]; ok {
					delete(s.payloads, id)
					res.RemovedPayloads++
				}
				delete(s.requests, id)
				res.RemovedRequests++
			}
		}
	}
	for id := range s.payloads {
		if _, ok := s.requests[id]; !ok {
			delete(s.payloads, id)
			res.RemovedPayloads++
		}
	}
	return res, nil
}

// --- OAuthSessionStore ---

func (s *Store) CreateOAuthSession(_ context.Context, sess *relay.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("oauth session: %w", relay.ErrConflict)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetOAuthSession(_ context.Context, id string) (*relay.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) DeleteOAuthSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteExpiredOAuthSessions(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- StrategyStore ---

func (s *Store) GetStrategyConfig(_ context.Context, name string) (*relay.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.strategies[name]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SetStrategyConfig(_ context.Context, name, configJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[name] = &relay.StrategyConfig{
		Name:      name,
		Config:    configJSON,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *Store) ListStrategyConfigs(_ context.Context) ([]*relay.StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.StrategyConfig, 0, len(s.strategies))
	for _, c := range s.strategies {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *relay.StrategyConfig) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// --- AgentPreferenceStore ---

func (s *Store) GetAgentPreference(_ context.Context, agent string) (*relay.AgentPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.agents[agent]
	if !ok {
		return nil, relay.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SetAgentPreference(_ context.Context, p *relay.AgentPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.agents[p.Agent] = &cp
	return nil
}

func (s *Store) ListAgentPreferences(_ context.Context) ([]*relay.AgentPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.AgentPreference, 0, len(s.agents))
	for _, p := range s.agents {
		cp := *p
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *relay.AgentPreference) int {
		return strings.Compare(a.Agent, b.Agent)
	})
	return out, nil
}

func (s *Store) DeleteAgentPreference(_ context.Context, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent]; !ok {
		return fmt.Errorf("agent preference: %w", relay.ErrNotFound)
	}
	delete(s.agents, agent)
	return nil
}

// --- APIKeyStore ---

func (s *Store) CreateKey(_ context.Context, key *relay.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("api key: %w", relay.ErrConflict)
	}
	for _, existing := range s.keys {
		if existing.Name == key.Name || existing.HashedKey == key.HashedKey {
			return fmt.Errorf("api key: %w", relay.ErrConflict)
		}
	}
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *Store) GetKeyByHash(_ context.Context, hash string) (*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.HashedKey == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, relay.ErrNotFound
}

func (s *Store) ListKeys(_ context.Context) ([]*relay.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *relay.APIKey) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *Store) CountActiveKeys(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, k := range s.keys {
		if k.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *Store) SetKeyActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("api key: %w", relay.ErrNotFound)
	}
	k.IsActive = active
	return nil
}

func (s *Store) DeleteKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; !ok {
		return fmt.Errorf("api key: %w", relay.ErrNotFound)
	}
	delete(s.keys, id)
	return nil
}

func (s *Store) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("api key: %w", relay.ErrNotFound)
	}
	now := time.Now().UTC()
	k.LastUsed = &now
	k.UsageCount++
	return nil
}

// --- ModelTranslationStore ---

func (s *Store) CreateTranslation(_ context.Context, t *relay.ModelTranslation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.translations[t.ID]; ok {
		return fmt.Errorf("model translation: %w", relay.ErrConflict)
	}
	for _, existing := range s.translations {
		if existing.SourcePattern == t.SourcePattern {
			return fmt.Errorf("model translation: %w", relay.ErrConflict)
		}
	}
	cp := *t
	s.translations[t.ID] = &cp
	return nil
}

func (s *Store) ListTranslations(_ context.Context) ([]*relay.ModelTranslation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*relay.ModelTranslation, 0, len(s.translations))
	for _, t := range s.translations {
		cp := *t
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *relay.ModelTranslation) int {
		if c := len(b.SourcePattern) - len(a.SourcePattern); c != 0 {
			return c
		}
		return strings.Compare(a.SourcePattern, b.SourcePattern)
	})
	return out, nil
}

func (s *Store) DeleteTranslation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.translations[id]; !ok {
		return fmt.Errorf("model translation: %w", relay.ErrNotFound)
	}
	delete(s.translations, id)
	return nil
}

// --- SettingsStore ---

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return "", relay.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// --- StatsStore ---

func (s *Store) AnalyticsBuckets(_ context.Context, since time.Time, bucket time.Duration) ([]storage.AnalyticsBucket, error) {
	sec := int64(bucket / time.Second)
	if sec <= 0 {
		sec = 60
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStart := make(map[int64]*storage.AnalyticsBucket)
	for _, r := range s.requests {
		if r.Timestamp.Before(since) {
			continue
		}
		start := (r.Timestamp.Unix() / sec) * sec
		b, ok := byStart[start]
		if !ok {
			b = &storage.AnalyticsBucket{Start: time.Unix(start, 0).UTC()}
			byStart[start] = b
		}
		b.Requests++
		if !r.Success {
			b.Errors++
		}
		if r.InputTokens != nil {
			b.InputTokens += *r.InputTokens
		}
		if r.OutputTokens != nil {
			b.OutputTokens += *r.OutputTokens
		}
		if r.CostUSD != nil {
			b.CostUSD += *r.CostUSD
		}
	}
	out := make([]storage.AnalyticsBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b storage.AnalyticsBucket) int {
		return a.Start.Compare(b.Start)
	})
	return out, nil
}

func (s *Store) AccountTotals(_ context.Context, since time.Time) ([]storage.AccountTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byAccount := make(map[string]*storage.AccountTotals)
	for _, r := range s.requests {
		if r.Timestamp.Before(since) || r.AccountUsed == "" {
			continue
		}
		t, ok := byAccount[r.AccountUsed]
		if !ok {
			t = &storage.AccountTotals{AccountUsed: r.AccountUsed}
			byAccount[r.AccountUsed] = t
		}
		t.Requests++
		if !r.Success {
			t.Errors++
		}
		if r.TotalTokens != nil {
			t.TotalTokens += *r.TotalTokens
		}
		if r.CostUSD != nil {
			t.CostUSD += *r.CostUSD
		}
	}
	out := make([]storage.AccountTotals, 0, len(byAccount))
	for _, t := range byAccount {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b storage.AccountTotals) int {
		if a.Requests != b.Requests {
			if a.Requests > b.Requests {
				return -1
			}
			return 1
		}
		return strings.Compare(a.AccountUsed, b.AccountUsed)
	})
	return out, nil
}

func (s *Store) CountRequests(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.requests)), nil
}

// --- Maintenance ---

func (s *Store) Optimize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OptimizeCalls++
	return nil
}

func (s *Store) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CompactCalls++
	return nil
}

func (s *Store) Ping(_ context.Context) error { return s.PingErr }

func (s *Store) Close() error { return nil }

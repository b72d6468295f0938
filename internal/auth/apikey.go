// Package auth implements API key authentication for the management and
// proxy surfaces. Keys are validated against the store and cached in a
// W-TinyLFU cache; misses are cached too so a flood of bogus keys cannot
// hammer the database.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000
)

// cached wraps a lookup result; a nil key records a miss.
type cached struct {
	key *relay.APIKey
}

// APIKeyAuth authenticates requests using sfx_-prefixed API keys.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *cached]
	keyIDToHash sync.Map // key id -> hash, for invalidation by id

	mu        sync.Mutex
	enabled   bool
	checkedAt time.Time
}

// NewAPIKeyAuth returns an APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *cached]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *cached](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// ExtractKey pulls the raw credential from the request: x-api-key first,
// then Authorization: Bearer.
func ExtractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// Enabled reports whether authentication is enforced: true once at least one
// active key exists. The answer is cached for cacheTTL.
func (a *APIKeyAuth) Enabled(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.checkedAt) < cacheTTL {
		return a.enabled, nil
	}
	n, err := a.store.CountActiveKeys(ctx)
	if err != nil {
		return true, err
	}
	a.enabled = n > 0
	a.checkedAt = time.Now()
	return a.enabled, nil
}

// Authenticate validates the request credential and returns the caller's
// identity. Unknown and non-sfx_ keys return ErrUnauthorized; deactivated
// keys return ErrKeyInactive.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*relay.Identity, error) {
	raw := ExtractKey(r)
	if raw == "" || !strings.HasPrefix(raw, relay.APIKeyPrefix) {
		return nil, relay.ErrUnauthorized
	}

	hash := relay.HashKey(raw)

	if ent, ok := a.cache.GetIfPresent(hash); ok {
		if ent.key == nil {
			return nil, relay.ErrUnauthorized
		}
		if !ent.key.IsActive {
			return nil, relay.ErrKeyInactive
		}
		a.touch(ctx, ent.key.ID)
		return identityFor(ent.key), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			a.cache.Set(hash, &cached{})
			return nil, relay.ErrUnauthorized
		}
		return nil, err
	}

	// The DB lookup already matched; the constant-time compare guards
	// against collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.HashedKey), []byte(hash)) != 1 {
		return nil, relay.ErrUnauthorized
	}

	a.cache.Set(hash, &cached{key: key})
	a.keyIDToHash.Store(key.ID, hash)

	if !key.IsActive {
		return nil, relay.ErrKeyInactive
	}

	a.touch(ctx, key.ID)
	return identityFor(key), nil
}

// touch updates last_used/usage_count off the request path. The parent
// context may be canceled as soon as the response is written.
func (a *APIKeyAuth) touch(ctx context.Context, id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.store.TouchKeyUsed(ctx, id); err != nil {
			slog.Debug("api key touch failed", "key_id", id, "error", err)
		}
	}()
}

// InvalidateByKeyID drops the cached entry for a key after admin mutations
// (deactivate, delete) and forces the next Enabled check to hit the store.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
	a.resetEnabled()
}

// InvalidateHash drops a cached lookup (hit or miss) by hash. Called on key
// creation so a previously cached miss does not shadow the new key.
func (a *APIKeyAuth) InvalidateHash(hash string) {
	a.cache.Invalidate(hash)
	a.resetEnabled()
}

func (a *APIKeyAuth) resetEnabled() {
	a.mu.Lock()
	a.checkedAt = time.Time{}
	a.mu.Unlock()
}

// identityFor builds the caller identity. Keys created before roles existed
// have an empty role and get the least-privileged one.
func identityFor(key *relay.APIKey) *relay.Identity {
	role := key.Role
	if role == "" {
		role = relay.RoleAPIOnly
	}
	return &relay.Identity{
		APIKeyID: key.ID,
		KeyName:  key.Name,
		Role:     role,
		Perms:    relay.RolePermissions[role],
	}
}

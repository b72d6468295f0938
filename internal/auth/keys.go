package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/shadowfax/internal"
)

// rawKeyBytes is the entropy behind each generated key. 32 bytes encodes to
// 43 base64url characters.
const rawKeyBytes = 32

// Generate mints a new API key. The raw value is returned exactly once; only
// its hash and a display hint are kept.
func Generate(name, role string) (raw string, key *relay.APIKey, err error) {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw = relay.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	if role == "" {
		role = relay.RoleAPIOnly
	}
	key = &relay.APIKey{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Name:       name,
		HashedKey:  relay.HashKey(raw),
		PrefixLast: relay.APIKeyPrefix + "..." + raw[len(raw)-8:],
		CreatedAt:  time.Now().UTC(),
		IsActive:   true,
		Role:       role,
	}
	return raw, key, nil
}

// ValidRole reports whether role names a known role.
func ValidRole(role string) bool {
	_, ok := relay.RolePermissions[role]
	return ok
}

// RequiredPerm maps a request path to the permission needed to call it.
// Proxy surfaces need PermProxy; everything else is management.
func RequiredPerm(path string) relay.Permission {
	if strings.HasPrefix(path, "/v1/") || path == "/messages" || strings.HasPrefix(path, "/messages/") {
		return relay.PermProxy
	}
	return relay.PermManage
}

package config

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage"
)

// Bootstrap seeds the database from the config file on first run: API keys
// (hashed, plaintext never persisted), the active strategy setting, the
// default model setting, and global model translations including the
// OpenAI-compatible mappings env override. All steps are idempotent.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, k := range cfg.Keys {
		if k.Key == "" || k.Name == "" {
			continue
		}
		hash := relay.HashKey(k.Key)
		if existing, _ := store.GetKeyByHash(ctx, hash); existing != nil {
			continue
		}

		role := k.Role
		if role == "" {
			role = relay.RoleAdmin
		}
		key := &relay.APIKey{
			ID:         uuid.Must(uuid.NewV7()).String(),
			Name:       k.Name,
			HashedKey:  hash,
			PrefixLast: keySuffix(k.Key),
			CreatedAt:  time.Now().UTC(),
			IsActive:   true,
			Role:       role,
		}
		if err := store.CreateKey(ctx, key); err != nil {
			if errors.Is(err, relay.ErrConflict) {
				continue // same name seeded with a rotated key
			}
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "role", role)
	}

	if _, err := store.GetSetting(ctx, relay.SettingStrategy); errors.Is(err, relay.ErrNotFound) {
		if err := store.SetSetting(ctx, relay.SettingStrategy, cfg.Proxy.Strategy); err != nil {
			return err
		}
		slog.Info("bootstrapped strategy", "name", cfg.Proxy.Strategy)
	}

	if cfg.Proxy.DefaultModel != "" {
		if _, err := store.GetSetting(ctx, relay.SettingDefaultModel); errors.Is(err, relay.ErrNotFound) {
			if err := store.SetSetting(ctx, relay.SettingDefaultModel, cfg.Proxy.DefaultModel); err != nil {
				return err
			}
		}
	}

	return seedTranslations(ctx, cfg, store)
}

// seedTranslations inserts config-file rewrites plus the env mappings.
// Existing source patterns win over seeds.
func seedTranslations(ctx context.Context, cfg *Config, store storage.Store) error {
	seeds := make(map[string]string, len(cfg.Translations))
	for _, t := range cfg.Translations {
		if t.Source != "" && t.Target != "" {
			seeds[t.Source] = t.Target
		}
	}
	if raw := os.Getenv(EnvModelMappings); raw != "" {
		var envMappings map[string]string
		if err := json.Unmarshal([]byte(raw), &envMappings); err != nil {
			slog.Warn("ignoring malformed model mappings env", "env", EnvModelMappings, "error", err)
		} else {
			for src, dst := range envMappings {
				if src != "" && dst != "" {
					seeds[src] = dst
				}
			}
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	sources := make([]string, 0, len(seeds))
	for src := range seeds {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, src := range sources {
		tr := &relay.ModelTranslation{
			ID:            uuid.Must(uuid.NewV7()).String(),
			SourcePattern: src,
			TargetModel:   seeds[src],
			Enabled:       true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateTranslation(ctx, tr); err != nil {
			if errors.Is(err, relay.ErrConflict) {
				continue
			}
			return err
		}
		slog.Info("bootstrapped model translation", "source", src, "target", seeds[src])
	}
	return nil
}

// keySuffix returns the trailing 8 characters used for display.
func keySuffix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[len(raw)-8:]
}

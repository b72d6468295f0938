package config

import (
	"context"
	"testing"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path, sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := defaults()
	cfg.Keys = []KeyEntry{
		{Name: "admin", Key: "sfx_testkey12345678", Role: "admin"},
		{Name: "ci", Key: "sfx_cikey9876543210", Role: "api-only"},
	}
	cfg.Translations = []Translation{
		{Source: "gpt-4o", Target: "claude-sonnet-4-20250514"},
	}

	// First call seeds everything.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	key, err := store.GetKeyByHash(ctx, relay.HashKey("sfx_testkey12345678"))
	if err != nil {
		t.Fatal("get key:", err)
	}
	if key.Name != "admin" || key.Role != relay.RoleAdmin || !key.IsActive {
		t.Errorf("key = %+v", key)
	}
	if key.PrefixLast != "12345678" {
		t.Errorf("prefix = %q, want 12345678", key.PrefixLast)
	}

	strategy, err := store.GetSetting(ctx, relay.SettingStrategy)
	if err != nil {
		t.Fatal("get strategy:", err)
	}
	if strategy != "session" {
		t.Errorf("strategy = %q, want session", strategy)
	}

	translations, err := store.ListTranslations(ctx)
	if err != nil {
		t.Fatal("list translations:", err)
	}
	if len(translations) != 1 || translations[0].SourcePattern != "gpt-4o" {
		t.Errorf("translations = %+v", translations)
	}

	// Second call is idempotent -- no errors, no duplicates.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 2 {
		t.Errorf("key count after second bootstrap = %d, want 2", len(keys))
	}
	translations, _ = store.ListTranslations(ctx)
	if len(translations) != 1 {
		t.Errorf("translation count after second bootstrap = %d, want 1", len(translations))
	}
}

func TestBootstrapSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := defaults()
	cfg.Keys = []KeyEntry{
		{Name: "empty", Key: ""},
		{Name: "", Key: "sfx_nameless1234"},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatal("list keys:", err)
	}
	if len(keys) != 0 {
		t.Errorf("key count = %d, want 0", len(keys))
	}
}

func TestBootstrapKeepsExistingStrategy(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetSetting(ctx, relay.SettingStrategy, "round-robin"); err != nil {
		t.Fatal(err)
	}

	cfg := defaults() // strategy default "session"
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	strategy, err := store.GetSetting(ctx, relay.SettingStrategy)
	if err != nil {
		t.Fatal(err)
	}
	if strategy != "round-robin" {
		t.Errorf("strategy = %q, existing value should win", strategy)
	}
}

func TestBootstrapEnvMappings(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	store := newTestStore(t)
	ctx := context.Background()
	t.Setenv(EnvModelMappings, `{"gpt-4":"claude-opus-4","gpt-4o-mini":"claude-haiku-4"}`)

	if err := Bootstrap(ctx, defaults(), store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	translations, err := store.ListTranslations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(translations) != 2 {
		t.Fatalf("translation count = %d, want 2", len(translations))
	}
}

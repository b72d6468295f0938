package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"

	relay "github.com/eugener/shadowfax/internal"
)

// mappingCacheSize bounds the per-account mapping cache. Entries are keyed by
// the raw mappings JSON, so an account edit naturally misses into a new entry.
const mappingCacheSize = 1000

// fallbackMappingKey is consulted when no mapping key matches the model.
const fallbackMappingKey = "sonnet"

// ModelRepo is the slice of the store model resolution reads from.
type ModelRepo interface {
	GetSetting(ctx context.Context, key string) (string, error)
	GetAgentPreference(ctx context.Context, agent string) (*relay.AgentPreference, error)
	ListTranslations(ctx context.Context) ([]*relay.ModelTranslation, error)
}

// mappingSet is one parsed model_mappings object with its keys ordered
// longest first for substring matching.
type mappingSet struct {
	keys   []string
	values map[string]string
}

// ModelResolver turns the client's requested model into the id each account
// should receive: agent override, then global translations, then per-account
// mappings.
type ModelResolver struct {
	repo     ModelRepo
	mappings *otter.Cache[string, *mappingSet]
}

// NewModelResolver builds a resolver over repo.
func NewModelResolver(repo ModelRepo) (*ModelResolver, error) {
	c, err := otter.New(&otter.Options[string, *mappingSet]{
		MaximumSize: mappingCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create mapping cache: %w", err)
	}
	return &ModelResolver{repo: repo, mappings: c}, nil
}

// Resolve applies the account-independent rewrite steps and reports the
// agent's pinned account name, if any. An empty requested model falls back to
// the default-model setting. Store errors degrade to the unrewritten model.
func (m *ModelResolver) Resolve(ctx context.Context, requested, agent string) (model, pinned string) {
	model = requested
	if model == "" {
		if v, err := m.repo.GetSetting(ctx, relay.SettingDefaultModel); err == nil && v != "" {
			model = v
		}
	}

	if agent != "" {
		pref, err := m.repo.GetAgentPreference(ctx, agent)
		if err == nil && pref != nil {
			if pref.Model != "" {
				model = pref.Model
			}
			pinned = pref.AccountName
		}
	}

	if translated, ok := m.translate(ctx, model); ok {
		model = translated
	}
	return model, pinned
}

// translate applies the first enabled global translation whose source pattern
// is a substring of model.
func (m *ModelResolver) translate(ctx context.Context, model string) (string, bool) {
	if model == "" {
		return "", false
	}
	translations, err := m.repo.ListTranslations(ctx)
	if err != nil {
		slog.Warn("list model translations", "error", err)
		return "", false
	}
	for _, tr := range translations {
		if tr.Enabled && tr.SourcePattern != "" && strings.Contains(model, tr.SourcePattern) {
			return tr.TargetModel, true
		}
	}
	return "", false
}

// ForAccount maps an already-resolved model through the account's
// model_mappings: longest-key-first substring match, then the sonnet mapping
// as the fallback. Accounts without mappings pass the model through.
func (m *ModelResolver) ForAccount(model string, a *relay.Account) string {
	raw := strings.TrimSpace(a.ModelMappings)
	if raw == "" || raw == "{}" {
		return model
	}
	set := m.mappingSet(raw)
	if mapped, ok := set.match(model); ok {
		return mapped
	}
	return model
}

func (m *ModelResolver) mappingSet(raw string) *mappingSet {
	if set, ok := m.mappings.GetIfPresent(raw); ok {
		return set
	}
	set := parseMappings(raw)
	m.mappings.Set(raw, set)
	return set
}

func parseMappings(raw string) *mappingSet {
	set := &mappingSet{values: make(map[string]string)}
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if k != "" && value.String() != "" {
			set.values[k] = value.String()
			set.keys = append(set.keys, k)
		}
		return true
	})
	slices.SortFunc(set.keys, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return set
}

func (s *mappingSet) match(model string) (string, bool) {
	if model != "" {
		for _, k := range s.keys {
			if strings.Contains(model, k) {
				return s.values[k], true
			}
		}
	}
	if v, ok := s.values[fallbackMappingKey]; ok {
		return v, true
	}
	return "", false
}

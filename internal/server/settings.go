package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/validate"
)

// --- Strategy ---

type strategyResponse struct {
	Strategy  string   `json:"strategy"`
	Available []string `json:"available"`
}

func (s *server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, strategyResponse{
		Strategy:  s.activeStrategy(r.Context()),
		Available: s.deps.Strategies.Names(),
	})
}

func (s *server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	name, verr := validate.StrategyName("strategy", req.Strategy)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if err := s.deps.Store.SetSetting(r.Context(), relay.SettingStrategy, name); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, strategyResponse{
		Strategy:  name,
		Available: s.deps.Strategies.Names(),
	})
}

// --- Default model ---

type defaultModelResponse struct {
	DefaultModel string `json:"default_model"`
}

func (s *server) handleGetDefaultModel(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Store.GetSetting(r.Context(), relay.SettingDefaultModel)
	if err != nil && !errors.Is(err, relay.ErrNotFound) {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, defaultModelResponse{DefaultModel: v})
}

func (s *server) handleSetDefaultModel(w http.ResponseWriter, r *http.Request) {
	var req defaultModelResponse
	if !decodeJSON(w, r, &req) {
		return
	}
	// Empty clears the fallback for model-less requests.
	model, verr := validate.String("default_model", req.DefaultModel, validate.StringRule{
		Max:       256,
		Transform: strings.TrimSpace,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if err := s.deps.Store.SetSetting(r.Context(), relay.SettingDefaultModel, model); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, defaultModelResponse{DefaultModel: model})
}

// --- Retention ---

type retentionResponse struct {
	PayloadDays int `json:"payload_days"`
	RequestDays int `json:"request_days"`
}

func (s *server) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, retentionResponse{
		PayloadDays: s.retentionDays(r.Context(), relay.SettingRetentionPayloadDays, s.deps.Retention.PayloadDays),
		RequestDays: s.retentionDays(r.Context(), relay.SettingRetentionRequestDays, s.deps.Retention.RequestDays),
	})
}

func (s *server) handleSetRetention(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayloadDays *int `json:"payload_days"`
		RequestDays *int `json:"request_days"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	for field, v := range map[string]*int{"payload_days": req.PayloadDays, "request_days": req.RequestDays} {
		if v == nil {
			continue
		}
		if verr := validate.IntRange(field, *v, 0, 3650); verr != nil {
			writeValidation(w, verr)
			return
		}
	}
	if req.PayloadDays != nil {
		if err := s.deps.Store.SetSetting(r.Context(), relay.SettingRetentionPayloadDays, strconv.Itoa(*req.PayloadDays)); err != nil {
			writeFailure(w, r, err)
			return
		}
	}
	if req.RequestDays != nil {
		if err := s.deps.Store.SetSetting(r.Context(), relay.SettingRetentionRequestDays, strconv.Itoa(*req.RequestDays)); err != nil {
			writeFailure(w, r, err)
			return
		}
	}
	s.handleGetRetention(w, r)
}

// retentionDays resolves one retention class: settings row first, then the
// configured default. Matches the retention worker's resolution order.
func (s *server) retentionDays(ctx context.Context, key string, fallback int) int {
	v, err := s.deps.Store.GetSetting(ctx, key)
	if err == nil {
		if n, perr := strconv.Atoi(strings.TrimSpace(v)); perr == nil {
			return n
		}
	}
	return fallback
}

// --- Model translations ---

type translationsResponse struct {
	Translations []*relay.ModelTranslation `json:"translations"`
}

func (s *server) handleListTranslations(w http.ResponseWriter, r *http.Request) {
	translations, err := s.deps.Store.ListTranslations(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if translations == nil {
		translations = []*relay.ModelTranslation{}
	}
	writeJSON(w, http.StatusOK, translationsResponse{Translations: translations})
}

func (s *server) handleCreateTranslation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourcePattern string `json:"source_pattern"`
		TargetModel   string `json:"target_model"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	source, verr := validate.String("source_pattern", req.SourcePattern, validate.StringRule{
		Required:  true,
		Max:       256,
		Transform: strings.TrimSpace,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	target, verr := validate.String("target_model", req.TargetModel, validate.StringRule{
		Required:  true,
		Max:       256,
		Transform: strings.TrimSpace,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}

	translation := &relay.ModelTranslation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		SourcePattern: source,
		TargetModel:   target,
		Enabled:       true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.deps.Store.CreateTranslation(r.Context(), translation); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, translation)
}

func (s *server) handleDeleteTranslation(w http.ResponseWriter, r *http.Request) {
	id, verr := validate.String("id", chi.URLParam(r, "id"), validate.StringRule{
		Required: true,
		Pattern:  validate.UUIDPattern,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if err := s.deps.Store.DeleteTranslation(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agent preferences ---

type agentsResponse struct {
	Agents []*relay.AgentPreference `json:"agents"`
}

func (s *server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgentPreferences(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if agents == nil {
		agents = []*relay.AgentPreference{}
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: agents})
}

func (s *server) handleSetAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Agent       string `json:"agent"`
		AccountName string `json:"account_name,omitempty"`
		Model       string `json:"model,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	agent, verr := validate.AccountName("agent", req.Agent)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if req.AccountName != "" {
		if _, verr := validate.AccountName("account_name", req.AccountName); verr != nil {
			writeValidation(w, verr)
			return
		}
	}
	model, verr := validate.String("model", req.Model, validate.StringRule{
		Max:       256,
		Transform: strings.TrimSpace,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}

	pref := &relay.AgentPreference{
		Agent:       agent,
		AccountName: req.AccountName,
		Model:       model,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.SetAgentPreference(r.Context(), pref); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

func (s *server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, verr := validate.AccountName("agent", chi.URLParam(r, "agent"))
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if err := s.deps.Store.DeleteAgentPreference(r.Context(), agent); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

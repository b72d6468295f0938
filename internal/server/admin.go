package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/validate"
)

// maxAdminBody is the maximum allowed management request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(relay.KindValidation, "invalid request body"))
		return false
	}
	return true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// --- Accounts ---

var allowedProviders = []string{
	relay.ProviderAnthropic,
	relay.ProviderAnthropicCompat,
	relay.ProviderOpenAICompat,
	relay.ProviderMinimax,
	relay.ProviderKilo,
	relay.ProviderNanoGPT,
	relay.ProviderZAI,
}

// endpointRequired names the families without a built-in base URL. Catching
// the omission here beats a dispatch-time error on the first request.
var endpointRequired = map[string]bool{
	relay.ProviderAnthropicCompat: true,
	relay.ProviderOpenAICompat:    true,
}

type accountsResponse struct {
	Accounts []*relay.Account `json:"accounts"`
	Total    int              `json:"total"`
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []*relay.Account{}
	}
	writeJSON(w, http.StatusOK, accountsResponse{Accounts: accounts, Total: len(accounts)})
}

// accountCreateRequest registers a direct API-key account. OAuth accounts go
// through /api/oauth/init instead.
type accountCreateRequest struct {
	Name     string          `json:"name"`
	Provider string          `json:"provider,omitempty"`
	APIKey   string          `json:"api_key"`
	Endpoint string          `json:"endpoint,omitempty"`
	Priority int             `json:"priority,omitempty"`
	Mappings json.RawMessage `json:"mappings,omitempty"`
}

func (s *server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, verr := validate.AccountName("name", req.Name)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	key, verr := validate.APIKeyValue("api_key", req.APIKey)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = relay.ProviderAnthropic
	}
	provider, verr = validate.String("provider", provider, validate.StringRule{
		Required: true,
		Allowed:  allowedProviders,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if req.Endpoint != "" {
		if _, verr := validate.EndpointURL("endpoint", req.Endpoint); verr != nil {
			writeValidation(w, verr)
			return
		}
	} else if endpointRequired[provider] {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(relay.KindValidation, "endpoint: required for provider "+provider))
		return
	}
	if verr := validate.Priority("priority", req.Priority); verr != nil {
		writeValidation(w, verr)
		return
	}
	if len(req.Mappings) > 0 {
		if _, verr := validate.ModelMappings("mappings", string(req.Mappings)); verr != nil {
			writeValidation(w, verr)
			return
		}
	}

	account := &relay.Account{
		ID:                  uuid.Must(uuid.NewV7()).String(),
		Name:                name,
		Provider:            provider,
		AuthType:            relay.AuthTypeAPIKey,
		APIKey:              key,
		CreatedAt:           time.Now().UTC(),
		Priority:            req.Priority,
		CustomEndpoint:      req.Endpoint,
		ModelMappings:       string(req.Mappings),
		AutoFallbackEnabled: true,
		AutoRefreshEnabled:  true,
	}
	if err := s.deps.Store.CreateAccount(r.Context(), account); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// accountByName resolves the {name} URL parameter to a stored account,
// writing the failure response itself when resolution fails.
func (s *server) accountByName(w http.ResponseWriter, r *http.Request) (*relay.Account, bool) {
	name, verr := validate.AccountName("name", chi.URLParam(r, "name"))
	if verr != nil {
		writeValidation(w, verr)
		return nil, false
	}
	account, err := s.deps.Store.GetAccountByName(r.Context(), name)
	if err != nil {
		writeFailure(w, r, err)
		return nil, false
	}
	return account, true
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountByName(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteAccount(r.Context(), account.ID); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRenameAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountByName(w, r)
	if !ok {
		return
	}
	var req struct {
		NewName string `json:"new_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	newName, verr := validate.AccountName("new_name", req.NewName)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if err := s.deps.Store.RenameAccount(r.Context(), account.ID, newName); err != nil {
		writeFailure(w, r, err)
		return
	}
	account.Name = newName
	writeJSON(w, http.StatusOK, account)
}

func (s *server) handlePauseAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountPaused(w, r, true)
}

func (s *server) handleResumeAccount(w http.ResponseWriter, r *http.Request) {
	s.setAccountPaused(w, r, false)
}

func (s *server) setAccountPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	account, ok := s.accountByName(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.SetAccountPaused(r.Context(), account.ID, paused); err != nil {
		writeFailure(w, r, err)
		return
	}
	account.Paused = paused
	writeJSON(w, http.StatusOK, account)
}

func (s *server) handleAccountPriority(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountByName(w, r)
	if !ok {
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if verr := validate.Priority("priority", req.Priority); verr != nil {
		writeValidation(w, verr)
		return
	}
	if err := s.deps.Store.SetAccountPriority(r.Context(), account.ID, req.Priority); err != nil {
		writeFailure(w, r, err)
		return
	}
	account.Priority = req.Priority
	writeJSON(w, http.StatusOK, account)
}

func (s *server) handleAccountEndpoint(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountByName(w, r)
	if !ok {
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	// Empty clears the override and the family default applies again.
	if req.Endpoint != "" {
		if _, verr := validate.EndpointURL("endpoint", req.Endpoint); verr != nil {
			writeValidation(w, verr)
			return
		}
	}
	if err := s.deps.Store.SetAccountEndpoint(r.Context(), account.ID, req.Endpoint); err != nil {
		writeFailure(w, r, err)
		return
	}
	account.CustomEndpoint = req.Endpoint
	writeJSON(w, http.StatusOK, account)
}

func (s *server) handleAccountMappings(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountByName(w, r)
	if !ok {
		return
	}
	var req struct {
		Mappings json.RawMessage `json:"mappings"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	raw := string(req.Mappings)
	if raw == "null" {
		raw = ""
	}
	if raw != "" {
		if _, verr := validate.ModelMappings("mappings", raw); verr != nil {
			writeValidation(w, verr)
			return
		}
	}
	if err := s.deps.Store.SetAccountMappings(r.Context(), account.ID, raw); err != nil {
		writeFailure(w, r, err)
		return
	}
	account.ModelMappings = raw
	writeJSON(w, http.StatusOK, account)
}

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/auth"
	"github.com/eugener/shadowfax/internal/validate"
)

type keysResponse struct {
	Keys  []*relay.APIKey `json:"keys"`
	Total int             `json:"total"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if keys == nil {
		keys = []*relay.APIKey{}
	}
	writeJSON(w, http.StatusOK, keysResponse{Keys: keys, Total: len(keys)})
}

// keyCreateResponse carries the plaintext key. It is shown exactly once;
// only the hash survives.
type keyCreateResponse struct {
	*relay.APIKey
	Key string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	name, verr := validate.String("name", req.Name, validate.StringRule{
		Required: true,
		Max:      64,
		Pattern:  validate.AccountNamePattern,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	if req.Role != "" && !auth.ValidRole(req.Role) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(relay.KindValidation, "role: must be admin or api-only"))
		return
	}

	raw, key, err := auth.Generate(name, req.Role)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := s.deps.Store.CreateKey(r.Context(), key); err != nil {
		writeFailure(w, r, err)
		return
	}
	// A cached miss for this hash would shadow the new key until the TTL
	// lapses; the enabled flag flips here too.
	s.deps.Auth.InvalidateHash(key.HashedKey)

	writeJSON(w, http.StatusCreated, keyCreateResponse{APIKey: key, Key: raw})
}

func (s *server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse(relay.KindValidation, "is_active: is required"))
		return
	}
	if err := s.deps.Store.SetKeyActive(r.Context(), id, *req.IsActive); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)

	writeJSON(w, http.StatusOK, struct {
		ID       string `json:"id"`
		IsActive bool   `json:"is_active"`
	}{ID: id, IsActive: *req.IsActive})
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := s.keyID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteKey(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	s.deps.Auth.InvalidateByKeyID(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) keyID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, verr := validate.String("id", chi.URLParam(r, "id"), validate.StringRule{
		Required: true,
		Pattern:  validate.UUIDPattern,
	})
	if verr != nil {
		writeValidation(w, verr)
		return "", false
	}
	return id, true
}

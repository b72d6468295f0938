package server

import (
	"net/http"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/token"
	"github.com/eugener/shadowfax/internal/validate"
)

type oauthInitRequest struct {
	Name     string `json:"name"`
	Mode     string `json:"mode,omitempty"`     // claude-oauth (default) or console
	Endpoint string `json:"endpoint,omitempty"` // custom endpoint for the new account
}

func (s *server) handleOAuthInit(w http.ResponseWriter, r *http.Request) {
	var req oauthInitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name, verr := validate.AccountName("name", req.Name)
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	mode, verr := validate.String("mode", req.Mode, validate.StringRule{
		Allowed: []string{relay.OAuthModeClaude, relay.OAuthModeConsole},
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
	}

	login, err := s.deps.Tokens.BeginLogin(r.Context(), token.LoginOptions{
		AccountName:    name,
		Mode:           mode,
		CustomEndpoint: req.Endpoint,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, login)
}

type oauthCallbackRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID, verr := validate.String("session_id", req.SessionID, validate.StringRule{
		Required: true,
		Pattern:  validate.UUIDPattern,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}
	// Codes arrive pasted from the browser and may carry state fragments;
	// the manager strips those. Only bound the length here.
	code, verr := validate.String("code", req.Code, validate.StringRule{
		Required: true,
		Max:      2048,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}

	account, err := s.deps.Tokens.CompleteLogin(r.Context(), sessionID, code)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

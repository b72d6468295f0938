package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	relay "github.com/eugener/shadowfax/internal"
)

// handleProxy hands the request to the dispatcher, which owns account
// selection, failover, and streaming from here on.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	s.deps.Proxy.ServeHTTP(w, r)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// apiError is the error envelope every surface fails with. It matches the
// Anthropic wire shape the dispatcher emits, so proxy clients and the
// dashboard parse failures the same way.
type apiError struct {
	Type  string       `json:"type"`
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errorResponse(kind relay.ErrorKind, msg string) apiError {
	return apiError{Type: "error", Error: apiErrorBody{Type: kind.String(), Message: msg}}
}

// writeFailure classifies err onto the wire. Unclassified causes are logged
// server-side and sanitized so SQLite or upstream internals never leak.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *relay.ValidationError
	if errors.As(err, &verr) {
		writeValidation(w, verr)
		return
	}
	kind := relay.KindOf(err)
	msg := err.Error()
	if kind == relay.KindInternal {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	writeJSON(w, kind.HTTPStatus(), errorResponse(kind, msg))
}

func writeValidation(w http.ResponseWriter, verr *relay.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorResponse(relay.KindValidation, verr.Error()))
}

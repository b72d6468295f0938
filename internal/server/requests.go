package server

import (
	"errors"
	"net/http"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/validate"
)

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	requests, err := s.deps.Store.ListRequests(r.Context(), offset, limit)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	total, _ := s.deps.Store.CountRequests(r.Context())
	if requests == nil {
		requests = []*relay.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       requests,
		Pagination: pagination{Offset: offset, Limit: limit, Total: int(total)},
	})
}

// requestDetail pairs the telemetry row with its archived payload. Payload is
// null when capture was off or retention already removed it.
type requestDetail struct {
	Request *relay.RequestRecord  `json:"request"`
	Payload *relay.RequestPayload `json:"payload"`
}

func (s *server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	id, verr := validate.String("id", r.URL.Query().Get("id"), validate.StringRule{
		Required: true,
		Pattern:  validate.UUIDPattern,
	})
	if verr != nil {
		writeValidation(w, verr)
		return
	}

	record, err := s.deps.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	payload, err := s.deps.Store.GetPayload(r.Context(), id)
	if err != nil && !errors.Is(err, relay.ErrNotFound) {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requestDetail{Request: record, Payload: payload})
}

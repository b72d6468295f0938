package server

import (
	"net/http"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/validate"
)

// handleCleanup applies the retention windows immediately. The optional body
// overrides the configured windows for this run only.
func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayloadDays *int `json:"payload_days"`
		RequestDays *int `json:"request_days"`
	}
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	payloadDays := s.retentionDays(r.Context(), relay.SettingRetentionPayloadDays, s.deps.Retention.PayloadDays)
	requestDays := s.retentionDays(r.Context(), relay.SettingRetentionRequestDays, s.deps.Retention.RequestDays)
	if req.PayloadDays != nil {
		payloadDays = *req.PayloadDays
	}
	if req.RequestDays != nil {
		requestDays = *req.RequestDays
	}
	for field, v := range map[string]int{"payload_days": payloadDays, "request_days": requestDays} {
		if verr := validate.IntRange(field, v, 0, 3650); verr != nil {
			writeValidation(w, verr)
			return
		}
	}

	result, err := s.deps.Store.CleanupOldRequests(r.Context(), cutoffAge(payloadDays), cutoffAge(requestDays))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// cutoffAge converts a day count to a cutoff age; zero disables the class.
func cutoffAge(days int) *time.Duration {
	if days <= 0 {
		return nil
	}
	d := time.Duration(days) * 24 * time.Hour
	return &d
}

type compactResponse struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// handleCompact runs PRAGMA optimize and VACUUM back to back. VACUUM blocks
// the writer for its duration, so this stays a manual operation.
func (s *server) handleCompact(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := s.deps.Store.Optimize(r.Context()); err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := s.deps.Store.Compact(r.Context()); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, compactResponse{
		Status:     "ok",
		DurationMs: time.Since(start).Milliseconds(),
	})
}

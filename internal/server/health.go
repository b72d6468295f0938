package server

import (
	"context"
	"net/http"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

type healthResponse struct {
	Status    string    `json:"status"`
	Accounts  int       `json:"accounts"`
	Timestamp time.Time `json:"timestamp"`
	Strategy  string    `json:"strategy"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Store.ListAccounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "degraded",
			Timestamp: time.Now().UTC(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Accounts:  len(accounts),
		Timestamp: time.Now().UTC(),
		Strategy:  s.activeStrategy(r.Context()),
	})
}

// activeStrategy reads the strategy setting, falling back to the configured
// default before the first write.
func (s *server) activeStrategy(ctx context.Context) string {
	if v, err := s.deps.Store.GetSetting(ctx, relay.SettingStrategy); err == nil && v != "" {
		return v
	}
	return s.deps.DefaultStrategy
}

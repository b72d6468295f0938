package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/logging"
	"github.com/eugener/shadowfax/internal/provider/sseutil"
)

// sseKeepAlive is the idle comment interval. Proxies tend to cut quiet
// streams after a minute.
const sseKeepAlive = 30 * time.Second

func (s *server) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	s.streamTopic(w, r, relay.TopicRequests)
}

func (s *server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	s.streamTopic(w, r, relay.TopicLogs)
}

// streamTopic relays bus events for one topic until the client disconnects.
// Each event's type becomes the SSE event name.
func (s *server) streamTopic(w http.ResponseWriter, r *http.Request, topic string) {
	ch, cancel, err := s.deps.Bus.Subscribe(topic)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	defer cancel()

	sw, err := sseutil.NewWriter(w)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if err := sw.Connected(); err != nil {
		return
	}

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				slog.LogAttrs(r.Context(), slog.LevelWarn, "marshal stream event",
					slog.String("topic", topic),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := sw.Event(ev.Type, data); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := sw.Comment("keep-alive"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- Log history ---

type logHistoryResponse struct {
	Logs  []relay.LogEvent `json:"logs"`
	Count int              `json:"count"`
}

// handleLogHistory serves the in-memory ring, newest first. The ring only
// holds records at INFO and above; a finer level filter trims further.
func (s *server) handleLogHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > logging.HistorySize {
		limit = 100
	}
	min := logging.ParseLevel(r.URL.Query().Get("level"))

	var logs []relay.LogEvent
	if s.deps.Logs != nil {
		logs = s.deps.Logs.History(limit, min)
	}
	if logs == nil {
		logs = []relay.LogEvent{}
	}
	writeJSON(w, http.StatusOK, logHistoryResponse{Logs: logs, Count: len(logs)})
}

package relay

import "time"

// Event bus topics.
const (
	TopicRequests = "request.events"
	TopicLogs     = "log.events"
)

// Request event variants.
const (
	EventStart   = "start"
	EventSummary = "summary"
	EventPayload = "payload"
)

// RequestStartEvent announces that dispatch began for a request id.
// AccountUsed is empty and StatusCode zero until the summary.
type RequestStartEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	AccountUsed string    `json:"account_used"`
	StatusCode  int       `json:"status_code"`
	AgentUsed   string    `json:"agent_used,omitempty"`
}

// RequestSummaryEvent carries the finalized telemetry row.
type RequestSummaryEvent struct {
	RequestRecord
}

// RequestPayloadEvent announces that an archived payload exists for id.
type RequestPayloadEvent struct {
	ID           string `json:"id"`
	RequestBody  string `json:"request_body"`
	ResponseBody string `json:"response_body"`
}

// LogEvent mirrors a structured log record onto the log.events topic.
type LogEvent struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

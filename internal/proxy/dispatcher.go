// Package proxy implements the dispatch loop: one inbound Anthropic-protocol
// request is carried across the account pool until a terminal outcome, with
// usage accounting teed off the response stream. The client sees upstream
// bytes with their original framing; accounting never delays forwarding.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/events"
	"github.com/eugener/shadowfax/internal/pricing"
	"github.com/eugener/shadowfax/internal/provider"
	"github.com/eugener/shadowfax/internal/ratelimit"
	"github.com/eugener/shadowfax/internal/strategy"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// maxCapturedBody caps the archived response body. Streams larger than this
// are truncated in the archive, never on the wire.
const maxCapturedBody = 1 << 20

// maxErrorBody bounds how much of a failed upstream response is drained for
// classification and replay.
const maxErrorBody = 64 << 10

// Terminal outcome labels for the dispatch metrics.
const (
	outcomeSuccess     = "success"
	outcomeNoAccounts  = "no_accounts"
	outcomeExhausted   = "exhausted"
	outcomeClientError = "client_error"
	outcomeAborted     = "aborted"
	outcomeStreamError = "stream_error"
	outcomeInternal    = "error"
)

// Repo is the slice of the store the dispatcher reads and writes.
type Repo interface {
	ListAccounts(ctx context.Context) ([]*relay.Account, error)
	MarkAccountUsed(ctx context.Context, id string, at time.Time) error
	InsertRequest(ctx context.Context, r *relay.RequestRecord) error
	FinalizeRequest(ctx context.Context, r *relay.RequestRecord) error
	SavePayload(ctx context.Context, p *relay.RequestPayload) error
	GetSetting(ctx context.Context, key string) (string, error)
}

// TokenSource freshens account credentials before dispatch.
type TokenSource interface {
	EnsureFresh(ctx context.Context, a *relay.Account) (*relay.Account, error)
}

// Options tune the dispatch loop. Zero values select the defaults.
type Options struct {
	Strategy        string // fallback when no strategy setting row exists
	CapturePayloads bool
	AttemptTimeout  time.Duration
	TotalTimeout    time.Duration
	DebugModel      bool
}

// Deps carries the dispatcher's collaborators. Metrics may be nil.
type Deps struct {
	Repo       Repo
	Strategies *strategy.Registry
	Models     *ModelResolver
	Tokens     TokenSource
	Adapters   *provider.Registry
	Tracker    *ratelimit.Tracker
	Pricing    *pricing.Catalog
	Bus        *events.Bus
	Client     *http.Client
	Metrics    *telemetry.Metrics
}

// Dispatcher carries proxy requests across the account pool.
type Dispatcher struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
}

// New builds a Dispatcher. Collaborators in deps must be non-nil except
// Metrics and Pricing.
func New(deps Deps, opts Options) *Dispatcher {
	if opts.Strategy == "" {
		opts.Strategy = relay.StrategySession
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Minute
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 5 * time.Minute
	}
	return &Dispatcher{deps: deps, opts: opts, tracer: telemetry.Tracer("shadowfax/proxy")}
}

// Dispatch serves one proxy request end to end: insert the telemetry row,
// emit start, walk candidates until a terminal outcome, finalize exactly once.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx, span := d.tracer.Start(r.Context(), "proxy.dispatch")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeWireError(w, http.StatusBadRequest, "invalid_request_error", "read request body: "+err.Error())
		return
	}

	id := relay.RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	agent := DetectAgent(r.UserAgent())

	rec := &relay.RequestRecord{
		ID:        id,
		Timestamp: started.UTC(),
		Method:    r.Method,
		Path:      r.URL.Path,
		AgentUsed: agent,
	}
	if ident := relay.IdentityFromContext(ctx); ident != nil {
		rec.APIKeyID = ident.APIKeyID
	}

	// The row must exist before any event so readers can observe in-flight
	// requests, and it must land even if the client is already gone.
	if err := d.deps.Repo.InsertRequest(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("insert request row", "id", id, "error", err)
	}
	d.deps.Bus.PublishRequest(relay.EventStart, relay.RequestStartEvent{
		ID:        id,
		Timestamp: rec.Timestamp,
		Method:    rec.Method,
		Path:      rec.Path,
		AgentUsed: agent,
	})

	requested := gjson.GetBytes(body, "model").String()
	model, pinned := d.deps.Models.Resolve(ctx, requested, agent)
	rec.Model = model

	outcome, respBody := d.run(ctx, w, r, rec, body, model, pinned)

	rec.ResponseTimeMs = time.Since(started).Milliseconds()
	if rec.OutputTokens != nil && *rec.OutputTokens > 0 && rec.ResponseTimeMs > 0 {
		otps := float64(*rec.OutputTokens) * 1000 / float64(rec.ResponseTimeMs)
		rec.OutputTokensPerSecond = &otps
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.String("account", rec.AccountUsed),
		attribute.Int("status", rec.StatusCode),
	)
	d.finalize(ctx, rec, outcome, body, respBody)
}

// run walks the candidate list until a terminal outcome, mutating rec along
// the way. It returns the outcome label and the captured response body.
func (d *Dispatcher) run(ctx context.Context, w http.ResponseWriter, r *http.Request, rec *relay.RequestRecord, body []byte, model, pinned string) (string, []byte) {
	accounts, err := d.deps.Repo.ListAccounts(ctx)
	if err != nil {
		slog.Error("load accounts", "error", err)
		rec.StatusCode = http.StatusInternalServerError
		rec.ErrorMessage = "load accounts: " + err.Error()
		writeWireError(w, rec.StatusCode, "api_error", "account pool unavailable")
		return outcomeInternal, nil
	}

	strat := d.strategy(ctx)
	candidates, err := strat.Select(ctx, accounts, relay.RequestMeta{Model: model, Agent: rec.AgentUsed, Path: rec.Path})
	if err != nil {
		slog.Error("strategy selection", "strategy", strat.Name(), "error", err)
		rec.StatusCode = http.StatusInternalServerError
		rec.ErrorMessage = "strategy selection: " + err.Error()
		writeWireError(w, rec.StatusCode, "api_error", "strategy selection failed")
		return outcomeInternal, nil
	}
	candidates = pinFront(candidates, pinned)

	if len(candidates) == 0 {
		rec.StatusCode = http.StatusServiceUnavailable
		rec.ErrorMessage = "no accounts available"
		writeWireError(w, rec.StatusCode, "overloaded_error", "no accounts available")
		return outcomeNoAccounts, nil
	}

	deadline := time.Now().Add(d.opts.TotalTimeout)
	var lastStatus int
	var lastMsg string

	for i, cand := range candidates {
		if ctx.Err() != nil {
			rec.ErrorMessage = "client aborted"
			return outcomeAborted, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastMsg == "" {
				lastMsg = "retry budget exhausted"
			}
			break
		}
		if i > 0 {
			rec.FailoverAttempts++
			if d.deps.Metrics != nil {
				d.deps.Metrics.FailoversTotal.Inc()
			}
		}

		acct, err := d.deps.Tokens.EnsureFresh(ctx, cand)
		if err != nil {
			slog.Warn("token refresh failed, skipping account", "account", cand.Name, "error", err)
			lastStatus = http.StatusBadGateway
			lastMsg = "token refresh failed for " + cand.Name
			continue
		}

		res := d.attempt(ctx, w, r, rec, acct, model, body, min(remaining, d.opts.AttemptTimeout))

		switch res.kind {
		case kindSuccess:
			d.applyResult(rec, res, acct)
			return outcomeFor(res), res.captured

		case kindAborted:
			rec.ErrorMessage = "client aborted"
			return outcomeAborted, nil

		case kindRateLimited:
			if _, err := d.deps.Tracker.MarkLimited(ctx, acct, res.resp, res.body); err != nil {
				slog.Error("persist rate limit", "account", acct.Name, "error", err)
			}
			lastStatus, lastMsg = res.status, res.errMsg

		case kindAuthFailed:
			slog.Warn("upstream rejected fresh credentials, marking account unhealthy",
				"account", acct.Name, "status", res.status)
			lastStatus, lastMsg = res.status, res.errMsg

		case kindRetryable:
			slog.Warn("upstream attempt failed",
				"account", acct.Name, "status", res.status, "error", res.errMsg)
			lastStatus, lastMsg = res.status, res.errMsg

		case kindClientError:
			rec.AccountUsed = acct.Name
			rec.StatusCode = res.status
			rec.ErrorMessage = res.errMsg
			writeUpstreamError(w, res.resp, res.body)
			return outcomeClientError, nil
		}
	}

	status := lastStatus
	if status == 0 {
		status = http.StatusBadGateway
	}
	msg := lastMsg
	if msg == "" {
		msg = "all accounts exhausted"
	}
	rec.StatusCode = status
	rec.ErrorMessage = msg
	writeWireError(w, status, errTypeFor(status), msg)
	return outcomeExhausted, nil
}

type attemptKind int

const (
	kindSuccess attemptKind = iota
	kindRateLimited
	kindAuthFailed
	kindRetryable
	kindClientError
	kindAborted
)

// attemptResult is one candidate's outcome. For kindSuccess the response has
// already been written to the client.
type attemptResult struct {
	kind     attemptKind
	status   int
	errMsg   string
	usage    relay.Usage
	model    string // upstream-reported model id
	resp     *http.Response
	body     []byte // drained non-2xx body
	captured []byte // buffered 2xx body for the payload archive
}

// attempt dispatches to one account. The budget bounds the wait for response
// headers; an accepted stream then runs under the client's context alone.
func (d *Dispatcher) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, rec *relay.RequestRecord, acct *relay.Account, model string, body []byte, budget time.Duration) *attemptResult {
	ctx, span := d.tracer.Start(ctx, "proxy.attempt",
		trace.WithAttributes(attribute.String("account", acct.Name)))
	defer span.End()

	adapter, err := d.deps.Adapters.Resolve(acct)
	if err != nil {
		return &attemptResult{kind: kindRetryable, errMsg: err.Error()}
	}

	finalModel := d.deps.Models.ForAccount(model, acct)
	outBody := body
	if finalModel != "" && finalModel != gjson.GetBytes(body, "model").String() {
		if b, err := sjson.SetBytes(body, "model", finalModel); err == nil {
			outBody = b
		}
	}
	if d.opts.DebugModel {
		slog.Debug("model resolved",
			"requested", gjson.GetBytes(body, "model").String(),
			"resolved", finalModel,
			"account", acct.Name,
		)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(budget, cancel)

	req, err := provider.Outbound(attemptCtx, adapter, acct, r, outboundPath(r.URL.Path), outBody)
	if err != nil {
		timer.Stop()
		return &attemptResult{kind: kindRetryable, errMsg: err.Error()}
	}

	resp, err := d.deps.Client.Do(req)
	if err != nil {
		timer.Stop()
		if ctx.Err() != nil {
			return &attemptResult{kind: kindAborted, errMsg: "client aborted"}
		}
		if attemptCtx.Err() != nil {
			return &attemptResult{kind: kindRetryable, errMsg: fmt.Sprintf("attempt timed out after %s", budget)}
		}
		return &attemptResult{kind: kindRetryable, errMsg: err.Error()}
	}
	timer.Stop()
	span.SetAttributes(attribute.Int("status", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return d.forward(ctx, w, resp, acct, rec)
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	res := &attemptResult{
		status: resp.StatusCode,
		errMsg: upstreamErrMsg(resp.StatusCode, errBody),
		resp:   resp,
		body:   errBody,
	}
	switch {
	case ratelimit.LimitSignal(resp.StatusCode, errBody):
		res.kind = kindRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		res.kind = kindAuthFailed
	case resp.StatusCode >= 500:
		res.kind = kindRetryable
	default:
		res.kind = kindClientError
	}
	return res
}

// forward streams an accepted response to the client, teeing SSE bytes into
// the usage scanner. Byte forwarding never waits on accounting.
func (d *Dispatcher) forward(ctx context.Context, w http.ResponseWriter, resp *http.Response, acct *relay.Account, rec *relay.RequestRecord) *attemptResult {
	defer resp.Body.Close()

	if err := d.deps.Repo.MarkAccountUsed(ctx, acct.ID, time.Now()); err != nil {
		slog.Error("mark account used", "account", acct.Name, "error", err)
	}

	res := &attemptResult{kind: kindSuccess, status: resp.StatusCode}

	provider.CopyResponseHeaders(w, resp)
	w.WriteHeader(resp.StatusCode)

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				res.errMsg = "client aborted"
			} else {
				res.errMsg = "upstream read: " + err.Error()
			}
			return res
		}
		if _, err := w.Write(data); err != nil {
			res.errMsg = "client aborted"
		}
		res.usage, res.model, _ = provider.ParseUsageBody(data)
		res.captured = data
		return res
	}

	flusher, _ := w.(http.Flusher)
	scan := provider.NewUsageScan()
	var captured bytes.Buffer
	capturing := d.opts.CapturePayloads

	buf := make([]byte, 32<<10)
	var streamErr string
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				streamErr = "client aborted"
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			scan.Write(chunk)
			if capturing && captured.Len() < maxCapturedBody {
				captured.Write(chunk[:min(len(chunk), maxCapturedBody-captured.Len())])
			}
		}
		if err != nil {
			if err != io.EOF {
				if ctx.Err() != nil {
					streamErr = "client aborted"
				} else {
					streamErr = "upstream stream interrupted: " + err.Error()
					writeStreamError(w, flusher, err)
				}
			}
			break
		}
	}

	scan.Finish()
	<-scan.Done()

	res.usage = scan.Usage()
	res.model = scan.Model()
	if n := scan.Dropped(); n > 0 {
		slog.Debug("usage frames dropped", "id", rec.ID, "frames", n)
	}
	switch {
	case streamErr != "":
		res.errMsg = streamErr
	case scan.ErrorMessage() != "":
		res.errMsg = "upstream error event: " + scan.ErrorMessage()
	}
	if capturing {
		res.captured = captured.Bytes()
	}
	return res
}

// applyResult folds a terminal attempt into the telemetry row.
func (d *Dispatcher) applyResult(rec *relay.RequestRecord, res *attemptResult, acct *relay.Account) {
	rec.AccountUsed = acct.Name
	rec.StatusCode = res.status
	rec.Success = res.errMsg == ""
	rec.ErrorMessage = res.errMsg
	if res.model != "" {
		rec.Model = res.model
	}
	if u := res.usage; !u.Zero() {
		in, out := u.InputTokens, u.OutputTokens
		cr, cc := u.CacheReadInputTokens, u.CacheCreationInputTokens
		total := u.Total()
		rec.InputTokens, rec.OutputTokens = &in, &out
		rec.CacheReadInputTokens, rec.CacheCreationTokens = &cr, &cc
		rec.TotalTokens = &total
		if d.deps.Pricing != nil {
			if cost := d.deps.Pricing.EstimateCostUSD(rec.Model, u); cost > 0 {
				rec.CostUSD = &cost
			}
		}
	}
}

// finalize persists the terminal row, counts metrics, and emits summary and
// payload events. Runs on a detached context: the client may be gone.
func (d *Dispatcher) finalize(ctx context.Context, rec *relay.RequestRecord, outcome string, reqBody, respBody []byte) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.deps.Repo.FinalizeRequest(fctx, rec); err != nil {
		slog.Error("finalize request row", "id", rec.ID, "error", err)
	}

	if d.deps.Metrics != nil {
		account := rec.AccountUsed
		if account == "" {
			account = "none"
		}
		d.deps.Metrics.DispatchOutcomes.WithLabelValues(outcome, account).Inc()
		d.deps.Metrics.DispatchDuration.WithLabelValues(account, rec.Model).
			Observe(float64(rec.ResponseTimeMs) / 1000)
		countTokens(d.deps.Metrics, rec)
	}

	d.deps.Bus.PublishRequest(relay.EventSummary, relay.RequestSummaryEvent{RequestRecord: *rec})

	if d.opts.CapturePayloads && rec.StatusCode >= 200 && rec.StatusCode < 300 {
		payload := &relay.RequestPayload{
			ID:           rec.ID,
			RequestBody:  redactJSON(reqBody),
			ResponseBody: redactJSON(respBody),
			CreatedAt:    time.Now().UTC(),
		}
		if err := d.deps.Repo.SavePayload(fctx, payload); err != nil {
			slog.Error("save payload", "id", rec.ID, "error", err)
			return
		}
		d.deps.Bus.PublishRequest(relay.EventPayload, relay.RequestPayloadEvent{
			ID:           rec.ID,
			RequestBody:  payload.RequestBody,
			ResponseBody: payload.ResponseBody,
		})
	}
}

// strategy returns the active strategy: the settings row when valid, else the
// configured fallback, else least-requests.
func (d *Dispatcher) strategy(ctx context.Context) strategy.Strategy {
	name := d.opts.Strategy
	if v, err := d.deps.Repo.GetSetting(ctx, relay.SettingStrategy); err == nil && strategy.Valid(v) {
		name = v
	}
	s, err := d.deps.Strategies.Get(name)
	if err != nil {
		s, _ = d.deps.Strategies.Get(relay.StrategyLeastRequests)
	}
	return s
}

func countTokens(m *telemetry.Metrics, rec *relay.RequestRecord) {
	model := rec.Model
	if model == "" {
		model = "unknown"
	}
	for typ, v := range map[string]*int64{
		"input":          rec.InputTokens,
		"output":         rec.OutputTokens,
		"cache_read":     rec.CacheReadInputTokens,
		"cache_creation": rec.CacheCreationTokens,
	} {
		if v != nil && *v > 0 {
			m.TokensProcessed.WithLabelValues(model, typ).Add(float64(*v))
		}
	}
}

// pinFront moves the agent's pinned account to the head of the candidate
// list when it survived availability filtering.
func pinFront(candidates []*relay.Account, name string) []*relay.Account {
	if name == "" {
		return candidates
	}
	for i, a := range candidates {
		if a.Name == name {
			if i == 0 {
				return candidates
			}
			out := make([]*relay.Account, 0, len(candidates))
			out = append(out, a)
			out = append(out, candidates[:i]...)
			out = append(out, candidates[i+1:]...)
			return out
		}
	}
	return candidates
}

// outboundPath maps the alternate /messages prefix onto the canonical
// /v1/messages upstream path.
func outboundPath(p string) string {
	if p == "/messages" || strings.HasPrefix(p, "/messages/") {
		return "/v1" + p
	}
	return p
}

func outcomeFor(res *attemptResult) string {
	switch {
	case res.errMsg == "":
		return outcomeSuccess
	case res.errMsg == "client aborted":
		return outcomeAborted
	default:
		return outcomeStreamError
	}
}

func upstreamErrMsg(status int, body []byte) string {
	if m := gjson.GetBytes(body, "error.message").String(); m != "" {
		return m
	}
	return fmt.Sprintf("upstream returned %d", status)
}

func errTypeFor(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == 529 || status == http.StatusServiceUnavailable:
		return "overloaded_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

type wireError struct {
	Type  string        `json:"type"`
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeWireError writes an Anthropic-protocol error envelope.
func writeWireError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(wireError{Type: "error", Error: wireErrorBody{Type: errType, Message: msg}}); err != nil {
		slog.Error("encode error response", "error", err)
	}
}

// writeUpstreamError replays a drained non-2xx response verbatim.
func writeUpstreamError(w http.ResponseWriter, resp *http.Response, body []byte) {
	provider.CopyResponseHeaders(w, resp)
	// The drain may have truncated the body; the original length no longer
	// holds.
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("replay upstream error", "error", err)
	}
}

// writeStreamError appends a final SSE error event so clients do not hang on
// a silent close.
func writeStreamError(w http.ResponseWriter, flusher http.Flusher, cause error) {
	msg, _ := json.Marshal(cause.Error())
	fmt.Fprintf(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":%s}}\n\n", msg)
	if flusher != nil {
		flusher.Flush()
	}
}

// redactJSON redacts secret-bearing keys in a JSON document. Non-JSON bodies
// (SSE captures) pass through unchanged.
func redactJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, err := json.Marshal(relay.Redact(v))
	if err != nil {
		return string(data)
	}
	return string(out)
}

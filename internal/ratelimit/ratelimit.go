// Package ratelimit tracks upstream rate-limit windows. Providers announce
// the window end through a zoo of headers and body shapes; the parse cascade
// here normalizes them to a single timestamp the dispatcher and strategies
// can act on.
package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	relay "github.com/eugener/shadowfax/internal"
)

// DefaultCooldown is applied when a limited response carries no usable reset
// signal.
const DefaultCooldown = 60 * time.Second

const (
	headerRetryAfter    = "retry-after"
	headerUnifiedReset  = "anthropic-ratelimit-unified-reset"
	headerUnifiedStatus = "anthropic-ratelimit-unified-status"
	headerReset         = "x-ratelimit-reset"
	headerResetAfter    = "x-ratelimit-reset-after"
)

// Remaining-quota headers, most specific first.
var remainingHeaders = []string{
	"anthropic-ratelimit-unified-remaining",
	"x-ratelimit-remaining",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-remaining-tokens",
}

var (
	resetsAtPattern = regexp.MustCompile(`"resets_at":\s*(\d+)`)
	tryAgainPattern = regexp.MustCompile(`try again (?:in|after) (\d+)`)
)

// ParseResetTime extracts the moment the upstream window ends from a limited
// response. body is the already-drained response body and may be nil. Signals
// that parse to a time at or before now are skipped, so the result is always
// in the future.
func ParseResetTime(resp *http.Response, body []byte) time.Time {
	t, _ := resetTime(resp.Header, body, time.Now())
	return t
}

// resetTime walks the signal cascade. found is false when every signal was
// absent or unusable and the default cooldown applied.
func resetTime(h http.Header, body []byte, now time.Time) (t time.Time, found bool) {
	if v := h.Get(headerRetryAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if t := now.Add(time.Duration(secs) * time.Second); t.After(now) {
				return t, true
			}
		} else if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t, true
		}
	}
	if t, ok := unixOrRFC3339(h.Get(headerUnifiedReset)); ok && t.After(now) {
		return t, true
	}
	if v := h.Get(headerReset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if t := time.Unix(n, 0); t.After(now) {
				return t, true
			}
		}
	}
	if v := h.Get(headerResetAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			if t := now.Add(time.Duration(secs) * time.Second); t.After(now) {
				return t, true
			}
		}
	}
	if m := resetsAtPattern.FindSubmatch(body); m != nil {
		if n, err := strconv.ParseInt(string(m[1]), 10, 64); err == nil {
			if t := time.Unix(n, 0); t.After(now) {
				return t, true
			}
		}
	}
	if m := tryAgainPattern.FindSubmatch(body); m != nil {
		if secs, err := strconv.Atoi(string(m[1])); err == nil {
			if t := now.Add(time.Duration(secs) * time.Second); t.After(now) {
				return t, true
			}
		}
	}
	return now.Add(DefaultCooldown), false
}

func unixOrRFC3339(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// limitStatus reports the provider's own window label, or "exceeded" when
// none is present.
func limitStatus(h http.Header) string {
	if v := h.Get(headerUnifiedStatus); v != "" {
		return v
	}
	return "exceeded"
}

// remaining reports the first parseable remaining-quota header.
func remaining(h http.Header) *int64 {
	for _, name := range remainingHeaders {
		if v := h.Get(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

// Available reports whether an account may serve traffic at now: not paused
// and not inside a rate-limit window.
func Available(a *relay.Account, now time.Time) bool {
	return a.AvailableAt(now)
}

// LimitSignal reports whether a response should be treated as a rate limit:
// a 429 or 529 status, or an error body typed as a limit or overload
// condition regardless of status. Some gateways hide limits behind 500s.
func LimitSignal(status int, body []byte) bool {
	if status == http.StatusTooManyRequests || status == 529 {
		return true
	}
	switch gjson.GetBytes(body, "error.type").String() {
	case "rate_limit_error", "overloaded_error":
		return true
	}
	return false
}

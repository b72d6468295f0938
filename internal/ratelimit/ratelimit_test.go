package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	relay "github.com/eugener/shadowfax/internal"
)

func TestResetTimeCascade(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		headers map[string]string
		body    string
		want    time.Time
		found   bool
	}{
		{
			name:    "retry-after seconds",
			headers: map[string]string{"Retry-After": "30"},
			want:    now.Add(30 * time.Second),
			found:   true,
		},
		{
			name:    "retry-after http date",
			headers: map[string]string{"Retry-After": "Sun, 01 Mar 2026 12:05:00 GMT"},
			want:    time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
			found:   true,
		},
		{
			name: "unified reset unix",
			headers: map[string]string{
				"Anthropic-Ratelimit-Unified-Reset": strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10),
			},
			want:  now.Add(10 * time.Minute),
			found: true,
		},
		{
			name: "unified reset rfc3339",
			headers: map[string]string{
				"Anthropic-Ratelimit-Unified-Reset": "2026-03-01T13:00:00Z",
			},
			want:  time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
			found: true,
		},
		{
			name: "x-ratelimit-reset unix",
			headers: map[string]string{
				"X-Ratelimit-Reset": strconv.FormatInt(now.Add(2*time.Minute).Unix(), 10),
			},
			want:  now.Add(2 * time.Minute),
			found: true,
		},
		{
			name:    "x-ratelimit-reset-after seconds",
			headers: map[string]string{"X-Ratelimit-Reset-After": "90"},
			want:    now.Add(90 * time.Second),
			found:   true,
		},
		{
			name:  "resets_at in body",
			body:  `{"error":{"message":"rate limited","resets_at": ` + strconv.FormatInt(now.Add(5*time.Minute).Unix(), 10) + `}}`,
			want:  now.Add(5 * time.Minute),
			found: true,
		},
		{
			name:  "try again in body",
			body:  `{"error":{"message":"Please try again in 45 seconds"}}`,
			want:  now.Add(45 * time.Second),
			found: true,
		},
		{
			name:  "no signal falls back to default",
			want:  now.Add(DefaultCooldown),
			found: false,
		},
		{
			name: "retry-after wins over unified reset",
			headers: map[string]string{
				"Retry-After":                       "30",
				"Anthropic-Ratelimit-Unified-Reset": strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10),
			},
			want:  now.Add(30 * time.Second),
			found: true,
		},
		{
			name: "past signals skipped",
			headers: map[string]string{
				"Retry-After":       "0",
				"X-Ratelimit-Reset": strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
			},
			want:  now.Add(DefaultCooldown),
			found: false,
		},
		{
			name:    "garbage skipped",
			headers: map[string]string{"Retry-After": "soon"},
			want:    now.Add(DefaultCooldown),
			found:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			got, found := resetTime(h, []byte(tt.body), now)
			if !got.Equal(tt.want) {
				t.Errorf("reset = %v, want %v", got, tt.want)
			}
			if found != tt.found {
				t.Errorf("found = %v, want %v", found, tt.found)
			}
		})
	}
}

func TestParseResetTime(t *testing.T) {
	t.Parallel()
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "15")

	got := ParseResetTime(resp, nil)
	if in := time.Until(got); in < 14*time.Second || in > 16*time.Second {
		t.Errorf("reset %v from now, want ~15s", in)
	}
}

func TestLimitSignals(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	if got := limitStatus(h); got != "exceeded" {
		t.Errorf("status = %q, want exceeded", got)
	}
	h.Set("Anthropic-Ratelimit-Unified-Status", "rejected")
	if got := limitStatus(h); got != "rejected" {
		t.Errorf("status = %q, want rejected", got)
	}

	if got := remaining(h); got != nil {
		t.Errorf("remaining = %v, want nil", *got)
	}
	h.Set("X-Ratelimit-Remaining-Tokens", "2500")
	h.Set("X-Ratelimit-Remaining", "12")
	if got := remaining(h); got == nil || *got != 12 {
		t.Errorf("remaining = %v, want 12 from x-ratelimit-remaining", got)
	}
	h.Set("Anthropic-Ratelimit-Unified-Remaining", "3")
	if got := remaining(h); got == nil || *got != 3 {
		t.Errorf("remaining = %v, want 3 from the unified header", got)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	now := time.Now()

	a := &relay.Account{}
	if !Available(a, now) {
		t.Error("unmarked account should be available")
	}

	a.Paused = true
	if Available(a, now) {
		t.Error("paused account should not be available")
	}

	a.Paused = false
	past := now.Add(-time.Second)
	a.RateLimitedUntil = &past
	if !Available(a, now) {
		t.Error("elapsed window should not block")
	}

	future := now.Add(time.Minute)
	a.RateLimitedUntil = &future
	if Available(a, now) {
		t.Error("active window should block")
	}
}

func TestLimitSignal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"429", 429, "", true},
		{"529 overloaded", 529, "", true},
		{"500 plain", 500, "internal server error", false},
		{"500 with limit body", 500, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, true},
		{"400 overloaded body", 400, `{"error":{"type":"overloaded_error","message":"busy"}}`, true},
		{"400 validation", 400, `{"error":{"type":"invalid_request_error","message":"bad"}}`, false},
		{"200", 200, "", false},
	}
	for _, tt := range tests {
		if got := LimitSignal(tt.status, []byte(tt.body)); got != tt.want {
			t.Errorf("%s: LimitSignal = %v, want %v", tt.name, got, tt.want)
		}
	}
}

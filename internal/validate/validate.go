// Package validate implements boundary validation with typed, result-returning
// validators. Violations produce relay.ValidationError values that the server
// layer translates to 400 responses.
package validate

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	relay "github.com/eugener/shadowfax/internal"
)

// Shared patterns.
var (
	AccountNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	APIPathPattern     = regexp.MustCompile(`^/[A-Za-z0-9_\-./]*$`)
	UUIDPattern        = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// StringRule bundles the constraints applied by String.
type StringRule struct {
	Required  bool
	Min       int
	Max       int // 0 = unbounded
	Pattern   *regexp.Regexp
	Allowed   []string
	Transform func(string) string // applied before checks
}

// String validates value against r and returns the (possibly transformed)
// result. The returned error is nil on success.
func String(field, value string, r StringRule) (string, *relay.ValidationError) {
	if r.Transform != nil {
		value = r.Transform(value)
	}
	if value == "" {
		if r.Required {
			return "", fail(field, value, "is required")
		}
		return "", nil
	}
	if r.Min > 0 && len(value) < r.Min {
		return "", fail(field, value, fmt.Sprintf("must be at least %d characters", r.Min))
	}
	if r.Max > 0 && len(value) > r.Max {
		return "", fail(field, value, fmt.Sprintf("must be at most %d characters", r.Max))
	}
	if r.Pattern != nil && !r.Pattern.MatchString(value) {
		return "", fail(field, value, "has invalid format")
	}
	if len(r.Allowed) > 0 && !slices.Contains(r.Allowed, value) {
		return "", fail(field, value, "must be one of: "+strings.Join(r.Allowed, ", "))
	}
	return value, nil
}

// IntRange validates v within [min, max] inclusive.
func IntRange(field string, v, min, max int) *relay.ValidationError {
	if v < min || v > max {
		return fail(field, v, fmt.Sprintf("must be between %d and %d", min, max))
	}
	return nil
}

// AccountName validates an account name against the shared pattern.
func AccountName(field, value string) (string, *relay.ValidationError) {
	return String(field, value, StringRule{
		Required:  true,
		Max:       64,
		Pattern:   AccountNamePattern,
		Transform: strings.TrimSpace,
	})
}

// StrategyName validates membership in the closed strategy set.
func StrategyName(field, value string) (string, *relay.ValidationError) {
	return String(field, value, StringRule{
		Required: true,
		Allowed: []string{
			relay.StrategyLeastRequests,
			relay.StrategyRoundRobin,
			relay.StrategySession,
			relay.StrategyWeighted,
			relay.StrategyWeightedRoundRobin,
		},
	})
}

// EndpointURL validates a custom endpoint: parseable, http or https, and a
// non-empty host. Returns the trimmed URL.
func EndpointURL(field, value string) (string, *relay.ValidationError) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fail(field, value, "is required")
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", fail(field, value, "is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fail(field, value, "must use http or https")
	}
	if u.Host == "" {
		return "", fail(field, value, "must include a host")
	}
	return value, nil
}

// APIKeyValue validates a raw upstream API key (minimum length only; formats
// vary per provider).
func APIKeyValue(field, value string) (string, *relay.ValidationError) {
	return String(field, value, StringRule{Required: true, Min: 8, Transform: strings.TrimSpace})
}

// JSONBlob verifies that value parses as JSON.
func JSONBlob(field, value string) *relay.ValidationError {
	if !json.Valid([]byte(value)) {
		return fail(field, value, "is not valid JSON")
	}
	return nil
}

// ModelMappings parses and validates a mappings object: a JSON object with
// non-empty string keys and values.
func ModelMappings(field, value string) (map[string]string, *relay.ValidationError) {
	var m map[string]string
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil, fail(field, value, "must be a JSON object of string to string")
	}
	for k, v := range m {
		if strings.TrimSpace(k) == "" {
			return nil, fail(field, value, "mapping keys must be non-empty")
		}
		if strings.TrimSpace(v) == "" {
			return nil, fail(field, value, "mapping values must be non-empty")
		}
	}
	return m, nil
}

// Priority validates an account priority.
func Priority(field string, v int) *relay.ValidationError {
	return IntRange(field, v, 0, 100)
}

func fail(field string, value any, msg string) *relay.ValidationError {
	return &relay.ValidationError{Field: field, Value: value, Message: msg}
}

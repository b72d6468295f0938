package proxy

import "strings"

// Agents recognized by User-Agent prefix. Anything else is classified by its
// first token so new tools still bucket consistently.
var knownAgents = []string{"claude-cli", "claude-code", "droid", "opencode"}

// DetectAgent classifies the calling tool from its User-Agent header value.
// Returns "" for an empty header.
func DetectAgent(ua string) string {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return ""
	}
	for _, agent := range knownAgents {
		if strings.HasPrefix(ua, agent) {
			return agent
		}
	}
	if i := strings.IndexAny(ua, " /"); i > 0 {
		return ua[:i]
	}
	return ua
}

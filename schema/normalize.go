package schema

import (
	"fmt"
	"net/url"
	"strings"
)

// UnknownAgentID is the agent id given to session keys that do not follow agent:<id>:...
const UnknownAgentID = "unknown"

// AgentIDFromKey derives the owning agent from a session key of the form agent:<id>:<rest>.
func AgentIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 && parts[0] == "agent" && parts[1] != "" {
		return parts[1]
	}
	return UnknownAgentID
}

// NormalizeEndpoint trims the endpoint and maps http/https to ws/wss.
// Endpoints without a scheme are treated as ws://.
func NormalizeEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", ErrInvalidEndpoint
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "ws://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return u.String(), nil
}

// RedactEndpoint strips userinfo, query and fragment so the endpoint is safe to log.
func RedactEndpoint(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return "<invalid>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

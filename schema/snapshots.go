package schema

import (
	"encoding/json"
	"time"
)

// Snapshot is the gateway's point-in-time state bundle returned with every exchange.
// Fields from two different snapshots must never be mixed in one view.
type Snapshot struct {
	UptimeMs     int64           `json:"uptimeMs"`
	StateVersion StateVersion    `json:"stateVersion"`
	Health       *HealthSummary  `json:"health,omitempty"`
	Server       ServerInfo      `json:"server"`
	Raw          json.RawMessage `json:"-"`
}

// StateVersion orders snapshots from the same gateway process.
type StateVersion struct {
	Presence int64 `json:"presence"`
	Health   int64 `json:"health"`
}

// ServerInfo identifies the gateway build and host, taken from the handshake.
type ServerInfo struct {
	Version  string `json:"version,omitempty"`
	Host     string `json:"host,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// HealthSummary is the health sub-document of a snapshot.
type HealthSummary struct {
	OK            bool                     `json:"ok"`
	TS            int64                    `json:"ts,omitempty"`
	DurationMs    int64                    `json:"durationMs,omitempty"`
	Channels      map[string]ChannelHealth `json:"channels,omitempty"`
	ChannelOrder  []string                 `json:"channelOrder,omitempty"`
	ChannelLabels map[string]string        `json:"channelLabels,omitempty"`
	Agents        []AgentHealth            `json:"agents,omitempty"`
	Sessions      *SessionCount            `json:"sessions,omitempty"`
}

// ChannelHealth is one channel's configuration and probe result.
type ChannelHealth struct {
	Configured bool          `json:"configured"`
	Linked     *bool         `json:"linked,omitempty"`
	Probe      *ChannelProbe `json:"probe,omitempty"`
}

// ChannelProbe is the last connectivity probe for a channel.
type ChannelProbe struct {
	OK    *bool    `json:"ok,omitempty"`
	Bot   *BotInfo `json:"bot,omitempty"`
	Error string   `json:"error,omitempty"`
}

// BotInfo names the bot account behind a channel.
type BotInfo struct {
	Username string `json:"username,omitempty"`
}

// AgentHealth is one agent as reported in snapshot health.
type AgentHealth struct {
	AgentID   string        `json:"agentId"`
	Name      string        `json:"name,omitempty"`
	IsDefault bool          `json:"isDefault,omitempty"`
	Sessions  *SessionCount `json:"sessions,omitempty"`
}

// SessionCount wraps a count.
type SessionCount struct {
	Count int `json:"count"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Raw = append(json.RawMessage(nil), s.Raw...)
	if s.Health == nil {
		return out
	}
	health := *s.Health
	if s.Health.Channels != nil {
		health.Channels = make(map[string]ChannelHealth, len(s.Health.Channels))
		for id, ch := range s.Health.Channels {
			health.Channels[id] = ch
		}
	}
	if s.Health.ChannelLabels != nil {
		health.ChannelLabels = make(map[string]string, len(s.Health.ChannelLabels))
		for id, label := range s.Health.ChannelLabels {
			health.ChannelLabels[id] = label
		}
	}
	health.ChannelOrder = append([]string(nil), s.Health.ChannelOrder...)
	health.Agents = append([]AgentHealth(nil), s.Health.Agents...)
	out.Health = &health
	return out
}

// DefaultHealthHistory caps the rolling health history.
const DefaultHealthHistory = 60

// HealthEntry records the outcome of one refresh attempt.
type HealthEntry struct {
	Timestamp time.Time `json:"ts"`
	OK        bool      `json:"ok"`
	LatencyMs int64     `json:"latencyMs"`
}

// HealthHistory is the rolling record of refresh outcomes, oldest first.
type HealthHistory []HealthEntry

// Append adds an entry and evicts the oldest entries beyond max.
func (h HealthHistory) Append(entry HealthEntry, max int) HealthHistory {
	if max <= 0 {
		max = DefaultHealthHistory
	}
	out := make(HealthHistory, 0, min(len(h)+1, max))
	if drop := len(h) + 1 - max; drop > 0 {
		out = append(out, h[drop:]...)
	} else {
		out = append(out, h...)
	}
	return append(out, entry)
}

// Latest returns the most recent entry.
func (h HealthHistory) Latest() (HealthEntry, bool) {
	if len(h) == 0 {
		return HealthEntry{}, false
	}
	return h[len(h)-1], true
}

// Healthy reports whether the most recent attempt succeeded.
func (h HealthHistory) Healthy() bool {
	latest, ok := h.Latest()
	return ok && latest.OK
}

// AverageLatency is the mean latency across all retained entries.
func (h HealthHistory) AverageLatency() time.Duration {
	if len(h) == 0 {
		return 0
	}
	var total int64
	for _, entry := range h {
		total += entry.LatencyMs
	}
	return time.Duration(total/int64(len(h))) * time.Millisecond
}

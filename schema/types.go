package schema

import (
	"encoding/json"
	"time"
)

// ConnectionConfig identifies a gateway and the bearer credential used to reach it.
type ConnectionConfig struct {
	Endpoint   string
	Credential string
}

// Configured reports whether both endpoint and credential are present.
func (c ConnectionConfig) Configured() bool {
	return c.Endpoint != "" && c.Credential != ""
}

// Operation names a logical gateway call.
type Operation string

const (
	// OpSnapshot is the implicit consistency snapshot fetched with every batch.
	OpSnapshot Operation = "snapshot"
	// OpSessionsList lists sessions.
	OpSessionsList Operation = "sessions.list"
	// OpCronList lists scheduled jobs.
	OpCronList Operation = "cron.list"
	// OpGatewayRestart asks the gateway process to restart.
	OpGatewayRestart Operation = "gateway.restart"
	// OpSessionsHistory fetches message history for one session.
	OpSessionsHistory Operation = "sessions.history"
	// OpSessionsSend posts a message into a session.
	OpSessionsSend Operation = "sessions.send"
)

// Known reports whether the operation is one the client understands.
func (o Operation) Known() bool {
	switch o {
	case OpSnapshot, OpSessionsList, OpCronList, OpGatewayRestart, OpSessionsHistory, OpSessionsSend:
		return true
	default:
		return false
	}
}

// Call is one operation inside a batch.
type Call struct {
	Op     Operation
	Params any
}

// BatchResult is the atomic outcome of one batched exchange.
type BatchResult struct {
	Snapshot Snapshot
	Results  map[Operation]json.RawMessage
}

// Session is a conversation context tracked by the gateway.
type Session struct {
	Key            string `json:"key"`
	Channel        string `json:"channel,omitempty"`
	Label          string `json:"label,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`
	TokenCount     int64  `json:"tokenCount,omitempty"`
	TotalTokens    int64  `json:"totalTokens,omitempty"`
	Model          string `json:"model,omitempty"`
	ModelProvider  string `json:"modelProvider,omitempty"`
	// AgentID is always derived from Key; any value sent by the gateway is replaced.
	AgentID string `json:"agentId"`
}

// Cron schedule kinds.
const (
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
	ScheduleAt    = "at"
)

// CronSchedule is a tagged schedule: interval, cron expression with timezone, or one-shot.
type CronSchedule struct {
	Kind    string `json:"kind"`
	EveryMs int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
	At      string `json:"at,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// CronPayload is what a job delivers when it fires.
type CronPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

// CronJobState carries run bookkeeping reported by the gateway.
type CronJobState struct {
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	LastError      string `json:"lastError,omitempty"`
}

// CronJob is a scheduled job.
type CronJob struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	AgentID  string        `json:"agentId,omitempty"`
	Schedule CronSchedule  `json:"schedule"`
	Enabled  bool          `json:"enabled"`
	Payload  *CronPayload  `json:"payload,omitempty"`
	State    *CronJobState `json:"state,omitempty"`
	// ScheduleSummary is a short human description filled client-side.
	ScheduleSummary string `json:"scheduleSummary,omitempty"`
	// NextRunDerived marks a NextRunAtMs computed client-side from the schedule.
	NextRunDerived bool `json:"nextRunDerived,omitempty"`
}

// Channel is a messaging channel derived from snapshot health.
type Channel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	BotName   string `json:"botName,omitempty"`
}

// Agent is an agent derived from snapshot health.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	SessionCount int    `json:"sessionCount"`
	IsDefault    bool   `json:"isDefault"`
}

// SystemInfo summarizes the gateway process.
type SystemInfo struct {
	Version  string `json:"version,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
	Host     string `json:"host,omitempty"`
	Platform string `json:"platform,omitempty"`
	HealthOK bool   `json:"healthOk"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// SessionMessage is one entry of a session transcript.
type SessionMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// GatewayState is a point-in-time copy of the store.
type GatewayState struct {
	Revision    uint64 `json:"revision"`
	Endpoint    string `json:"endpoint,omitempty"`
	Configured  bool   `json:"configured"`
	IsConnected bool   `json:"isConnected"`
	IsLoading   bool   `json:"isLoading"`
	Error       string `json:"error,omitempty"`
	// ErrorKind classifies Error when it came from a gateway call.
	ErrorKind   string        `json:"errorKind,omitempty"`
	LastRefresh *time.Time    `json:"lastRefresh,omitempty"`
	Sessions    []Session     `json:"sessions"`
	CronJobs    []CronJob     `json:"cronJobs"`
	Channels    []Channel     `json:"channels"`
	Agents      []Agent       `json:"agents"`
	SystemInfo  *SystemInfo   `json:"systemInfo,omitempty"`
	Snapshot    *Snapshot     `json:"snapshot,omitempty"`
	Health      HealthHistory `json:"healthHistory"`
	// AutoRefreshMs is the active auto-refresh interval, zero when disabled.
	AutoRefreshMs int64 `json:"autoRefreshMs"`
}

// Clone returns a deep copy so readers never share slices with the store.
func (s GatewayState) Clone() GatewayState {
	out := s
	out.Sessions = append([]Session{}, s.Sessions...)
	out.CronJobs = make([]CronJob, len(s.CronJobs))
	for i, job := range s.CronJobs {
		out.CronJobs[i] = job.clone()
	}
	out.Channels = append([]Channel{}, s.Channels...)
	out.Agents = append([]Agent{}, s.Agents...)
	out.Health = append(HealthHistory{}, s.Health...)
	if s.LastRefresh != nil {
		ts := *s.LastRefresh
		out.LastRefresh = &ts
	}
	if s.SystemInfo != nil {
		info := *s.SystemInfo
		out.SystemInfo = &info
	}
	if s.Snapshot != nil {
		snap := s.Snapshot.Clone()
		out.Snapshot = &snap
	}
	return out
}

func (j CronJob) clone() CronJob {
	out := j
	if j.Payload != nil {
		payload := *j.Payload
		out.Payload = &payload
	}
	if j.State != nil {
		state := *j.State
		out.State = &state
	}
	return out
}

package format

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/clawdeck/schema"
)

// Message markers prefix transcript lines by role.
const (
	UserMarker      = "> "
	AssistantMarker = "< "
	SystemMarker    = "# "
)

// PlainRenderer formats dashboard state as plain text lines.
type PlainRenderer struct {
	// Now anchors relative times; zero means time.Now.
	Now func() time.Time
}

// NewPlainRenderer returns a default plain-text renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{}
}

func (p *PlainRenderer) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// FormatState converts a state copy into a status summary.
func (p *PlainRenderer) FormatState(state schema.GatewayState) []string {
	lines := []string{}
	if !state.Configured {
		return append(lines, "gateway: not configured")
	}
	status := "disconnected"
	if state.IsConnected {
		status = "connected"
	}
	lines = append(lines, fmt.Sprintf("gateway: %s (%s)", state.Endpoint, status))
	if state.Error != "" {
		if state.ErrorKind != "" {
			lines = append(lines, fmt.Sprintf("error: %s [%s]", state.Error, state.ErrorKind))
		} else {
			lines = append(lines, fmt.Sprintf("error: %s", state.Error))
		}
	}
	if info := state.SystemInfo; info != nil {
		lines = append(lines, formatSystem(info))
	}
	if state.LastRefresh != nil {
		lines = append(lines, fmt.Sprintf("last refresh: %s", state.LastRefresh.Format(time.RFC3339)))
	}
	if len(state.Health) > 0 {
		lines = append(lines, formatHealth(state.Health))
	}
	lines = append(lines, formatChannels(state.Channels)...)
	lines = append(lines, formatAgents(state.Agents)...)
	lines = append(lines, formatSessions(state.Sessions)...)
	lines = append(lines, p.formatJobs(state.CronJobs)...)
	return lines
}

// FormatHistory converts a session transcript into marked lines.
func (p *PlainRenderer) FormatHistory(messages []schema.SessionMessage) []string {
	if len(messages) == 0 {
		return []string{"no messages"}
	}
	lines := []string{}
	for _, msg := range messages {
		lines = append(lines, markLines(roleMarker(msg.Role), splitLines(msg.Content))...)
	}
	return lines
}

func roleMarker(role string) string {
	switch role {
	case schema.RoleUser:
		return UserMarker
	case schema.RoleAssistant:
		return AssistantMarker
	default:
		return SystemMarker
	}
}

func formatSystem(info *schema.SystemInfo) string {
	parts := []string{}
	if info.Version != "" {
		parts = append(parts, "version "+info.Version)
	}
	if info.Host != "" {
		parts = append(parts, "host "+info.Host)
	}
	if info.Platform != "" {
		parts = append(parts, info.Platform)
	}
	if info.UptimeMs > 0 {
		parts = append(parts, "up "+FormatDuration(time.Duration(info.UptimeMs)*time.Millisecond))
	}
	health := "unhealthy"
	if info.HealthOK {
		health = "healthy"
	}
	parts = append(parts, health)
	return "system: " + strings.Join(parts, ", ")
}

func formatHealth(history schema.HealthHistory) string {
	var b strings.Builder
	ok := 0
	for _, entry := range history {
		if entry.OK {
			ok++
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
	}
	status := "down"
	if history.Healthy() {
		status = "up"
	}
	last, _ := history.Latest()
	return fmt.Sprintf("health: %s %s, %d/%d ok, last %dms, avg %dms",
		b.String(), status, ok, len(history), last.LatencyMs, history.AverageLatency().Milliseconds())
}

func formatChannels(channels []schema.Channel) []string {
	if len(channels) == 0 {
		return nil
	}
	lines := []string{"channels:"}
	for _, ch := range channels {
		prefix := "[ ]"
		if ch.Connected {
			prefix = "[x]"
		}
		line := fmt.Sprintf("%s %s", prefix, ch.Name)
		if ch.BotName != "" {
			line += " @" + ch.BotName
		}
		lines = append(lines, line)
	}
	return lines
}

func formatAgents(agents []schema.Agent) []string {
	if len(agents) == 0 {
		return nil
	}
	lines := []string{"agents:"}
	for _, agent := range agents {
		name := agent.ID
		if agent.Name != "" && agent.Name != agent.ID {
			name = fmt.Sprintf("%s (%s)", agent.ID, agent.Name)
		}
		if agent.IsDefault {
			name += " *"
		}
		lines = append(lines, fmt.Sprintf("- %s: %d sessions", name, agent.SessionCount))
	}
	return lines
}

func formatSessions(sessions []schema.Session) []string {
	if len(sessions) == 0 {
		return []string{"sessions: none"}
	}
	lines := []string{fmt.Sprintf("sessions: %d", len(sessions))}
	for _, session := range sessions {
		line := "- " + session.Key
		label := session.DisplayName
		if label == "" {
			label = session.Label
		}
		if label != "" {
			line += " " + label
		}
		if session.Channel != "" {
			line += " via " + session.Channel
		}
		lines = append(lines, line)
	}
	return lines
}

func (p *PlainRenderer) formatJobs(jobs []schema.CronJob) []string {
	if len(jobs) == 0 {
		return []string{"cron jobs: none"}
	}
	now := p.now()
	lines := []string{fmt.Sprintf("cron jobs: %d", len(jobs))}
	for _, job := range jobs {
		prefix := "[x]"
		if !job.Enabled {
			prefix = "[ ]"
		}
		name := job.ID
		if job.Name != "" {
			name = job.Name
		}
		line := fmt.Sprintf("%s %s", prefix, name)
		if job.ScheduleSummary != "" {
			line += " (" + job.ScheduleSummary + ")"
		}
		if job.State != nil && job.State.NextRunAtMs > 0 && job.Enabled {
			next := time.UnixMilli(job.State.NextRunAtMs)
			line += ", next " + FormatRelative(next, now)
		}
		if job.State != nil && job.State.LastStatus != "" {
			line += ", last " + job.State.LastStatus
		}
		lines = append(lines, line)
	}
	return lines
}

// FormatDuration renders d at minute resolution for long spans.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

// FormatRelative renders t relative to now, e.g. "in 5m" or "3m ago".
func FormatRelative(t, now time.Time) string {
	if t.After(now) {
		return "in " + FormatDuration(t.Sub(now))
	}
	return FormatDuration(now.Sub(t)) + " ago"
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}

func markLines(marker string, lines []string) []string {
	if marker == "" || len(lines) == 0 {
		return lines
	}
	marked := make([]string, 0, len(lines))
	for _, line := range lines {
		marked = append(marked, marker+line)
	}
	return marked
}

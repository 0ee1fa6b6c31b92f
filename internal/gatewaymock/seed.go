package gatewaymock

import (
	"time"

	"pkt.systems/clawdeck/schema"
)

func boolPtr(v bool) *bool { return &v }

// DefaultSeed is a small believable gateway: two agents, a few sessions, three channels and scheduled jobs.
func DefaultSeed() Seed {
	now := time.Now()
	return Seed{
		Sessions: []schema.Session{
			{Key: "agent:main:main", DisplayName: "Main", Channel: "webchat", Model: "claude-sonnet", ModelProvider: "anthropic", TotalTokens: 18422, UpdatedAt: now.Add(-2 * time.Minute).UnixMilli()},
			{Key: "agent:main:telegram:dm:4411", DisplayName: "Telegram DM", Channel: "telegram", Model: "claude-sonnet", TotalTokens: 5120, UpdatedAt: now.Add(-40 * time.Minute).UnixMilli()},
			{Key: "agent:research:cron:digest", Label: "Morning digest", Channel: "cron", Model: "claude-haiku", TotalTokens: 902, UpdatedAt: now.Add(-6 * time.Hour).UnixMilli()},
		},
		Jobs: []schema.CronJob{
			{
				ID:       "morning-digest",
				Name:     "Morning digest",
				AgentID:  "research",
				Enabled:  true,
				Schedule: schema.CronSchedule{Kind: schema.ScheduleCron, Expr: "0 7 * * *", TZ: "Europe/Stockholm"},
				Payload:  &schema.CronPayload{Kind: "agentTurn", Message: "Summarize overnight news"},
				State:    &schema.CronJobState{LastRunAtMs: now.Add(-6 * time.Hour).UnixMilli(), LastStatus: "ok", LastDurationMs: 5300},
			},
			{
				ID:       "heartbeat",
				Name:     "Heartbeat",
				AgentID:  "main",
				Enabled:  true,
				Schedule: schema.CronSchedule{Kind: schema.ScheduleEvery, EveryMs: int64(30 * time.Minute / time.Millisecond)},
				Payload:  &schema.CronPayload{Kind: "systemEvent", Text: "heartbeat"},
			},
			{
				ID:       "reminder",
				Name:     "Dentist reminder",
				AgentID:  "main",
				Enabled:  false,
				Schedule: schema.CronSchedule{Kind: schema.ScheduleAt, AtMs: now.Add(48 * time.Hour).UnixMilli()},
			},
		},
		Health: schema.HealthSummary{
			OK:         true,
			DurationMs: 12,
			Channels: map[string]schema.ChannelHealth{
				"telegram": {Configured: true, Probe: &schema.ChannelProbe{OK: boolPtr(true), Bot: &schema.BotInfo{Username: "clawdeck_bot"}}},
				"discord":  {Configured: true, Probe: &schema.ChannelProbe{OK: boolPtr(false), Error: "gateway intent missing"}},
				"whatsapp": {Configured: false},
			},
			ChannelOrder:  []string{"telegram", "discord", "whatsapp"},
			ChannelLabels: map[string]string{"telegram": "Telegram", "discord": "Discord", "whatsapp": "WhatsApp"},
			Agents: []schema.AgentHealth{
				{AgentID: "main", Name: "Main", IsDefault: true, Sessions: &schema.SessionCount{Count: 2}},
				{AgentID: "research", Name: "Research", Sessions: &schema.SessionCount{Count: 1}},
			},
		},
		History: map[string][]schema.SessionMessage{
			"agent:main:main": {
				{Role: schema.RoleUser, Content: "What is on my calendar today?", Timestamp: now.Add(-3 * time.Minute).UnixMilli()},
				{Role: schema.RoleAssistant, Content: "Two meetings: standup at 09:30 and a design review at 14:00.", Timestamp: now.Add(-2 * time.Minute).UnixMilli()},
			},
		},
	}
}

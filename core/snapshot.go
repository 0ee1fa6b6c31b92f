package core

import (
	"encoding/json"
	"fmt"
	"sort"

	"pkt.systems/clawdeck/schema"
)

type sessionsListPayload struct {
	Sessions []schema.Session `json:"sessions"`
}

type cronListPayload struct {
	Jobs []schema.CronJob `json:"jobs"`
}

type sessionsHistoryPayload struct {
	Messages []schema.SessionMessage `json:"messages"`
}

func decodePayload(op schema.Operation, raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewGatewayError(GatewayErrorProtocol, string(op), fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// sessionsFromPayload decodes sessions.list and derives each session's agent from its key.
func sessionsFromPayload(raw json.RawMessage) ([]schema.Session, error) {
	var payload sessionsListPayload
	if err := decodePayload(schema.OpSessionsList, raw, &payload); err != nil {
		return nil, err
	}
	sessions := make([]schema.Session, 0, len(payload.Sessions))
	for _, session := range payload.Sessions {
		session.AgentID = schema.AgentIDFromKey(session.Key)
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func cronJobsFromPayload(raw json.RawMessage) ([]schema.CronJob, error) {
	var payload cronListPayload
	if err := decodePayload(schema.OpCronList, raw, &payload); err != nil {
		return nil, err
	}
	if payload.Jobs == nil {
		return []schema.CronJob{}, nil
	}
	return payload.Jobs, nil
}

// channelsFromSnapshot maps snapshot health into channels, in channelOrder when given.
func channelsFromSnapshot(snap schema.Snapshot) []schema.Channel {
	channels := []schema.Channel{}
	if snap.Health == nil || len(snap.Health.Channels) == 0 {
		return channels
	}
	health := snap.Health
	ids := make([]string, 0, len(health.Channels))
	placed := make(map[string]struct{}, len(health.Channels))
	for _, id := range health.ChannelOrder {
		if _, ok := health.Channels[id]; !ok {
			continue
		}
		if _, dup := placed[id]; dup {
			continue
		}
		placed[id] = struct{}{}
		ids = append(ids, id)
	}
	rest := make([]string, 0, len(health.Channels)-len(ids))
	for id := range health.Channels {
		if _, ok := placed[id]; !ok {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	ids = append(ids, rest...)

	for _, id := range ids {
		info := health.Channels[id]
		channel := schema.Channel{ID: id, Name: id, Connected: info.Configured}
		if label := health.ChannelLabels[id]; label != "" {
			channel.Name = label
		}
		if info.Probe != nil {
			if info.Probe.OK != nil {
				channel.Connected = *info.Probe.OK
			}
			if info.Probe.Bot != nil {
				channel.BotName = info.Probe.Bot.Username
			}
		}
		channels = append(channels, channel)
	}
	return channels
}

func agentsFromSnapshot(snap schema.Snapshot) []schema.Agent {
	agents := []schema.Agent{}
	if snap.Health == nil {
		return agents
	}
	for _, entry := range snap.Health.Agents {
		agent := schema.Agent{ID: entry.AgentID, Name: entry.Name, IsDefault: entry.IsDefault}
		if entry.Sessions != nil {
			agent.SessionCount = entry.Sessions.Count
		}
		agents = append(agents, agent)
	}
	return agents
}

// unversionedServer is reported when the gateway does not announce a version.
const unversionedServer = "running"

func systemInfoFromSnapshot(snap schema.Snapshot) *schema.SystemInfo {
	info := &schema.SystemInfo{
		Version:  snap.Server.Version,
		UptimeMs: snap.UptimeMs,
		Host:     snap.Server.Host,
		Platform: snap.Server.Platform,
		HealthOK: true,
	}
	if info.Version == "" {
		info.Version = unversionedServer
	}
	if snap.Health != nil {
		info.HealthOK = snap.Health.OK
	}
	return info
}

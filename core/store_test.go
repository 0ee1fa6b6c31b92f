package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pkt.systems/clawdeck/schema"
)

func TestClearConfigIsIdempotent(t *testing.T) {
	h := newStoreHarness(t)
	initial := h.store.State()
	h.store.ClearConfig(context.Background())
	h.store.ClearConfig(context.Background())
	if diff := cmp.Diff(initial, h.store.State()); diff != "" {
		t.Fatalf("clear on empty store changed state (-want +got):\n%s", diff)
	}
	if len(h.events.snapshot()) != 0 {
		t.Fatalf("expected no events from clearing an empty store")
	}

	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.store.SetAutoRefresh(time.Second)

	h.store.ClearConfig(context.Background())
	first := h.store.State()
	h.store.ClearConfig(context.Background())
	second := h.store.State()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second clear changed state (-first +second):\n%s", diff)
	}
	if first.Configured || first.IsConnected || len(first.Sessions) != 0 || len(first.Health) != 0 || first.Snapshot != nil {
		t.Fatalf("expected empty state after clear, got %+v", first)
	}
	if len(h.scheduler.active()) != 0 {
		t.Fatalf("expected no active timers after clear")
	}
	if _, ok, _ := h.creds.Get(CredentialKeyToken); ok {
		t.Fatalf("expected credential removed from store")
	}
}

func TestRefreshReplacesCollectionsTogether(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := h.store.State()
	if !before.IsConnected || before.Error != "" || before.LastRefresh == nil {
		t.Fatalf("expected connected state after refresh, got %+v", before)
	}
	if len(before.Sessions) != 2 || len(before.CronJobs) != 2 || len(before.Channels) != 3 || len(before.Agents) != 2 {
		t.Fatalf("unexpected collection sizes: %+v", before)
	}

	h.transport.set(failExchange(GatewayErrorTransport, "connection refused"))
	err := h.store.Refresh(context.Background())
	if !IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	after := h.store.State()
	if after.IsConnected {
		t.Fatalf("expected disconnected after failed refresh")
	}
	if after.Error == "" || after.ErrorKind != string(GatewayErrorTransport) {
		t.Fatalf("expected transport error in state, got %q/%q", after.Error, after.ErrorKind)
	}
	retained := struct {
		Sessions []schema.Session
		CronJobs []schema.CronJob
		Channels []schema.Channel
		Agents   []schema.Agent
		System   *schema.SystemInfo
		Last     *time.Time
	}{before.Sessions, before.CronJobs, before.Channels, before.Agents, before.SystemInfo, before.LastRefresh}
	got := retained
	got.Sessions, got.CronJobs, got.Channels, got.Agents, got.System, got.Last = after.Sessions, after.CronJobs, after.Channels, after.Agents, after.SystemInfo, after.LastRefresh
	if diff := cmp.Diff(retained, got); diff != "" {
		t.Fatalf("failed refresh touched cached data (-want +got):\n%s", diff)
	}
	if len(after.Health) != 2 || !after.Health[0].OK || after.Health[1].OK {
		t.Fatalf("expected ok then failed health entries, got %+v", after.Health)
	}
	if after.Health[1].LatencyMs <= 0 {
		t.Fatalf("expected measured latency on failure, got %d", after.Health[1].LatencyMs)
	}
}

func TestRefreshFailureOnBadPayloadKeepsCollections(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := h.store.State()

	payloads := defaultPayloads(t)
	payloads[schema.OpCronList] = json.RawMessage(`{"jobs":"not-a-list"}`)
	h.transport.set(okExchange(testSnapshot(2000), payloads))
	err := h.store.Refresh(context.Background())
	if !IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	after := h.store.State()
	if diff := cmp.Diff(before.Sessions, after.Sessions); diff != "" {
		t.Fatalf("sessions changed after partial failure:\n%s", diff)
	}
	if after.Snapshot.UptimeMs != 1000 {
		t.Fatalf("expected previous snapshot retained, got uptime %d", after.Snapshot.UptimeMs)
	}
	if after.SystemInfo.UptimeMs != 1000 {
		t.Fatalf("expected previous system info retained")
	}
}

func TestHealthHistoryIsBoundedAndChronological(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	ok := okExchange(testSnapshot(1000), defaultPayloads(t))
	fail := failExchange(GatewayErrorTransport, "reset")
	for i := 0; i < 75; i++ {
		if i%3 == 0 {
			h.transport.set(fail)
		} else {
			h.transport.set(ok)
		}
		_ = h.store.Refresh(context.Background())
	}
	state := h.store.State()
	if len(state.Health) != schema.DefaultHealthHistory {
		t.Fatalf("expected %d entries, got %d", schema.DefaultHealthHistory, len(state.Health))
	}
	for i := 1; i < len(state.Health); i++ {
		if !state.Health[i].Timestamp.After(state.Health[i-1].Timestamp) {
			t.Fatalf("health history out of order at %d", i)
		}
	}
	// Attempts 15..74 survive; attempt 15 failed, 16 succeeded.
	if state.Health[0].OK || !state.Health[1].OK {
		t.Fatalf("unexpected oldest retained entries: %+v", state.Health[:2])
	}
}

func TestAutoRefreshReplacesTimer(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))

	h.store.SetAutoRefresh(time.Second)
	h.store.SetAutoRefresh(500 * time.Millisecond)
	active := h.scheduler.active()
	if len(active) != 1 || active[0].interval != 500*time.Millisecond {
		t.Fatalf("expected one 500ms timer, got %+v", active)
	}
	if h.store.State().AutoRefreshMs != 500 {
		t.Fatalf("expected autoRefreshMs 500")
	}

	// A late tick from the replaced timer must not refresh.
	h.scheduler.all()[0].fn()
	if h.transport.count() != 0 {
		t.Fatalf("stale timer triggered a refresh")
	}
	active[0].fn()
	if h.transport.count() != 1 {
		t.Fatalf("expected one refresh from active timer, got %d", h.transport.count())
	}

	h.store.SetAutoRefresh(0)
	if len(h.scheduler.active()) != 0 {
		t.Fatalf("expected timer canceled")
	}
	h.scheduler.fireAll()
	if h.transport.count() != 1 {
		t.Fatalf("canceled timers triggered refresh")
	}
}

func TestAutoRefreshTickerCountsOneTimer(t *testing.T) {
	transport := &fakeTransport{}
	transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	store, err := NewStore(schema.StoreConfig{MinAutoRefresh: time.Millisecond}, StoreDeps{Transport: transport})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SetConfig(context.Background(), "ws://gw.test", "token"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	store.SetAutoRefresh(200 * time.Millisecond)
	store.SetAutoRefresh(40 * time.Millisecond)
	time.Sleep(420 * time.Millisecond)
	store.Close()
	count := transport.count()
	// Ten ticks fit in the window; a stacked 200ms timer would add two more.
	if count < 6 || count > 11 {
		t.Fatalf("expected roughly 10 refreshes from a single 40ms timer, got %d", count)
	}
	time.Sleep(100 * time.Millisecond)
	if transport.count() > count+1 {
		t.Fatalf("refreshes continued after close: %d -> %d", count, transport.count())
	}
}

func TestClearConfigCancelsAutoRefresh(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	h.store.SetAutoRefresh(time.Second)
	h.store.ClearConfig(context.Background())
	h.scheduler.fireAll()
	if h.transport.count() != 0 {
		t.Fatalf("timer fired after clear")
	}
	if h.store.State().AutoRefreshMs != 0 {
		t.Fatalf("expected auto refresh cleared")
	}
}

func TestFailedProbeRetainsSessions(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before := h.store.State()

	h.transport.set(failExchange(GatewayErrorAuth, "invalid token"))
	if h.store.TestConnection(context.Background()) {
		t.Fatalf("expected probe failure")
	}
	after := h.store.State()
	if diff := cmp.Diff(before.Sessions, after.Sessions); diff != "" {
		t.Fatalf("failed probe changed sessions:\n%s", diff)
	}
	if after.IsConnected || after.Error == "" || after.ErrorKind != string(GatewayErrorAuth) {
		t.Fatalf("expected disconnected with auth error, got %+v", after)
	}
	if len(after.Health) != len(before.Health) {
		t.Fatalf("probe must not append health entries")
	}
	if calls := h.transport.lastCalls(); len(calls) != 0 {
		t.Fatalf("probe must request no domain operations, got %+v", calls)
	}

	h.transport.set(okExchange(testSnapshot(2000), nil))
	if !h.store.TestConnection(context.Background()) {
		t.Fatalf("expected probe success")
	}
	state := h.store.State()
	if !state.IsConnected || state.Error != "" {
		t.Fatalf("expected connected with error cleared, got %+v", state)
	}
}

func TestLateRefreshAfterClearIsDiscarded(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.transport.set(blockingExchange(entered, release, okExchange(testSnapshot(1000), defaultPayloads(t))))

	done := make(chan error, 1)
	go func() { done <- h.store.Refresh(context.Background()) }()
	<-entered
	if !h.store.State().IsLoading {
		t.Fatalf("expected loading while refresh in flight")
	}
	h.store.ClearConfig(context.Background())
	cleared := h.store.State()
	close(release)

	if err := <-done; !errors.Is(err, schema.ErrStaleResult) {
		t.Fatalf("expected stale result, got %v", err)
	}
	if diff := cmp.Diff(cleared, h.store.State()); diff != "" {
		t.Fatalf("late result resurrected state (-cleared +got):\n%s", diff)
	}
	if cleared.IsLoading || len(cleared.Sessions) != 0 || len(cleared.Health) != 0 {
		t.Fatalf("expected empty cleared state, got %+v", cleared)
	}
}

func TestLateRefreshAfterReconfigureIsDiscarded(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.transport.set(blockingExchange(entered, release, okExchange(testSnapshot(1000), defaultPayloads(t))))

	done := make(chan error, 1)
	go func() { done <- h.store.Refresh(context.Background()) }()
	<-entered
	if err := h.store.SetConfig(context.Background(), "wss://other.test", "other-token"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	close(release)
	if err := <-done; !errors.Is(err, schema.ErrStaleResult) {
		t.Fatalf("expected stale result, got %v", err)
	}
	state := h.store.State()
	if state.IsConnected || len(state.Sessions) != 0 || state.Endpoint != "wss://other.test" {
		t.Fatalf("late result applied to new config: %+v", state)
	}
}

func TestConcurrentRefreshJoinsInFlight(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	h.transport.set(blockingExchange(entered, release, okExchange(testSnapshot(1000), defaultPayloads(t))))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = h.store.Refresh(context.Background())
	}()
	<-entered
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.store.Refresh(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	if h.transport.count() != 1 {
		t.Fatalf("expected one exchange, got %d", h.transport.count())
	}
	if got := len(h.store.State().Health); got != 1 {
		t.Fatalf("expected one health entry, got %d", got)
	}
}

func TestRefreshCallerCancelDoesNotStickLoading(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.transport.set(blockingExchange(entered, release, okExchange(testSnapshot(1000), defaultPayloads(t))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.store.Refresh(ctx) }()
	<-entered
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for h.store.State().IsLoading {
		if time.Now().After(deadline) {
			t.Fatalf("loading flag stuck after caller cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !h.store.State().IsConnected {
		t.Fatalf("expected detached refresh to complete and connect")
	}
}

func TestRefreshDerivesFields(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1234), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	state := h.store.State()

	agents := map[string]string{}
	for _, session := range state.Sessions {
		agents[session.Key] = session.AgentID
	}
	wantAgents := map[string]string{"agent:alpha:xyz": "alpha", "telegram:dm:42": schema.UnknownAgentID}
	if diff := cmp.Diff(wantAgents, agents); diff != "" {
		t.Fatalf("agent ids (-want +got):\n%s", diff)
	}

	wantChannels := []schema.Channel{
		{ID: "discord", Name: "discord", Connected: false},
		{ID: "slack", Name: "slack", Connected: false},
		{ID: "telegram", Name: "Telegram", Connected: true, BotName: "claw_bot"},
	}
	if diff := cmp.Diff(wantChannels, state.Channels); diff != "" {
		t.Fatalf("channels (-want +got):\n%s", diff)
	}
	wantAgentList := []schema.Agent{
		{ID: "main", Name: "Main", SessionCount: 3, IsDefault: true},
		{ID: "alpha", SessionCount: 0},
	}
	if diff := cmp.Diff(wantAgentList, state.Agents); diff != "" {
		t.Fatalf("agents (-want +got):\n%s", diff)
	}
	wantInfo := &schema.SystemInfo{Version: "2026.3.1", UptimeMs: 1234, Host: "gw-host", Platform: "linux", HealthOK: true}
	if diff := cmp.Diff(wantInfo, state.SystemInfo); diff != "" {
		t.Fatalf("system info (-want +got):\n%s", diff)
	}

	jobs := map[string]schema.CronJob{}
	for _, job := range state.CronJobs {
		jobs[job.ID] = job
	}
	daily := jobs["daily"]
	if !daily.NextRunDerived || daily.State == nil {
		t.Fatalf("expected derived next run for daily job, got %+v", daily)
	}
	if want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).UnixMilli(); daily.State.NextRunAtMs != want {
		t.Fatalf("expected next run %d, got %d", want, daily.State.NextRunAtMs)
	}
	if daily.ScheduleSummary != "cron 0 9 * * * (UTC)" {
		t.Fatalf("unexpected summary %q", daily.ScheduleSummary)
	}
	tick := jobs["tick"]
	if tick.NextRunDerived || tick.State.NextRunAtMs != 42 {
		t.Fatalf("gateway next run must be kept, got %+v", tick)
	}

	params, ok := h.transport.lastCalls()[0].Params.(map[string]any)
	if !ok || params["limit"] != schema.DefaultSessionListLimit {
		t.Fatalf("expected sessions.list limit param, got %+v", h.transport.lastCalls())
	}
}

func TestChannelOrderFollowsGateway(t *testing.T) {
	snap := testSnapshot(1)
	snap.Health.ChannelOrder = []string{"telegram", "missing", "slack", "telegram"}
	channels := channelsFromSnapshot(snap)
	var ids []string
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	if diff := cmp.Diff([]string{"telegram", "slack", "discord"}, ids); diff != "" {
		t.Fatalf("channel order (-want +got):\n%s", diff)
	}
}

func TestRefreshUnconfiguredSkipsNetwork(t *testing.T) {
	h := newStoreHarness(t)
	err := h.store.Refresh(context.Background())
	if !errors.Is(err, schema.ErrUnconfigured) || ErrorKind(err) != GatewayErrorUnconfigured {
		t.Fatalf("expected unconfigured error, got %v", err)
	}
	if h.transport.count() != 0 {
		t.Fatalf("unconfigured refresh touched the network")
	}
	state := h.store.State()
	if state.Error == "" || state.IsConnected || len(state.Health) != 0 {
		t.Fatalf("unexpected state after unconfigured refresh: %+v", state)
	}
	if h.store.TestConnection(context.Background()) {
		t.Fatalf("unconfigured probe must fail")
	}
	if h.store.RestartGateway(context.Background()) {
		t.Fatalf("unconfigured restart must fail")
	}
	if h.transport.count() != 0 {
		t.Fatalf("unconfigured actions touched the network")
	}
}

func TestConnectionStateMachine(t *testing.T) {
	h := newStoreHarness(t)
	if h.store.State().Configured {
		t.Fatalf("expected unconfigured")
	}
	h.configure(t)
	state := h.store.State()
	if !state.Configured || state.IsConnected {
		t.Fatalf("expected configured and disconnected, got %+v", state)
	}
	if h.transport.count() != 0 {
		t.Fatalf("set config must not contact the gateway")
	}

	h.transport.set(failExchange(GatewayErrorTransport, "refused"))
	_ = h.store.Refresh(context.Background())
	if state := h.store.State(); state.IsConnected || state.Error == "" || !state.Configured {
		t.Fatalf("expected configured with error, got %+v", state)
	}

	h.transport.set(okExchange(testSnapshot(1), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if state := h.store.State(); !state.IsConnected || state.Error != "" {
		t.Fatalf("expected connected, got %+v", state)
	}

	h.transport.set(failExchange(GatewayErrorProtocol, "bad frame"))
	_ = h.store.Refresh(context.Background())
	state = h.store.State()
	if state.IsConnected || state.ErrorKind != string(GatewayErrorProtocol) || len(state.Sessions) == 0 {
		t.Fatalf("expected configured with retained data, got %+v", state)
	}
	h.store.ClearError()
	if h.store.State().Error != "" {
		t.Fatalf("expected error dismissed")
	}

	h.store.ClearConfig(context.Background())
	if state := h.store.State(); state.Configured || state.Endpoint != "" {
		t.Fatalf("expected unconfigured, got %+v", state)
	}
}

func TestRestartGateway(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(failExchange(GatewayErrorRemote, "restart disabled"))
	if h.store.RestartGateway(context.Background()) {
		t.Fatalf("expected restart failure")
	}
	if state := h.store.State(); state.ErrorKind != string(GatewayErrorRemote) {
		t.Fatalf("expected remote error, got %+v", state)
	}
	h.transport.set(okExchange(testSnapshot(1), nil))
	if !h.store.RestartGateway(context.Background()) {
		t.Fatalf("expected restart success")
	}
	if h.store.State().Error != "" {
		t.Fatalf("expected error cleared after successful restart")
	}
	calls := h.transport.lastCalls()
	if len(calls) != 1 || calls[0].Op != schema.OpGatewayRestart {
		t.Fatalf("unexpected restart calls: %+v", calls)
	}
}

func TestPassThroughOperationsSwallowFailures(t *testing.T) {
	h := newStoreHarness(t)
	if msgs := h.store.FetchSessionHistory(context.Background(), "agent:main:1", 0); msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty history when unconfigured, got %#v", msgs)
	}
	if h.store.SendSessionMessage(context.Background(), "agent:main:1", "hi") {
		t.Fatalf("expected send failure when unconfigured")
	}

	h.configure(t)
	h.transport.set(failExchange(GatewayErrorTransport, "reset"))
	if msgs := h.store.FetchSessionHistory(context.Background(), "agent:main:1", 10); len(msgs) != 0 {
		t.Fatalf("expected empty history on failure")
	}
	if h.store.SendSessionMessage(context.Background(), "agent:main:1", "hi") {
		t.Fatalf("expected send failure")
	}
	if h.store.SendSessionMessage(context.Background(), "agent:main:1", "   ") {
		t.Fatalf("expected empty message to be rejected")
	}
	if h.store.State().Error != "" {
		t.Fatalf("pass-through failures must not set the error")
	}
}

func TestPassThroughOperationsSucceed(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(failExchange(GatewayErrorTransport, "refused"))
	_ = h.store.Refresh(context.Background())

	history := mustJSON(t, map[string]any{"messages": []schema.SessionMessage{
		{Role: schema.RoleUser, Content: "hello", Timestamp: 1},
		{Role: schema.RoleAssistant, Content: "hi there", Timestamp: 2},
	}})
	h.transport.set(okExchange(testSnapshot(1), map[schema.Operation]json.RawMessage{
		schema.OpSessionsHistory: history,
		schema.OpSessionsSend:    json.RawMessage(`{"ok":true}`),
	}))
	msgs := h.store.FetchSessionHistory(context.Background(), "agent:main:1", 0)
	if len(msgs) != 2 || msgs[1].Content != "hi there" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	params := h.transport.lastCalls()[0].Params.(map[string]any)
	want := map[string]any{"sessionKey": "agent:main:1", "limit": schema.DefaultHistoryLimit, "includeTools": false}
	if diff := cmp.Diff(want, params); diff != "" {
		t.Fatalf("history params (-want +got):\n%s", diff)
	}
	if h.store.State().Error != "" {
		t.Fatalf("expected successful network action to clear error")
	}

	if !h.store.SendSessionMessage(context.Background(), "agent:main:1", "ping") {
		t.Fatalf("expected send success")
	}
	params = h.transport.lastCalls()[0].Params.(map[string]any)
	if diff := cmp.Diff(map[string]any{"sessionKey": "agent:main:1", "message": "ping"}, params); diff != "" {
		t.Fatalf("send params (-want +got):\n%s", diff)
	}
}

func TestConfigPersistence(t *testing.T) {
	h := newStoreHarness(t)
	if ok, err := h.store.LoadSavedConfig(context.Background()); ok || err != nil {
		t.Fatalf("expected no saved config, got %v %v", ok, err)
	}
	if err := h.store.SetConfig(context.Background(), "https://gw.example.com", " token "); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if value, _, _ := h.creds.Get(CredentialKeyEndpoint); value != "wss://gw.example.com" {
		t.Fatalf("expected normalized endpoint persisted, got %q", value)
	}
	if value, _, _ := h.creds.Get(CredentialKeyToken); value != "token" {
		t.Fatalf("expected trimmed credential persisted, got %q", value)
	}

	other, err := NewStore(schema.StoreConfig{}, StoreDeps{Transport: h.transport, Credentials: h.creds, Scheduler: h.scheduler})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ok, err := other.LoadSavedConfig(context.Background())
	if !ok || err != nil {
		t.Fatalf("expected saved config, got %v %v", ok, err)
	}
	if conn := other.Connection(); conn.Endpoint != "wss://gw.example.com" || conn.Credential != "token" {
		t.Fatalf("unexpected loaded connection: %+v", conn)
	}

	if err := h.store.SetConfig(context.Background(), "", "token"); !errors.Is(err, schema.ErrInvalidEndpoint) {
		t.Fatalf("expected invalid endpoint, got %v", err)
	}
	if err := h.store.SetConfig(context.Background(), "ws://gw", ""); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestStateEventsAreOrderedAndDetached(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1), defaultPayloads(t)))
	if err := h.store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	events := h.events.snapshot()
	var reasons []schema.StateEventReason
	for i, event := range events {
		reasons = append(reasons, event.Reason)
		if event.State.Revision != uint64(i+1) {
			t.Fatalf("event %d has revision %d", i, event.State.Revision)
		}
	}
	want := []schema.StateEventReason{schema.ReasonConfig, schema.ReasonLoading, schema.ReasonRefresh}
	if diff := cmp.Diff(want, reasons); diff != "" {
		t.Fatalf("event reasons (-want +got):\n%s", diff)
	}
	if !events[1].State.IsLoading || events[2].State.IsLoading {
		t.Fatalf("loading flag not reflected in events")
	}
	events[2].State.Sessions[0].Key = "mutated"
	if h.store.State().Sessions[0].Key == "mutated" {
		t.Fatalf("event state shares memory with the store")
	}
	if diff := cmp.Diff(events[2].State, h.store.State(), cmpopts.IgnoreFields(schema.Session{}, "Key")); diff != "" {
		t.Fatalf("last event differs from state:\n%s", diff)
	}
}

func TestSetConfigPersistFailureKeepsPreviousConfig(t *testing.T) {
	creds := &gatedCredentials{memoryCredentials: newMemoryCredentials()}
	store, err := NewStore(schema.StoreConfig{}, StoreDeps{Transport: &fakeTransport{}, Credentials: creds, Scheduler: &fakeScheduler{}})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.SetConfig(context.Background(), "ws://old.example", "tok-old"); err != nil {
		t.Fatalf("set config: %v", err)
	}

	creds.failErr = errors.New("disk full")
	err = store.SetConfig(context.Background(), "ws://gw.example", "tok-new")
	if err == nil || !errors.Is(err, creds.failErr) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if conn := store.Connection(); conn.Endpoint != "ws://old.example" || conn.Credential != "tok-old" {
		t.Fatalf("failed save changed the active config: %+v", conn)
	}
	if value, _, _ := creds.Get(CredentialKeyEndpoint); value != "ws://old.example" {
		t.Fatalf("expected saved endpoint restored, got %q", value)
	}
	if value, _, _ := creds.Get(CredentialKeyToken); value != "tok-old" {
		t.Fatalf("expected saved token unchanged, got %q", value)
	}
}

func TestOverlappingSetConfigKeepsSavedPairInSync(t *testing.T) {
	creds := &gatedCredentials{
		memoryCredentials: newMemoryCredentials(),
		blockValue:        "ws://first.example",
		entered:           make(chan struct{}, 1),
		gate:              make(chan struct{}),
	}
	store, err := NewStore(schema.StoreConfig{}, StoreDeps{Transport: &fakeTransport{}, Credentials: creds, Scheduler: &fakeScheduler{}})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = store.SetConfig(context.Background(), "ws://first.example", "tok-1")
	}()
	<-creds.entered
	secondDone := make(chan struct{})
	go func() {
		defer wg.Done()
		_ = store.SetConfig(context.Background(), "ws://second.example", "tok-2")
		close(secondDone)
	}()
	select {
	case <-secondDone:
		t.Fatalf("second config change completed while the first was saving")
	case <-time.After(50 * time.Millisecond):
	}
	close(creds.gate)
	wg.Wait()

	conn := store.Connection()
	endpoint, _, _ := creds.Get(CredentialKeyEndpoint)
	token, _, _ := creds.Get(CredentialKeyToken)
	if conn.Endpoint != endpoint || conn.Credential != token {
		t.Fatalf("active %s/%s differs from saved %s/%s", conn.Endpoint, conn.Credential, endpoint, token)
	}
	if endpoint != "ws://second.example" {
		t.Fatalf("expected the later change to win, got %q", endpoint)
	}
}

func TestAutoRefreshTickAfterClearCommitsNothing(t *testing.T) {
	h := newStoreHarness(t)
	h.configure(t)
	h.transport.set(okExchange(testSnapshot(1000), defaultPayloads(t)))
	h.store.SetAutoRefresh(time.Second)
	h.store.mu.Lock()
	token := h.store.autoToken
	h.store.mu.Unlock()

	h.store.ClearConfig(context.Background())
	cleared := h.store.State()
	// A tick that passed its scheduling check before the clear still reaches refresh.
	if err := h.store.refresh(context.Background(), &token); !errors.Is(err, schema.ErrStaleResult) {
		t.Fatalf("expected stale tick, got %v", err)
	}
	if diff := cmp.Diff(cleared, h.store.State()); diff != "" {
		t.Fatalf("tick after clear changed state (-want +got):\n%s", diff)
	}
	if h.transport.count() != 0 {
		t.Fatalf("tick after clear reached the network")
	}
}

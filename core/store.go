package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/clawdeck/internal/logx"
	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

// Store is the connection-state store. It owns the gateway credentials, the
// cached domain collections, the health history and the auto-refresh timer.
// All mutation happens inside Store methods; readers get deep copies.
//
// EventSink implementations are called in commit order and must not call
// back into the Store.
type Store struct {
	cfg       schema.StoreConfig
	transport Transport
	creds     CredentialStore
	clock     Clock
	scheduler Scheduler
	sink      EventSink
	logger    pslog.Logger
	flight    singleflight.Group

	emitMu sync.Mutex

	// configMu serializes config changes with their persistence so the saved
	// pair always matches the active one.
	configMu sync.Mutex

	mu         sync.Mutex
	conn       schema.ConnectionConfig
	generation uint64
	state      schema.GatewayState
	autoStop   func()
	autoToken  uint64
}

// NewStore constructs a store with nothing configured.
func NewStore(cfg schema.StoreConfig, deps StoreDeps) (*Store, error) {
	if deps.Transport == nil {
		return nil, errors.New("store transport is required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.Scheduler == nil {
		deps.Scheduler = TickerScheduler{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		cfg:       schema.NormalizeStoreConfig(cfg),
		transport: deps.Transport,
		creds:     deps.Credentials,
		clock:     deps.Clock,
		scheduler: deps.Scheduler,
		sink:      deps.EventSink,
		logger:    logger,
		state:     emptyState(),
	}, nil
}

func emptyState() schema.GatewayState {
	return schema.GatewayState{
		Sessions: []schema.Session{},
		CronJobs: []schema.CronJob{},
		Channels: []schema.Channel{},
		Agents:   []schema.Agent{},
		Health:   schema.HealthHistory{},
	}
}

// State returns a deep copy of the current state.
func (s *Store) State() schema.GatewayState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Connection returns the active connection pair.
func (s *Store) Connection() schema.ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// LoadSavedConfig restores the connection pair from the credential store.
// It reports whether a usable pair was found.
func (s *Store) LoadSavedConfig(ctx context.Context) (bool, error) {
	log := logx.Ctx(ctx)
	if s.creds == nil {
		return false, nil
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	endpoint, okEndpoint, err := s.creds.Get(CredentialKeyEndpoint)
	if err != nil {
		log.Warn("store load credentials failed", "err", err)
		return false, fmt.Errorf("load saved endpoint: %w", err)
	}
	credential, okCredential, err := s.creds.Get(CredentialKeyToken)
	if err != nil {
		log.Warn("store load credentials failed", "err", err)
		return false, fmt.Errorf("load saved credential: %w", err)
	}
	if !okEndpoint || !okCredential || strings.TrimSpace(endpoint) == "" || strings.TrimSpace(credential) == "" {
		log.Debug("store no saved credentials")
		return false, nil
	}
	normalized, err := schema.NormalizeEndpoint(endpoint)
	if err != nil {
		log.Warn("store saved endpoint invalid", "err", err)
		return false, err
	}
	s.applyConfig(normalized, strings.TrimSpace(credential))
	logx.WithEndpoint(log, normalized).Info("store credentials loaded")
	return true, nil
}

// SetConfig stores and persists the connection pair. It does not contact the gateway.
func (s *Store) SetConfig(ctx context.Context, endpoint, credential string) error {
	normalized, err := schema.NormalizeEndpoint(endpoint)
	if err != nil {
		return err
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return fmt.Errorf("%w: credential is required", schema.ErrInvalidRequest)
	}
	log := logx.WithEndpoint(logx.Ctx(ctx), normalized)
	s.configMu.Lock()
	defer s.configMu.Unlock()
	if err := s.persistConfig(normalized, credential); err != nil {
		log.Warn("store persist credentials failed", "err", err)
		return err
	}
	s.applyConfig(normalized, credential)
	log.Info("store config set")
	return nil
}

// persistConfig saves the pair. On failure the previously saved pair is
// restored so the credential store never holds a mix of the two.
func (s *Store) persistConfig(endpoint, credential string) error {
	if s.creds == nil {
		return nil
	}
	keys := []string{CredentialKeyEndpoint, CredentialKeyToken}
	values := []string{endpoint, credential}
	type saved struct {
		value string
		ok    bool
	}
	prev := make([]saved, len(keys))
	for i, key := range keys {
		value, ok, err := s.creds.Get(key)
		if err != nil {
			return fmt.Errorf("read saved %s: %w", key, err)
		}
		prev[i] = saved{value: value, ok: ok}
	}
	for i, key := range keys {
		if err := s.creds.Set(key, values[i]); err != nil {
			for j := 0; j < i; j++ {
				if prev[j].ok {
					_ = s.creds.Set(keys[j], prev[j].value)
				} else {
					_ = s.creds.Remove(keys[j])
				}
			}
			return fmt.Errorf("persist %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) applyConfig(endpoint, credential string) {
	s.mu.Lock()
	s.conn = schema.ConnectionConfig{Endpoint: endpoint, Credential: credential}
	s.generation++
	s.state.Endpoint = endpoint
	s.state.Configured = true
	s.state.IsConnected = false
	s.state.IsLoading = false
	s.clearErrorLocked()
	event := s.commitLocked(schema.ReasonConfig)
	s.unlockAndEmit(&event)
}

// ClearConfig erases the credentials, cancels auto-refresh and resets every
// cached collection. Calling it with nothing configured is a no-op.
func (s *Store) ClearConfig(ctx context.Context) {
	log := logx.Ctx(ctx)
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.mu.Lock()
	stop := s.autoStop
	s.autoStop = nil
	s.autoToken++
	wasConfigured := s.conn.Configured()
	s.conn = schema.ConnectionConfig{}
	s.generation++
	var event *schema.StateEvent
	if wasConfigured || stop != nil || !stateIsEmpty(s.state) {
		revision := s.state.Revision
		s.state = emptyState()
		s.state.Revision = revision
		committed := s.commitLocked(schema.ReasonClear)
		event = &committed
	}
	s.unlockAndEmit(event)
	if stop != nil {
		stop()
	}
	if event != nil {
		log.Info("store config cleared")
	}
	if s.creds == nil {
		return
	}
	for _, key := range []string{CredentialKeyEndpoint, CredentialKeyToken} {
		if err := s.creds.Remove(key); err != nil {
			log.Warn("store remove credentials failed", "key", key, "err", err)
		}
	}
}

func stateIsEmpty(state schema.GatewayState) bool {
	return !state.Configured &&
		state.Endpoint == "" &&
		!state.IsConnected &&
		!state.IsLoading &&
		state.Error == "" &&
		state.LastRefresh == nil &&
		state.SystemInfo == nil &&
		state.Snapshot == nil &&
		state.AutoRefreshMs == 0 &&
		len(state.Sessions) == 0 &&
		len(state.CronJobs) == 0 &&
		len(state.Channels) == 0 &&
		len(state.Agents) == 0 &&
		len(state.Health) == 0
}

// TestConnection probes the gateway with an empty batch. A failed probe
// clears isConnected and sets the error but keeps cached data.
func (s *Store) TestConnection(ctx context.Context) bool {
	s.mu.Lock()
	cfg, gen := s.conn, s.generation
	if !cfg.Configured() {
		s.failLocked(NewGatewayError(GatewayErrorUnconfigured, "probe", schema.ErrUnconfigured))
		event := s.commitLocked(schema.ReasonProbe)
		s.unlockAndEmit(&event)
		return false
	}
	s.mu.Unlock()

	log := logx.WithEndpointCtx(ctx, cfg.Endpoint)
	start := s.clock.Now()
	_, err := CallWithSnapshot(logx.Detach(ctx), s.transport, cfg, nil)
	latency := s.clock.Now().Sub(start)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		log.Info("store probe discarded", "reason", "config changed")
		return false
	}
	if err != nil {
		s.failLocked(err)
	} else {
		s.state.IsConnected = true
		s.clearErrorLocked()
	}
	event := s.commitLocked(schema.ReasonProbe)
	s.unlockAndEmit(&event)
	if err != nil {
		logGatewayError(log, "store probe failed", err, "latency_ms", latency.Milliseconds())
		return false
	}
	log.Info("store probe ok", "latency_ms", latency.Milliseconds())
	return true
}

// Refresh fetches sessions, cron jobs and the snapshot in one exchange and
// replaces the cached collections in one commit. Concurrent calls for the same
// configuration join the in-flight exchange and share its result. A result that
// arrives after the configuration changed is discarded with schema.ErrStaleResult.
func (s *Store) Refresh(ctx context.Context) error {
	return s.refresh(ctx, nil)
}

// refresh runs a refresh. A non-nil tick is the auto-refresh token that
// scheduled it; the refresh is dropped without a commit unless that token is
// still current and a configuration is present.
func (s *Store) refresh(ctx context.Context, tick *uint64) error {
	s.mu.Lock()
	cfg, gen := s.conn, s.generation
	if tick != nil && *tick != s.autoToken {
		s.mu.Unlock()
		return schema.ErrStaleResult
	}
	if tick != nil && !cfg.Configured() {
		s.mu.Unlock()
		logx.Ctx(ctx).Debug("store auto refresh skipped", "reason", "unconfigured")
		return nil
	}
	if !cfg.Configured() {
		err := NewGatewayError(GatewayErrorUnconfigured, "refresh", schema.ErrUnconfigured)
		s.failLocked(err)
		event := s.commitLocked(schema.ReasonRefresh)
		s.unlockAndEmit(&event)
		logx.Ctx(ctx).Debug("store refresh skipped", "reason", "unconfigured")
		return err
	}
	s.mu.Unlock()

	detached := logx.Detach(ctx)
	ch := s.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, s.runRefresh(detached, cfg, gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) runRefresh(ctx context.Context, cfg schema.ConnectionConfig, gen uint64) error {
	log := logx.WithEndpointCtx(ctx, cfg.Endpoint)
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return schema.ErrStaleResult
	}
	s.state.IsLoading = true
	loading := s.commitLocked(schema.ReasonLoading)
	s.unlockAndEmit(&loading)
	log.Debug("store refresh start")

	start := s.clock.Now()
	result, err := CallWithSnapshot(ctx, s.transport, cfg, []schema.Call{
		{Op: schema.OpSessionsList, Params: map[string]any{"limit": s.cfg.SessionListLimit}},
		{Op: schema.OpCronList},
	})
	var (
		sessions []schema.Session
		jobs     []schema.CronJob
	)
	if err == nil {
		sessions, err = sessionsFromPayload(result.Results[schema.OpSessionsList])
	}
	if err == nil {
		jobs, err = cronJobsFromPayload(result.Results[schema.OpCronList])
	}
	finished := s.clock.Now()
	latency := finished.Sub(start)
	var cronErrs []error
	if err == nil {
		jobs, cronErrs = annotateCronJobs(jobs, finished)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		log.Info("store refresh discarded", "reason", "config changed", "latency_ms", latency.Milliseconds())
		return schema.ErrStaleResult
	}
	s.state.Health = s.state.Health.Append(schema.HealthEntry{
		Timestamp: finished,
		OK:        err == nil,
		LatencyMs: latency.Milliseconds(),
	}, s.cfg.HealthHistory)
	s.state.IsLoading = false
	if err != nil {
		s.failLocked(err)
		event := s.commitLocked(schema.ReasonRefresh)
		s.unlockAndEmit(&event)
		logGatewayError(log, "store refresh failed", err, "latency_ms", latency.Milliseconds())
		return err
	}
	snapshot := result.Snapshot.Clone()
	s.state.Sessions = sessions
	s.state.CronJobs = jobs
	s.state.Channels = channelsFromSnapshot(snapshot)
	s.state.Agents = agentsFromSnapshot(snapshot)
	s.state.SystemInfo = systemInfoFromSnapshot(snapshot)
	s.state.Snapshot = &snapshot
	s.state.IsConnected = true
	s.state.LastRefresh = &finished
	s.clearErrorLocked()
	event := s.commitLocked(schema.ReasonRefresh)
	s.unlockAndEmit(&event)

	log.Info("store refresh ok",
		"latency_ms", latency.Milliseconds(),
		"sessions", len(sessions),
		"cron_jobs", len(jobs),
		"channels", len(event.State.Channels),
		"agents", len(event.State.Agents),
	)
	for _, cronErr := range cronErrs {
		log.Debug("store cron next run unavailable", "err", cronErr)
	}
	return nil
}

// RestartGateway asks the gateway to restart. It does not wait for the gateway to return.
func (s *Store) RestartGateway(ctx context.Context) bool {
	s.mu.Lock()
	cfg, gen := s.conn, s.generation
	if !cfg.Configured() {
		s.failLocked(NewGatewayError(GatewayErrorUnconfigured, string(schema.OpGatewayRestart), schema.ErrUnconfigured))
		event := s.commitLocked(schema.ReasonRestart)
		s.unlockAndEmit(&event)
		return false
	}
	s.mu.Unlock()

	log := logx.WithOperation(logx.WithEndpointCtx(ctx, cfg.Endpoint), schema.OpGatewayRestart)
	_, err := Call(logx.Detach(ctx), s.transport, cfg, schema.OpGatewayRestart, map[string]any{})

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		log.Info("store restart result discarded", "reason", "config changed")
		return false
	}
	if err != nil {
		s.state.Error = err.Error()
		s.state.ErrorKind = string(ErrorKind(err))
	} else {
		s.clearErrorLocked()
	}
	event := s.commitLocked(schema.ReasonRestart)
	s.unlockAndEmit(&event)
	if err != nil {
		logGatewayError(log, "store restart failed", err)
		return false
	}
	log.Info("store restart requested")
	return true
}

// SetAutoRefresh replaces the auto-refresh timer. An interval <= 0 cancels it.
func (s *Store) SetAutoRefresh(interval time.Duration) {
	s.mu.Lock()
	prev := s.autoStop
	s.autoStop = nil
	s.autoToken++
	token := s.autoToken
	if interval > 0 && interval < s.cfg.MinAutoRefresh {
		interval = s.cfg.MinAutoRefresh
	}
	if interval > 0 {
		s.autoStop = s.scheduler.Every(interval, func() { s.autoRefreshTick(token) })
		s.state.AutoRefreshMs = interval.Milliseconds()
	} else {
		s.state.AutoRefreshMs = 0
	}
	event := s.commitLocked(schema.ReasonAutoRefresh)
	s.unlockAndEmit(&event)
	if prev != nil {
		prev()
	}
	if interval > 0 {
		s.logger.Info("store auto refresh set", "interval_ms", interval.Milliseconds())
	} else {
		s.logger.Info("store auto refresh canceled")
	}
}

func (s *Store) autoRefreshTick(token uint64) {
	ctx := pslog.ContextWithLogger(context.Background(), s.logger)
	if err := s.refresh(ctx, &token); err != nil && !errors.Is(err, schema.ErrStaleResult) {
		s.logger.Debug("store auto refresh tick failed", "err", err)
	}
}

// ClearError dismisses the current error.
func (s *Store) ClearError() {
	s.mu.Lock()
	if s.state.Error == "" {
		s.mu.Unlock()
		return
	}
	s.clearErrorLocked()
	event := s.commitLocked(schema.ReasonError)
	s.unlockAndEmit(&event)
}

// FetchSessionHistory returns the transcript of a session. Failures are logged
// and yield an empty result.
func (s *Store) FetchSessionHistory(ctx context.Context, sessionKey string, limit int) []schema.SessionMessage {
	empty := []schema.SessionMessage{}
	sessionKey = strings.TrimSpace(sessionKey)
	cfg, gen := s.connection()
	log := logx.WithSession(logx.WithOperation(logx.WithEndpointCtx(ctx, cfg.Endpoint), schema.OpSessionsHistory), sessionKey)
	if sessionKey == "" {
		log.Debug("store history skipped", "err", schema.ErrEmptySessionKey)
		return empty
	}
	if !cfg.Configured() {
		log.Debug("store history skipped", "reason", "unconfigured")
		return empty
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	raw, err := Call(ctx, s.transport, cfg, schema.OpSessionsHistory, map[string]any{
		"sessionKey":   sessionKey,
		"limit":        limit,
		"includeTools": false,
	})
	var payload sessionsHistoryPayload
	if err == nil {
		err = decodePayload(schema.OpSessionsHistory, raw, &payload)
	}
	if err != nil {
		logGatewayError(log, "store history failed", err)
		return empty
	}
	s.clearErrorAfterSuccess(gen)
	if payload.Messages == nil {
		return empty
	}
	return payload.Messages
}

// SendSessionMessage posts a message into a session. Failures are logged and yield false.
func (s *Store) SendSessionMessage(ctx context.Context, sessionKey, message string) bool {
	sessionKey = strings.TrimSpace(sessionKey)
	cfg, gen := s.connection()
	log := logx.WithSession(logx.WithOperation(logx.WithEndpointCtx(ctx, cfg.Endpoint), schema.OpSessionsSend), sessionKey)
	switch {
	case sessionKey == "":
		log.Debug("store send skipped", "err", schema.ErrEmptySessionKey)
		return false
	case strings.TrimSpace(message) == "":
		log.Debug("store send skipped", "err", schema.ErrEmptyMessage)
		return false
	case !cfg.Configured():
		log.Debug("store send skipped", "reason", "unconfigured")
		return false
	}
	_, err := Call(ctx, s.transport, cfg, schema.OpSessionsSend, map[string]any{
		"sessionKey": sessionKey,
		"message":    message,
	})
	if err != nil {
		logGatewayError(log, "store send failed", err)
		return false
	}
	s.clearErrorAfterSuccess(gen)
	log.Info("store send ok", "chars", len(message))
	return true
}

// Close stops auto-refresh without touching the credentials.
func (s *Store) Close() {
	s.mu.Lock()
	stop := s.autoStop
	s.autoStop = nil
	s.autoToken++
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Store) connection() (schema.ConnectionConfig, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.generation
}

func (s *Store) clearErrorAfterSuccess(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.state.Error == "" {
		s.mu.Unlock()
		return
	}
	s.clearErrorLocked()
	event := s.commitLocked(schema.ReasonError)
	s.unlockAndEmit(&event)
}

func (s *Store) failLocked(err error) {
	s.state.IsConnected = false
	s.state.Error = err.Error()
	s.state.ErrorKind = string(ErrorKind(err))
}

func (s *Store) clearErrorLocked() {
	s.state.Error = ""
	s.state.ErrorKind = ""
}

// commitLocked bumps the revision and captures the event to emit after unlocking.
func (s *Store) commitLocked(reason schema.StateEventReason) schema.StateEvent {
	s.state.Revision++
	return schema.StateEvent{Reason: reason, At: s.clock.Now(), State: s.state.Clone()}
}

// unlockAndEmit releases s.mu and delivers event in commit order.
func (s *Store) unlockAndEmit(event *schema.StateEvent) {
	if event == nil || s.sink == nil {
		s.mu.Unlock()
		return
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	s.sink.OnStateChange(*event)
}

func logGatewayError(log pslog.Logger, msg string, err error, kv ...any) {
	if log == nil || err == nil {
		return
	}
	fields := append([]any{"err", err}, kv...)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		log.Warn(msg, fields...)
		return
	}
	fields = append(fields, "kind", gwErr.Kind)
	if gwErr.Op != "" {
		fields = append(fields, "failed_op", gwErr.Op)
	}
	if gwErr.Code != "" {
		fields = append(fields, "code", gwErr.Code)
	}
	switch gwErr.Kind {
	case GatewayErrorProtocol, GatewayErrorAuth:
		log.Warn(msg, fields...)
	case GatewayErrorCanceled, GatewayErrorUnconfigured:
		log.Debug(msg, fields...)
	default:
		log.Info(msg, fields...)
	}
}

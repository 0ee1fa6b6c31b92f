package clawdeck

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/httpapi"
	"pkt.systems/clawdeck/internal/eventbus"
	"pkt.systems/clawdeck/internal/gatewayws"
	"pkt.systems/clawdeck/internal/logx"
	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

// Server composes the dashboard store, its background refresh and the HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	Store() *core.Store
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Store   schema.StoreConfig
	Gateway gatewayws.Config
	HTTP    httpapi.Config
	// AutoRefresh is applied on start; zero leaves auto-refresh off.
	AutoRefresh time.Duration
}

// ServerDeps captures dependencies required to build the server.
// Transport defaults to a websocket client built from ServerConfig.Gateway.
type ServerDeps struct {
	Transport   core.Transport
	Credentials core.CredentialStore
	Scheduler   core.Scheduler
	EventSink   core.EventSink
	Logger      pslog.Logger
	// HTTPListener, when set, is used instead of listening on HTTP.Addr.
	HTTPListener net.Listener
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// New constructs a composable clawdeck server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	transport := deps.Transport
	if transport == nil {
		transport = gatewayws.New(cfg.Gateway, logger)
	}

	bus := eventbus.New(logger)
	sinks := []core.EventSink{deps.EventSink, bus}
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HubHistory, logger)
		sinks = append(sinks, hub)
	}

	store, err := core.NewStore(cfg.Store, core.StoreDeps{
		Transport:   transport,
		Credentials: deps.Credentials,
		Scheduler:   deps.Scheduler,
		EventSink:   fanout(sinks...),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv, err = httpapi.NewServer(cfg.HTTP, store, hub, logger)
		if err != nil {
			return nil, err
		}
	}

	return &compositeServer{
		cfg:      cfg,
		options:  options,
		store:    store,
		bus:      bus,
		httpSrv:  httpSrv,
		listener: deps.HTTPListener,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	options  serverOptions
	store    *core.Store
	bus      *eventbus.Bus
	httpSrv  *httpapi.Server
	listener net.Listener
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	wg      sync.WaitGroup
	started bool
}

func (s *compositeServer) Store() *core.Store {
	return s.store
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"auto_refresh_ms", s.cfg.AutoRefresh.Milliseconds(),
	)

	events, unsubscribe := s.bus.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		watchConnectivity(s.ctx, events)
	}()

	loaded, err := s.store.LoadSavedConfig(s.ctx)
	if err != nil {
		log.Warn("server saved config unavailable", "err", err)
	}
	if s.cfg.AutoRefresh > 0 {
		s.store.SetAutoRefresh(s.cfg.AutoRefresh)
	}
	if loaded {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.store.Refresh(s.ctx); err != nil {
				log.Info("server initial refresh failed", "err", err, "kind", core.ErrorKind(err))
			}
		}()
	}

	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			var err error
			if s.listener != nil {
				err = httpapi.Serve(s.ctx, s.listener, s.httpSrv.Handler())
			} else {
				err = httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler())
			}
			if err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

// watchConnectivity logs gateway connectivity transitions until ctx ends.
func watchConnectivity(ctx context.Context, events <-chan eventbus.Event) {
	log := pslog.Ctx(ctx)
	connected := false
	lastError := ""
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			state := event.State.State
			elog := logx.WithEndpoint(log, state.Endpoint)
			if state.IsConnected != connected {
				connected = state.IsConnected
				if connected {
					elog.Info("gateway connected", "sessions", len(state.Sessions), "jobs", len(state.CronJobs))
				} else {
					elog.Warn("gateway disconnected", "reason", event.State.Reason, "err", state.Error)
				}
			}
			if state.Error != "" && state.Error != lastError {
				elog.Debug("gateway error state", "kind", state.ErrorKind, "err", state.Error)
			}
			lastError = state.Error
		}
	}
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		s.store.Close()
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	s.store.Close()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		<-done
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}

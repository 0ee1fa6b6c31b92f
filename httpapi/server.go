package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/internal/version"
	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

const (
	maxBodyBytes    = 1 << 20
	streamKeepalive = 15 * time.Second
	historyLimitCap = 1000
)

// Dashboard is the store surface served over HTTP.
type Dashboard interface {
	State() schema.GatewayState
	SetConfig(ctx context.Context, endpoint, credential string) error
	ClearConfig(ctx context.Context)
	TestConnection(ctx context.Context) bool
	Refresh(ctx context.Context) error
	RestartGateway(ctx context.Context) bool
	SetAutoRefresh(interval time.Duration)
	ClearError()
	FetchSessionHistory(ctx context.Context, sessionKey string, limit int) []schema.SessionMessage
	SendSessionMessage(ctx context.Context, sessionKey, message string) bool
}

var _ Dashboard = (*core.Store)(nil)

// Server exposes the dashboard store over HTTP.
type Server struct {
	cfg    Config
	store  Dashboard
	hub    *Hub
	logger pslog.Logger
}

// NewServer constructs the HTTP API server. The hub must be registered as an
// event sink of store for the stream endpoint to see updates.
func NewServer(cfg Config, store Dashboard, hub *Hub, logger pslog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("httpapi: dashboard store is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if hub == nil {
		hub = NewHub(cfg.HubHistory, logger)
	}
	cfg.BasePath = normalizeBasePath(cfg.BasePath)
	return &Server{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		logger: logger.With("component", "httpapi"),
	}, nil
}

// Hub returns the stream hub used by the server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler with every route mounted under the base path.
func (s *Server) Handler() http.Handler {
	api := chi.NewRouter()
	api.Get("/healthz", s.handleHealth)
	api.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Put("/config", s.handleSetConfig)
		r.Delete("/config", s.handleClearConfig)
		r.Post("/test", s.handleTest)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/restart", s.handleRestart)
		r.Put("/autorefresh", s.handleAutoRefresh)
		r.Delete("/error", s.handleClearError)
		r.Get("/sessions/{key}/history", s.handleHistory)
		r.Post("/sessions/{key}/messages", s.handleSend)
		r.Get("/stream", s.handleStream)
	})

	root := chi.NewRouter()
	root.Use(middleware.RealIP)
	root.Use(withRequestLogging(s.logger))
	root.Use(middleware.Recoverer)
	if s.cfg.BasePath == "" {
		root.Mount("/", api)
	} else {
		root.Mount(s.cfg.BasePath, api)
	}
	return root
}

type configRequest struct {
	Endpoint   string `json:"endpoint"`
	Credential string `json:"credential"`
}

type autoRefreshRequest struct {
	IntervalMs *int64 `json:"interval_ms"`
}

type sendRequest struct {
	Message string `json:"message"`
}

type okResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type refreshResponse struct {
	State     schema.GatewayState `json:"state"`
	Error     string              `json:"error,omitempty"`
	ErrorKind string              `json:"error_kind,omitempty"`
}

type historyResponse struct {
	SessionKey string                  `json:"session_key"`
	Messages   []schema.SessionMessage `json:"messages"`
}

type healthResponse struct {
	OK      bool         `json:"ok"`
	Version version.Info `json:"version"`
	Streams int          `json:"streams"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Version: version.Get(), Streams: s.hub.Subscribers()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetConfig(r.Context(), req.Endpoint, req.Credential); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, schema.ErrInvalidEndpoint) || errors.Is(err, schema.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleClearConfig(w http.ResponseWriter, r *http.Request) {
	s.store.ClearConfig(r.Context())
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	ok := s.store.TestConnection(r.Context())
	resp := okResponse{OK: ok}
	if !ok {
		resp.Error = s.store.State().Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := s.store.Refresh(r.Context())
	if err != nil && r.Context().Err() != nil {
		// Client went away; the refresh itself keeps running detached.
		return
	}
	resp := refreshResponse{State: s.store.State()}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = string(core.ErrorKind(err))
	}
	writeJSON(w, refreshStatus(err), resp)
}

// refreshStatus maps a refresh outcome to an HTTP status.
func refreshStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, schema.ErrStaleResult) {
		return http.StatusConflict
	}
	switch core.ErrorKind(err) {
	case core.GatewayErrorUnconfigured:
		return http.StatusConflict
	case core.GatewayErrorAuth, core.GatewayErrorTransport, core.GatewayErrorProtocol, core.GatewayErrorRemote:
		return http.StatusBadGateway
	case core.GatewayErrorCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ok := s.store.RestartGateway(r.Context())
	resp := okResponse{OK: ok}
	if !ok {
		resp.Error = s.store.State().Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var req autoRefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var interval time.Duration
	if req.IntervalMs != nil && *req.IntervalMs > 0 {
		interval = time.Duration(*req.IntervalMs) * time.Millisecond
	}
	s.store.SetAutoRefresh(interval)
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	s.store.ClearError()
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"))
	if limit < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: limit must be positive", schema.ErrInvalidRequest))
		return
	}
	if limit > historyLimitCap {
		limit = historyLimitCap
	}
	messages := s.store.FetchSessionHistory(r.Context(), key, limit)
	writeJSON(w, http.StatusOK, historyResponse{SessionKey: key, Messages: messages})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	key, err := sessionKeyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, schema.ErrEmptyMessage)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: s.store.SendSessionMessage(r.Context(), key, req.Message)})
}

func sessionKeyParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "key")
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: session key: %v", schema.ErrInvalidRequest, err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", schema.ErrEmptySessionKey
	}
	return key, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := pslog.Ctx(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	ch, unsubscribe, history := s.hub.Subscribe()
	defer unsubscribe()

	var sent uint64
	replayed := 0
	if canReplay(history, lastID) {
		for _, event := range replayAfter(history, lastID) {
			_ = writeSSEvent(w, event)
			sent = event.Seq
			replayed++
		}
		if sent == 0 {
			sent = lastID
		}
	} else {
		state := s.store.State()
		_ = writeSSEvent(w, StreamEvent{
			Seq:       state.Revision,
			Type:      streamTypeState,
			Reason:    reasonSnapshot,
			State:     state,
			Timestamp: time.Now(),
		})
		sent = state.Revision
	}
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	notify := r.Context().Done()
	log.Info("http stream opened", "last_id", lastID, "replay", replayed, "revision", sent)
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= sent {
				continue
			}
			_ = writeSSEvent(w, event)
			sent = event.Seq
			flusher.Flush()
		}
	}
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseInt(value string) int {
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}
	return parsed
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

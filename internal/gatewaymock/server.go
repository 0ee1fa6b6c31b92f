package gatewaymock

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/clawdeck/internal/gatewayws"
	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

// Options configures a mock gateway.
type Options struct {
	Token   string
	Version string
	Host    string
	Logger  pslog.Logger
	// ConnectAuthOnly skips the upgrade Authorization check so only the connect frame token is verified.
	ConnectAuthOnly bool
	// Seed is the initial gateway content. Zero value means DefaultSeed.
	Seed *Seed
}

// Seed is the content served by the mock.
type Seed struct {
	Sessions []schema.Session
	Jobs     []schema.CronJob
	Health   schema.HealthSummary
	History  map[string][]schema.SessionMessage
}

// Server is an in-process gateway speaking the same wire protocol as the real one.
type Server struct {
	upgrader websocket.Upgrader
	logger   pslog.Logger
	started  time.Time
	version  string
	host     string
	// headerAuth rejects upgrades whose bearer header does not match the token.
	headerAuth bool

	mu           sync.Mutex
	token        string
	seed         Seed
	failures     map[string]gatewayws.FrameError
	delay        time.Duration
	closeCode    int
	rejectStatus int
	skipSnapshot bool
	rawFrame     []byte
	methods      []string
	restarts     int
	healthSeq    int64
}

// New constructs a mock gateway.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	seed := DefaultSeed()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	if seed.History == nil {
		seed.History = map[string][]schema.SessionMessage{}
	}
	version := opts.Version
	if version == "" {
		version = "mock"
	}
	host := opts.Host
	if host == "" {
		host = "gateway-mock"
	}
	return &Server{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:     logger,
		started:    time.Now(),
		version:    version,
		host:       host,
		headerAuth: !opts.ConnectAuthOnly,
		token:      opts.Token,
		seed:       seed,
		failures:   map[string]gatewayws.FrameError{},
	}
}

// FailOperation makes every call to method answer with the given error until cleared.
func (s *Server) FailOperation(method, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = gatewayws.FrameError{Code: code, Message: message}
}

// ClearFailures removes injected operation failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = map[string]gatewayws.FrameError{}
}

// SetDelay delays every response after the handshake.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// CloseOnConnect closes the connection with code instead of answering the handshake. Zero disables.
func (s *Server) CloseOnConnect(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCode = code
}

// RejectUpgrade answers every upgrade with status instead of switching protocols. Zero disables.
func (s *Server) RejectUpgrade(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStatus = status
}

// OmitSnapshot makes the handshake answer without a snapshot.
func (s *Server) OmitSnapshot(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipSnapshot = omit
}

// SendRawAfterHello writes frame verbatim after the handshake, before any response.
func (s *Server) SendRawAfterHello(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawFrame = append([]byte(nil), frame...)
}

// SetToken replaces the accepted credential.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Methods returns every method received, in order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Restarts returns how many gateway.restart calls were served.
func (s *Server) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Messages returns the transcript of a session.
func (s *Server) Messages(sessionKey string) []schema.SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.SessionMessage(nil), s.seed.History[sessionKey]...)
}

// ServeHTTP upgrades the request and serves one client connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	token := s.token
	reject := s.rejectStatus
	s.mu.Unlock()
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}
	if auth := r.Header.Get("Authorization"); s.headerAuth && auth != "" && token != "" {
		if strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) != token {
			s.logger.Info("gateway mock upgrade rejected", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("gateway mock upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()
	if !s.handshake(conn) {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req inboundRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.closeWith(conn, websocket.CloseUnsupportedData, "malformed frame")
			return
		}
		if req.Type != gatewayws.FrameRequest {
			continue
		}
		s.mu.Lock()
		delay := s.delay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := conn.WriteJSON(s.dispatch(req)); err != nil {
			return
		}
	}
}

type inboundRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handshake(conn *websocket.Conn) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var frame struct {
		Type   string                  `json:"type"`
		ID     string                  `json:"id"`
		Method string                  `json:"method"`
		Params gatewayws.ConnectParams `json:"params"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != gatewayws.FrameRequest || frame.Method != gatewayws.MethodConnect {
		s.closeWith(conn, websocket.CloseProtocolError, "expected connect")
		return false
	}
	s.mu.Lock()
	s.methods = append(s.methods, frame.Method)
	token := s.token
	closeCode := s.closeCode
	skipSnapshot := s.skipSnapshot
	raw := s.rawFrame
	s.mu.Unlock()

	if closeCode != 0 {
		s.closeWith(conn, closeCode, "connection refused by policy")
		return false
	}
	if frame.Params.MaxProtocol < gatewayws.MinProtocol || frame.Params.MinProtocol > gatewayws.MaxProtocol {
		_ = conn.WriteJSON(errorResponse(frame.ID, "PROTOCOL_MISMATCH", "unsupported protocol"))
		return false
	}
	if token != "" && frame.Params.Auth.Token != token {
		s.logger.Info("gateway mock connect rejected", "client", frame.Params.Client.ID)
		_ = conn.WriteJSON(errorResponse(frame.ID, "INVALID_TOKEN", "invalid token"))
		s.closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
		return false
	}
	hello := map[string]any{
		"type":     gatewayws.HelloOK,
		"protocol": gatewayws.MaxProtocol,
		"server": schema.ServerInfo{
			Version:  s.version,
			Host:     s.host,
			Platform: "linux",
		},
	}
	if !skipSnapshot {
		hello["snapshot"] = s.snapshot()
	}
	if err := conn.WriteJSON(okResponse(frame.ID, hello)); err != nil {
		return false
	}
	_ = conn.WriteJSON(gatewayws.EventFrame{Type: gatewayws.FrameEvent, Event: "tick", Payload: map[string]any{"ts": time.Now().UnixMilli()}})
	if len(raw) > 0 {
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
	s.logger.Debug("gateway mock client connected", "client", frame.Params.Client.ID, "role", frame.Params.Role)
	return true
}

func (s *Server) snapshot() schema.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthSeq++
	health := s.seed.Health
	health.TS = time.Now().UnixMilli()
	health.Sessions = &schema.SessionCount{Count: len(s.seed.Sessions)}
	return schema.Snapshot{
		UptimeMs:     time.Since(s.started).Milliseconds(),
		StateVersion: schema.StateVersion{Presence: 1, Health: s.healthSeq},
		Health:       &health,
	}
}

func (s *Server) dispatch(req inboundRequest) gatewayws.InboundFrame {
	params := req.Params
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, req.Method)
	if failure, ok := s.failures[req.Method]; ok {
		return errorResponse(req.ID, failure.Code, failure.Message)
	}
	switch schema.Operation(req.Method) {
	case schema.OpSessionsList:
		var p struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal(params, &p)
		sessions := s.seed.Sessions
		if p.Limit > 0 && len(sessions) > p.Limit {
			sessions = sessions[:p.Limit]
		}
		return okResponse(req.ID, map[string]any{"sessions": sessions, "count": len(s.seed.Sessions)})
	case schema.OpCronList:
		return okResponse(req.ID, map[string]any{"jobs": s.seed.Jobs})
	case schema.OpGatewayRestart:
		s.restarts++
		return okResponse(req.ID, map[string]any{"ok": true, "scheduled": true})
	case schema.OpSessionsHistory:
		var p struct {
			SessionKey string `json:"sessionKey"`
			Limit      int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
			return errorResponse(req.ID, "INVALID_REQUEST", "sessionKey is required")
		}
		messages := s.seed.History[p.SessionKey]
		if p.Limit > 0 && len(messages) > p.Limit {
			messages = messages[len(messages)-p.Limit:]
		}
		return okResponse(req.ID, map[string]any{"sessionKey": p.SessionKey, "messages": messages})
	case schema.OpSessionsSend:
		var p struct {
			SessionKey string `json:"sessionKey"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" || p.Message == "" {
			return errorResponse(req.ID, "INVALID_REQUEST", "sessionKey and message are required")
		}
		s.seed.History[p.SessionKey] = append(s.seed.History[p.SessionKey], schema.SessionMessage{
			Role:      schema.RoleUser,
			Content:   p.Message,
			Timestamp: time.Now().UnixMilli(),
		})
		return okResponse(req.ID, map[string]any{"ok": true, "runId": uuid.NewString()})
	default:
		return errorResponse(req.ID, "UNKNOWN_METHOD", "unknown method "+req.Method)
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func okResponse(id string, payload any) gatewayws.InboundFrame {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errorResponse(id, "INTERNAL", err.Error())
	}
	return gatewayws.InboundFrame{Type: gatewayws.FrameResponse, ID: id, OK: true, Payload: raw}
}

func errorResponse(id, code, message string) gatewayws.InboundFrame {
	return gatewayws.InboundFrame{
		Type:  gatewayws.FrameResponse,
		ID:    id,
		OK:    false,
		Error: &gatewayws.FrameError{Code: code, Message: message},
	}
}

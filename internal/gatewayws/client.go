package gatewayws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/internal/logx"
	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

// Config controls the WebSocket transport.
type Config struct {
	// CallTimeout bounds one whole exchange, from dial to the last response.
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	ClientID         string
	ClientVersion    string
}

const (
	defaultCallTimeout      = 15 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultClientID         = "clawdeck"
	operatorRole            = "operator"
	clientMode              = "ui"
)

// Client is a stateless gateway transport. Each Exchange opens its own connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger pslog.Logger
	newID  func() string
}

var _ core.Transport = (*Client)(nil)

// New constructs a Client.
func New(cfg Config, logger pslog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
		newID:  uuid.NewString,
	}
}

// Exchange performs the handshake and then pipelines calls on one connection.
// The snapshot in the result is the one the gateway attached to the handshake.
func (c *Client) Exchange(ctx context.Context, conn schema.ConnectionConfig, calls []schema.Call) (schema.BatchResult, error) {
	if !conn.Configured() {
		return schema.BatchResult{}, core.NewGatewayError(core.GatewayErrorUnconfigured, "", schema.ErrUnconfigured)
	}
	endpoint, err := schema.NormalizeEndpoint(conn.Endpoint)
	if err != nil {
		return schema.BatchResult{}, core.NewGatewayError(core.GatewayErrorTransport, "", err)
	}
	for _, call := range calls {
		if !call.Op.Known() || call.Op == schema.OpSnapshot {
			return schema.BatchResult{}, core.NewGatewayError(core.GatewayErrorProtocol, string(call.Op), schema.ErrUnknownOperation)
		}
	}
	log := logx.WithEndpoint(c.logger, endpoint)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	start := time.Now()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+conn.Credential)
	ws, resp, err := c.dialer.DialContext(callCtx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		gwErr := c.classifyDial(ctx, callCtx, resp, err)
		log.Debug("gatewayws dial failed", "err", gwErr)
		return schema.BatchResult{}, gwErr
	}
	defer func() { _ = ws.Close() }()
	stopClose := context.AfterFunc(callCtx, func() { _ = ws.Close() })
	defer stopClose()
	if deadline, ok := callCtx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		_ = ws.SetWriteDeadline(deadline)
	}

	ex := &exchange{client: c, ws: ws, parent: ctx, ctx: callCtx, log: log}
	snapshot, err := ex.handshake(conn.Credential)
	if err != nil {
		return schema.BatchResult{}, err
	}
	results, err := ex.pipeline(calls)
	if err != nil {
		return schema.BatchResult{}, err
	}
	ex.closeNormal()
	log.Trace("gatewayws exchange ok", "calls", len(calls), "duration_ms", time.Since(start).Milliseconds())
	return schema.BatchResult{Snapshot: snapshot, Results: results}, nil
}

type exchange struct {
	client *Client
	ws     *websocket.Conn
	parent context.Context
	ctx    context.Context
	log    pslog.Logger
}

func (e *exchange) handshake(credential string) (schema.Snapshot, error) {
	id := e.client.newID()
	err := e.write(MethodConnect, RequestFrame{
		Type:   FrameRequest,
		ID:     id,
		Method: MethodConnect,
		Params: ConnectParams{
			MinProtocol: MinProtocol,
			MaxProtocol: MaxProtocol,
			Client: ClientInfo{
				ID:       e.client.cfg.ClientID,
				Version:  e.client.cfg.ClientVersion,
				Platform: runtime.GOOS,
				Mode:     clientMode,
			},
			Role: operatorRole,
			Auth: AuthParams{Token: credential},
		},
	})
	if err != nil {
		return schema.Snapshot{}, err
	}
	frame, err := e.readResponse(MethodConnect)
	if err != nil {
		return schema.Snapshot{}, err
	}
	if frame.ID != id {
		return schema.Snapshot{}, e.protocolError(MethodConnect, fmt.Errorf("unexpected response id %q", frame.ID), 0)
	}
	if !frame.OK {
		return schema.Snapshot{}, e.rejected(MethodConnect, frame.Error)
	}
	var hello HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		return schema.Snapshot{}, e.protocolError(MethodConnect, fmt.Errorf("decode hello: %w", err), len(frame.Payload))
	}
	if hello.Type != HelloOK {
		return schema.Snapshot{}, e.protocolError(MethodConnect, fmt.Errorf("unexpected hello type %q", hello.Type), len(frame.Payload))
	}
	if len(hello.Snapshot) == 0 || string(hello.Snapshot) == "null" {
		return schema.Snapshot{}, e.protocolError(string(schema.OpSnapshot), errors.New("hello carries no snapshot"), len(frame.Payload))
	}
	var snapshot schema.Snapshot
	if err := json.Unmarshal(hello.Snapshot, &snapshot); err != nil {
		return schema.Snapshot{}, e.protocolError(string(schema.OpSnapshot), fmt.Errorf("decode snapshot: %w", err), len(hello.Snapshot))
	}
	if len(hello.Server) > 0 {
		if err := json.Unmarshal(hello.Server, &snapshot.Server); err != nil {
			return schema.Snapshot{}, e.protocolError(MethodConnect, fmt.Errorf("decode server: %w", err), len(hello.Server))
		}
	}
	snapshot.Raw = append(json.RawMessage(nil), hello.Snapshot...)
	e.log.Trace("gatewayws handshake ok", "protocol", hello.Protocol, "server_version", snapshot.Server.Version)
	return snapshot, nil
}

// pipeline writes every call before reading, then matches responses by id in any order.
func (e *exchange) pipeline(calls []schema.Call) (map[schema.Operation]json.RawMessage, error) {
	results := make(map[schema.Operation]json.RawMessage, len(calls))
	if len(calls) == 0 {
		return results, nil
	}
	pending := make(map[string]schema.Operation, len(calls))
	for _, call := range calls {
		id := e.client.newID()
		params := call.Params
		if params == nil {
			params = struct{}{}
		}
		if err := e.write(string(call.Op), RequestFrame{Type: FrameRequest, ID: id, Method: string(call.Op), Params: params}); err != nil {
			return nil, err
		}
		pending[id] = call.Op
	}
	for len(pending) > 0 {
		frame, err := e.readResponse("batch")
		if err != nil {
			return nil, err
		}
		op, ok := pending[frame.ID]
		if !ok {
			e.log.Debug("gatewayws response ignored", "id", frame.ID)
			continue
		}
		delete(pending, frame.ID)
		if !frame.OK {
			return nil, e.rejected(string(op), frame.Error)
		}
		payload := frame.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		results[op] = append(json.RawMessage(nil), payload...)
	}
	return results, nil
}

func (e *exchange) write(op string, frame RequestFrame) error {
	if err := e.ws.WriteJSON(frame); err != nil {
		return e.ioError(op, err)
	}
	return nil
}

// readResponse returns the next response frame, skipping events.
func (e *exchange) readResponse(op string) (InboundFrame, error) {
	for {
		kind, data, err := e.ws.ReadMessage()
		if err != nil {
			return InboundFrame{}, e.ioError(op, err)
		}
		if kind != websocket.TextMessage {
			return InboundFrame{}, e.protocolError(op, fmt.Errorf("unexpected message type %d", kind), len(data))
		}
		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return InboundFrame{}, e.protocolError(op, fmt.Errorf("decode frame: %w", err), len(data))
		}
		switch frame.Type {
		case FrameEvent:
			e.log.Trace("gatewayws event ignored", "event", frame.Event)
			continue
		case FrameResponse:
			return frame, nil
		default:
			return InboundFrame{}, e.protocolError(op, fmt.Errorf("unexpected frame type %q", frame.Type), len(data))
		}
	}
}

func (e *exchange) closeNormal() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = e.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (e *exchange) rejected(op string, body *FrameError) error {
	gwErr := &core.GatewayError{Kind: core.GatewayErrorRemote, Op: op}
	if body != nil {
		gwErr.Code = body.Code
		gwErr.Message = body.Message
	}
	if gwErr.Message == "" {
		gwErr.Message = "request rejected"
	}
	if op == MethodConnect {
		switch {
		case IsAuthCode(gwErr.Code):
			gwErr.Kind = core.GatewayErrorAuth
		case gwErr.Code == "PROTOCOL_MISMATCH":
			gwErr.Kind = core.GatewayErrorProtocol
		}
	}
	return gwErr
}

func (e *exchange) protocolError(op string, err error, size int) error {
	e.log.Warn("gatewayws frame rejected", "kind", core.GatewayErrorProtocol, "op", op, "bytes", size, "err", err)
	return core.NewGatewayError(core.GatewayErrorProtocol, op, err)
}

func (e *exchange) ioError(op string, err error) error {
	if e.parent.Err() != nil && errors.Is(e.parent.Err(), context.Canceled) {
		return core.NewGatewayError(core.GatewayErrorCanceled, op, e.parent.Err())
	}
	if e.ctx.Err() != nil {
		return &core.GatewayError{
			Kind:    core.GatewayErrorTransport,
			Op:      op,
			Message: fmt.Sprintf("no response within %s", e.client.cfg.CallTimeout),
			Err:     e.ctx.Err(),
		}
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.ClosePolicyViolation {
			return &core.GatewayError{Kind: core.GatewayErrorAuth, Op: op, Code: "1008", Message: closeText(closeErr), Err: err}
		}
		return &core.GatewayError{Kind: core.GatewayErrorTransport, Op: op, Code: fmt.Sprintf("%d", closeErr.Code), Message: closeText(closeErr), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &core.GatewayError{Kind: core.GatewayErrorTransport, Op: op, Message: "timeout", Err: err}
	}
	return core.NewGatewayError(core.GatewayErrorTransport, op, err)
}

func closeText(err *websocket.CloseError) string {
	if err.Text != "" {
		return fmt.Sprintf("connection closed: %s", err.Text)
	}
	return fmt.Sprintf("connection closed with code %d", err.Code)
}

func (c *Client) classifyDial(parent, callCtx context.Context, resp *http.Response, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return core.NewGatewayError(core.GatewayErrorCanceled, MethodConnect, parent.Err())
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &core.GatewayError{
				Kind:    core.GatewayErrorAuth,
				Op:      MethodConnect,
				Code:    fmt.Sprintf("%d", resp.StatusCode),
				Message: fmt.Sprintf("credential rejected (HTTP %d)", resp.StatusCode),
				Err:     err,
			}
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return &core.GatewayError{
				Kind:    core.GatewayErrorProtocol,
				Op:      MethodConnect,
				Code:    fmt.Sprintf("%d", resp.StatusCode),
				Message: fmt.Sprintf("websocket upgrade refused (HTTP %d)", resp.StatusCode),
				Err:     err,
			}
		}
	}
	if callCtx.Err() != nil {
		return &core.GatewayError{
			Kind:    core.GatewayErrorTransport,
			Op:      MethodConnect,
			Message: fmt.Sprintf("no connection within %s", c.cfg.CallTimeout),
			Err:     callCtx.Err(),
		}
	}
	return core.NewGatewayError(core.GatewayErrorTransport, MethodConnect, err)
}

package gatewayws

import "encoding/json"

// Frame types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// MethodConnect is the handshake request sent first on every connection.
const MethodConnect = "connect"

// HelloOK is the payload type of a successful handshake.
const HelloOK = "hello-ok"

// Protocol versions spoken by this client.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// Handshake error codes that mean the credential was rejected.
var authErrorCodes = map[string]struct{}{
	"UNAUTHORIZED":  {},
	"FORBIDDEN":     {},
	"AUTH_FAILED":   {},
	"INVALID_TOKEN": {},
}

// IsAuthCode reports whether a gateway error code is a credential rejection.
func IsAuthCode(code string) bool {
	_, ok := authErrorCodes[code]
	return ok
}

// RequestFrame is a client request.
type RequestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// InboundFrame is any server frame: a response or an event.
type InboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// EventFrame is an unsolicited server push. Clients of a batch ignore them.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// FrameError is the error body of a failed response.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConnectParams are the handshake parameters.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role"`
	Auth        AuthParams `json:"auth"`
}

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthParams carries the bearer credential inside the handshake.
type AuthParams struct {
	Token string `json:"token"`
}

// HelloPayload is the handshake response payload.
type HelloPayload struct {
	Type     string          `json:"type"`
	Protocol int             `json:"protocol"`
	Server   json.RawMessage `json:"server,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnconfigured indicates a network action was attempted without endpoint and credential.
	ErrUnconfigured = errors.New("gateway not configured")
	// ErrStaleResult indicates a result was discarded because the configuration changed mid-call.
	ErrStaleResult = errors.New("configuration changed during call")
	// ErrUnknownOperation indicates an operation name the client does not know.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidEndpoint indicates an endpoint that is not a ws, wss, http or https URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrEmptySessionKey indicates a session operation without a session key.
	ErrEmptySessionKey = errors.New("empty session key")
	// ErrEmptyMessage indicates a send with no message text.
	ErrEmptyMessage = errors.New("empty message")
)

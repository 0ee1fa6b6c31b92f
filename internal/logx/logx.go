package logx

import (
	"context"

	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	endpointKey contextKey = iota
	requestKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithEndpoint annotates the logger with the gateway endpoint, stripped of userinfo and query.
func WithEndpoint(log pslog.Logger, endpoint string) pslog.Logger {
	if endpoint == "" {
		return log
	}
	return log.With("endpoint", schema.RedactEndpoint(endpoint))
}

// WithEndpointCtx annotates the context logger with the endpoint unless the context already carries it.
func WithEndpointCtx(ctx context.Context, endpoint string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if endpoint == "" {
		return log
	}
	if current, ok := ctx.Value(endpointKey).(string); ok && current == endpoint {
		return log
	}
	return WithEndpoint(log, endpoint)
}

// WithOperation annotates the logger with a gateway operation name.
func WithOperation(log pslog.Logger, op schema.Operation) pslog.Logger {
	if op != "" {
		log = log.With("op", op)
	}
	return log
}

// WithSession annotates the logger with a gateway session key.
func WithSession(log pslog.Logger, sessionKey string) pslog.Logger {
	if sessionKey != "" {
		log = log.With("session", sessionKey)
	}
	return log
}

// WithRequest annotates the context logger with an HTTP request id unless the context already carries it.
func WithRequest(ctx context.Context, requestID string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if requestID == "" {
		return log
	}
	if current, ok := ctx.Value(requestKey).(string); ok && current == requestID {
		return log
	}
	return log.With("request_id", requestID)
}

// ContextWithEndpoint stores the endpoint marker on the context for log de-duplication.
func ContextWithEndpoint(ctx context.Context, endpoint string) context.Context {
	if ctx == nil || endpoint == "" {
		return ctx
	}
	return context.WithValue(ctx, endpointKey, endpoint)
}

// ContextWithEndpointLogger attaches an endpoint-annotated logger and marker to the context.
func ContextWithEndpointLogger(ctx context.Context, log pslog.Logger, endpoint string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, WithEndpoint(log, endpoint))
	return ContextWithEndpoint(ctx, endpoint)
}

// ContextWithRequestLogger attaches a request-annotated logger and marker to the context.
func ContextWithRequestLogger(ctx context.Context, log pslog.Logger, requestID string) context.Context {
	if requestID != "" {
		log = log.With("request_id", requestID)
	}
	ctx = pslog.ContextWithLogger(ctx, log)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestID returns the request id marker stored on the context.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestKey).(string)
	return id
}

// Detach returns a background context that keeps the logger and markers of ctx.
func Detach(ctx context.Context) context.Context {
	base := context.Background()
	if ctx == nil {
		return base
	}
	if logger := pslog.Ctx(ctx); logger != nil {
		base = pslog.ContextWithLogger(base, logger)
	}
	if endpoint, ok := ctx.Value(endpointKey).(string); ok && endpoint != "" {
		base = ContextWithEndpoint(base, endpoint)
	}
	if id, ok := ctx.Value(requestKey).(string); ok && id != "" {
		base = context.WithValue(base, requestKey, id)
	}
	return base
}

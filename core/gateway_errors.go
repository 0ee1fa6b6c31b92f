package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/clawdeck/schema"
)

// GatewayErrorKind classifies gateway failures so callers can tell them apart.
type GatewayErrorKind string

const (
	// GatewayErrorUnconfigured indicates a network action without endpoint or credential.
	GatewayErrorUnconfigured GatewayErrorKind = "unconfigured"
	// GatewayErrorAuth indicates the credential was rejected.
	GatewayErrorAuth GatewayErrorKind = "auth"
	// GatewayErrorTransport indicates the connection was refused, reset or timed out.
	GatewayErrorTransport GatewayErrorKind = "transport"
	// GatewayErrorProtocol indicates a response that did not match the expected shape.
	GatewayErrorProtocol GatewayErrorKind = "protocol"
	// GatewayErrorRemote indicates the gateway answered an operation with an error.
	GatewayErrorRemote GatewayErrorKind = "remote"
	// GatewayErrorCanceled indicates the caller canceled the call.
	GatewayErrorCanceled GatewayErrorKind = "canceled"
)

// GatewayError wraps gateway failures with a stable classification.
type GatewayError struct {
	Kind GatewayErrorKind
	Op   string
	// Code is the gateway's error code for auth and remote failures.
	Code    string
	Message string
	Err     error
}

// NewGatewayError constructs a classified gateway error.
func NewGatewayError(kind GatewayErrorKind, op string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Op: op, Err: err}
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "gateway error"
	}
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	prefix := "gateway"
	if e.Op != "" {
		prefix = fmt.Sprintf("gateway %s", e.Op)
	}
	switch {
	case detail != "" && e.Code != "":
		return fmt.Sprintf("%s: %s: %s (%s)", prefix, e.Kind, detail, e.Code)
	case detail != "":
		return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, detail)
	default:
		return fmt.Sprintf("%s: %s failure", prefix, e.Kind)
	}
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind returns the classification of err, or the empty kind when err is not a gateway failure.
func ErrorKind(err error) GatewayErrorKind {
	if err == nil {
		return ""
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, schema.ErrUnconfigured) {
		return GatewayErrorUnconfigured
	}
	if errors.Is(err, context.Canceled) {
		return GatewayErrorCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return GatewayErrorTransport
	}
	return ""
}

// IsAuth reports whether err is a rejected credential.
func IsAuth(err error) bool { return ErrorKind(err) == GatewayErrorAuth }

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool { return ErrorKind(err) == GatewayErrorTransport }

// IsProtocol reports whether err is a contract mismatch.
func IsProtocol(err error) bool { return ErrorKind(err) == GatewayErrorProtocol }

// WrapGatewayError classifies err for op, keeping an existing classification.
func WrapGatewayError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *GatewayError
	if errors.As(err, &existing) {
		return err
	}
	switch {
	case errors.Is(err, schema.ErrUnconfigured):
		return NewGatewayError(GatewayErrorUnconfigured, op, err)
	case errors.Is(err, schema.ErrUnknownOperation), errors.Is(err, schema.ErrInvalidRequest):
		return NewGatewayError(GatewayErrorProtocol, op, err)
	case errors.Is(err, context.Canceled):
		return NewGatewayError(GatewayErrorCanceled, op, err)
	default:
		return NewGatewayError(GatewayErrorTransport, op, err)
	}
}

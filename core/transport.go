package core

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/clawdeck/schema"
)

// Transport performs one logical exchange with the gateway.
// Implementations must return the snapshot the gateway attached to the exchange
// and one payload per requested call, or a *GatewayError. Exchange is stateless
// and safe for concurrent use.
type Transport interface {
	Exchange(ctx context.Context, cfg schema.ConnectionConfig, calls []schema.Call) (schema.BatchResult, error)
}

// CallBatch issues calls in one exchange and returns their payloads by operation.
func CallBatch(ctx context.Context, transport Transport, cfg schema.ConnectionConfig, calls []schema.Call) (map[schema.Operation]json.RawMessage, error) {
	result, err := CallWithSnapshot(ctx, transport, cfg, calls)
	if err != nil {
		return nil, err
	}
	delete(result.Results, schema.OpSnapshot)
	return result.Results, nil
}

// Call issues a single operation and returns its payload.
func Call(ctx context.Context, transport Transport, cfg schema.ConnectionConfig, op schema.Operation, params any) (json.RawMessage, error) {
	results, err := CallBatch(ctx, transport, cfg, []schema.Call{{Op: op, Params: params}})
	if err != nil {
		return nil, err
	}
	return results[op], nil
}

// CallWithSnapshot issues calls together with the implicit snapshot operation.
// The result is all-or-nothing: any failure yields no BatchResult.
func CallWithSnapshot(ctx context.Context, transport Transport, cfg schema.ConnectionConfig, calls []schema.Call) (schema.BatchResult, error) {
	if !cfg.Configured() {
		return schema.BatchResult{}, NewGatewayError(GatewayErrorUnconfigured, "", schema.ErrUnconfigured)
	}
	if transport == nil {
		return schema.BatchResult{}, NewGatewayError(GatewayErrorTransport, "", fmt.Errorf("transport not configured"))
	}
	requested := make([]schema.Call, 0, len(calls))
	seen := make(map[schema.Operation]struct{}, len(calls))
	for _, call := range calls {
		if !call.Op.Known() {
			return schema.BatchResult{}, NewGatewayError(GatewayErrorProtocol, string(call.Op), schema.ErrUnknownOperation)
		}
		if call.Op == schema.OpSnapshot {
			continue
		}
		if _, dup := seen[call.Op]; dup {
			return schema.BatchResult{}, NewGatewayError(GatewayErrorProtocol, string(call.Op), fmt.Errorf("%w: duplicate operation", schema.ErrInvalidRequest))
		}
		seen[call.Op] = struct{}{}
		requested = append(requested, call)
	}
	result, err := transport.Exchange(ctx, cfg, requested)
	if err != nil {
		return schema.BatchResult{}, WrapGatewayError("", err)
	}
	if len(result.Snapshot.Raw) == 0 {
		return schema.BatchResult{}, NewGatewayError(GatewayErrorProtocol, string(schema.OpSnapshot), fmt.Errorf("missing snapshot"))
	}
	out := schema.BatchResult{
		Snapshot: result.Snapshot,
		Results:  make(map[schema.Operation]json.RawMessage, len(requested)+1),
	}
	for _, call := range requested {
		payload, ok := result.Results[call.Op]
		if !ok {
			return schema.BatchResult{}, NewGatewayError(GatewayErrorProtocol, string(call.Op), fmt.Errorf("missing result"))
		}
		out.Results[call.Op] = payload
	}
	out.Results[schema.OpSnapshot] = result.Snapshot.Raw
	return out, nil
}

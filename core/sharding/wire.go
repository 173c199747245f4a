package sharding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codewandler/shardkeeper/core/actor/v2"
	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/internal/codec"
	"github.com/codewandler/shardkeeper/internal/reflector"
)

// wireCodec encodes and decodes every payload that crosses a cluster.Transport
// boundary (coordinator/region requests, replies). It's a package variable
// rather than a per-call argument because every call site here already
// threads a cluster.ClientTransport through instead of a richer options
// struct; swapping it (e.g. in a test) is a package-level concern, not a
// per-request one.
var wireCodec codec.Codec = codec.JSONCodec{}

// msgTypeOf derives the same type name actor.TypedHandlers uses internally,
// so a wire envelope's Type always matches the local dispatch key for the
// same Go type.
func msgTypeOf(msg any) string { return reflector.TypeInfoOf(msg).Name }

// serveActor adapts act into a cluster.ServerHandlerFunc so a singleton unit
// (coordinator, region) is reachable over a Transport the same way it's
// reached in-process, through the same typed handler dispatch.
func serveActor(act actor.Actor) cluster.ServerHandlerFunc {
	return func(ctx context.Context, env cluster.Envelope) ([]byte, error) {
		res, err := actor.RawRequest(ctx, act, env.Type, env.Data)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		return wireCodec.Marshal(res)
	}
}

// request delivers msg to addr over transport and decodes the reply into OUT.
func request[OUT any](ctx context.Context, t cluster.ClientTransport, addr string, msg any) (*OUT, error) {
	data, err := wireCodec.Marshal(msg)
	if err != nil {
		return nil, err
	}
	mt := msgTypeOf(msg)
	resp, err := t.Request(ctx, cluster.Envelope{To: addr, Type: mt, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s -> %s: %w", mt, addr, err)
	}
	var out OUT
	if len(resp) == 0 {
		return &out, nil
	}
	if err := wireCodec.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode %s reply from %s: %w", mt, addr, err)
	}
	return &out, nil
}

// notify is request without a meaningful reply, for fire-and-forget wire messages.
func notify(ctx context.Context, t cluster.ClientTransport, addr string, msg any) error {
	_, err := request[json.RawMessage](ctx, t, addr, msg)
	return err
}

package cluster

import (
	"context"
)

type Subscription interface {
	Unsubscribe() error
}

type ServerHandlerFunc = func(ctx context.Context, env Envelope) ([]byte, error)

type ClientTransport interface {
	// Request sends a message and waits for a reply.
	Request(ctx context.Context, env Envelope) ([]byte, error)

	Close() error
}

type ServerTransport interface {
	// Subscribe delivers envelopes addressed to dest (a logical path such as
	// "coordinator", "region:node-1" or "shard:orders:42").
	Subscribe(ctx context.Context, dest string, h ServerHandlerFunc) (Subscription, error)

	Close() error
}

// Transport sends messages and lets you subscribe for the destinations you
// "own" -- a region subscribes to its own address plus every shard address
// it currently hosts, the coordinator subscribes to "coordinator".
type Transport interface {
	ClientTransport
	ServerTransport
}

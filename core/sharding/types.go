// Package sharding routes logically-addressed, stateful entries across a
// dynamic set of cluster nodes. Callers address messages by an
// application-defined entry identifier; at most one entry instance with a
// given identifier is alive anywhere in the cluster at any time, and
// messages for that identifier are delivered to wherever it currently
// lives.
//
// The three cooperating units are the [Coordinator] (a cluster-singleton,
// event-sourced authority for the shard-to-region map), the [Region] (a
// per-node router that hosts or proxies to shards), and the [Shard] (a
// per-(node, shard) supervisor of entries). Coordinator and Region talk to
// each other over a
// [github.com/codewandler/shardkeeper/core/cluster.Transport] using logical
// addresses built by [CoordinatorAddress] and [RegionAddress] -- a RegionRef
// is never a live pointer into another unit's memory, only a string
// resolved through the transport at send time. A Shard is owned by exactly
// one Region process and is never independently addressable.
package sharding

import (
	"context"
	"encoding/json"
)

// TypeName identifies an entry type registered with a [Guardian]. Every
// coordinator, region and shard address is scoped by TypeName so a single
// node can host multiple independent sharded entry types side by side.
type TypeName = string

// ShardId groups entries that are relocated together. Opaque, non-empty.
type ShardId = string

// EntryId addresses a single application-defined stateful worker within a
// shard. Opaque, non-empty.
type EntryId = string

// RegionRef is the logical address of a Shard Region, resolved through a
// cluster.Transport. See [RegionAddress]. Shards are never independently
// addressable across the transport: a Shard is owned by exactly one Region
// process and reached only through that Region, in-process.
type RegionRef = string

// Msg is an opaque caller payload routed by an [IdExtractor] and
// [ShardResolver].
type Msg = any

// IdExtractor extracts the entry id and inner payload from a caller
// message. It is a partial function: ok is false for messages this entry
// type doesn't handle, and such messages are sent to the dead-letter sink
// instead of being routed.
type IdExtractor func(msg Msg) (id EntryId, payload Msg, ok bool)

// ShardResolver maps an entry id to the shard it belongs to. Called only
// after IdExtractor has already matched the message.
type ShardResolver func(id EntryId) ShardId

// EntryFactory creates the actor.Actor endpoint for a newly-started entry.
// A nil EntryFactory marks a proxy-only region: it never hosts shards
// itself, only forwards to regions that do.
type EntryFactory func(ctx context.Context, id EntryId) (EntryHandle, error)

// EntryHandle is the minimal surface a Shard needs from an entry actor:
// somewhere to deliver messages, and a way to know when it has stopped.
type EntryHandle interface {
	Deliver(ctx context.Context, msgType string, data []byte) (any, error)
	Stop()
	Done() <-chan struct{}
}

// DeadLetter records a message the system could not route: a caller error
// (bad entry/shard id), or a buffer dropped under resource exhaustion. Reason
// is one of the sentinel errors in errors.go.
type DeadLetter struct {
	TypeName TypeName
	ShardId  ShardId
	EntryId  EntryId
	MsgType  string
	Data     json.RawMessage
	Reason   error
}

// DeadLetterSink receives messages dropped per §7's caller-error and
// resource-exhaustion paths. RegionDeps/ShardDeps leave it nil by default, in
// which case the log warning each drop already emits is the only record.
type DeadLetterSink func(DeadLetter)

// CoordinatorAddress returns the transport address of the cluster-singleton
// coordinator for typeName.
func CoordinatorAddress(typeName TypeName) string {
	return "coordinator:" + typeName
}

// RegionAddress returns the transport address of the region hosted by node
// nodeID for typeName.
func RegionAddress(typeName TypeName, nodeID string) RegionRef {
	return "region:" + typeName + ":" + nodeID
}

// Package cluster provides the transport substrate shared by the sharding
// runtime: a logical-address message envelope, a pluggable Transport
// abstraction, and a keyed dispatch helper for routing envelopes to
// per-entity handlers.
//
// # Addressing
//
// Unlike a fixed shard-count router, destinations here are plain strings:
// "coordinator" for the cluster-singleton coordinator, "region:<node-id>"
// for a region's control inbox, and "shard:<type>:<id>" for an individual
// shard. [core/sharding] builds the coordinator/region/shard protocol on
// top of this addressing scheme; this package only knows how to move bytes
// between address strings.
//
// # Transport
//
// [Transport] combines [ClientTransport] (Request) and [ServerTransport]
// (Subscribe) so a single implementation can act as both. [MemoryTransport]
// is an in-process implementation used by tests and the single-binary demo.
// The adapters/nats package provides a NATS JetStream implementation for
// multi-process clusters.
//
// # Envelope
//
// [Envelope] carries a destination, a message type for handler dispatch, a
// JSON payload, optional headers, and an optional TTL (see [WithTTL]) so a
// message queued behind a slow handoff doesn't get delivered long after it
// stopped being useful.
//
// # Keyed dispatch
//
// [NewScopedHandler] and [NewKeyHandler] fan a single [ServerHandlerFunc]
// out into one sub-handler per routing key, creating them lazily -- this is
// how a shard turns "envelope addressed to this shard" into "envelope
// routed to the actor for this specific entity ID", optionally bounding the
// number of live sub-handlers with LRU eviction via CacheSize.
package cluster

package sharding

// Wire-observable messages exchanged between Region and Coordinator, and
// between Region and Region. Every message carries plain data, never a
// live reference: units resolve peers by address through the transport at
// send time (see [CoordinatorAddress], [RegionAddress]).

// Register asks the coordinator to admit a region that hosts entries.
type Register struct{ Region RegionRef }

// RegisterProxy asks the coordinator to admit a region that only proxies
// to other regions, never hosting shards itself.
type RegisterProxy struct{ Region RegionRef }

// RegisterAck confirms admission, idempotently, to Register/RegisterProxy.
type RegisterAck struct{ Coordinator RegionRef }

// GetShardHome asks the coordinator to resolve or allocate a home for
// ShardId.
type GetShardHome struct {
	ShardId  ShardId
	Requester RegionRef
}

// ShardHome answers GetShardHome with the region currently hosting ShardId.
type ShardHome struct {
	ShardId ShardId
	Region  RegionRef
}

// HostShard instructs a region to start hosting ShardId locally.
type HostShard struct{ ShardId ShardId }

// RouteEntry addresses a single application message at a specific
// (ShardId, EntryId). It doubles as a region's local delivery entrypoint and
// as the wire message forwarded, unchanged, to whichever region currently
// hosts ShardId.
type RouteEntry struct {
	ShardId ShardId
	EntryId EntryId
	MsgType string
	Data    []byte
}

// RouteEntryResult carries an entry's JSON-encoded response back to the
// caller, whether local or across the transport.
type RouteEntryResult struct{ Data []byte }

// ShardStarted acknowledges HostShard once the local Shard actor is up.
type ShardStarted struct {
	ShardId ShardId
	Region  RegionRef
}

// BeginHandOff asks a region to stop treating ShardId as locally owned and
// prepare for relocation.
type BeginHandOff struct{ ShardId ShardId }

// BeginHandOffAck confirms BeginHandOff.
type BeginHandOffAck struct {
	ShardId ShardId
	Region  RegionRef
}

// HandOff instructs the region currently hosting ShardId to stop it.
type HandOff struct{ ShardId ShardId }

// ShardStopped confirms a shard, and every entry within it, has fully
// terminated.
type ShardStopped struct{ ShardId ShardId }

// Passivate is a shard-internal timer message: EntryId has been idle past
// Config.PassivateIdleAfter and should be stopped gracefully.
type Passivate struct{ EntryId EntryId }

// Stop is the default poison-pill sent to entries during passivation and
// handoff when no application-specific stop message is configured.
type Stop struct{}

// Terminated notifies a watcher that the watched peer's transport
// subscription is gone (coordinator, region, or local shard/entry).
type Terminated struct{ Ref string }

// RebalanceDone reports the outcome of a single shard's rebalance attempt
// back to the coordinator.
type RebalanceDone struct {
	ShardId ShardId
	Ok      bool
}

// ResendShardHost is a coordinator-internal timer message: re-send
// HostShard for ShardId to Region if it hasn't yet acknowledged with
// ShardStarted.
type ResendShardHost struct {
	ShardId ShardId
	Region  RegionRef
}

// RestartEntry is a shard-internal timer message scheduled after an entry
// stops unexpectedly while rememberEntries is enabled.
type RestartEntry struct{ EntryId EntryId }

// PersistenceFailure carries a state change a Shard failed to persist, so
// it can be retried after backoff.
type PersistenceFailure struct{ EntryId EntryId }

// RetryPersistence is the shard-internal timer message that re-attempts a
// previously failed persist.
type RetryPersistence struct{ EntryId EntryId }

// RebalanceTick and SnapshotTick are periodic coordinator timer messages;
// Retry is the region's periodic re-registration/re-resolution timer.
type (
	RebalanceTick struct{}
	SnapshotTick  struct{}
	Retry         struct{}
)

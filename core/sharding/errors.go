package sharding

import "errors"

var (
	// ErrUnknownShard is returned when a message references a shard id the
	// receiving unit has no record of.
	ErrUnknownShard = errors.New("sharding: unknown shard")
	// ErrProxyOnly is the fatal protocol inconsistency raised when a
	// proxy-only region is asked to host a shard.
	ErrProxyOnly = errors.New("sharding: region is proxy-only, cannot host shards")
	// ErrAlreadyRegistered marks a region trying to register twice under
	// different roles (region vs proxy).
	ErrAlreadyRegistered = errors.New("sharding: region already registered under a different role")
	// ErrEntryIDRequired is returned by IdExtractor failures with an empty id.
	ErrEntryIDRequired = errors.New("sharding: entry id is required")
	// ErrShardIDRequired guards against an empty ShardResolver result.
	ErrShardIDRequired = errors.New("sharding: shard id is required")
	// ErrBufferFull marks the resource-exhaustion path: the region- or
	// shard-level message buffer is at capacity.
	ErrBufferFull = errors.New("sharding: buffer full, message dropped")
	// ErrNotCoordinator is returned by operations that require this node to
	// currently host the coordinator singleton.
	ErrNotCoordinator = errors.New("sharding: this node does not host the coordinator")
	// ErrHandingOff marks a shard rejecting new work while it drains for
	// relocation.
	ErrHandingOff = errors.New("sharding: shard is handing off")
	// ErrShardTypeNotStarted is returned by Guardian.Region when Start has
	// not been called for the given type name.
	ErrShardTypeNotStarted = errors.New("sharding: entry type not started on this node")
	// ErrNoRegionsAvailable is returned by an AllocationStrategy when no
	// region is registered to allocate to.
	ErrNoRegionsAvailable = errors.New("sharding: no regions available for allocation")
	// ErrRebalanceInProgress is returned by GetShardHome for a shard that is
	// currently mid-rebalance: callers must retry rather than be handed a
	// home a peer region is already tearing down.
	ErrRebalanceInProgress = errors.New("sharding: shard is being rebalanced")
	// ErrShardUnresolved marks a RouteEntry for a shard whose home isn't
	// known locally yet -- either truly unknown, or known to be this region
	// but not finished starting. It never escapes the package: Deliver
	// buffers the caller on this error and retries once the shard's home
	// resolves.
	ErrShardUnresolved = errors.New("sharding: shard home unresolved")
	// ErrRegionStopped is returned to a buffered Deliver call whose region
	// was stopped before its shard's home ever resolved.
	ErrRegionStopped = errors.New("sharding: region stopped")
)

package sharding

// Coordinator domain events. Each must be expressible as a pure fold over
// CoordinatorState; see (*CoordinatorState).Apply.
type (
	ShardRegionRegistered struct{ Region RegionRef }

	ShardRegionProxyRegistered struct{ Region RegionRef }

	ShardRegionTerminated struct{ Region RegionRef }

	ShardRegionProxyTerminated struct{ Region RegionRef }

	ShardHomeAllocated struct {
		ShardId ShardId
		Region  RegionRef
	}

	ShardHomeDeallocated struct{ ShardId ShardId }
)

// Shard domain events, persisted only when a Shard is started with
// WithRememberEntries.
type (
	EntryStarted struct{ EntryId EntryId }
	EntryStopped struct{ EntryId EntryId }
)

package sharding

import (
	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/ds"
)

// Allocations is the coordinator's current shard-to-region map, exposed to
// an AllocationStrategy as region -> ordered set of shard ids. Regions()
// returns regions in first-seen (insertion) order, since the least-shard
// tie-break and other rebalance decisions depend on a deterministic order
// rather than Go's randomized map iteration.
type Allocations struct {
	order    []RegionRef
	byRegion map[RegionRef]*ds.Set[ShardId]
}

// NewAllocations builds an empty Allocations. The zero value is also usable
// directly, matching the zero-value convention of the sets it wraps.
func NewAllocations() Allocations {
	return Allocations{byRegion: map[RegionRef]*ds.Set[ShardId]{}}
}

// set records shards for region, remembering the region's first-seen
// position when it's new.
func (a *Allocations) set(region RegionRef, shards *ds.Set[ShardId]) {
	if a.byRegion == nil {
		a.byRegion = map[RegionRef]*ds.Set[ShardId]{}
	}
	if _, ok := a.byRegion[region]; !ok {
		a.order = append(a.order, region)
	}
	a.byRegion[region] = shards
}

// Regions returns every region in first-seen order.
func (a Allocations) Regions() []RegionRef {
	out := make([]RegionRef, len(a.order))
	copy(out, a.order)
	return out
}

// Shards returns the shard set for region, if known.
func (a Allocations) Shards(region RegionRef) (*ds.Set[ShardId], bool) {
	s, ok := a.byRegion[region]
	return s, ok
}

// Len returns the number of regions.
func (a Allocations) Len() int { return len(a.order) }

// AllocationStrategy is a pure decision function: no I/O, no reference to
// runtime state beyond its inputs.
type AllocationStrategy interface {
	// Allocate picks a region to host a newly-requested shard. requester is
	// the region that asked; most strategies ignore it and pick purely from
	// current, but it's available for locality-aware strategies.
	Allocate(requester RegionRef, shardID ShardId, current Allocations) (RegionRef, error)
	// Rebalance returns the set of shards that should move right now. May
	// return an empty set. inProgress lists shards already mid-rebalance,
	// which must never be returned again.
	Rebalance(current Allocations, inProgress []ShardId) []ShardId
}

// LeastShardAllocationStrategy is the default AllocationStrategy: allocate
// to the region with the fewest shards, breaking ties by iteration order;
// rebalance from the most-loaded region to relieve skew once it exceeds a
// configured threshold.
type LeastShardAllocationStrategy struct {
	RebalanceThreshold       int
	MaxSimultaneousRebalance int
}

// NewLeastShardAllocationStrategy builds the default strategy from Config's
// leastShard.* tunables.
func NewLeastShardAllocationStrategy(cfg Config) *LeastShardAllocationStrategy {
	return &LeastShardAllocationStrategy{
		RebalanceThreshold:       cfg.LeastShardRebalanceThreshold,
		MaxSimultaneousRebalance: cfg.LeastShardMaxSimultaneousRebalance,
	}
}

func (s *LeastShardAllocationStrategy) Allocate(_ RegionRef, _ ShardId, current Allocations) (RegionRef, error) {
	region, ok := leastLoaded(current, nil)
	if !ok {
		return "", ErrNoRegionsAvailable
	}
	return region, nil
}

func (s *LeastShardAllocationStrategy) Rebalance(current Allocations, inProgress []ShardId) []ShardId {
	if len(inProgress) >= s.MaxSimultaneousRebalance {
		return nil
	}
	if current.Len() < 2 {
		return nil
	}

	excluded := ds.NewSet(inProgress...)
	_, leastSize := leastLoadedSize(current)
	mostRegion, mostSize := mostLoadedExcluding(current, excluded)
	if mostRegion == "" {
		return nil
	}
	if mostSize-leastSize < s.RebalanceThreshold {
		return nil
	}

	shards, _ := current.Shards(mostRegion)
	for _, sid := range shards.Values() {
		if !excluded.Contains(sid) {
			return []ShardId{sid}
		}
	}
	return nil
}

func leastLoadedSize(current Allocations) (RegionRef, int) {
	var best RegionRef
	bestSize := -1
	for _, r := range current.Regions() {
		shards, _ := current.Shards(r)
		if bestSize == -1 || shards.Len() < bestSize {
			best = r
			bestSize = shards.Len()
		}
	}
	if bestSize == -1 {
		bestSize = 0
	}
	return best, bestSize
}

func leastLoaded(current Allocations, exclude *ds.Set[RegionRef]) (RegionRef, bool) {
	var best RegionRef
	bestSize := -1
	for _, r := range current.Regions() {
		if exclude != nil && exclude.Contains(r) {
			continue
		}
		shards, _ := current.Shards(r)
		if bestSize == -1 || shards.Len() < bestSize {
			best = r
			bestSize = shards.Len()
		}
	}
	return best, bestSize != -1
}

func mostLoadedExcluding(current Allocations, excludedShards *ds.Set[ShardId]) (RegionRef, int) {
	var best RegionRef
	bestSize := -1
	for _, r := range current.Regions() {
		shards, _ := current.Shards(r)
		remaining := shards.Filter(func(id ShardId) bool { return !excludedShards.Contains(id) })
		if remaining.Len() > bestSize {
			best = r
			bestSize = remaining.Len()
		}
	}
	if bestSize == -1 {
		bestSize = 0
	}
	return best, bestSize
}

// HashRingAllocationStrategy is an opt-in alternative to the default
// least-shard strategy: allocate picks the region maximizing a rendezvous
// (HRW) hash of shardID against the region set, which is stable under
// region churn and produces no rebalance pressure from allocation order.
// Its Rebalance delegates to the same least-shard threshold rule, since
// HRW's benefit is in initial placement, not correcting existing skew.
type HashRingAllocationStrategy struct {
	Seed  string
	least *LeastShardAllocationStrategy
}

// NewHashRingAllocationStrategy builds a HashRingAllocationStrategy, reusing
// the least-shard strategy's rebalance policy.
func NewHashRingAllocationStrategy(cfg Config, seed string) *HashRingAllocationStrategy {
	return &HashRingAllocationStrategy{
		Seed:  seed,
		least: NewLeastShardAllocationStrategy(cfg),
	}
}

func (s *HashRingAllocationStrategy) Allocate(_ RegionRef, shardID ShardId, current Allocations) (RegionRef, error) {
	regions := current.Regions()
	candidates := make([]string, 0, len(regions))
	for _, r := range regions {
		candidates = append(candidates, r)
	}
	region, ok := cluster.HRWPick(candidates, shardID, s.Seed)
	if !ok {
		return "", ErrNoRegionsAvailable
	}
	return region, nil
}

func (s *HashRingAllocationStrategy) Rebalance(current Allocations, inProgress []ShardId) []ShardId {
	return s.least.Rebalance(current, inProgress)
}

var (
	_ AllocationStrategy = (*LeastShardAllocationStrategy)(nil)
	_ AllocationStrategy = (*HashRingAllocationStrategy)(nil)
)

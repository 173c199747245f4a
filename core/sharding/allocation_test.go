package sharding

import (
	"sort"
	"testing"

	"github.com/codewandler/shardkeeper/core/ds"
	"github.com/stretchr/testify/require"
)

// allocations builds an Allocations from a map for test convenience. Regions
// are inserted in sorted key order: no test in this file asserts a specific
// tie-break winner, so this only needs to be deterministic, not meaningful.
func allocations(byRegion map[RegionRef][]ShardId) Allocations {
	regions := make([]RegionRef, 0, len(byRegion))
	for region := range byRegion {
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })

	out := NewAllocations()
	for _, region := range regions {
		out.set(region, ds.NewSet(byRegion[region]...))
	}
	return out
}

func TestLeastShardAllocationStrategy_AllocatePicksLeastLoaded(t *testing.T) {
	s := NewLeastShardAllocationStrategy(DefaultConfig())
	current := allocations(map[RegionRef][]ShardId{
		"r1": {"s1", "s2"},
		"r2": {"s3"},
	})

	region, err := s.Allocate("r1", "s4", current)
	require.NoError(t, err)
	require.Equal(t, RegionRef("r2"), region)
}

func TestLeastShardAllocationStrategy_AllocateNoRegions(t *testing.T) {
	s := NewLeastShardAllocationStrategy(DefaultConfig())
	_, err := s.Allocate("r1", "s1", Allocations{})
	require.ErrorIs(t, err, ErrNoRegionsAvailable)
}

func TestLeastShardAllocationStrategy_RebalanceRespectsThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeastShardRebalanceThreshold = 3
	cfg.LeastShardMaxSimultaneousRebalance = 1
	s := NewLeastShardAllocationStrategy(cfg)

	// Skew of 2 is below the threshold of 3: no rebalance.
	current := allocations(map[RegionRef][]ShardId{
		"r1": {"s1", "s2"},
		"r2": {},
	})
	require.Empty(t, s.Rebalance(current, nil))

	// Skew of 3 meets the threshold: one shard moves from the busiest region.
	current = allocations(map[RegionRef][]ShardId{
		"r1": {"s1", "s2", "s3"},
		"r2": {},
	})
	moved := s.Rebalance(current, nil)
	require.Len(t, moved, 1)
	require.Contains(t, []ShardId{"s1", "s2", "s3"}, moved[0])
}

func TestLeastShardAllocationStrategy_RebalanceCapsInFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeastShardRebalanceThreshold = 1
	cfg.LeastShardMaxSimultaneousRebalance = 1
	s := NewLeastShardAllocationStrategy(cfg)

	current := allocations(map[RegionRef][]ShardId{
		"r1": {"s1", "s2", "s3"},
		"r2": {},
	})
	require.Empty(t, s.Rebalance(current, []ShardId{"s1"}))
}

func TestLeastShardAllocationStrategy_RebalanceSingleRegionIsNoop(t *testing.T) {
	s := NewLeastShardAllocationStrategy(DefaultConfig())
	current := allocations(map[RegionRef][]ShardId{"r1": {"s1", "s2", "s3"}})
	require.Empty(t, s.Rebalance(current, nil))
}

func TestHashRingAllocationStrategy_AllocateIsStableAcrossCalls(t *testing.T) {
	s := NewHashRingAllocationStrategy(DefaultConfig(), "test-seed")
	current := allocations(map[RegionRef][]ShardId{
		"r1": {},
		"r2": {},
		"r3": {},
	})

	first, err := s.Allocate("r1", "order-42", current)
	require.NoError(t, err)

	second, err := s.Allocate("r2", "order-42", current)
	require.NoError(t, err)

	require.Equal(t, first, second, "hash ring placement must not depend on the requester")
}

func TestHashRingAllocationStrategy_AllocateNoRegions(t *testing.T) {
	s := NewHashRingAllocationStrategy(DefaultConfig(), "test-seed")
	_, err := s.Allocate("r1", "s1", Allocations{})
	require.ErrorIs(t, err, ErrNoRegionsAvailable)
}

func TestHashRingAllocationStrategy_DifferentSeedsCanDiffer(t *testing.T) {
	current := allocations(map[RegionRef][]ShardId{
		"r1": {}, "r2": {}, "r3": {}, "r4": {}, "r5": {},
	})

	seen := map[RegionRef]struct{}{}
	for seed := 0; seed < 20; seed++ {
		s := NewHashRingAllocationStrategy(DefaultConfig(), string(rune('a'+seed)))
		region, err := s.Allocate("r1", "order-42", current)
		require.NoError(t, err)
		seen[region] = struct{}{}
	}
	require.Greater(t, len(seen), 1, "different seeds should not always pick the same region")
}

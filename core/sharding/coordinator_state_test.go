package sharding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoordinatorState_AllocationLifecycle(t *testing.T) {
	s := NewCoordinatorState("orders")

	require.NoError(t, s.Apply(&ShardRegionRegistered{Region: "r1"}))
	require.NoError(t, s.Apply(&ShardRegionRegistered{Region: "r2"}))
	require.True(t, s.IsKnownRegion("r1"))
	require.True(t, s.HasRegions())
	require.Equal(t, 2, s.RegionCount())

	require.NoError(t, s.Apply(&ShardHomeAllocated{ShardId: "s1", Region: "r1"}))
	region, ok := s.RegionOf("s1")
	require.True(t, ok)
	require.Equal(t, RegionRef("r1"), region)
	require.NoError(t, s.checkInvariants())

	// Moving a shard's home (rebalance) updates both directions of the map.
	require.NoError(t, s.Apply(&ShardHomeAllocated{ShardId: "s1", Region: "r2"}))
	region, ok = s.RegionOf("s1")
	require.True(t, ok)
	require.Equal(t, RegionRef("r2"), region)
	require.Empty(t, s.ShardsOf("r1"))
	require.Equal(t, []ShardId{"s1"}, s.ShardsOf("r2"))
	require.NoError(t, s.checkInvariants())

	require.NoError(t, s.Apply(&ShardHomeDeallocated{ShardId: "s1"}))
	_, ok = s.RegionOf("s1")
	require.False(t, ok)
	require.NoError(t, s.checkInvariants())
}

func TestCoordinatorState_RegionTerminationUnallocatesItsShards(t *testing.T) {
	s := NewCoordinatorState("orders")
	require.NoError(t, s.Apply(&ShardRegionRegistered{Region: "r1"}))
	require.NoError(t, s.Apply(&ShardHomeAllocated{ShardId: "s1", Region: "r1"}))
	require.NoError(t, s.Apply(&ShardHomeAllocated{ShardId: "s2", Region: "r1"}))

	require.NoError(t, s.Apply(&ShardRegionTerminated{Region: "r1"}))

	require.False(t, s.IsKnownRegion("r1"))
	require.ElementsMatch(t, []ShardId{"s1", "s2"}, s.UnallocatedShards())
	_, ok := s.RegionOf("s1")
	require.False(t, ok)
	require.NoError(t, s.checkInvariants())
}

func TestCoordinatorState_ProxyRegionsTrackedSeparately(t *testing.T) {
	s := NewCoordinatorState("orders")
	require.NoError(t, s.Apply(&ShardRegionProxyRegistered{Region: "p1"}))
	require.True(t, s.IsKnownProxy("p1"))
	require.False(t, s.IsKnownRegion("p1"))
	require.NotContains(t, s.AllRegions(), RegionRef("p1"))
	require.Contains(t, s.AllRegionsAndProxies(), "p1")

	require.NoError(t, s.Apply(&ShardRegionProxyTerminated{Region: "p1"}))
	require.False(t, s.IsKnownProxy("p1"))
}

func TestCoordinatorState_Allocations(t *testing.T) {
	s := NewCoordinatorState("orders")
	require.NoError(t, s.Apply(&ShardRegionRegistered{Region: "r1"}))
	require.NoError(t, s.Apply(&ShardHomeAllocated{ShardId: "s1", Region: "r1"}))

	allocations := s.Allocations()
	shards, ok := allocations.Shards("r1")
	require.True(t, ok)
	require.True(t, shards.Contains("s1"))

	// Allocations returns a copy: mutating it must not affect state.
	shards.Remove("s1")
	require.True(t, s.regions["r1"].Contains("s1"))
}

package sharding

import (
	"fmt"

	"github.com/codewandler/shardkeeper/core/ds"
	"github.com/codewandler/shardkeeper/core/es"
)

// CoordinatorState is the coordinator's event-sourced persistent state: the
// authoritative shard -> region map and its insertion-ordered inverse.
// Apply is a pure fold, so replay and snapshot restore are equivalent by
// construction.
type CoordinatorState struct {
	es.BaseAggregate

	typeName TypeName

	shards        map[ShardId]RegionRef
	regions       map[RegionRef]*ds.Set[ShardId]
	regionOrder   *ds.Set[RegionRef]
	regionProxies *ds.Set[RegionRef]
	unallocated   *ds.Set[ShardId]
}

// NewCoordinatorState constructs an empty CoordinatorState for typeName.
// Use through a TypedRepository in normal operation; exported for tests
// that want to fold events directly.
func NewCoordinatorState(typeName TypeName) *CoordinatorState {
	return &CoordinatorState{
		typeName:      typeName,
		shards:        map[ShardId]RegionRef{},
		regions:       map[RegionRef]*ds.Set[ShardId]{},
		regionOrder:   ds.NewSet[RegionRef](),
		regionProxies: ds.NewSet[RegionRef](),
		unallocated:   ds.NewSet[ShardId](),
	}
}

func (s *CoordinatorState) GetAggType() string { return "ShardCoordinator" }

func (s *CoordinatorState) Create(id string) error {
	if err := s.BaseAggregate.Create(id); err != nil {
		return err
	}
	s.typeName = id
	s.ensureMaps()
	return nil
}

func (s *CoordinatorState) ensureMaps() {
	if s.shards == nil {
		s.shards = map[ShardId]RegionRef{}
	}
	if s.regions == nil {
		s.regions = map[RegionRef]*ds.Set[ShardId]{}
	}
	if s.regionOrder == nil {
		s.regionOrder = ds.NewSet[RegionRef]()
	}
	if s.regionProxies == nil {
		s.regionProxies = ds.NewSet[RegionRef]()
	}
	if s.unallocated == nil {
		s.unallocated = ds.NewSet[ShardId]()
	}
}

func (s *CoordinatorState) Register(r es.Registrar) {
	es.RegisterEventFor[ShardRegionRegistered](r)
	es.RegisterEventFor[ShardRegionProxyRegistered](r)
	es.RegisterEventFor[ShardRegionTerminated](r)
	es.RegisterEventFor[ShardRegionProxyTerminated](r)
	es.RegisterEventFor[ShardHomeAllocated](r)
	es.RegisterEventFor[ShardHomeDeallocated](r)
}

// Apply folds a single event into state. Must remain pure: no I/O, no
// mutation visible outside of s.
func (s *CoordinatorState) Apply(event any) error {
	s.ensureMaps()

	switch e := event.(type) {
	case *ShardRegionRegistered:
		if _, ok := s.regions[e.Region]; !ok {
			s.regions[e.Region] = ds.NewSet[ShardId]()
			s.regionOrder.Add(e.Region)
		}
	case *ShardRegionProxyRegistered:
		s.regionProxies.Add(e.Region)
	case *ShardRegionTerminated:
		shards, ok := s.regions[e.Region]
		if ok {
			for _, sid := range shards.Values() {
				delete(s.shards, sid)
				s.unallocated.Add(sid)
			}
			delete(s.regions, e.Region)
			s.regionOrder.Remove(e.Region)
		}
	case *ShardRegionProxyTerminated:
		s.regionProxies.Remove(e.Region)
	case *ShardHomeAllocated:
		s.shards[e.ShardId] = e.Region
		s.unallocated.Remove(e.ShardId)
		if _, ok := s.regions[e.Region]; !ok {
			s.regions[e.Region] = ds.NewSet[ShardId]()
			s.regionOrder.Add(e.Region)
		}
		s.regions[e.Region].Add(e.ShardId)
	case *ShardHomeDeallocated:
		if region, ok := s.shards[e.ShardId]; ok {
			delete(s.shards, e.ShardId)
			if shards, ok := s.regions[region]; ok {
				shards.Remove(e.ShardId)
			}
		}
	default:
		return s.BaseAggregate.Apply(event)
	}
	return nil
}

// --- read accessors used by the coordinator actor and allocation strategy ---

func (s *CoordinatorState) RegionOf(shardID ShardId) (RegionRef, bool) {
	r, ok := s.shards[shardID]
	return r, ok
}

func (s *CoordinatorState) IsKnownRegion(region RegionRef) bool {
	_, ok := s.regions[region]
	return ok
}

func (s *CoordinatorState) IsKnownProxy(region RegionRef) bool {
	return s.regionProxies.Contains(region)
}

func (s *CoordinatorState) HasRegions() bool { return len(s.regions) > 0 }

func (s *CoordinatorState) RegionCount() int { return len(s.regions) }

func (s *CoordinatorState) ShardsOf(region RegionRef) []ShardId {
	shards, ok := s.regions[region]
	if !ok {
		return nil
	}
	return shards.Values()
}

// AllRegions returns every registered region in first-seen order, so
// callers that break ties by iteration order (see LeastShardAllocationStrategy)
// get a deterministic result.
func (s *CoordinatorState) AllRegions() []RegionRef {
	return s.regionOrder.Values()
}

func (s *CoordinatorState) AllRegionsAndProxies() []string {
	out := s.AllRegions()
	out = append(out, s.regionProxies.Values()...)
	return out
}

func (s *CoordinatorState) UnallocatedShards() []ShardId { return s.unallocated.Values() }

func (s *CoordinatorState) AllShards() map[ShardId]RegionRef {
	out := make(map[ShardId]RegionRef, len(s.shards))
	for k, v := range s.shards {
		out[k] = v
	}
	return out
}

// Allocations snapshots the current shard-to-region map in the shape an
// AllocationStrategy consumes.
func (s *CoordinatorState) Allocations() Allocations {
	out := NewAllocations()
	for _, r := range s.regionOrder.Values() {
		out.set(r, s.regions[r].Copy())
	}
	return out
}

// checkInvariants is used by tests to assert §3's structural invariants
// hold after every fold.
func (s *CoordinatorState) checkInvariants() error {
	for sid, r := range s.shards {
		shards, ok := s.regions[r]
		if !ok || !shards.Contains(sid) {
			return fmt.Errorf("shard %s claims region %s but region set disagrees", sid, r)
		}
		if s.unallocated.Contains(sid) {
			return fmt.Errorf("shard %s is both allocated and unallocated", sid)
		}
	}
	for r, shards := range s.regions {
		for _, sid := range shards.Values() {
			if s.shards[sid] != r {
				return fmt.Errorf("region %s lists shard %s but shards map disagrees", r, sid)
			}
		}
	}
	return nil
}

var _ es.Aggregate = (*CoordinatorState)(nil)

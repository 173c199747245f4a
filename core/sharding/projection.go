package sharding

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codewandler/shardkeeper/core/es"
)

// DistributionSnapshot is a read-only, eventually-consistent view of how
// one entry type's shards are spread across regions, derived from the
// coordinator's persisted event log. It lags slightly behind the
// coordinator's own authoritative in-memory allocation table and is never
// consulted by the routing hot path; it exists for operational visibility
// only (see cmd/shardnode's status endpoint).
type DistributionSnapshot struct {
	ShardsByRegion map[RegionRef]int `json:"shards_by_region"`
	Unallocated    int               `json:"unallocated"`
	LastRebalance  time.Time         `json:"last_rebalance,omitempty"`
}

// DistributionProjection consumes a single entry type's coordinator event
// stream and folds it into a DistributionSnapshot. One instance covers one
// TypeName; a node running several entry types runs one projection per
// type, each on its own es.Consumer.
type DistributionProjection struct {
	typeName TypeName

	mu            sync.RWMutex
	homes         map[ShardId]RegionRef
	unallocated   map[ShardId]struct{}
	lastRebalance time.Time
	lastSeq       uint64
}

// NewDistributionProjection builds an empty projection for typeName. Feed
// it a coordinator's events through Handle, typically via
// es.NewConsumer(store, registry, projection) or, for periodic
// snapshotting, es.NewSnapshotProjection wrapping it.
func NewDistributionProjection(typeName TypeName) *DistributionProjection {
	return &DistributionProjection{
		typeName:    typeName,
		homes:       map[ShardId]RegionRef{},
		unallocated: map[ShardId]struct{}{},
	}
}

func (p *DistributionProjection) Name() string {
	return "sharding.distribution." + p.typeName
}

// Handle folds one coordinator domain event into the running snapshot. A
// ShardHomeAllocated for a shard that already had a home counts as a
// rebalance move rather than a first allocation.
func (p *DistributionProjection) Handle(msgCtx es.MsgCtx) error {
	// A consumer typically reads the whole store, which interleaves
	// coordinators for every entry type and every Shard's entry-membership
	// events; only this type's coordinator events belong in this snapshot.
	if msgCtx.AggregateType() != "ShardCoordinator" || msgCtx.AggregateID() != p.typeName {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := msgCtx.Event().(type) {
	case *ShardHomeAllocated:
		if _, hadHome := p.homes[e.ShardId]; hadHome {
			p.lastRebalance = msgCtx.OccurredAt()
		}
		p.homes[e.ShardId] = e.Region
		delete(p.unallocated, e.ShardId)
	case *ShardHomeDeallocated:
		delete(p.homes, e.ShardId)
		p.unallocated[e.ShardId] = struct{}{}
	}

	p.lastSeq = msgCtx.Seq()
	return nil
}

// GetLastSeq implements es.Checkpoint so a restarted consumer resumes from
// the last snapshot instead of replaying the whole stream.
func (p *DistributionProjection) GetLastSeq() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq, nil
}

// Snapshot implements es.Snapshottable.
func (p *DistributionProjection) Snapshot() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type wire struct {
		Homes         map[ShardId]RegionRef `json:"homes"`
		Unallocated   []ShardId             `json:"unallocated"`
		LastRebalance time.Time             `json:"last_rebalance"`
		LastSeq       uint64                `json:"last_seq"`
	}
	w := wire{Homes: p.homes, LastRebalance: p.lastRebalance, LastSeq: p.lastSeq}
	for id := range p.unallocated {
		w.Unallocated = append(w.Unallocated, id)
	}
	return json.Marshal(w)
}

// RestoreSnapshot implements es.Snapshottable.
func (p *DistributionProjection) RestoreSnapshot(data []byte) error {
	type wire struct {
		Homes         map[ShardId]RegionRef `json:"homes"`
		Unallocated   []ShardId             `json:"unallocated"`
		LastRebalance time.Time             `json:"last_rebalance"`
		LastSeq       uint64                `json:"last_seq"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.homes = w.Homes
	if p.homes == nil {
		p.homes = map[ShardId]RegionRef{}
	}
	p.unallocated = map[ShardId]struct{}{}
	for _, id := range w.Unallocated {
		p.unallocated[id] = struct{}{}
	}
	p.lastRebalance = w.LastRebalance
	p.lastSeq = w.LastSeq
	return nil
}

// Distribution returns the current DistributionSnapshot read model.
func (p *DistributionProjection) Distribution() DistributionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byRegion := map[RegionRef]int{}
	for _, region := range p.homes {
		byRegion[region]++
	}
	return DistributionSnapshot{
		ShardsByRegion: byRegion,
		Unallocated:    len(p.unallocated),
		LastRebalance:  p.lastRebalance,
	}
}

var (
	_ es.Projection    = (*DistributionProjection)(nil)
	_ es.Snapshottable = (*DistributionProjection)(nil)
	_ es.Checkpoint    = (*DistributionProjection)(nil)
)

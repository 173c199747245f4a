package sharding

import (
	"github.com/codewandler/shardkeeper/core/ds"
	"github.com/codewandler/shardkeeper/core/es"
)

// ShardEntriesState is the event-sourced record of which entries a Shard has
// live, kept only when a shard type is started with WithRememberEntries. Its
// sole purpose is recovery: on restart, the shard replays this aggregate and
// eagerly restarts every remembered entry before accepting traffic.
type ShardEntriesState struct {
	es.BaseAggregate

	entries *ds.Set[EntryId]
}

// NewShardEntriesState constructs an empty ShardEntriesState.
func NewShardEntriesState() *ShardEntriesState {
	return &ShardEntriesState{entries: ds.NewSet[EntryId]()}
}

func (s *ShardEntriesState) GetAggType() string { return "ShardEntries" }

func (s *ShardEntriesState) Create(id string) error {
	if err := s.BaseAggregate.Create(id); err != nil {
		return err
	}
	s.ensure()
	return nil
}

func (s *ShardEntriesState) ensure() {
	if s.entries == nil {
		s.entries = ds.NewSet[EntryId]()
	}
}

func (s *ShardEntriesState) Register(r es.Registrar) {
	es.RegisterEventFor[EntryStarted](r)
	es.RegisterEventFor[EntryStopped](r)
}

func (s *ShardEntriesState) Apply(event any) error {
	s.ensure()
	switch e := event.(type) {
	case *EntryStarted:
		s.entries.Add(e.EntryId)
	case *EntryStopped:
		s.entries.Remove(e.EntryId)
	default:
		return s.BaseAggregate.Apply(event)
	}
	return nil
}

// Entries lists remembered live entry ids, insertion order.
func (s *ShardEntriesState) Entries() []EntryId {
	s.ensure()
	return s.entries.Values()
}

// HasEntry reports whether id is still remembered.
func (s *ShardEntriesState) HasEntry(id EntryId) bool {
	s.ensure()
	return s.entries.Contains(id)
}

var _ es.Aggregate = (*ShardEntriesState)(nil)

// shardEntriesAggID is the aggregate id a Shard's remember-entries record is
// stored under: one aggregate per (type, shard), independent of node, so a
// shard resuming on a different region after a crash still finds its record.
func shardEntriesAggID(typeName TypeName, shardID ShardId) string {
	return typeName + ":" + shardID
}

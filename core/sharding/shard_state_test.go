package sharding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardEntriesState_TracksLiveEntries(t *testing.T) {
	s := NewShardEntriesState()
	require.Empty(t, s.Entries())

	require.NoError(t, s.Apply(&EntryStarted{EntryId: "e1"}))
	require.NoError(t, s.Apply(&EntryStarted{EntryId: "e2"}))
	require.ElementsMatch(t, []EntryId{"e1", "e2"}, s.Entries())

	require.NoError(t, s.Apply(&EntryStopped{EntryId: "e1"}))
	require.Equal(t, []EntryId{"e2"}, s.Entries())
}

func TestShardEntriesState_StoppingUnknownEntryIsNoop(t *testing.T) {
	s := NewShardEntriesState()
	require.NoError(t, s.Apply(&EntryStopped{EntryId: "ghost"}))
	require.Empty(t, s.Entries())
}

func TestShardEntriesAggID_ScopesByTypeAndShardNotNode(t *testing.T) {
	require.Equal(t, "orders:shard-1", shardEntriesAggID("orders", "shard-1"))
	require.NotEqual(t,
		shardEntriesAggID("orders", "shard-1"),
		shardEntriesAggID("inventory", "shard-1"),
	)
}

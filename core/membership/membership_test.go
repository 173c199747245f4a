package membership

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemory_JoinAssignsIncreasingAge(t *testing.T) {
	r := NewInMemory()
	a := r.Join("a", "worker")
	b := r.Join("b", "worker")

	require.Equal(t, uint64(0), a.Age)
	require.Equal(t, uint64(1), b.Age)
}

func TestInMemory_JoinIsIdempotent(t *testing.T) {
	r := NewInMemory()
	first := r.Join("a", "worker")
	second := r.Join("a", "seed")

	require.Equal(t, first, second)
	require.Equal(t, []Member{first}, r.For("a").Snapshot(""))
}

func TestInMemory_SnapshotFiltersByRoleOldestFirst(t *testing.T) {
	r := NewInMemory()
	r.Join("a", "worker")
	r.Join("b", "seed")
	r.Join("c", "worker")

	view := r.For("a")
	workers := view.Snapshot("worker")
	require.Len(t, workers, 2)
	require.Equal(t, "a", workers[0].ID)
	require.Equal(t, "c", workers[1].ID)

	require.Len(t, view.Snapshot(""), 3)
}

func TestOldest(t *testing.T) {
	r := NewInMemory()
	r.Join("a", "worker")
	r.Join("b", "worker")

	oldest, ok := Oldest(r.For("b"), "worker")
	require.True(t, ok)
	require.Equal(t, "a", oldest.ID)

	_, ok = Oldest(r.For("a"), "nonexistent")
	require.False(t, ok)
}

func TestInMemory_LeaveRemovesMemberAndNotifies(t *testing.T) {
	r := NewInMemory()
	r.Join("a", "worker")
	r.Join("b", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := r.For("a").Subscribe(ctx)
	require.NoError(t, err)

	r.Leave("b")

	select {
	case ev := <-events:
		require.Equal(t, MemberRemoved, ev.Type)
		require.Equal(t, "b", ev.Member.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a MemberRemoved event")
	}

	require.Len(t, r.For("a").Snapshot("worker"), 1)

	// Leaving an unknown id is a no-op, not an error, and produces no event.
	r.Leave("nonexistent")
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unknown leave: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestInMemory_SubscribeClosesOnContextCancel(t *testing.T) {
	r := NewInMemory()
	r.Join("a", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	events, err := r.For("a").Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, time.Second, time.Millisecond)
}

func TestMember_HasRole(t *testing.T) {
	m := Member{ID: "a", Roles: []string{"worker"}}
	require.True(t, m.HasRole("worker"))
	require.True(t, m.HasRole(""))
	require.False(t, m.HasRole("seed"))
}

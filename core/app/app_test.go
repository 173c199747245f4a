package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/shardkeeper/core/sharding"
)

type (
	ping struct{ Seq int }
	pong struct{ Seq int }
)

type pingEntry struct{ done chan struct{} }

func newPingEntry(context.Context, sharding.EntryId) (sharding.EntryHandle, error) {
	return &pingEntry{done: make(chan struct{})}, nil
}

func (e *pingEntry) Deliver(_ context.Context, _ string, data []byte) (any, error) {
	var in ping
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return pong{Seq: in.Seq + 1}, nil
}

func (e *pingEntry) Stop() { close(e.done) }

func (e *pingEntry) Done() <-chan struct{} { return e.done }

func pingExtractor(msg sharding.Msg) (sharding.EntryId, sharding.Msg, bool) {
	m, ok := msg.(ping)
	if !ok {
		return "", nil, false
	}
	return "tenant-1", m, true
}

func pingResolver(sharding.EntryId) sharding.ShardId { return "shard-1" }

func TestApp_StartTypeRoutesToEntry(t *testing.T) {
	app, err := New(Config{})
	require.NoError(t, err)
	defer app.Stop()

	region, err := app.StartType("pings", newPingEntry, pingExtractor, pingResolver)
	require.NoError(t, err)
	require.NotNil(t, region)

	var raw json.RawMessage
	require.Eventually(t, func() bool {
		raw, err = region.Deliver(context.Background(), ping{Seq: 1})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	var reply pong
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, 2, reply.Seq)
}

func TestApp_GuardianIsAccessible(t *testing.T) {
	app, err := New(Config{})
	require.NoError(t, err)
	defer app.Stop()

	require.NotNil(t, app.Guardian())

	_, err = app.Guardian().Region("unstarted")
	require.ErrorIs(t, err, sharding.ErrShardTypeNotStarted)
}

func TestApp_CustomNodeID(t *testing.T) {
	app, err := New(Config{
		Node: NodeConfig{ID: "my-node", Roles: []string{"worker"}},
	})
	require.NoError(t, err)
	defer app.Stop()
	require.NotNil(t, app)
}

func TestApp_StopIsIdempotent(t *testing.T) {
	app, err := New(Config{})
	require.NoError(t, err)

	_, err = app.StartType("pings", newPingEntry, pingExtractor, pingResolver)
	require.NoError(t, err)

	app.Stop()
	app.Stop()
}

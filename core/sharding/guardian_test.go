package sharding

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/es"
	"github.com/codewandler/shardkeeper/core/membership"
	"github.com/stretchr/testify/require"
)

// echoMsg/echoReply stand in for an application's own message types.
type echoMsg struct{ Text string }
type echoReply struct{ Text string }

// echoEntry is the simplest possible EntryHandle: it reflects Text back.
type echoEntry struct {
	done chan struct{}
}

func newEchoFactory() EntryFactory {
	return func(context.Context, EntryId) (EntryHandle, error) {
		return &echoEntry{done: make(chan struct{})}, nil
	}
}

func (e *echoEntry) Deliver(_ context.Context, msgType string, data []byte) (any, error) {
	if msgType != msgTypeOf(echoMsg{}) {
		return nil, nil
	}
	var in echoMsg
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return echoReply{Text: in.Text}, nil
}

func (e *echoEntry) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *echoEntry) Done() <-chan struct{} { return e.done }

func echoExtractor(msg Msg) (EntryId, Msg, bool) {
	m, ok := msg.(echoMsg)
	if !ok {
		return "", nil, false
	}
	return "entry-1", m, true
}

func echoResolver(EntryId) ShardId { return "shard-1" }

// newTestGuardian wires a single-node Guardian: one shared in-memory
// transport, one shared event store, one shared membership roster, exactly
// as a single-process demo would.
func newTestGuardian(t *testing.T, nodeID string, roster *membership.InMemory, transport cluster.Transport) *Guardian {
	t.Helper()
	roster.Join(nodeID, "worker")

	registry := es.NewRegistry()
	NewCoordinatorState("").Register(registry)
	NewShardEntriesState().Register(registry)
	store := es.NewInMemoryStore()

	cfg := DefaultConfig()
	cfg.Role = "worker"
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.CoordinatorFailureBackoff = 20 * time.Millisecond
	cfg.ShardFailureBackoff = 20 * time.Millisecond

	return NewGuardian(GuardianDeps{
		NodeID:           nodeID,
		Transport:        transport,
		Membership:       roster.For(nodeID),
		CoordinatorRepo:  es.NewTypedRepository[*CoordinatorState](slog.Default(), store, registry),
		ShardEntriesRepo: es.NewTypedRepository[*ShardEntriesState](slog.Default(), store, registry),
		Config:           cfg,
	})
}

func TestGuardian_SingleNodeRoutesEntryEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	g := newTestGuardian(t, "node1", roster, transport)
	defer g.Stop()

	region, err := g.Start(ctx, "orders", newEchoFactory(), echoExtractor, echoResolver)
	require.NoError(t, err)
	require.NotNil(t, region)

	// The coordinator singleton starts asynchronously and the region's own
	// registration with it retries on a timer, so the very first deliveries
	// may fail with ErrNoRegionsAvailable until that handshake lands.
	var raw json.RawMessage
	require.Eventually(t, func() bool {
		raw, err = region.Deliver(ctx, echoMsg{Text: "hi"})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "expected entry delivery to eventually succeed once the region is registered")

	var reply echoReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "hi", reply.Text)
}

func TestGuardian_StartIsIdempotentPerType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	g := newTestGuardian(t, "node1", roster, transport)
	defer g.Stop()

	first, err := g.Start(ctx, "orders", newEchoFactory(), echoExtractor, echoResolver)
	require.NoError(t, err)

	second, err := g.Start(ctx, "orders", newEchoFactory(), echoExtractor, echoResolver)
	require.NoError(t, err)
	require.Same(t, first, second, "starting an already-started type must return the existing region")
}

func TestGuardian_RegionLooksUpUnstartedType(t *testing.T) {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	g := newTestGuardian(t, "node1", roster, transport)
	defer g.Stop()

	_, err := g.Region("orders")
	require.ErrorIs(t, err, ErrShardTypeNotStarted)
}

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	adaptersnats "github.com/codewandler/shardkeeper/adapters/nats"
	"github.com/codewandler/shardkeeper/core/es"
	"github.com/codewandler/shardkeeper/core/membership"
	"github.com/codewandler/shardkeeper/core/sharding"
)

type greetMsg struct{ Name string }
type greetReply struct {
	Name   string
	NodeID string
}

type greetEntry struct {
	nodeID string
	done   chan struct{}
}

func newGreetFactory(nodeID string) sharding.EntryFactory {
	return func(context.Context, sharding.EntryId) (sharding.EntryHandle, error) {
		return &greetEntry{nodeID: nodeID, done: make(chan struct{})}, nil
	}
}

func (e *greetEntry) Deliver(_ context.Context, _ string, data []byte) (any, error) {
	var in greetMsg
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return greetReply{Name: in.Name, NodeID: e.nodeID}, nil
}

func (e *greetEntry) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *greetEntry) Done() <-chan struct{} { return e.done }

func greetExtractor(msg sharding.Msg) (sharding.EntryId, sharding.Msg, bool) {
	m, ok := msg.(greetMsg)
	if !ok {
		return "", nil, false
	}
	return m.Name, m, true
}

func greetResolver(id sharding.EntryId) sharding.ShardId {
	return "shard-" + sharding.ShardId(id[:1])
}

// newIntegrationGuardian wires a Guardian to a real NATS-backed transport
// and event journal, mirroring cmd/shardnode's wiring but scoped to one
// shared roster and store per test so two simulated nodes cooperate on the
// same coordinator singleton and shard homes.
func newIntegrationGuardian(t *testing.T, connect adaptersnats.Connector, nodeID string, roster *membership.InMemory, prefix string) *sharding.Guardian {
	t.Helper()
	roster.Join(nodeID, "worker")

	transport, err := adaptersnats.NewTransport(adaptersnats.TransportConfig{
		Connect:       connect,
		Log:           slog.Default(),
		SubjectPrefix: prefix,
	})
	require.NoError(t, err)

	store, err := adaptersnats.NewEventStore(adaptersnats.EventStoreConfig{
		Connect:        connect,
		Log:            slog.Default(),
		SubjectPrefix:  prefix + ".es",
		StreamName:     "IT_" + prefix,
		StreamSubjects: []string{prefix + ".es.>"},
		MaxMsgs:        10_000,
	})
	require.NoError(t, err)

	registry := es.NewRegistry()
	sharding.NewCoordinatorState("").Register(registry)
	sharding.NewShardEntriesState().Register(registry)

	cfg := sharding.DefaultConfig()
	cfg.Role = "worker"
	cfg.RetryInterval = 50 * time.Millisecond
	cfg.CoordinatorFailureBackoff = 50 * time.Millisecond
	cfg.ShardFailureBackoff = 50 * time.Millisecond

	return sharding.NewGuardian(sharding.GuardianDeps{
		NodeID:           nodeID,
		Transport:        transport,
		Membership:       roster.For(nodeID),
		CoordinatorRepo:  es.NewTypedRepository[*sharding.CoordinatorState](slog.Default(), store, registry),
		ShardEntriesRepo: es.NewTypedRepository[*sharding.ShardEntriesState](slog.Default(), store, registry),
		Config:           cfg,
		Log:              slog.Default(),
	})
}

// TestIntegration_TwoNodeClusterOverNATS exercises the sharding stack the
// way cmd/shardnode is deployed: two independent Guardians, each with its
// own NATS transport and JetStream-backed event journal connection,
// cooperating on shard placement over a real broker instead of the
// in-memory doubles the rest of the suite uses.
func TestIntegration_TwoNodeClusterOverNATS(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelWarn)

	connect := adaptersnats.NewTestContainer(t)
	roster := membership.NewInMemory()
	prefix := "it.greet"

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	g1 := newIntegrationGuardian(t, connect, "node-1", roster, prefix)
	defer g1.Stop()
	g2 := newIntegrationGuardian(t, connect, "node-2", roster, prefix)
	defer g2.Stop()

	region1, err := g1.Start(ctx, "greeters", newGreetFactory("node-1"), greetExtractor, greetResolver)
	require.NoError(t, err)
	region2, err := g2.Start(ctx, "greeters", newGreetFactory("node-2"), greetExtractor, greetResolver)
	require.NoError(t, err)

	var raw json.RawMessage
	require.Eventually(t, func() bool {
		raw, err = region1.Deliver(ctx, greetMsg{Name: "alice"})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "expected delivery via node-1 to eventually succeed")

	var reply greetReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "alice", reply.Name)

	// A different entry, requested from the other region, must resolve to
	// the same shard-home protocol and succeed too, whether served locally
	// or forwarded across the transport.
	require.Eventually(t, func() bool {
		raw, err = region2.Deliver(ctx, greetMsg{Name: "bob"})
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "expected delivery via node-2 to eventually succeed")

	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "bob", reply.Name)
}

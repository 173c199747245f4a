// Command shardsim runs a fully in-memory multi-node cluster in a single
// process and exercises the concrete scenarios a sharded system is expected
// to satisfy: first-touch shard allocation, rebalance handoff, handoff
// timeout, coordinator failover, idle passivation with a racing message,
// and buffer overflow under a burst of unroutable traffic.
//
// It never touches a network or a broker: every collaborator (transport,
// event journal, membership roster) is the in-memory double the sharding
// package's own tests use, wired the same way, just driven from outside a
// *testing.T.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/shardkeeper/core/app"
	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/es"
	"github.com/codewandler/shardkeeper/core/membership"
	"github.com/codewandler/shardkeeper/core/sharding"
	"github.com/codewandler/shardkeeper/internal/reflector"
)

// stopMsgTypeName is the wire type name of sharding.Stop{}, the default
// poison-pill a Shard delivers to an entry during passivation and handoff.
// Demo entries compare against it directly instead of importing the
// unexported msgTypeOf the sharding package uses internally.
var stopMsgTypeName = reflector.TypeInfoOf(sharding.Stop{}).Name

type scenario struct {
	name string
	run  func(ctx context.Context, log *slog.Logger) error
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	scenarios := []scenario{
		{"first-touch allocation", scenarioFirstTouch},
		{"handoff on rebalance", scenarioHandoff},
		{"handoff timeout", scenarioHandoffTimeout},
		{"coordinator failover", scenarioCoordinatorFailover},
		{"passivate with racing message", scenarioPassivateRace},
		{"buffer overflow", scenarioBufferOverflow},
	}

	ctx := context.Background()
	failed := 0
	for _, s := range scenarios {
		start := time.Now()
		err := s.run(ctx, log)
		took := time.Since(start)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %-32s (%s)  %v\n", s.name, took.Round(time.Millisecond), err)
			continue
		}
		fmt.Printf("PASS  %-32s (%s)\n", s.name, took.Round(time.Millisecond))
	}

	if failed > 0 {
		fmt.Printf("\n%d/%d scenarios failed\n", failed, len(scenarios))
		os.Exit(1)
	}
	fmt.Printf("\nall %d scenarios passed\n", len(scenarios))
}

// poll retries fn until it returns nil or timeout elapses, matching the
// require.Eventually pattern the package's own tests use for waiting out
// the coordinator/region handshake's async retries.
func poll(timeout, interval time.Duration, fn func() error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("timed out after %s: %w", timeout, lastErr)
}

// === shared demo entry type ===

type orderMsg struct{ OrderID string }
type orderReply struct {
	OrderID string
	NodeID  string
	Seq     int
}

type orderEntry struct {
	nodeID string
	seq    atomic.Int32
	done   chan struct{}
}

func newOrderFactory(nodeID string, starts *atomic.Int32) sharding.EntryFactory {
	return func(context.Context, sharding.EntryId) (sharding.EntryHandle, error) {
		starts.Add(1)
		return &orderEntry{nodeID: nodeID, done: make(chan struct{})}, nil
	}
}

func (e *orderEntry) Deliver(_ context.Context, msgType string, data []byte) (any, error) {
	if msgType == stopMsgTypeName {
		e.Stop()
		return nil, nil
	}
	var in orderMsg
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return orderReply{OrderID: in.OrderID, NodeID: e.nodeID, Seq: int(e.seq.Add(1))}, nil
}

func (e *orderEntry) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *orderEntry) Done() <-chan struct{} { return e.done }

// passivatingOrderEntry behaves like orderEntry except its Done channel
// doesn't close until stopDelay after it receives the poison-pill: wide
// enough to reliably land a racing delivery inside the shard's passivating
// window instead of depending on however fast a real Stop happens to be.
type passivatingOrderEntry struct {
	nodeID    string
	seq       atomic.Int32
	done      chan struct{}
	stopDelay time.Duration
}

func newPassivatingOrderFactory(nodeID string, starts *atomic.Int32, stopDelay time.Duration) sharding.EntryFactory {
	return func(context.Context, sharding.EntryId) (sharding.EntryHandle, error) {
		starts.Add(1)
		return &passivatingOrderEntry{nodeID: nodeID, done: make(chan struct{}), stopDelay: stopDelay}, nil
	}
}

func (e *passivatingOrderEntry) Deliver(_ context.Context, msgType string, data []byte) (any, error) {
	if msgType == stopMsgTypeName {
		time.AfterFunc(e.stopDelay, e.Stop)
		return nil, nil
	}
	var in orderMsg
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	return orderReply{OrderID: in.OrderID, NodeID: e.nodeID, Seq: int(e.seq.Add(1))}, nil
}

func (e *passivatingOrderEntry) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *passivatingOrderEntry) Done() <-chan struct{} { return e.done }

func orderExtractor(msg sharding.Msg) (sharding.EntryId, sharding.Msg, bool) {
	m, ok := msg.(orderMsg)
	if !ok {
		return "", nil, false
	}
	return m.OrderID, m, true
}

// deliverOrder unwraps a Region.Deliver call's raw JSON reply for order
// entries, sparing every scenario the boilerplate.
func deliverOrder(ctx context.Context, region *sharding.Region, orderID string) (orderReply, error) {
	raw, err := region.Deliver(ctx, orderMsg{OrderID: orderID})
	if err != nil {
		return orderReply{}, err
	}
	var reply orderReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return orderReply{}, err
	}
	return reply, nil
}

// simNode is one simulated cluster member: its own Guardian sharing the
// scenario's transport, membership roster and event store with every other
// node.
type simNode struct {
	id       string
	guardian *sharding.Guardian
}

// newSimNode assembles a node through core/app.New, the same node bootstrap
// cmd/shardnode uses, rather than calling sharding.NewGuardian directly --
// several simNodes sharing one transport/store/roster is exactly the
// "everything in-memory except what the caller overrides" case app.New's
// defaulting exists for. It hands back the bare *sharding.Guardian so
// scenarios can call Start with their own per-scenario context, which
// App.StartType (bound to the App's own internal context) doesn't allow.
func newSimNode(log *slog.Logger, nodeID string, roster *membership.InMemory, transport cluster.Transport, store es.EventStore, cfg sharding.Config) *simNode {
	registry := es.NewRegistry()
	cfg.Role = "worker"
	nodeLog := log.With(slog.String("node", nodeID))

	roster.Join(nodeID, "worker")
	a, err := app.New(app.Config{
		Log: nodeLog,
		Node: app.NodeConfig{
			ID:         nodeID,
			Roles:      []string{"worker"},
			Transport:  transport,
			Membership: roster.For(nodeID),
			Registry:   registry,
			Store:      store,
			Sharding:   cfg,
		},
	})
	if err != nil {
		panic(fmt.Sprintf("shardsim: assemble node %s: %v", nodeID, err))
	}
	return &simNode{id: nodeID, guardian: a.Guardian()}
}

func demoConfig() sharding.Config {
	cfg := sharding.DefaultConfig()
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.CoordinatorFailureBackoff = 20 * time.Millisecond
	cfg.ShardFailureBackoff = 20 * time.Millisecond
	cfg.EntryRestartBackoff = 10 * time.Millisecond
	return cfg
}

func singleShardResolver(sharding.EntryId) sharding.ShardId { return "shard-A" }

// === 1. First-touch allocation ===

func scenarioFirstTouch(ctx context.Context, log *slog.Logger) error {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	store := es.NewInMemoryStore()
	cfg := demoConfig()

	r1 := newSimNode(log, "R1", roster, transport, store, cfg)
	defer r1.guardian.Stop()
	r2 := newSimNode(log, "R2", roster, transport, store, cfg)
	defer r2.guardian.Stop()

	starts := atomic.Int32{}
	// Separate, node-tagged factories so the reply's NodeID reveals which
	// region actually ended up hosting the shard.
	factory1 := newOrderFactory("R1", &starts)
	factory2 := newOrderFactory("R2", &starts)

	if _, err := r1.guardian.Start(ctx, "orders", factory1, orderExtractor, singleShardResolver); err != nil {
		return fmt.Errorf("start on R1: %w", err)
	}
	region2, err := r2.guardian.Start(ctx, "orders", factory2, orderExtractor, singleShardResolver)
	if err != nil {
		return fmt.Errorf("start on R2: %w", err)
	}

	var reply orderReply
	err = poll(2*time.Second, 10*time.Millisecond, func() error {
		reply, err = deliverOrder(ctx, region2, "A")
		return err
	})
	if err != nil {
		return fmt.Errorf("deliver via R2 never succeeded: %w", err)
	}
	if reply.OrderID != "A" {
		return fmt.Errorf("unexpected reply: %+v", reply)
	}
	// R1 registered first, so a tie between two freshly-registered regions
	// resolves to it: shard-A's home must be R1 regardless of which region
	// the request was routed through.
	if reply.NodeID != "R1" {
		return fmt.Errorf("expected shard-A to land on R1 (first-seen tie-break), got %+v", reply)
	}
	return nil
}

// === 2. Handoff on rebalance ===

func scenarioHandoff(ctx context.Context, log *slog.Logger) error {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	store := es.NewInMemoryStore()
	cfg := demoConfig()
	cfg.RebalanceInterval = 30 * time.Millisecond
	cfg.HandOffTimeout = 2 * time.Second
	cfg.LeastShardRebalanceThreshold = 1
	cfg.LeastShardMaxSimultaneousRebalance = 1

	// Multiple shards, one region, so the coordinator has something to move
	// once a second region joins.
	resolver := func(id sharding.EntryId) sharding.ShardId { return "shard-" + id }

	r1 := newSimNode(log, "R1", roster, transport, store, cfg)
	defer r1.guardian.Stop()

	starts := atomic.Int32{}
	factory := newOrderFactory("shared", &starts)

	region1, err := r1.guardian.Start(ctx, "orders", factory, orderExtractor, resolver)
	if err != nil {
		return fmt.Errorf("start on R1: %w", err)
	}
	for _, id := range []string{"A", "B"} {
		if err := poll(2*time.Second, 10*time.Millisecond, func() error {
			_, err := deliverOrder(ctx, region1, id)
			return err
		}); err != nil {
			return fmt.Errorf("seed shard %s on R1: %w", id, err)
		}
	}

	r2 := newSimNode(log, "R2", roster, transport, store, cfg)
	defer r2.guardian.Stop()
	region2, err := r2.guardian.Start(ctx, "orders", factory, orderExtractor, resolver)
	if err != nil {
		return fmt.Errorf("start on R2: %w", err)
	}

	// R1 hosts 2 shards, R2 hosts 0; a rebalance tick should hand one of
	// them (A or B) to R2. Poll from R2's own region: once R2 owns a shard
	// locally instead of forwarding, delivery succeeds without R1 involved.
	return poll(3*time.Second, 20*time.Millisecond, func() error {
		for _, id := range []string{"A", "B"} {
			if _, err := deliverOrder(ctx, region2, id); err == nil {
				return nil
			}
		}
		return errors.New("neither shard has moved to R2 yet")
	})
}

// === 3. Handoff timeout ===

func scenarioHandoffTimeout(ctx context.Context, log *slog.Logger) error {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	store := es.NewInMemoryStore()
	cfg := demoConfig()
	cfg.RebalanceInterval = 30 * time.Millisecond
	cfg.HandOffTimeout = 100 * time.Millisecond
	cfg.LeastShardRebalanceThreshold = 1
	cfg.LeastShardMaxSimultaneousRebalance = 1

	resolver := func(id sharding.EntryId) sharding.ShardId { return "shard-" + id }

	// An entry that never terminates: Stop is called but done is never
	// closed, so the Shard's handoff drain blocks until HandOffTimeout.
	stuck := func(context.Context, sharding.EntryId) (sharding.EntryHandle, error) {
		return &stuckEntry{}, nil
	}

	r1 := newSimNode(log, "R1", roster, transport, store, cfg)
	defer r1.guardian.Stop()
	region1, err := r1.guardian.Start(ctx, "orders", stuck, orderExtractor, resolver)
	if err != nil {
		return fmt.Errorf("start on R1: %w", err)
	}
	if err := poll(2*time.Second, 10*time.Millisecond, func() error {
		_, err := deliverOrder(ctx, region1, "A")
		return err
	}); err != nil {
		return fmt.Errorf("seed shard A on R1: %w", err)
	}

	r2 := newSimNode(log, "R2", roster, transport, store, cfg)
	defer r2.guardian.Stop()
	region2, err := r2.guardian.Start(ctx, "orders", stuck, orderExtractor, resolver)
	if err != nil {
		return fmt.Errorf("start on R2: %w", err)
	}

	// Give the coordinator several rebalance ticks and handoff timeouts to
	// try and fail to move shard A; it must remain reachable through R1
	// (proxied via R2, or directly) the whole time.
	deadline := time.Now().Add(1200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := deliverOrder(ctx, region2, "A"); err != nil {
			return fmt.Errorf("shard A became unreachable during a failed handoff: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

type stuckEntry struct{}

func (e *stuckEntry) Deliver(_ context.Context, _ string, data []byte) (any, error) {
	var in orderMsg
	_ = json.Unmarshal(data, &in)
	return orderReply{OrderID: in.OrderID, NodeID: "R1"}, nil
}
func (e *stuckEntry) Stop()                 {}
func (e *stuckEntry) Done() <-chan struct{} { return nil }

// === 4. Coordinator failover ===

func scenarioCoordinatorFailover(ctx context.Context, log *slog.Logger) error {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	store := es.NewInMemoryStore()
	cfg := demoConfig()

	r1 := newSimNode(log, "R1", roster, transport, store, cfg)
	defer r1.guardian.Stop()
	r2 := newSimNode(log, "R2", roster, transport, store, cfg)
	defer r2.guardian.Stop()

	starts := atomic.Int32{}
	factory := newOrderFactory("shared", &starts)

	region1, err := r1.guardian.Start(ctx, "orders", factory, orderExtractor, singleShardResolver)
	if err != nil {
		return fmt.Errorf("start on R1: %w", err)
	}
	region2, err := r2.guardian.Start(ctx, "orders", factory, orderExtractor, singleShardResolver)
	if err != nil {
		return fmt.Errorf("start on R2: %w", err)
	}

	if err := poll(2*time.Second, 10*time.Millisecond, func() error {
		_, err := deliverOrder(ctx, region1, "A")
		return err
	}); err != nil {
		return fmt.Errorf("initial allocation never landed: %w", err)
	}

	// R1 (oldest) leaves; R2 becomes oldest and must take over the
	// coordinator role and re-serve GetShardHome for the already-allocated
	// shard once it recovers persisted state.
	roster.Leave("R1")
	r1.guardian.Stop()

	return poll(3*time.Second, 20*time.Millisecond, func() error {
		_, err := deliverOrder(ctx, region2, "A")
		return err
	})
}

// === 5. Passivate with racing message ===

func scenarioPassivateRace(ctx context.Context, log *slog.Logger) error {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	store := es.NewInMemoryStore()
	cfg := demoConfig()
	cfg.PassivateIdleAfter = 40 * time.Millisecond
	cfg.PassivateCheckInterval = 10 * time.Millisecond

	r1 := newSimNode(log, "R1", roster, transport, store, cfg)
	defer r1.guardian.Stop()

	starts := atomic.Int32{}
	// stopDelay holds the entry in the shard's passivating state for 150ms
	// after it receives the poison-pill, opening a wide, reliable window in
	// which a racing delivery must land on a shard that is mid-passivation.
	const stopDelay = 150 * time.Millisecond
	factory := newPassivatingOrderFactory("R1", &starts, stopDelay)

	region, err := r1.guardian.Start(ctx, "orders", factory, orderExtractor, singleShardResolver)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	if err := poll(2*time.Second, 10*time.Millisecond, func() error {
		_, err := deliverOrder(ctx, region, "A")
		return err
	}); err != nil {
		return fmt.Errorf("first delivery never succeeded: %w", err)
	}
	firstStarts := starts.Load()

	// Wait past PassivateIdleAfter plus one check tick so the shard has
	// definitely begun passivating the entry, but well before stopDelay
	// lets it actually finish draining.
	time.Sleep(cfg.PassivateIdleAfter + cfg.PassivateCheckInterval + 20*time.Millisecond)

	reply, err := deliverOrder(ctx, region, "A")
	if err != nil {
		return fmt.Errorf("racing delivery during passivation was lost instead of buffered: %w", err)
	}
	if reply.OrderID != "A" {
		return fmt.Errorf("unexpected reply to racing delivery: %+v", reply)
	}
	if starts.Load() <= firstStarts {
		return fmt.Errorf("expected the racing delivery to have restarted the entry, starts=%d", starts.Load())
	}
	return nil
}

// === 6. Buffer overflow ===

func scenarioBufferOverflow(ctx context.Context, log *slog.Logger) error {
	transport := cluster.NewInMemoryTransport()
	roster := membership.NewInMemory()
	store := es.NewInMemoryStore()
	cfg := demoConfig()
	cfg.BufferSize = 10

	r1 := newSimNode(log, "R1", roster, transport, store, cfg)
	defer r1.guardian.Stop()

	starts := atomic.Int32{}
	factory := newOrderFactory("R1", &starts)
	resolver := func(sharding.EntryId) sharding.ShardId { return "shard-Z" }

	region, err := r1.guardian.Start(ctx, "orders", factory, orderExtractor, resolver)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	// Fire a burst of concurrent deliveries for the still-unallocated shard
	// "Z" all at once. The region's own mailbox serializes them one at a
	// time behind the coordinator round trip and shard startup, so the
	// buffer fills and the tail of the burst must be rejected with
	// ErrBufferFull rather than blocking or growing unbounded.
	const burst = 40
	var wg sync.WaitGroup
	var overflowCount atomic.Int32
	wg.Add(burst)
	for i := 0; i < burst; i++ {
		go func() {
			defer wg.Done()
			if _, err := region.Deliver(ctx, orderMsg{OrderID: "Z"}); errors.Is(err, sharding.ErrBufferFull) {
				overflowCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if overflowCount.Load() == 0 {
		return fmt.Errorf("expected buffer overflow under a %d-message burst against bufferSize=%d, saw none", burst, cfg.BufferSize)
	}

	// Delivery must recover afterwards: once the shard is allocated,
	// subsequent messages flow normally.
	return poll(2*time.Second, 10*time.Millisecond, func() error {
		_, err := deliverOrder(ctx, region, "Z")
		return err
	})
}

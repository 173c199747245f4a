package sharding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/es"
	"github.com/codewandler/shardkeeper/core/membership"
	"github.com/codewandler/shardkeeper/core/sf"
)

// GuardianDeps bundles the collaborators a Guardian shares across every
// entry type started on this node. CoordinatorRepo and ShardEntriesRepo are
// shared too: both aggregates key their identity by (type name, ...), not
// by a repository instance per type.
type GuardianDeps struct {
	NodeID string

	Transport        cluster.Transport
	Membership       membership.Membership
	CoordinatorRepo  es.TypedRepository[*CoordinatorState]
	Snapshotter      es.Snapshotter
	ShardEntriesRepo es.TypedRepository[*ShardEntriesState]

	Config  Config
	Metrics Metrics
	Log     *slog.Logger

	// DeadLetters receives every message this node's regions and shards drop
	// on caller error or buffer exhaustion, across every started type. Nil
	// leaves the log warning each drop already emits as the only record.
	DeadLetters DeadLetterSink
}

// Guardian is a node's local registry of started entry types: for each one
// it runs a Region unconditionally and a coordinator singleton conditionally
// on this node currently being the oldest cluster member matching the
// type's role.
type Guardian struct {
	deps GuardianDeps
	log  *slog.Logger
	sf   *sf.Singleflight[startedType]

	mu    sync.Mutex
	types map[TypeName]*startedType
}

type startedType struct {
	region     *Region
	supervisor *CoordinatorSupervisor
	cancel     context.CancelFunc
}

// NewGuardian builds a Guardian. deps.Metrics and deps.Log default like
// every other component in this package if left zero.
func NewGuardian(deps GuardianDeps) *Guardian {
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Guardian{
		deps:  deps,
		log:   deps.Log.With(slog.String("component", "guardian"), slog.String("guardian", deps.Config.GuardianName)),
		sf:    sf.New[startedType](),
		types: map[TypeName]*startedType{},
	}
}

// Start registers typeName on this node: it starts a local Region
// immediately (hosting if factory is non-nil, proxying otherwise) and, in
// the background, arms a coordinator singleton manager that runs the
// coordinator here only while this node is the oldest cluster member with
// the type's role. Start is idempotent and safe to call concurrently from
// multiple goroutines for the same typeName; only the first call does any
// work, the rest observe its result.
func (g *Guardian) Start(
	ctx context.Context,
	typeName TypeName,
	factory EntryFactory,
	extractor IdExtractor,
	resolver ShardResolver,
	opts ...StartOption,
) (*Region, error) {
	g.mu.Lock()
	if existing, ok := g.types[typeName]; ok {
		g.mu.Unlock()
		return existing.region, nil
	}
	g.mu.Unlock()

	started, err := g.sf.Do(typeName, func() (*startedType, error) {
		return g.start(ctx, typeName, factory, extractor, resolver, opts...)
	})
	if err != nil {
		return nil, err
	}
	return started.region, nil
}

func (g *Guardian) start(
	ctx context.Context,
	typeName TypeName,
	factory EntryFactory,
	extractor IdExtractor,
	resolver ShardResolver,
	opts ...StartOption,
) (*startedType, error) {
	o := newStartOpts(opts...)
	cfg := g.deps.Config
	if o.Role != "" {
		cfg.Role = o.Role
	}

	stopMsgData, err := json.Marshal(o.StopMessage)
	if err != nil {
		return nil, fmt.Errorf("sharding: encode stop message: %w", err)
	}

	region, err := NewRegion(ctx, RegionDeps{
		TypeName:        typeName,
		NodeID:          g.deps.NodeID,
		Transport:       g.deps.Transport,
		Config:          cfg,
		Metrics:         g.deps.Metrics,
		Log:             g.deps.Log,
		Factory:         factory,
		RememberEntries: o.RememberEntries,
		Repo:            g.deps.ShardEntriesRepo,
		Snapshotter:     g.deps.Snapshotter,
		StopMsgType:     msgTypeOf(o.StopMessage),
		StopMsgData:     stopMsgData,
		DeadLetters:     g.deps.DeadLetters,
	}, extractor, resolver)
	if err != nil {
		return nil, fmt.Errorf("sharding: start region for %s: %w", typeName, err)
	}

	supervisor := NewCoordinatorSupervisor(func() CoordinatorDeps {
		return CoordinatorDeps{
			TypeName:    typeName,
			Config:      cfg,
			Repo:        g.deps.CoordinatorRepo,
			Snapshotter: g.deps.Snapshotter,
			Transport:   g.deps.Transport,
			Membership:  g.deps.Membership,
			Allocation:  o.Allocation,
			Metrics:     g.deps.Metrics,
			Log:         g.deps.Log,
		}
	}, g.deps.Transport, g.deps.Log)

	singletonCtx, cancel := context.WithCancel(ctx)
	go g.runSingletonManager(singletonCtx, typeName, cfg.Role, supervisor)

	st := &startedType{region: region, supervisor: supervisor, cancel: cancel}

	g.mu.Lock()
	g.types[typeName] = st
	g.mu.Unlock()

	g.log.Info("entry type started", slog.String("type_name", typeName), slog.String("role", cfg.Role))
	return st, nil
}

// runSingletonManager toggles the coordinator singleton for typeName on and
// off as cluster membership changes, running it only on the oldest member
// matching role.
func (g *Guardian) runSingletonManager(ctx context.Context, typeName TypeName, role string, sup *CoordinatorSupervisor) {
	log := g.log.With(slog.String("type_name", typeName))

	check := func() {
		self := g.deps.Membership.Self()
		if !self.HasRole(role) {
			sup.Stop()
			return
		}
		oldest, ok := membership.Oldest(g.deps.Membership, role)
		if ok && oldest.ID == self.ID {
			if err := sup.Start(ctx); err != nil {
				log.Error("failed to start coordinator singleton", slog.Any("error", err))
			}
			return
		}
		sup.Stop()
	}

	check()

	events, err := g.deps.Membership.Subscribe(ctx)
	if err != nil {
		log.Error("membership subscribe failed", slog.Any("error", err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			sup.Stop()
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			check()
		}
	}
}

// Region returns the previously-started region for typeName.
func (g *Guardian) Region(typeName TypeName) (*Region, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.types[typeName]
	if !ok {
		return nil, ErrShardTypeNotStarted
	}
	return st.region, nil
}

// Stop tears down every started type: its region, and its coordinator
// singleton manager if running here.
func (g *Guardian) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, st := range g.types {
		st.cancel()
		st.supervisor.Stop()
		st.region.Stop()
		delete(g.types, name)
	}
}

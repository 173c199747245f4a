package app

import (
	"context"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/es"
	"github.com/codewandler/shardkeeper/core/membership"
	"github.com/codewandler/shardkeeper/core/sharding"
)

// NodeConfig describes the node-wide collaborators a sharded process needs.
// Anything left zero gets an in-memory, single-process default, so App is
// usable both in cmd/shardnode (real NATS transport, real membership) and
// in tests/demos (everything in-memory).
type NodeConfig struct {
	ID    string
	Roles []string

	Transport   cluster.Transport
	Membership  membership.Membership
	Registry    *es.EventRegistry
	Store       es.EventStore
	Snapshotter es.Snapshotter

	Sharding sharding.Config
	Metrics  sharding.Metrics
}

// Config configures an App.
type Config struct {
	Context context.Context
	Log     *slog.Logger
	Node    NodeConfig
}

// App is a running sharded node: it owns the Guardian that starts and
// supervises every entry type registered on it, plus the collaborators
// every type shares.
type App struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	guardian  *sharding.Guardian
}

// New assembles an App from config, defaulting every unset collaborator.
func New(config Config) (*App, error) {
	node := config.Node
	if node.ID == "" {
		node.ID = fmt.Sprintf("node-%s", gonanoid.Must(6))
	}

	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("node", node.ID))

	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	appCtx, cancel := context.WithCancel(ctx)

	if node.Transport == nil {
		node.Transport = cluster.NewInMemoryTransport()
	}
	if node.Membership == nil {
		roster := membership.NewInMemory()
		roster.Join(node.ID, node.Roles...)
		node.Membership = roster.For(node.ID)
	}
	if node.Registry == nil {
		node.Registry = es.NewRegistry()
	}
	if node.Store == nil {
		node.Store = es.NewInMemoryStore()
	}
	if node.Sharding.GuardianName == "" {
		node.Sharding = sharding.DefaultConfig()
	}
	if len(node.Roles) > 0 && node.Sharding.Role == "" {
		node.Sharding.Role = node.Roles[0]
	}

	// The coordinator and shard-entry aggregates must be registered on
	// whatever registry the caller supplies before the first repository
	// load, the same way any other es.TypedRepository consumer registers
	// its own aggregate's event types.
	sharding.NewCoordinatorState("").Register(node.Registry)
	sharding.NewShardEntriesState().Register(node.Registry)

	guardian := sharding.NewGuardian(sharding.GuardianDeps{
		NodeID:           node.ID,
		Transport:        node.Transport,
		Membership:       node.Membership,
		CoordinatorRepo:  es.NewTypedRepository[*sharding.CoordinatorState](log, node.Store, node.Registry),
		Snapshotter:      node.Snapshotter,
		ShardEntriesRepo: es.NewTypedRepository[*sharding.ShardEntriesState](log, node.Store, node.Registry),
		Config:           node.Sharding,
		Metrics:          node.Metrics,
		Log:              log,
	})

	return &App{ctx: appCtx, cancelCtx: cancel, log: log, guardian: guardian}, nil
}

// StartType starts an entry type on this node, see [sharding.Guardian.Start].
func (a *App) StartType(
	typeName sharding.TypeName,
	factory sharding.EntryFactory,
	extractor sharding.IdExtractor,
	resolver sharding.ShardResolver,
	opts ...sharding.StartOption,
) (*sharding.Region, error) {
	return a.guardian.Start(a.ctx, typeName, factory, extractor, resolver, opts...)
}

// Guardian returns the node's Guardian, for callers that need lower-level
// access (looking up an already-started Region by type name, for example).
func (a *App) Guardian() *sharding.Guardian { return a.guardian }

// Stop tears down every entry type started on this node.
func (a *App) Stop() {
	a.guardian.Stop()
	a.cancelCtx()
}

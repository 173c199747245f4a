package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/shardkeeper/core/actor/v2"
	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/es"
	"github.com/codewandler/shardkeeper/core/membership"
)

// CoordinatorDeps bundles the Shard Coordinator's collaborators. Callers
// build one CoordinatorDeps per typeName and hand it to NewCoordinator; the
// coordinator singleton itself is placed on a node by the Guardian, not by
// this package.
type CoordinatorDeps struct {
	TypeName   TypeName
	Config     Config
	Repo       es.TypedRepository[*CoordinatorState]
	Snapshotter es.Snapshotter
	Transport  cluster.ClientTransport
	Membership membership.Membership
	Allocation AllocationStrategy
	Metrics    Metrics
	Log        *slog.Logger

	// OnPersistenceFailure, if set, is called whenever a Save against Repo
	// fails. A CoordinatorSupervisor uses this to trigger a restart.
	OnPersistenceFailure func(error)
}

// coordinator is the actor-side state for the Shard Coordinator: a single-
// threaded unit closing over the persistent CoordinatorState aggregate plus
// the runtime bookkeeping (in-flight rebalances, pending host confirmations)
// that never gets persisted.
type coordinator struct {
	deps  CoordinatorDeps
	log   *slog.Logger
	state *CoordinatorState

	// inProgress tracks shards currently being rebalanced, so the allocation
	// strategy never picks the same shard twice concurrently.
	inProgress map[ShardId]bool
	// awaitingStart tracks shards allocated but not yet confirmed via
	// ShardStarted, so the resend loop can tell a stale timer from a live one.
	awaitingStart map[ShardId]RegionRef
}

// NewCoordinator loads or creates the coordinator's persistent state and
// starts its actor. The caller is responsible for subscribing the returned
// actor at CoordinatorAddress(deps.TypeName) on the transport its regions
// use, and for stopping it when this node loses the coordinator role.
func NewCoordinator(ctx context.Context, deps CoordinatorDeps) (actor.Actor, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	if deps.Allocation == nil {
		deps.Allocation = NewLeastShardAllocationStrategy(deps.Config)
	}
	log := deps.Log.With(slog.String("component", "coordinator"), slog.String("type_name", deps.TypeName))

	state, err := deps.Repo.GetOrCreate(ctx, deps.TypeName)
	if err != nil {
		return nil, fmt.Errorf("load coordinator state: %w", err)
	}

	c := &coordinator{
		deps:          deps,
		log:           log,
		state:         state,
		inProgress:    map[ShardId]bool{},
		awaitingStart: map[ShardId]RegionRef{},
	}

	act := actor.TypedHandlers(
		actor.Init(c.onInit),
		actor.HandleRequest[Register, RegisterAck](c.handleRegister),
		actor.HandleRequest[RegisterProxy, RegisterAck](c.handleRegisterProxy),
		actor.HandleRequest[GetShardHome, ShardHome](c.handleGetShardHome),
		actor.HandleMsg[ShardStarted](c.handleShardStarted),
		actor.HandleMsg[ResendShardHost](c.handleResendShardHost),
		actor.HandleMsg[Terminated](c.handleTerminated),
		actor.HandleMsg[RebalanceDone](c.handleRebalanceDone),
		actor.HandleEvery(deps.Config.RebalanceInterval, c.onRebalanceTick),
		actor.HandleEvery(deps.Config.SnapshotInterval, c.onSnapshotTick),
	).ToActor(actor.Options{Context: ctx, Logger: log})

	return act, nil
}

// save persists c.state, reporting any failure through
// deps.OnPersistenceFailure so a CoordinatorSupervisor can restart this
// coordinator rather than let it run with a stale or diverging in-memory
// state.
func (c *coordinator) save(hc actor.HandlerCtx) error {
	err := c.deps.Repo.Save(hc, c.state)
	if err != nil && c.deps.OnPersistenceFailure != nil {
		c.deps.OnPersistenceFailure(err)
	}
	return err
}

func (c *coordinator) onInit(hc actor.HandlerCtx) error {
	c.log.Info("coordinator started",
		slog.Int("regions", c.state.RegionCount()),
		slog.Int("unallocated", len(c.state.UnallocatedShards())))

	for shardID, region := range c.state.AllShards() {
		c.trackAwaitingStart(hc, shardID, region)
	}

	hc.Schedule(func() { c.watchMembership(hc) })
	hc.Schedule(func() { c.allocateUnallocated(hc) })
	return nil
}

func (c *coordinator) watchMembership(hc actor.HandlerCtx) {
	events, err := c.deps.Membership.Subscribe(hc)
	if err != nil {
		c.log.Error("membership subscribe failed", slog.Any("error", err))
		return
	}
	for {
		select {
		case <-hc.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != membership.MemberRemoved || !ev.Member.HasRole(c.deps.Config.Role) {
				continue
			}
			ref := RegionAddress(c.deps.TypeName, ev.Member.ID)
			if err := hc.Send(context.Background(), Terminated{Ref: ref}); err != nil {
				c.log.Warn("failed to deliver termination", slog.Any("error", err))
			}
		}
	}
}

func (c *coordinator) handleRegister(hc actor.HandlerCtx, in Register) (*RegisterAck, error) {
	if c.state.IsKnownProxy(in.Region) {
		return nil, ErrAlreadyRegistered
	}
	if !c.state.IsKnownRegion(in.Region) {
		if err := es.RaiseAndApply(c.state, &ShardRegionRegistered{Region: in.Region}); err != nil {
			return nil, err
		}
		if err := c.save(hc); err != nil {
			return nil, err
		}
		c.log.Info("region registered", slog.String("region", in.Region))
	}
	hc.Schedule(func() { c.allocateUnallocated(hc) })
	return &RegisterAck{Coordinator: CoordinatorAddress(c.deps.TypeName)}, nil
}

func (c *coordinator) handleRegisterProxy(hc actor.HandlerCtx, in RegisterProxy) (*RegisterAck, error) {
	if c.state.IsKnownRegion(in.Region) {
		return nil, ErrAlreadyRegistered
	}
	if !c.state.IsKnownProxy(in.Region) {
		if err := es.RaiseAndApply(c.state, &ShardRegionProxyRegistered{Region: in.Region}); err != nil {
			return nil, err
		}
		if err := c.save(hc); err != nil {
			return nil, err
		}
		c.log.Info("region proxy registered", slog.String("region", in.Region))
	}
	return &RegisterAck{Coordinator: CoordinatorAddress(c.deps.TypeName)}, nil
}

func (c *coordinator) handleGetShardHome(hc actor.HandlerCtx, in GetShardHome) (*ShardHome, error) {
	if in.ShardId == "" {
		return nil, ErrShardIDRequired
	}
	if c.inProgress[in.ShardId] {
		return nil, ErrRebalanceInProgress
	}
	if region, ok := c.state.RegionOf(in.ShardId); ok {
		return &ShardHome{ShardId: in.ShardId, Region: region}, nil
	}

	region, err := c.deps.Allocation.Allocate(in.Requester, in.ShardId, c.state.Allocations())
	if err != nil {
		return nil, err
	}
	if err := es.RaiseAndApply(c.state, &ShardHomeAllocated{ShardId: in.ShardId, Region: region}); err != nil {
		return nil, err
	}
	if err := c.save(hc); err != nil {
		return nil, err
	}
	c.deps.Metrics.ShardHomeAllocated(c.deps.TypeName)
	c.log.Info("shard home allocated", slog.String("shard_id", in.ShardId), slog.String("region", region))

	c.trackAwaitingStart(hc, in.ShardId, region)
	return &ShardHome{ShardId: in.ShardId, Region: region}, nil
}

// trackAwaitingStart sends HostShard to region and keeps resending it every
// RetryInterval until a matching ShardStarted arrives.
func (c *coordinator) trackAwaitingStart(hc actor.HandlerCtx, shardID ShardId, region RegionRef) {
	c.awaitingStart[shardID] = region
	c.sendHostShard(hc, shardID, region)
	c.scheduleResend(hc, shardID, region)
}

func (c *coordinator) sendHostShard(hc actor.HandlerCtx, shardID ShardId, region RegionRef) {
	hc.Schedule(func() {
		if err := notify(context.Background(), c.deps.Transport, region, HostShard{ShardId: shardID}); err != nil {
			c.log.Warn("host shard failed", slog.String("shard_id", shardID), slog.String("region", region), slog.Any("error", err))
		}
	})
}

func (c *coordinator) scheduleResend(hc actor.HandlerCtx, shardID ShardId, region RegionRef) {
	time.AfterFunc(c.deps.Config.ShardStartTimeout, func() {
		_ = hc.Send(context.Background(), ResendShardHost{ShardId: shardID, Region: region})
	})
}

func (c *coordinator) handleResendShardHost(hc actor.HandlerCtx, in ResendShardHost) error {
	region, ok := c.awaitingStart[in.ShardId]
	if !ok || region != in.Region {
		return nil // already confirmed, or reassigned since
	}
	c.sendHostShard(hc, in.ShardId, in.Region)
	c.scheduleResend(hc, in.ShardId, in.Region)
	return nil
}

func (c *coordinator) handleShardStarted(_ actor.HandlerCtx, in ShardStarted) error {
	delete(c.awaitingStart, in.ShardId)
	c.log.Debug("shard started", slog.String("shard_id", in.ShardId), slog.String("region", in.Region))
	return nil
}

func (c *coordinator) handleTerminated(hc actor.HandlerCtx, in Terminated) error {
	switch {
	case c.state.IsKnownRegion(in.Ref):
		if err := es.RaiseAndApply(c.state, &ShardRegionTerminated{Region: in.Ref}); err != nil {
			return err
		}
	case c.state.IsKnownProxy(in.Ref):
		if err := es.RaiseAndApply(c.state, &ShardRegionProxyTerminated{Region: in.Ref}); err != nil {
			return err
		}
	default:
		return nil
	}
	if err := c.save(hc); err != nil {
		return err
	}
	c.log.Info("region terminated", slog.String("region", in.Ref))
	hc.Schedule(func() { c.allocateUnallocated(hc) })
	return nil
}

func (c *coordinator) allocateUnallocated(hc actor.HandlerCtx) {
	for _, shardID := range c.state.UnallocatedShards() {
		msg := GetShardHome{ShardId: shardID, Requester: CoordinatorAddress(c.deps.TypeName)}
		if err := hc.Send(context.Background(), msg); err != nil {
			c.log.Warn("failed to trigger allocation", slog.String("shard_id", shardID), slog.Any("error", err))
		}
	}
}

func (c *coordinator) onRebalanceTick(hc actor.HandlerCtx) error {
	if !c.state.HasRegions() {
		return nil
	}
	inProgress := make([]ShardId, 0, len(c.inProgress))
	for sid := range c.inProgress {
		inProgress = append(inProgress, sid)
	}

	for _, shardID := range c.deps.Allocation.Rebalance(c.state.Allocations(), inProgress) {
		owner, ok := c.state.RegionOf(shardID)
		if !ok || c.inProgress[shardID] {
			continue
		}
		c.inProgress[shardID] = true
		c.deps.Metrics.RebalanceStarted(c.deps.TypeName)

		regions := c.state.AllRegions()
		log, transport, timeout := c.log, c.deps.Transport, c.deps.Config.HandOffTimeout
		hc.Schedule(func() {
			runRebalanceWorker(context.Background(), log, transport, shardID, owner, regions, timeout, func(rd RebalanceDone) {
				if err := hc.Send(context.Background(), rd); err != nil {
					log.Warn("failed to report rebalance result", slog.Any("error", err))
				}
			})
		})
	}
	return nil
}

func (c *coordinator) handleRebalanceDone(hc actor.HandlerCtx, in RebalanceDone) error {
	delete(c.inProgress, in.ShardId)
	c.deps.Metrics.RebalanceCompleted(c.deps.TypeName, in.Ok)
	if !in.Ok {
		c.log.Warn("rebalance failed", slog.String("shard_id", in.ShardId))
		return nil
	}
	if err := es.RaiseAndApply(c.state, &ShardHomeDeallocated{ShardId: in.ShardId}); err != nil {
		return err
	}
	if err := c.save(hc); err != nil {
		return err
	}
	c.log.Info("shard rebalanced", slog.String("shard_id", in.ShardId))
	hc.Schedule(func() { c.allocateUnallocated(hc) })
	return nil
}

func (c *coordinator) onSnapshotTick(hc actor.HandlerCtx) error {
	if c.deps.Snapshotter == nil {
		return nil
	}
	ss, err := es.CreateSnapshot(c.state)
	if err != nil {
		return err
	}
	if err := c.deps.Snapshotter.SaveSnapshot(hc, ss); err != nil {
		return err
	}
	c.log.Debug("coordinator snapshot written", slog.Uint64("seq", ss.StreamSeq))
	return nil
}

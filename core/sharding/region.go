package sharding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/shardkeeper/core/actor/v2"
	"github.com/codewandler/shardkeeper/core/cluster"
	"github.com/codewandler/shardkeeper/core/es"
)

// shardHostedMsg reports that a local Shard actor for ShardId has finished
// starting up, so its handler can fold the result into region state without
// racing the goroutine that created it. The actor.Actor handle itself is
// stored into hostedShards by the same goroutine that created it, before
// this message is even sent: hc.Send round-trips its payload through JSON,
// and actor.Actor is a non-empty interface, which encoding/json cannot
// decode back into.
type shardHostedMsg struct {
	ShardId ShardId
}

// shardFullyStoppedMsg reports that a local shard has fully drained.
type shardFullyStoppedMsg struct{ ShardId ShardId }

// shardResolvedMsg folds a background resolveLoop's coordinator answer into
// the region's own shardHome cache. Sent via actor.Publish so the mutation
// happens on the mailbox goroutine like every other shardHome write, even
// though the resolution attempt that produced it ran off-mailbox.
type shardResolvedMsg struct {
	ShardId ShardId
	Region  RegionRef
}

// routeWaiter is a caller of Region.Deliver parked on an unresolved shard.
// wake releases it to retry its RouteEntry request; done is closed once that
// retry has actually completed, so flushShard can release the next waiter
// for the same shard only after the previous one has been fully replayed,
// preserving arrival order.
type routeWaiter struct {
	wake chan struct{}
	done chan struct{}
}

// RegionDeps bundles a Region's collaborators and identity.
type RegionDeps struct {
	TypeName TypeName
	NodeID   string

	Transport cluster.Transport
	Config    Config
	Metrics   Metrics
	Log       *slog.Logger

	// Factory is nil for a proxy-only region: it never hosts shards itself,
	// only forwards to regions that do.
	Factory         EntryFactory
	RememberEntries bool
	Repo            es.TypedRepository[*ShardEntriesState]
	Snapshotter     es.Snapshotter
	StopMsgType     string
	StopMsgData     []byte

	// DeadLetters receives messages dropped on caller error or buffer
	// exhaustion. See [DeadLetterSink].
	DeadLetters DeadLetterSink
}

// region is the per-node router: it hosts local Shard actors, forwards
// traffic for shards owned elsewhere, and keeps the coordinator apprised of
// its own liveness through periodic re-registration.
type region struct {
	deps RegionDeps
	self RegionRef
	log  *slog.Logger

	act actor.Actor

	// hostedShards and handoffWaiters are read from outside the actor's own
	// mailbox goroutine, by serveHandOff, so they use sync.Map rather than a
	// plain map guarded by mailbox serialization.
	hostedShards   sync.Map // ShardId -> actor.Actor
	handoffWaiters sync.Map // ShardId -> chan struct{}

	// shardHome is only ever touched from within the actor's own handlers
	// (handleShardResolved, handleShardHosted, handleShardFullyStopped,
	// handleBeginHandOff), so a plain map is safe there.
	shardHome map[ShardId]RegionRef

	// routeMu guards the region-wide routing buffer: callers of Deliver run
	// on their own goroutines, never the mailbox, so this can't piggyback on
	// mailbox serialization the way shardHome does. resolving dedupes
	// concurrent callers piling onto the same unresolved shard into a single
	// background resolveLoop.
	routeMu     sync.Mutex
	shardQueue  map[ShardId][]*routeWaiter
	resolving   map[ShardId]bool
	queuedTotal int

	registered atomic.Bool
}

// Region is the public handle to a running region: application code
// delivers messages through it and never touches the underlying actor.
type Region struct {
	r    *region
	sub  cluster.Subscription
	self RegionRef

	extractor IdExtractor
	resolver  ShardResolver
}

// NewRegion starts a Region for typeName on this node and subscribes it at
// its own transport address. extractor and resolver together implement the
// application's entry addressing scheme; see [IdExtractor] and
// [ShardResolver].
func NewRegion(ctx context.Context, deps RegionDeps, extractor IdExtractor, resolver ShardResolver) (*Region, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	self := RegionAddress(deps.TypeName, deps.NodeID)
	log := deps.Log.With(slog.String("component", "region"), slog.String("region", self))

	r := &region{
		deps:       deps,
		self:       self,
		log:        log,
		shardHome:  map[ShardId]RegionRef{},
		shardQueue: map[ShardId][]*routeWaiter{},
		resolving:  map[ShardId]bool{},
	}

	act := actor.TypedHandlers(
		actor.Init(r.onInit),
		actor.HandleRequest[RouteEntry, RouteEntryResult](r.handleRouteEntry),
		actor.HandleMsg[HostShard](r.handleHostShard),
		actor.HandleMsg[shardHostedMsg](r.handleShardHosted),
		actor.HandleMsg[shardFullyStoppedMsg](r.handleShardFullyStopped),
		actor.HandleMsg[shardResolvedMsg](r.handleShardResolved),
		actor.HandleRequest[BeginHandOff, BeginHandOffAck](r.handleBeginHandOff),
		actor.HandleEvery(deps.Config.RetryInterval, r.onRetryTick),
	).ToActor(actor.Options{Context: ctx, Logger: log})
	r.act = act

	sub, err := deps.Transport.Subscribe(ctx, self, r.serve)
	if err != nil {
		act.Stop()
		return nil, fmt.Errorf("sharding: subscribe region %s: %w", self, err)
	}

	return &Region{r: r, sub: sub, self: self, extractor: extractor, resolver: resolver}, nil
}

// Address returns this region's transport address.
func (rg *Region) Address() RegionRef { return rg.self }

// Stop unsubscribes the region and stops its actor, without draining any
// shards it hosts; use the coordinator's rebalance/handoff protocol for a
// graceful departure instead.
func (rg *Region) Stop() {
	if rg.sub != nil {
		_ = rg.sub.Unsubscribe()
	}
	rg.r.act.Stop()
}

// Deliver extracts an entry id and shard id from msg and routes it to
// wherever that entry currently lives, starting it if necessary. The reply
// is the entry's JSON-encoded response.
func (rg *Region) Deliver(ctx context.Context, msg Msg) (json.RawMessage, error) {
	id, payload, ok := rg.extractor(msg)
	if !ok || id == "" {
		rg.r.log.Warn("dropping message to dead letters: caller error", slog.Any("error", ErrEntryIDRequired))
		rg.r.deadLetter(DeadLetter{TypeName: rg.r.deps.TypeName, Reason: ErrEntryIDRequired})
		return nil, ErrEntryIDRequired
	}
	shardID := rg.resolver(id)
	if shardID == "" {
		rg.r.log.Warn("dropping message to dead letters: caller error",
			slog.String("entry_id", id), slog.Any("error", ErrShardIDRequired))
		rg.r.deadLetter(DeadLetter{TypeName: rg.r.deps.TypeName, EntryId: id, Reason: ErrShardIDRequired})
		return nil, ErrShardIDRequired
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sharding: encode message: %w", err)
	}
	return rg.r.routeOrBuffer(ctx, RouteEntry{
		ShardId: shardID,
		EntryId: id,
		MsgType: msgTypeOf(payload),
		Data:    data,
	})
}

func (r *region) coordinatorAddr() string { return CoordinatorAddress(r.deps.TypeName) }

func (r *region) onInit(hc actor.HandlerCtx) error {
	hc.Schedule(func() { r.tryRegister(context.Background()) })
	return nil
}

func (r *region) tryRegister(ctx context.Context) {
	var msg any = Register{Region: r.self}
	if r.deps.Factory == nil {
		msg = RegisterProxy{Region: r.self}
	}
	ack, err := request[RegisterAck](ctx, r.deps.Transport, r.coordinatorAddr(), msg)
	if err != nil {
		r.log.Debug("coordinator registration failed, will retry", slog.Any("error", err))
		return
	}
	r.registered.Store(true)
	r.log.Info("registered with coordinator", slog.String("coordinator", ack.Coordinator))
}

func (r *region) onRetryTick(hc actor.HandlerCtx) error {
	if r.registered.Load() {
		return nil
	}
	hc.Schedule(func() { r.tryRegister(context.Background()) })
	return nil
}

// handleRouteEntry is the hot path. A shard hosted locally is dispatched to
// directly; a shard with a cached remote home is forwarded over the
// transport. Everything here runs synchronously within the region's own
// handler, so the region blocks for the duration of a downstream call the
// same way a Shard blocks for the duration of an entry's own handler -- one
// message in flight at a time, in exchange for a materially simpler
// implementation.
//
// A shard with no known home yet -- never resolved, or known to be this
// region but not finished starting -- can't simply be resolved inline: a
// coordinator round trip run from this handler would block the mailbox
// against the very HostShard/shardHosted completion that would unblock it.
// ErrShardUnresolved tells the caller (routeOrBuffer, which never runs on
// this mailbox) to buffer the request and retry once shardHome catches up.
func (r *region) handleRouteEntry(hc actor.HandlerCtx, in RouteEntry) (*RouteEntryResult, error) {
	if actv, ok := r.hostedShards.Load(in.ShardId); ok {
		res, err := actor.Request[ShardDeliver, ShardDeliverResult](hc, actv.(actor.Actor), ShardDeliver{
			EntryId: in.EntryId,
			MsgType: in.MsgType,
			Data:    in.Data,
		})
		if err != nil {
			return nil, err
		}
		return &RouteEntryResult{Data: res.Data}, nil
	}

	home, ok := r.shardHome[in.ShardId]
	if !ok {
		return nil, ErrShardUnresolved
	}
	if home == r.self {
		// The coordinator says we own it but the local Shard actor hasn't
		// finished starting yet; the caller buffers and retries.
		return nil, ErrShardUnresolved
	}

	res, err := request[RouteEntryResult](hc, r.deps.Transport, home, in)
	if err != nil {
		delete(r.shardHome, in.ShardId)
		// cluster.MemoryTransport.Request reconstructs a remote handler's
		// error from a plain string, so ErrShardUnresolved's identity doesn't
		// survive the round trip intact. Recognize it by message so a peer
		// that itself hasn't finished starting the shard still buffers here
		// instead of surfacing a bare error to our own caller.
		if remoteUnresolved(err) {
			return nil, ErrShardUnresolved
		}
		return nil, err
	}
	return res, nil
}

// remoteUnresolved reports whether err is (or wraps, or was reconstructed
// from the wire encoding of) ErrShardUnresolved.
func remoteUnresolved(err error) bool {
	if errors.Is(err, ErrShardUnresolved) {
		return true
	}
	return strings.Contains(err.Error(), ErrShardUnresolved.Error())
}

// routeOrBuffer is Region.Deliver's actual implementation, running on the
// caller's own goroutine rather than the region's mailbox. It retries
// handleRouteEntry until it gets a definitive answer; on ErrShardUnresolved
// it parks behind a routeWaiter (bounded by Config.BufferSize, region-wide,
// matching the ordered (Msg, SenderRef) buffer the data model calls for)
// instead of returning the transient error straight to the caller, the way
// shard.go's bufferDeliver holds a delivery for a passivating entry rather
// than rejecting it outright.
func (r *region) routeOrBuffer(ctx context.Context, req RouteEntry) (json.RawMessage, error) {
	var w *routeWaiter
	for {
		res, err := actor.Request[RouteEntry, RouteEntryResult](ctx, r.act, req)
		if w != nil {
			close(w.done)
			w = nil
		}
		if err == nil {
			return res.Data, nil
		}
		if !errors.Is(err, ErrShardUnresolved) {
			return nil, err
		}

		nw, ok := r.admitWaiter(req.ShardId)
		if !ok {
			r.log.Warn("region buffer full, dropping message to dead letters",
				slog.String("shard_id", req.ShardId), slog.String("entry_id", req.EntryId))
			r.deadLetter(DeadLetter{
				TypeName: r.deps.TypeName, ShardId: req.ShardId, EntryId: req.EntryId,
				MsgType: req.MsgType, Data: req.Data, Reason: ErrBufferFull,
			})
			return nil, ErrBufferFull
		}
		w = nw

		select {
		case <-w.wake:
		case <-ctx.Done():
			r.abandonWaiter(req.ShardId, w)
			return nil, ctx.Err()
		case <-r.act.Done():
			r.abandonWaiter(req.ShardId, w)
			return nil, ErrRegionStopped
		}
	}
}

// admitWaiter queues a waiter for shardID, bounded by Config.BufferSize
// summed across every shard, and kicks off a background resolveLoop for
// shardID if one isn't already running.
func (r *region) admitWaiter(shardID ShardId) (*routeWaiter, bool) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()

	if r.queuedTotal >= r.deps.Config.BufferSize {
		return nil, false
	}
	w := &routeWaiter{wake: make(chan struct{}), done: make(chan struct{})}
	r.shardQueue[shardID] = append(r.shardQueue[shardID], w)
	r.queuedTotal++
	r.deps.Metrics.RegionBufferDepth(r.deps.TypeName, shardID, len(r.shardQueue[shardID]))

	if !r.resolving[shardID] {
		r.resolving[shardID] = true
		go r.resolveLoop(shardID)
	}
	return w, true
}

// abandonWaiter removes w from shardID's queue if it's still sitting there
// unclaimed. If flushShard already popped it (racing a context cancellation
// against a resolution landing at the same instant), w.done is closed here
// instead, since flushShard is blocked waiting for it and nothing else ever
// will.
func (r *region) abandonWaiter(shardID ShardId, w *routeWaiter) {
	r.routeMu.Lock()
	q := r.shardQueue[shardID]
	for i, x := range q {
		if x == w {
			r.shardQueue[shardID] = append(q[:i], q[i+1:]...)
			r.queuedTotal--
			r.deps.Metrics.RegionBufferDepth(r.deps.TypeName, shardID, len(r.shardQueue[shardID]))
			r.routeMu.Unlock()
			return
		}
	}
	r.routeMu.Unlock()
	close(w.done)
}

// flushShard wakes every waiter queued for shardID, strictly one at a time:
// the next waiter is only released once the previous one's retried request
// has fully completed, so replays land on handleRouteEntry in the same
// order they were originally buffered in, per the data model's ordered
// (Msg, SenderRef) buffer.
func (r *region) flushShard(shardID ShardId) {
	for {
		r.routeMu.Lock()
		q := r.shardQueue[shardID]
		if len(q) == 0 {
			delete(r.shardQueue, shardID)
			delete(r.resolving, shardID)
			r.routeMu.Unlock()
			return
		}
		w := q[0]
		r.shardQueue[shardID] = q[1:]
		r.queuedTotal--
		r.deps.Metrics.RegionBufferDepth(r.deps.TypeName, shardID, len(r.shardQueue[shardID]))
		r.routeMu.Unlock()

		close(w.wake)
		<-w.done
	}
}

// resolveLoop asks the coordinator for shardID's home until it gets one,
// then folds the answer into shardHome (via shardResolvedMsg, so the
// mutation happens on the mailbox like every other shardHome write) and
// replays every waiter queued for shardID. It runs entirely off the
// region's mailbox: a waiter's retry can itself be stuck mid-handler when
// this resolves, so the resolution and the replay it drives can never wait
// on the mailbox being free.
func (r *region) resolveLoop(shardID ShardId) {
	for {
		res, err := request[ShardHome](context.Background(), r.deps.Transport, r.coordinatorAddr(), GetShardHome{
			ShardId:   shardID,
			Requester: r.self,
		})
		if err == nil {
			if pubErr := actor.Publish[shardResolvedMsg](context.Background(), r.act, shardResolvedMsg{
				ShardId: shardID, Region: res.Region,
			}); pubErr != nil {
				return // region stopped
			}
			if _, hosted := r.hostedShards.Load(shardID); res.Region != r.self || hosted {
				r.flushShard(shardID)
				return
			}
			// Home is this region but the local Shard actor hasn't finished
			// starting yet: flushing now would just bounce every waiter
			// straight back into the queue, and -- since flushShard appends
			// requeued waiters to the back -- scramble arrival order.
			// handleShardHosted flushes for real once starting finishes.
			return
		}

		r.log.Debug("shard home resolution failed, retrying",
			slog.String("shard_id", shardID), slog.Any("error", err))
		select {
		case <-r.act.Done():
			return
		case <-time.After(r.deps.Config.RetryInterval):
		}
	}
}

func (r *region) handleShardResolved(_ actor.HandlerCtx, in shardResolvedMsg) error {
	if _, hosted := r.hostedShards.Load(in.ShardId); hosted && in.Region != r.self {
		// The coordinator just told us a shard we're actively hosting lives
		// somewhere else. Both can't be true; running traffic against stale
		// local state is worse than crashing this region's actor, so this is
		// a hard stop rather than a logged inconsistency.
		panic(fmt.Sprintf("sharding: shard %s hosted locally by %s but coordinator says %s", in.ShardId, r.self, in.Region))
	}
	r.shardHome[in.ShardId] = in.Region
	return nil
}

// deadLetter forwards msg to deps.DeadLetters if one is configured. The
// caller is always expected to have already logged a warning of its own;
// this only exists to give the message somewhere further to go.
func (r *region) deadLetter(msg DeadLetter) {
	if r.deps.DeadLetters != nil {
		r.deps.DeadLetters(msg)
	}
}

func (r *region) handleHostShard(hc actor.HandlerCtx, in HostShard) error {
	if r.deps.Factory == nil {
		r.log.Warn("asked to host shard but region is proxy-only", slog.String("shard_id", in.ShardId))
		return nil
	}
	if _, ok := r.hostedShards.Load(in.ShardId); ok {
		// Already hosting; the coordinator's earlier ShardStarted was
		// likely lost, so send it again.
		hc.Schedule(func() {
			_ = notify(context.Background(), r.deps.Transport, r.coordinatorAddr(), ShardStarted{
				ShardId: in.ShardId, Region: r.self,
			})
		})
		return nil
	}

	shardID := in.ShardId
	hc.Schedule(func() {
		act, err := NewShard(context.Background(), ShardDeps{
			TypeName:        r.deps.TypeName,
			ShardId:         shardID,
			Region:          r.self,
			Factory:         r.deps.Factory,
			RememberEntries: r.deps.RememberEntries,
			Repo:            r.deps.Repo,
			Snapshotter:     r.deps.Snapshotter,
			StopMsgType:     r.deps.StopMsgType,
			StopMsgData:     r.deps.StopMsgData,
			Config:          r.deps.Config,
			Metrics:         r.deps.Metrics,
			Log:             r.deps.Log,
			DeadLetters:     r.deps.DeadLetters,
			OnStopped: func(sid ShardId) {
				_ = hc.Send(context.Background(), shardFullyStoppedMsg{ShardId: sid})
			},
		})
		if err != nil {
			r.log.Error("failed to start shard", slog.String("shard_id", shardID), slog.Any("error", err))
			return
		}
		// Stored here, off the mailbox, rather than passed through
		// shardHostedMsg: hostedShards is a sync.Map exactly so it can be
		// written from this goroutine directly.
		r.hostedShards.Store(shardID, act)
		_ = hc.Send(context.Background(), shardHostedMsg{ShardId: shardID})
	})
	return nil
}

func (r *region) handleShardHosted(hc actor.HandlerCtx, in shardHostedMsg) error {
	r.shardHome[in.ShardId] = r.self
	r.deps.Metrics.ShardsOwned(r.deps.TypeName, r.self, r.hostedCount())
	// Any waiter parked on this shard before hosting finished is still
	// buffered (resolving home as "self" alone doesn't let handleRouteEntry
	// dispatch); flush runs off-mailbox since each waiter's retry re-enters
	// this same mailbox.
	hc.Schedule(func() { r.flushShard(in.ShardId) })
	hc.Schedule(func() {
		if err := notify(context.Background(), r.deps.Transport, r.coordinatorAddr(), ShardStarted{
			ShardId: in.ShardId, Region: r.self,
		}); err != nil {
			r.log.Warn("failed to ack shard start", slog.String("shard_id", in.ShardId), slog.Any("error", err))
		}
	})
	return nil
}

func (r *region) handleShardFullyStopped(hc actor.HandlerCtx, in shardFullyStoppedMsg) error {
	r.hostedShards.Delete(in.ShardId)
	delete(r.shardHome, in.ShardId)
	if w, ok := r.handoffWaiters.Load(in.ShardId); ok {
		close(w.(chan struct{}))
		r.handoffWaiters.Delete(in.ShardId)
	}
	r.deps.Metrics.ShardsOwned(r.deps.TypeName, r.self, r.hostedCount())
	return nil
}

func (r *region) hostedCount() int {
	n := 0
	r.hostedShards.Range(func(_, _ any) bool { n++; return true })
	return n
}

// handleBeginHandOff drops the shard from this region's own home cache
// unconditionally, since a rebalance sends BeginHandOff to every known
// region, not just the current owner: any region holding a stale cached
// home for the shard must give it up so the next routing attempt re-resolves
// through the coordinator instead of forwarding into a handoff in progress.
// The owning region's hostedShards entry is left alone here -- it still
// needs to route local traffic (rejected by the shard itself once
// handingOff, via ErrHandingOff) until the real HandOff drain completes and
// handleShardFullyStopped removes it.
func (r *region) handleBeginHandOff(hc actor.HandlerCtx, in BeginHandOff) (*BeginHandOffAck, error) {
	delete(r.shardHome, in.ShardId)

	actv, ok := r.hostedShards.Load(in.ShardId)
	if !ok {
		return &BeginHandOffAck{ShardId: in.ShardId, Region: r.self}, nil
	}
	res, err := actor.Request[BeginHandOff, BeginHandOffAck](hc, actv.(actor.Actor), in)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// serve is the region's transport-facing handler. Every message type but
// HandOff dispatches uniformly into the actor's own mailbox via serveActor's
// pattern. HandOff is intercepted here instead: a rebalance worker expects a
// blocking request/reply that only completes once every entry has drained,
// which can take longer than is reasonable to hold the region's own mailbox
// for, so the wait happens on this goroutine (one per inbound request) while
// the actual drain is kicked off, and reported back, through the mailbox as
// normal.
func (r *region) serve(ctx context.Context, env cluster.Envelope) ([]byte, error) {
	if env.Type == msgTypeOf(HandOff{}) {
		var in HandOff
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return nil, err
		}
		return r.serveHandOff(ctx, in)
	}
	res, err := actor.RawRequest(ctx, r.act, env.Type, env.Data)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func (r *region) serveHandOff(ctx context.Context, in HandOff) ([]byte, error) {
	actv, ok := r.hostedShards.Load(in.ShardId)
	if !ok {
		return json.Marshal(ShardStopped{ShardId: in.ShardId})
	}

	done := make(chan struct{})
	r.handoffWaiters.Store(in.ShardId, done)
	if err := actor.Publish[HandOff](ctx, actv.(actor.Actor), in); err != nil {
		r.handoffWaiters.Delete(in.ShardId)
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(ShardStopped{ShardId: in.ShardId})
}

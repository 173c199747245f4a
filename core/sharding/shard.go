package sharding

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardkeeper/core/actor/v2"
	"github.com/codewandler/shardkeeper/core/es"
)

// ShardDeliver is a Shard's own entry-delivery request. It never crosses a
// Transport: a Shard is reached only through the Region that hosts it, in
// the same process, so its message shape is private to this package.
type ShardDeliver struct {
	EntryId EntryId
	MsgType string
	Data    []byte
}

// ShardDeliverResult carries an entry's JSON-encoded response.
type ShardDeliverResult struct {
	Data []byte
}

// entryDown is a shard-internal notification that an entry's Done channel
// closed on its own, outside of a passivation or handoff the shard drove.
type entryDown struct{ EntryId EntryId }

// entryStoppedForPassivation reports that a passivating entry has fully
// drained and can be forgotten.
type entryStoppedForPassivation struct{ EntryId EntryId }

// handoffFinished reports that every entry has stopped for relocation.
type handoffFinished struct{}

// bufferedDelivery is a delivery that arrived for an entry mid-passivation,
// held until the entry (or its restart) can accept it.
type bufferedDelivery struct {
	msgType string
	data    []byte
	outcome chan shardDeliverOutcome
}

// shardDeliverOutcome carries a buffered delivery's eventual result back to
// the blocked handleDeliver call that queued it.
type shardDeliverOutcome struct {
	data []byte
	err  error
}

// ShardDeps bundles a Shard's collaborators and identity.
type ShardDeps struct {
	TypeName TypeName
	ShardId  ShardId
	Region   RegionRef

	Factory         EntryFactory
	RememberEntries bool
	Repo            es.TypedRepository[*ShardEntriesState]
	Snapshotter     es.Snapshotter

	// StopMsgType/StopMsgData are the poison-pill delivered to an entry
	// during passivation and handoff, pre-encoded once at Guardian.Start
	// time from StartOpts.StopMessage.
	StopMsgType string
	StopMsgData []byte

	Config  Config
	Metrics Metrics
	Log     *slog.Logger

	// DeadLetters receives messages dropped on buffer-full, mirroring
	// RegionDeps.DeadLetters. The Region passes its own sink through
	// unchanged when it starts a shard.
	DeadLetters DeadLetterSink

	// OnStopped is invoked, from a goroutine other than the shard's own, once
	// the shard has fully drained for handoff. The Region uses it to reply
	// to the coordinator's HandOff request with ShardStopped.
	OnStopped func(ShardId)
}

// shard is the per-(node, shard) supervisor of entries: it starts entries on
// first delivery, tracks their liveness, evicts idle ones, and drains every
// entry before a handoff completes.
type shard struct {
	deps ShardDeps
	log  *slog.Logger

	state *ShardEntriesState // nil unless RememberEntries

	entries     map[EntryId]EntryHandle
	lastActive  map[EntryId]time.Time
	passivating map[EntryId]bool
	// persisting marks an entry whose last EntryStarted/EntryStopped save
	// failed: deliveries to it are buffered (never routed to the live
	// child) until retryPersist's save succeeds and drains them.
	persisting map[EntryId]bool
	handingOff bool

	// bufMu guards messageBuffers, which is also read and drained from the
	// background goroutine beginPassivate schedules, outside the shard's own
	// mailbox.
	bufMu          sync.Mutex
	messageBuffers map[EntryId][]bufferedDelivery
}

// stoppableActor cancels the context NewShard derives for its own actor
// alongside stopping the mailbox. HandleEvery's tickers (PassivateCheckInterval,
// SnapshotInterval) watch hc.Done(), not the mailbox's own stop signal, so
// without this a shard whose caller passes a context that outlives the
// shard (region.go hosts every shard under context.Background()) leaks a
// ticker goroutine per HandleEvery registration on every completed handoff.
type stoppableActor struct {
	actor.Actor
	cancel context.CancelFunc
}

func (a *stoppableActor) Stop() {
	a.Actor.Stop()
	a.cancel()
}

// NewShard starts a Shard actor for deps.ShardId. When deps.RememberEntries
// is set, entries that were live before the last stop are restarted eagerly
// from the shard's own event-sourced membership record.
func NewShard(ctx context.Context, deps ShardDeps) (actor.Actor, error) {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	log := deps.Log.With(slog.String("component", "shard"), slog.String("shard_id", deps.ShardId))

	s := &shard{
		deps:           deps,
		log:            log,
		entries:        map[EntryId]EntryHandle{},
		lastActive:     map[EntryId]time.Time{},
		passivating:    map[EntryId]bool{},
		persisting:     map[EntryId]bool{},
		messageBuffers: map[EntryId][]bufferedDelivery{},
	}

	if deps.RememberEntries {
		if deps.Repo == nil {
			return nil, fmt.Errorf("sharding: RememberEntries requires a ShardEntriesState repository")
		}
		state, err := deps.Repo.GetOrCreate(ctx, shardEntriesAggID(deps.TypeName, deps.ShardId))
		if err != nil {
			return nil, fmt.Errorf("load shard entries: %w", err)
		}
		s.state = state
	}

	shardCtx, cancel := context.WithCancel(ctx)

	act := actor.TypedHandlers(
		actor.Init(s.onInit),
		actor.HandleRequest[ShardDeliver, ShardDeliverResult](s.handleDeliver),
		actor.HandleMsg[Passivate](s.handlePassivate),
		actor.HandleMsg[entryStoppedForPassivation](s.handleEntryStoppedForPassivation),
		actor.HandleMsg[entryDown](s.handleEntryDown),
		actor.HandleMsg[RestartEntry](s.handleRestartEntry),
		actor.HandleMsg[PersistenceFailure](s.handlePersistenceFailure),
		actor.HandleMsg[RetryPersistence](s.handleRetryPersistence),
		actor.HandleRequest[BeginHandOff, BeginHandOffAck](s.handleBeginHandOff),
		actor.HandleMsg[HandOff](s.handleHandOff),
		actor.HandleMsg[handoffFinished](s.handleHandoffFinished),
		actor.HandleEvery(deps.Config.PassivateCheckInterval, s.onIdleCheck),
		actor.HandleEvery(deps.Config.SnapshotInterval, s.onSnapshotTick),
	).ToActor(actor.Options{Context: shardCtx, Logger: log})

	return &stoppableActor{Actor: act, cancel: cancel}, nil
}

func (s *shard) onInit(hc actor.HandlerCtx) error {
	if s.state == nil {
		return nil
	}
	remembered := s.state.Entries()
	if len(remembered) == 0 {
		return nil
	}
	s.log.Info("recovering remembered entries", slog.Int("count", len(remembered)))
	for _, id := range remembered {
		if _, err := s.startEntry(hc, id); err != nil {
			s.log.Error("failed to restart remembered entry",
				slog.String("entry_id", id), slog.Any("error", err))
		}
	}
	return nil
}

func (s *shard) startEntry(hc actor.HandlerCtx, id EntryId) (EntryHandle, error) {
	e, err := s.deps.Factory(hc, id)
	if err != nil {
		return nil, err
	}
	s.entries[id] = e
	s.lastActive[id] = time.Now()

	if s.state != nil {
		if err := es.RaiseAndApply(s.state, &EntryStarted{EntryId: id}); err != nil {
			return nil, err
		}
		if err := s.deps.Repo.Save(hc, s.state); err != nil {
			s.log.Warn("failed to persist entry start, will retry",
				slog.String("entry_id", id), slog.Any("error", err))
			s.persisting[id] = true
			_ = hc.Send(context.Background(), PersistenceFailure{EntryId: id})
		}
	}

	s.deps.Metrics.EntryStarted(s.deps.TypeName)
	go s.watchEntry(hc, id, e)
	return e, nil
}

// watchEntry forgets an entry once it stops for any reason not already
// driven by the shard itself (passivation, handoff), e.g. an application
// crash. hc.Send is safe to call from this goroutine: it never blocks on
// the shard's own mailbox and never checks whether the shard is mid-handler.
func (s *shard) watchEntry(hc actor.HandlerCtx, id EntryId, e EntryHandle) {
	<-e.Done()
	_ = hc.Send(context.Background(), entryDown{EntryId: id})
}

func (s *shard) forgetEntry(hc actor.HandlerCtx, id EntryId) {
	delete(s.entries, id)
	delete(s.lastActive, id)
	delete(s.passivating, id)
	delete(s.persisting, id)
	if s.state != nil {
		if err := es.RaiseAndApply(s.state, &EntryStopped{EntryId: id}); err != nil {
			s.log.Error("failed to fold entry stop", slog.String("entry_id", id), slog.Any("error", err))
			return
		}
		if err := s.deps.Repo.Save(hc, s.state); err != nil {
			s.log.Warn("failed to persist entry stop",
				slog.String("entry_id", id), slog.Any("error", err))
		}
	}
	s.deps.Metrics.EntryPassivated(s.deps.TypeName)
}

// handleEntryDown reacts to an entry stopping on its own, outside of a
// passivation or handoff the shard itself drove. Without RememberEntries
// this is indistinguishable from a passivation: the entry is simply
// forgotten. With it, the entry stays in the persisted membership record
// and is restarted after a backoff instead, since the whole point of
// remembering it was to bring it back after an unplanned stop.
func (s *shard) handleEntryDown(hc actor.HandlerCtx, in entryDown) error {
	if s.passivating[in.EntryId] {
		// already being handled by handleEntryStoppedForPassivation
		return nil
	}
	s.log.Debug("entry stopped unexpectedly", slog.String("entry_id", in.EntryId))

	if s.state == nil {
		s.forgetEntry(hc, in.EntryId)
		return nil
	}

	delete(s.entries, in.EntryId)
	delete(s.lastActive, in.EntryId)
	id := in.EntryId
	time.AfterFunc(s.deps.Config.EntryRestartBackoff, func() {
		_ = hc.Send(context.Background(), RestartEntry{EntryId: id})
	})
	return nil
}

// handleRestartEntry restarts a remembered entry that stopped unexpectedly.
// It's a no-op if the entry was already restarted by a delivery in the
// meantime, if the shard is draining, or if the entry was forgotten for
// real (e.g. an explicit passivation raced in) since the backoff started.
func (s *shard) handleRestartEntry(hc actor.HandlerCtx, in RestartEntry) error {
	if s.handingOff {
		return nil
	}
	if _, ok := s.entries[in.EntryId]; ok {
		return nil
	}
	if !s.state.HasEntry(in.EntryId) {
		return nil
	}
	if _, err := s.startEntry(hc, in.EntryId); err != nil {
		s.log.Error("failed to restart entry after unexpected stop",
			slog.String("entry_id", in.EntryId), slog.Any("error", err))
	}
	return nil
}

// handlePersistenceFailure marks in.EntryId as persisting -- handleDeliver
// buffers every further delivery for it instead of reaching the live child --
// and schedules a retry after shardFailureBackoff. The retry itself can't
// round-trip through this mailbox as an ordinary RetryPersistence message:
// once a buffered delivery for this entry is blocked inside bufferDeliver it
// occupies the mailbox the same way a live delivery would, and a queued
// RetryPersistence behind it would never get dequeued to unblock it. So the
// retry runs via hc.Schedule instead, off the mailbox, the same way
// beginPassivate's drain does.
func (s *shard) handlePersistenceFailure(hc actor.HandlerCtx, in PersistenceFailure) error {
	id := in.EntryId
	s.persisting[id] = true
	time.AfterFunc(s.deps.Config.ShardFailureBackoff, func() {
		hc.Schedule(func() { s.retryPersist(hc, id) })
	})
	return nil
}

// handleRetryPersistence is RetryPersistence's mailbox entry point, for a
// caller that wants to force an immediate retry rather than wait out the
// backoff handlePersistenceFailure already scheduled. It only runs when the
// mailbox isn't already blocked behind a buffered delivery for the same
// entry, which is the case handlePersistenceFailure's own retry path exists
// to handle instead.
func (s *shard) handleRetryPersistence(hc actor.HandlerCtx, in RetryPersistence) error {
	s.retryPersist(hc, in.EntryId)
	return nil
}

// retryPersist re-attempts a previously failed save and, on success, drains
// whatever deliveries queued up for id while it was persisting. It runs off
// the shard's own mailbox (scheduled via hc.Schedule), but mutating shard
// state here is safe: for as long as a delivery for id is buffered, the
// mailbox is stuck inside that call's bufferDeliver, so no handler for id
// can be running concurrently with this. The aggregate's uncommitted events
// are untouched by a failed Save, so retrying naturally resends whatever
// didn't make it through last time.
func (s *shard) retryPersist(hc actor.HandlerCtx, id EntryId) {
	if s.state == nil {
		delete(s.persisting, id)
		return
	}
	if err := s.deps.Repo.Save(hc, s.state); err != nil {
		s.log.Warn("retry persist failed, will retry again",
			slog.String("entry_id", id), slog.Any("error", err))
		time.AfterFunc(s.deps.Config.ShardFailureBackoff, func() {
			hc.Schedule(func() { s.retryPersist(hc, id) })
		})
		return
	}
	s.log.Debug("entry persistence recovered", slog.String("entry_id", id))
	delete(s.persisting, id)
	s.drainPersistBuffer(hc, id)
}

// drainPersistBuffer delivers every message that queued up for id while it
// was persisting to the entry's existing live child -- unlike
// drainBufferedInto, the entry never stopped, so there's nothing to restart.
func (s *shard) drainPersistBuffer(hc actor.HandlerCtx, id EntryId) {
	s.bufMu.Lock()
	buffered := s.messageBuffers[id]
	delete(s.messageBuffers, id)
	s.bufMu.Unlock()
	if len(buffered) == 0 {
		return
	}

	e, ok := s.entries[id]
	for _, bd := range buffered {
		if !ok {
			bd.outcome <- shardDeliverOutcome{err: fmt.Errorf("sharding: entry %s gone while persisting", id)}
			continue
		}
		res, err := e.Deliver(hc, bd.msgType, bd.data)
		if err != nil {
			bd.outcome <- shardDeliverOutcome{err: err}
			continue
		}
		data, err := json.Marshal(res)
		if err != nil {
			bd.outcome <- shardDeliverOutcome{err: err}
			continue
		}
		bd.outcome <- shardDeliverOutcome{data: data}
	}
	if ok {
		s.lastActive[id] = time.Now()
	}
}

// handleDeliver is the hot path: route a message to EntryId, starting it on
// first use. Delivery to a live entry runs synchronously in the shard's own
// handler, so the shard is single-threaded end to end -- one message, from
// any entry, is in flight at a time.
func (s *shard) handleDeliver(hc actor.HandlerCtx, in ShardDeliver) (*ShardDeliverResult, error) {
	if s.handingOff {
		return nil, ErrHandingOff
	}
	if s.passivating[in.EntryId] || s.persisting[in.EntryId] {
		return s.bufferDeliver(hc, in)
	}

	e, ok := s.entries[in.EntryId]
	if !ok {
		var err error
		e, err = s.startEntry(hc, in.EntryId)
		if err != nil {
			return nil, err
		}
	} else {
		s.lastActive[in.EntryId] = time.Now()
	}

	res, err := e.Deliver(hc, in.MsgType, in.Data)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	return &ShardDeliverResult{Data: data}, nil
}

// bufferDeliver holds a delivery that arrived for an entry mid-passivation.
// The shard is single-threaded, so this blocks the caller and the shard's
// own mailbox alike, exactly as a live delivery already blocks on
// e.Deliver: beginPassivate's drain answers bd.outcome once the entry has
// either restarted or been discarded for good.
func (s *shard) bufferDeliver(hc actor.HandlerCtx, in ShardDeliver) (*ShardDeliverResult, error) {
	s.bufMu.Lock()
	if len(s.messageBuffers[in.EntryId]) >= s.deps.Config.BufferSize {
		s.bufMu.Unlock()
		s.log.Warn("shard buffer full, dropping message to dead letters",
			slog.String("entry_id", in.EntryId), slog.String("msg_type", in.MsgType))
		if s.deps.DeadLetters != nil {
			s.deps.DeadLetters(DeadLetter{
				TypeName: s.deps.TypeName, ShardId: s.deps.ShardId, EntryId: in.EntryId,
				MsgType: in.MsgType, Data: in.Data, Reason: ErrBufferFull,
			})
		}
		return nil, ErrBufferFull
	}
	bd := bufferedDelivery{
		msgType: in.MsgType,
		data:    in.Data,
		outcome: make(chan shardDeliverOutcome, 1),
	}
	s.messageBuffers[in.EntryId] = append(s.messageBuffers[in.EntryId], bd)
	s.bufMu.Unlock()

	select {
	case res := <-bd.outcome:
		if res.err != nil {
			return nil, res.err
		}
		return &ShardDeliverResult{Data: res.data}, nil
	case <-hc.Done():
		return nil, ErrHandingOff
	}
}

// onIdleCheck passivates every entry that hasn't seen traffic within
// Config.PassivateIdleAfter. Passivation, not the application, decides when
// an entry is idle: entries never call back into the shard themselves.
func (s *shard) onIdleCheck(hc actor.HandlerCtx) error {
	cutoff := time.Now().Add(-s.deps.Config.PassivateIdleAfter)
	for id, last := range s.lastActive {
		if s.passivating[id] || s.persisting[id] || s.handingOff {
			continue
		}
		if last.Before(cutoff) {
			s.beginPassivate(hc, id)
		}
	}
	return nil
}

func (s *shard) handlePassivate(hc actor.HandlerCtx, in Passivate) error {
	if _, ok := s.entries[in.EntryId]; !ok || s.passivating[in.EntryId] || s.persisting[in.EntryId] {
		return nil
	}
	s.beginPassivate(hc, in.EntryId)
	return nil
}

func (s *shard) beginPassivate(hc actor.HandlerCtx, id EntryId) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	s.passivating[id] = true
	log := s.log
	hc.Schedule(func() {
		if _, err := e.Deliver(context.Background(), s.deps.StopMsgType, s.deps.StopMsgData); err != nil {
			log.Warn("passivate stop message failed", slog.String("entry_id", id), slog.Any("error", err))
		}
		<-e.Done()

		s.bufMu.Lock()
		buffered := s.messageBuffers[id]
		delete(s.messageBuffers, id)
		s.bufMu.Unlock()

		if len(buffered) == 0 {
			_ = hc.Send(context.Background(), entryStoppedForPassivation{EntryId: id})
			return
		}
		s.drainBufferedInto(hc, id, buffered)
	})
}

func (s *shard) handleEntryStoppedForPassivation(hc actor.HandlerCtx, in entryStoppedForPassivation) error {
	s.forgetEntry(hc, in.EntryId)
	return nil
}

// drainBufferedInto restarts id and replays every message that arrived while
// it was passivating, in arrival order, completing each caller's blocked
// bufferDeliver. It runs off beginPassivate's background goroutine rather
// than the shard's own mailbox, but mutating shard state here is safe: the
// mailbox is stuck processing whichever bufferDeliver call is still blocked
// on bd.outcome, so no other handler can be running concurrently.
func (s *shard) drainBufferedInto(hc actor.HandlerCtx, id EntryId, buffered []bufferedDelivery) {
	restarted, err := s.deps.Factory(hc, id)
	if err != nil {
		s.log.Error("failed to restart entry to drain buffered deliveries",
			slog.String("entry_id", id), slog.Any("error", err))
		for _, bd := range buffered {
			bd.outcome <- shardDeliverOutcome{err: err}
		}
		delete(s.passivating, id)
		s.forgetEntry(hc, id)
		return
	}

	for _, bd := range buffered {
		res, dErr := restarted.Deliver(hc, bd.msgType, bd.data)
		if dErr != nil {
			bd.outcome <- shardDeliverOutcome{err: dErr}
			continue
		}
		data, mErr := json.Marshal(res)
		if mErr != nil {
			bd.outcome <- shardDeliverOutcome{err: mErr}
			continue
		}
		bd.outcome <- shardDeliverOutcome{data: data}
	}

	s.entries[id] = restarted
	s.lastActive[id] = time.Now()
	delete(s.passivating, id)

	if s.state != nil {
		if err := es.RaiseAndApply(s.state, &EntryStarted{EntryId: id}); err != nil {
			s.log.Error("failed to fold entry restart", slog.String("entry_id", id), slog.Any("error", err))
		} else if err := s.deps.Repo.Save(hc, s.state); err != nil {
			s.log.Warn("failed to persist entry restart",
				slog.String("entry_id", id), slog.Any("error", err))
			s.persisting[id] = true
			_ = hc.Send(context.Background(), PersistenceFailure{EntryId: id})
		}
	}

	s.deps.Metrics.EntryStarted(s.deps.TypeName)
	go s.watchEntry(hc, id, restarted)
}

// handleBeginHandOff marks the shard as draining: new deliveries are
// rejected from here on, so the coordinator's rebalance worker can safely
// proceed to instruct the actual handoff once every region has acked this.
func (s *shard) handleBeginHandOff(hc actor.HandlerCtx, in BeginHandOff) (*BeginHandOffAck, error) {
	s.handingOff = true
	return &BeginHandOffAck{ShardId: s.deps.ShardId, Region: s.deps.Region}, nil
}

// handleHandOff starts draining every live entry. It never replies directly:
// the caller is the owning Region, which is itself mid-handler for a wire
// HandOff request and cannot block waiting for entries to drain without
// stalling its own mailbox. Region instead holds the wire reply open and
// completes it from deps.OnStopped once handleHandoffFinished runs. The
// drain itself is a plain goroutine tree (runHandoffStopper): it has no
// mailbox of its own, only this shard addresses it, and its whole job is
// "wait for N things, then call back once".
func (s *shard) handleHandOff(hc actor.HandlerCtx, in HandOff) error {
	s.handingOff = true

	live := make(map[EntryId]EntryHandle, len(s.entries))
	for id, e := range s.entries {
		if !s.passivating[id] {
			live[id] = e
		}
	}

	runHandoffStopper(hc, s.log, s.deps.ShardId, live, s.deps.StopMsgType, s.deps.StopMsgData, func() {
		_ = hc.Send(context.Background(), handoffFinished{})
	})
	return nil
}

// onSnapshotTick periodically snapshots the shard's own entry-membership
// aggregate, mirroring the coordinator's onSnapshotTick. Only meaningful
// when RememberEntries is on: without it there's no persistent state to
// snapshot.
func (s *shard) onSnapshotTick(hc actor.HandlerCtx) error {
	if s.state == nil || s.deps.Snapshotter == nil {
		return nil
	}
	ss, err := es.CreateSnapshot(s.state)
	if err != nil {
		return err
	}
	if err := s.deps.Snapshotter.SaveSnapshot(hc, ss); err != nil {
		return err
	}
	s.log.Debug("shard snapshot written", slog.Uint64("seq", ss.StreamSeq))
	return nil
}

func (s *shard) handleHandoffFinished(hc actor.HandlerCtx, in handoffFinished) error {
	for id := range s.entries {
		s.forgetEntry(hc, id)
	}
	if s.deps.OnStopped != nil {
		s.deps.OnStopped(s.deps.ShardId)
	}
	return nil
}

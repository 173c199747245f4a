package sharding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardkeeper/core/actor/v2"
	"github.com/codewandler/shardkeeper/core/cluster"
)

// CoordinatorSupervisor keeps a healthy coordinator actor running for as
// long as this node is asked to host it, restarting it after a persistence
// failure instead of resuming in place. A restart discards only in-memory
// runtime state (in-flight rebalances, pending host confirmations): the
// persisted CoordinatorState is replayed fresh by the next instance, so no
// application-visible progress is lost, only retried.
type CoordinatorSupervisor struct {
	newDeps   func() CoordinatorDeps
	transport cluster.Transport
	backoff   time.Duration
	log       *slog.Logger

	mu     sync.Mutex
	act    actor.Actor
	sub    cluster.Subscription
	cancel context.CancelFunc
	active bool
}

// NewCoordinatorSupervisor builds a supervisor for the coordinator described
// by newDeps, called fresh on every (re)start so OnPersistenceFailure closes
// over the right supervisor instance. transport is used both to serve the
// coordinator's address and, via deps.Transport, for the coordinator's own
// outbound calls.
func NewCoordinatorSupervisor(newDeps func() CoordinatorDeps, transport cluster.Transport, log *slog.Logger) *CoordinatorSupervisor {
	if log == nil {
		log = slog.Default()
	}
	return &CoordinatorSupervisor{
		newDeps:   newDeps,
		transport: transport,
		backoff:   3 * time.Second,
		log:       log,
	}
}

// Start creates and subscribes the coordinator, returning once the first
// instance is live. ctx bounds the supervisor's entire lifetime; cancel it,
// or call Stop, to shut the coordinator down for good.
func (s *CoordinatorSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.mu.Unlock()
	return s.spawn(ctx)
}

// Stop tears down the current coordinator instance and prevents further
// restarts.
func (s *CoordinatorSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.teardownLocked()
}

func (s *CoordinatorSupervisor) teardownLocked() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.act != nil {
		s.act.Stop()
		s.act = nil
	}
}

func (s *CoordinatorSupervisor) spawn(ctx context.Context) error {
	deps := s.newDeps()
	if deps.Transport == nil {
		deps.Transport = s.transport
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics()
	}
	if deps.Log == nil {
		deps.Log = s.log
	}
	deps.OnPersistenceFailure = func(err error) {
		s.log.Error("coordinator persistence failure, restarting",
			slog.String("type_name", deps.TypeName), slog.Any("error", err))
		deps.Metrics.CoordinatorRestart(deps.TypeName)
		go s.restart(ctx)
	}

	act, err := NewCoordinator(ctx, deps)
	if err != nil {
		return err
	}
	sub, err := s.transport.Subscribe(ctx, CoordinatorAddress(deps.TypeName), serveActor(act))
	if err != nil {
		act.Stop()
		return err
	}

	s.mu.Lock()
	s.teardownLocked()
	s.act = act
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// restart tears the current coordinator down and, after backoff, spawns a
// fresh one. It never resumes the failed instance in place.
func (s *CoordinatorSupervisor) restart(ctx context.Context) {
	s.mu.Lock()
	active := s.active
	s.teardownLocked()
	s.mu.Unlock()
	if !active {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.backoff):
	}

	s.mu.Lock()
	active = s.active
	s.mu.Unlock()
	if !active {
		return
	}
	if err := s.spawn(ctx); err != nil {
		s.log.Error("coordinator restart failed", slog.Any("error", err))
	}
}

package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Env wires together a store, registry, repository and set of consumers
// under one shared lifecycle.
type Env struct {
	ctx          context.Context
	id           string
	done         chan struct{}
	startOnce    sync.Once
	shutdownOnce sync.Once
	cancelCtx    context.CancelFunc
	log          *slog.Logger
	store        EventStore
	snapshotter  Snapshotter
	registry     *EventRegistry
	repo         Repository
	consumerOpts []EnvConsumerOption
	consumers    []*Consumer
}

func (e *Env) Repository() Repository   { return e.repo }
func (e *Env) Store() EventStore        { return e.store }
func (e *Env) Snapshotter() Snapshotter { return e.snapshotter }
func (e *Env) Registry() *EventRegistry { return e.registry }

func NewEnv(opts ...EnvOption) *Env {
	id := gonanoid.Must(6)
	options := newEnvOptions(opts...)

	log := options.log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("env", id))

	e := &Env{
		id:           id,
		log:          log,
		store:        options.store,
		snapshotter:  options.snapshotter,
		registry:     NewRegistry(),
		done:         make(chan struct{}),
		consumerOpts: options.consumers,
		consumers:    make([]*Consumer, 0),
	}
	e.ctx, e.cancelCtx = context.WithCancel(options.ctx)

	for _, agg := range options.aggregates {
		agg.Register(e.registry)
		e.log.Debug("registered aggregate", "type", fmt.Sprintf("%T", agg))
	}

	RegisterEventFor[AggregateCreatedEvent](e.registry)
	for _, s := range options.events {
		e.registry.Register(s.t, s.ctor)
		e.log.Debug("registered event", "type", s.t)
	}

	for _, p := range options.projections {
		e.consumerOpts = append(e.consumerOpts, WithProjection(p))
	}

	repoOpts := []RepositoryOption{}
	if options.metrics != nil {
		repoOpts = append(repoOpts, WithMetrics(options.metrics))
	}
	if options.snapshotter != nil {
		repoOpts = append(repoOpts, WithSnapshotter(options.snapshotter))
	}
	e.repo = NewRepository(e.log, e.store, e.registry, repoOpts...)

	return e
}

// Start subscribes and runs every configured consumer/projection. It is
// idempotent; calling it more than once has no effect after the first call.
func (e *Env) Start() error {
	var startErr error
	e.startOnce.Do(func() {
		for _, c := range e.consumerOpts {
			consumer := e.NewConsumer(c.handler, WithConsumerOpts(c.consumerOpts...))
			if err := consumer.Start(e.ctx); err != nil {
				startErr = fmt.Errorf("failed to start consumer: %w", err)
				return
			}
			e.consumers = append(e.consumers, consumer)
		}

		context.AfterFunc(e.ctx, func() {
			e.log.Info("shutting down")
			e.log.Debug("stopping consumers", slog.Int("count", len(e.consumers)))
			for _, c := range e.consumers {
				c.Stop()
			}
			e.log.Info("env shutdown")
			close(e.done)
		})
	})
	return startErr
}

func (e *Env) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.cancelCtx()
		<-e.done
	})
}

func (e *Env) NewConsumer(handler Handler, opts ...ConsumerOption) *Consumer {
	return NewConsumer(e.store, e.registry, handler, WithLog(e.log), WithConsumerOpts(opts...))
}

func (e *Env) Append(ctx context.Context, expect Version, aggType string, aggID string, events ...any) error {
	_, err := AppendEvents(ctx, e.store, aggType, aggID, expect, events...)
	return err
}

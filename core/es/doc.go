// Package es provides an event sourcing framework for building event-driven applications.
//
// # Overview
//
// Application state is stored as a sequence of events rather than as a
// current-state snapshot. This package provides the core abstractions and
// implementations for building event-sourced systems in Go: aggregates,
// event stores, repositories, consumers and projections.
//
// Aggregate: the domain object that encapsulates business logic and state
// changes. Events are raised within aggregates and applied to update
// internal state. Use [BaseAggregate] as an embeddable helper that tracks
// version and uncommitted events.
//
//	type Coordinator struct {
//	    es.BaseAggregate
//	    Regions map[string]struct{}
//	}
//
//	func (c *Coordinator) Register(region string) error {
//	    return es.RaiseAndApply(c, &RegionRegistered{Region: region})
//	}
//
// EventStore: the persistence layer for events. [EventStore.Load] retrieves
// events for an aggregate stream and [EventStore.Append] persists new
// events with optimistic concurrency control. Use [NewInMemoryStore] for
// testing, or the NATS JetStream implementation in adapters/nats for
// production.
//
// Repository: the application-level interface for working with aggregates.
// It replays events to rehydrate an aggregate and persists newly raised
// ones. Use [NewTypedRepository] for type-safe operations with generics.
//
// Consumer: processes events from the store to build read models or
// trigger side effects. Supports checkpointing for resumable processing
// and live-mode detection to distinguish historical replay from real-time
// events.
package es

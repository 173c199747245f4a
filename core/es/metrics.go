package es

import "github.com/codewandler/shardkeeper/core/metrics"

// ESMetrics defines the metrics interface for the event sourcing pillar.
// All methods return a Timer or increment counters/gauges; implementations
// must be safe for concurrent use.
type ESMetrics interface {
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)

	RepoLoadDuration(aggType string) metrics.Timer
	RepoSaveDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)

	CacheHit(aggType string)
	CacheMiss(aggType string)

	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotSaveDuration(aggType string) metrics.Timer

	ConsumerEventDuration(eventType string, live bool) metrics.Timer
	ConsumerEventProcessed(eventType string, live bool, success bool)
	ConsumerLag(consumer string, lag int64)
}

type nopESMetrics struct{}

func (nopESMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopESMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)               {}

func (nopESMetrics) RepoLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) RepoSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConcurrencyConflict(string)            {}

func (nopESMetrics) CacheHit(string)  {}
func (nopESMetrics) CacheMiss(string) {}

func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) ConsumerEventDuration(string, bool) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConsumerEventProcessed(string, bool, bool)        {}
func (nopESMetrics) ConsumerLag(string, int64)                        {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics implementation for env/repository/consumer construction.
type ESMetricsOption struct{ m ESMetrics }

func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

func (o ESMetricsOption) applyToEnv(e *envOptions)            { e.metrics = o.m }
func (o ESMetricsOption) applyToRepository(r *repoOptions)    { r.metrics = o.m }
func (o ESMetricsOption) applyToConsumerOpts(c *consumerOpts) { c.metrics = o.m }

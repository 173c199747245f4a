package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/shardkeeper/core/sharding"
)

// shardingMetrics implements sharding.Metrics using Prometheus.
type shardingMetrics struct {
	shardsOwned         *prometheus.GaugeVec
	shardHomeAllocated  *prometheus.CounterVec
	rebalanceStarted    *prometheus.CounterVec
	rebalanceCompleted  *prometheus.CounterVec
	regionBufferDepth   *prometheus.GaugeVec
	coordinatorRestarts *prometheus.CounterVec
	entriesStarted      *prometheus.CounterVec
	entriesPassivated   *prometheus.CounterVec
}

// NewShardingMetrics creates a new Prometheus implementation of sharding.Metrics.
func NewShardingMetrics(reg prometheus.Registerer) sharding.Metrics {
	m := &shardingMetrics{
		shardsOwned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clstr_sharding_shards_owned",
			Help: "Number of shards currently homed on a region",
		}, []string{"type_name", "region"}),

		shardHomeAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_sharding_shard_home_allocated_total",
			Help: "Total number of shard home allocations, including rebalance moves",
		}, []string{"type_name"}),

		rebalanceStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_sharding_rebalance_started_total",
			Help: "Total number of shard handoffs started by rebalancing",
		}, []string{"type_name"}),

		rebalanceCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_sharding_rebalance_completed_total",
			Help: "Total number of shard handoffs completed by rebalancing",
		}, []string{"type_name", "success"}),

		regionBufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clstr_sharding_region_buffer_depth",
			Help: "Number of messages buffered for a shard awaiting placement",
		}, []string{"type_name", "shard_id"}),

		coordinatorRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_sharding_coordinator_restarts_total",
			Help: "Total number of times a coordinator singleton restarted after failure",
		}, []string{"type_name"}),

		entriesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_sharding_entries_started_total",
			Help: "Total number of entries started across all shards",
		}, []string{"type_name"}),

		entriesPassivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_sharding_entries_passivated_total",
			Help: "Total number of entries passivated for idleness",
		}, []string{"type_name"}),
	}

	reg.MustRegister(
		m.shardsOwned,
		m.shardHomeAllocated,
		m.rebalanceStarted,
		m.rebalanceCompleted,
		m.regionBufferDepth,
		m.coordinatorRestarts,
		m.entriesStarted,
		m.entriesPassivated,
	)

	return m
}

func (m *shardingMetrics) ShardsOwned(typeName sharding.TypeName, region sharding.RegionRef, count int) {
	m.shardsOwned.WithLabelValues(typeName, string(region)).Set(float64(count))
}

func (m *shardingMetrics) ShardHomeAllocated(typeName sharding.TypeName) {
	m.shardHomeAllocated.WithLabelValues(typeName).Inc()
}

func (m *shardingMetrics) RebalanceStarted(typeName sharding.TypeName) {
	m.rebalanceStarted.WithLabelValues(typeName).Inc()
}

func (m *shardingMetrics) RebalanceCompleted(typeName sharding.TypeName, ok bool) {
	m.rebalanceCompleted.WithLabelValues(typeName, boolToStr(ok)).Inc()
}

func (m *shardingMetrics) RegionBufferDepth(typeName sharding.TypeName, shardID sharding.ShardId, depth int) {
	m.regionBufferDepth.WithLabelValues(typeName, string(shardID)).Set(float64(depth))
}

func (m *shardingMetrics) CoordinatorRestart(typeName sharding.TypeName) {
	m.coordinatorRestarts.WithLabelValues(typeName).Inc()
}

func (m *shardingMetrics) EntryStarted(typeName sharding.TypeName) {
	m.entriesStarted.WithLabelValues(typeName).Inc()
}

func (m *shardingMetrics) EntryPassivated(typeName sharding.TypeName) {
	m.entriesPassivated.WithLabelValues(typeName).Inc()
}

var _ sharding.Metrics = (*shardingMetrics)(nil)

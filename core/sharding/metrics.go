package sharding

// Metrics observes coordinator and region behavior. Nop by default; see
// adapters/prometheus for a Prometheus-backed implementation.
type Metrics interface {
	ShardsOwned(typeName TypeName, region RegionRef, count int)
	ShardHomeAllocated(typeName TypeName)
	RebalanceStarted(typeName TypeName)
	RebalanceCompleted(typeName TypeName, ok bool)
	RegionBufferDepth(typeName TypeName, shardID ShardId, depth int)
	CoordinatorRestart(typeName TypeName)
	EntryStarted(typeName TypeName)
	EntryPassivated(typeName TypeName)
}

type nopMetrics struct{}

func (nopMetrics) ShardsOwned(TypeName, RegionRef, int)      {}
func (nopMetrics) ShardHomeAllocated(TypeName)               {}
func (nopMetrics) RebalanceStarted(TypeName)                 {}
func (nopMetrics) RebalanceCompleted(TypeName, bool)         {}
func (nopMetrics) RegionBufferDepth(TypeName, ShardId, int)  {}
func (nopMetrics) CoordinatorRestart(TypeName)               {}
func (nopMetrics) EntryStarted(TypeName)                     {}
func (nopMetrics) EntryPassivated(TypeName)                  {}

// NopMetrics returns a Metrics implementation that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

var _ Metrics = nopMetrics{}

package sharding

import "time"

// Config holds node-wide sharding tunables, assembled through functional
// options and defaulted by [DefaultConfig].
type Config struct {
	// Role gates which nodes may host the coordinator singleton and local
	// entries. Empty means no gating.
	Role string
	// GuardianName names the registry under which this node's Guardian
	// keeps its per-type Region directory. Mostly useful in logs and
	// metrics when a process runs more than one Guardian.
	GuardianName string

	CoordinatorFailureBackoff time.Duration
	RetryInterval             time.Duration
	BufferSize                int
	HandOffTimeout            time.Duration
	ShardStartTimeout         time.Duration
	ShardFailureBackoff       time.Duration
	EntryRestartBackoff       time.Duration
	RebalanceInterval         time.Duration
	SnapshotInterval          time.Duration
	PassivateIdleAfter        time.Duration
	PassivateCheckInterval    time.Duration

	LeastShardRebalanceThreshold       int
	LeastShardMaxSimultaneousRebalance int
}

// Option configures a Config.
type Option func(*Config)

// DefaultConfig returns a Config with production-sane defaults, matching
// the values a single-process demo or test suite can run against without
// tuning.
func DefaultConfig() Config {
	return Config{
		GuardianName:                       "sharding",
		CoordinatorFailureBackoff:          3 * time.Second,
		RetryInterval:                      2 * time.Second,
		BufferSize:                         1000,
		HandOffTimeout:                     10 * time.Second,
		ShardStartTimeout:                  5 * time.Second,
		ShardFailureBackoff:                2 * time.Second,
		EntryRestartBackoff:                1 * time.Second,
		RebalanceInterval:                  10 * time.Second,
		SnapshotInterval:                   1 * time.Minute,
		PassivateIdleAfter:                 10 * time.Minute,
		PassivateCheckInterval:             1 * time.Minute,
		LeastShardRebalanceThreshold:       3,
		LeastShardMaxSimultaneousRebalance: 1,
	}
}

func WithRole(role string) Option { return func(c *Config) { c.Role = role } }

func WithGuardianName(name string) Option { return func(c *Config) { c.GuardianName = name } }

func WithCoordinatorFailureBackoff(d time.Duration) Option {
	return func(c *Config) { c.CoordinatorFailureBackoff = d }
}

func WithRetryInterval(d time.Duration) Option { return func(c *Config) { c.RetryInterval = d } }

func WithBufferSize(n int) Option { return func(c *Config) { c.BufferSize = n } }

func WithHandOffTimeout(d time.Duration) Option { return func(c *Config) { c.HandOffTimeout = d } }

func WithShardStartTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShardStartTimeout = d }
}

func WithShardFailureBackoff(d time.Duration) Option {
	return func(c *Config) { c.ShardFailureBackoff = d }
}

func WithEntryRestartBackoff(d time.Duration) Option {
	return func(c *Config) { c.EntryRestartBackoff = d }
}

func WithRebalanceInterval(d time.Duration) Option {
	return func(c *Config) { c.RebalanceInterval = d }
}

func WithSnapshotInterval(d time.Duration) Option {
	return func(c *Config) { c.SnapshotInterval = d }
}

func WithPassivateIdleAfter(d time.Duration) Option {
	return func(c *Config) { c.PassivateIdleAfter = d }
}

func WithPassivateCheckInterval(d time.Duration) Option {
	return func(c *Config) { c.PassivateCheckInterval = d }
}

func WithLeastShardThresholds(rebalanceThreshold, maxSimultaneousRebalance int) Option {
	return func(c *Config) {
		c.LeastShardRebalanceThreshold = rebalanceThreshold
		c.LeastShardMaxSimultaneousRebalance = maxSimultaneousRebalance
	}
}

func newConfig(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// StartOpts layers per-entry-type configuration on top of the node-wide
// Config for a single [Guardian.Start] call.
type StartOpts struct {
	Role             string
	RememberEntries  bool
	Allocation       AllocationStrategy
	StopMessage      any
}

// StartOption configures a Guardian.Start call.
type StartOption func(*StartOpts)

// WithStartRole overrides Config.Role for this entry type only.
func WithStartRole(role string) StartOption { return func(o *StartOpts) { o.Role = role } }

// WithRememberEntries makes the Shard persist its live entry set so it can
// be recreated verbatim after a crash or handoff.
func WithRememberEntries() StartOption { return func(o *StartOpts) { o.RememberEntries = true } }

// WithAllocationStrategy overrides the default least-shard allocation
// strategy for this entry type.
func WithAllocationStrategy(a AllocationStrategy) StartOption {
	return func(o *StartOpts) { o.Allocation = a }
}

// WithStopMessage overrides the default poison-pill sent to entries during
// passivation and handoff.
func WithStopMessage(msg any) StartOption { return func(o *StartOpts) { o.StopMessage = msg } }

func newStartOpts(opts ...StartOption) StartOpts {
	o := StartOpts{StopMessage: Stop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

package es

import "context"

type DeliverPolicy string

const (
	DeliverAllPolicy DeliverPolicy = "all"
	DeliverNewPolicy DeliverPolicy = "new"
)

type SubscribeFilter struct {
	AggregateType string
	AggregateID   string
}

type SubscribeOpts struct {
	deliverPolicy DeliverPolicy
	filters       []SubscribeFilter
	startSequence uint64
	startVersion  Version
}

func (s *SubscribeOpts) DeliverPolicy() DeliverPolicy { return s.deliverPolicy }
func (s *SubscribeOpts) Filters() []SubscribeFilter   { return s.filters }
func (s *SubscribeOpts) StartSequence() uint64        { return s.startSequence }

type SubscribeOption func(opts *SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{deliverPolicy: DeliverNewPolicy}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithDeliverPolicy(policy DeliverPolicy) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.deliverPolicy = policy }
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.filters = filters }
}

func WithStartSequence(startSequence uint64) SubscribeOption {
	return func(opts *SubscribeOpts) { opts.startSequence = startSequence }
}

// Subscription delivers envelopes matching a subscription's filters.
// MaxSequence reports the sequence known to the store at subscribe time so
// a consumer can detect when it has caught up to "live".
type Subscription interface {
	Cancel()
	Chan() <-chan Envelope
	MaxSequence() uint64
}

type Stream interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

func matchFilters(env Envelope, filters []SubscribeFilter) bool {
	for _, f := range filters {
		if !matchFilter(env, f) {
			return false
		}
	}
	return true
}

func matchFilter(env Envelope, filter SubscribeFilter) bool {
	if filter.AggregateType != "" && env.AggregateType != filter.AggregateType {
		return false
	}
	if filter.AggregateID != "" && env.AggregateID != filter.AggregateID {
		return false
	}
	return true
}

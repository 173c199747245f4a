package cluster

import (
	"context"
	"sync"

	"github.com/codewandler/shardkeeper/core/cache"
)

// ScopedHandlerOpts configures a handler that fans a single ServerHandlerFunc
// out into one sub-handler per key, creating sub-handlers lazily. This is
// the dispatch a shard uses to route envelopes to the actor for the
// addressed entity, creating that actor on first use.
type ScopedHandlerOpts struct {
	Extract func(env Envelope) (key string, err error)
	Create  func(key string) (ServerHandlerFunc, error)
	// CacheSize bounds the number of live sub-handlers with LRU eviction.
	// Zero or negative means unbounded.
	CacheSize int
}

// NewScopedHandler builds a keyed dispatch handler. When CacheSize > 0,
// evicted keys are dropped and recreated on next use; callers that need
// cleanup on eviction (e.g. stopping an entity actor) should have Create
// return a handler wrapping an actor that self-terminates on idle instead
// of relying on eviction timing.
func NewScopedHandler(opts ScopedHandlerOpts) ServerHandlerFunc {
	if opts.CacheSize > 0 {
		return newBoundedScopedHandler(opts)
	}
	return newUnboundedScopedHandler(opts)
}

func newUnboundedScopedHandler(opts ScopedHandlerOpts) ServerHandlerFunc {
	var (
		mu       sync.Mutex
		handlers = map[string]ServerHandlerFunc{}
	)

	return func(ctx context.Context, env Envelope) ([]byte, error) {
		k, err := opts.Extract(env)
		if err != nil {
			return nil, err
		}
		if k == "" {
			return nil, ErrKeyRequired
		}

		mu.Lock()
		h, ok := handlers[k]
		if !ok {
			h, err = opts.Create(k)
			if err != nil {
				mu.Unlock()
				return nil, err
			}
			handlers[k] = h
		}
		mu.Unlock()

		return h(ctx, env)
	}
}

func newBoundedScopedHandler(opts ScopedHandlerOpts) ServerHandlerFunc {
	c := cache.NewTyped[ServerHandlerFunc](cache.NewLRU(cache.LRUOpts{Size: opts.CacheSize}))
	var mu sync.Mutex

	return func(ctx context.Context, env Envelope) ([]byte, error) {
		k, err := opts.Extract(env)
		if err != nil {
			return nil, err
		}
		if k == "" {
			return nil, ErrKeyRequired
		}

		mu.Lock()
		h, ok := c.Get(k)
		if !ok {
			h, err = opts.Create(k)
			if err != nil {
				mu.Unlock()
				return nil, err
			}
			c.Put(k, h)
		}
		mu.Unlock()

		return h(ctx, env)
	}
}

// NewKeyHandler dispatches on the routing-key header set by [Client.Key],
// creating sub-handlers lazily with no eviction bound.
func NewKeyHandler(createFunc func(key string) (ServerHandlerFunc, error)) ServerHandlerFunc {
	return NewScopedHandler(ScopedHandlerOpts{
		Extract: extractKeyHeader,
		Create:  createFunc,
	})
}

// NewKeyHandlerWithOpts is like [NewKeyHandler] but bounds the number of
// live sub-handlers, evicting least-recently-used keys once cacheSize is
// exceeded.
func NewKeyHandlerWithOpts(createFunc func(key string) (ServerHandlerFunc, error), cacheSize int) ServerHandlerFunc {
	return NewScopedHandler(ScopedHandlerOpts{
		Extract:   extractKeyHeader,
		Create:    createFunc,
		CacheSize: cacheSize,
	})
}

func extractKeyHeader(env Envelope) (string, error) {
	key, ok := env.GetHeader(envHeaderKey)
	if !ok {
		return "", ErrMissingKeyHeader
	}
	return key, nil
}

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// responseFrame is the minimal response encoding for Request().
// Transport remains backend-agnostic because it's just bytes on the wire.
type responseFrame struct {
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

type handlerFn func(context.Context, Envelope) ([]byte, error)

// MemoryTransportOpts tunes the in-process Transport used by tests and the
// single-binary demo.
type MemoryTransportOpts struct {
	// HandlerTimeout bounds how long a subscriber may take to answer a
	// request before the caller gets ErrHandlerTimeout. Zero means no bound.
	HandlerTimeout time.Duration
	// MaxConcurrentHandlers caps in-flight handler invocations across the
	// whole transport. Zero means unlimited.
	MaxConcurrentHandlers int
}

// MemoryTransport is an in-process Transport, where the coordinator, every
// region and every shard share a process and don't need a real broker.
type MemoryTransport struct {
	mu  sync.RWMutex
	log *slog.Logger

	handlerTimeout time.Duration
	sem            chan struct{}

	closed bool

	// dest -> subID -> handler
	destSubs map[string]map[string]handlerFn

	// replyTo -> chan response bytes
	inboxes map[string]chan []byte

	inflight sync.WaitGroup
	seq      uint64
}

func NewInMemoryTransport(opts ...MemoryTransportOpts) *MemoryTransport {
	var o MemoryTransportOpts
	if len(opts) > 0 {
		o = opts[0]
	}

	t := &MemoryTransport{
		log:            slog.New(slog.DiscardHandler),
		handlerTimeout: o.HandlerTimeout,
		destSubs:       make(map[string]map[string]handlerFn),
		inboxes:        make(map[string]chan []byte),
	}
	if o.MaxConcurrentHandlers > 0 {
		t.sem = make(chan struct{}, o.MaxConcurrentHandlers)
	}
	return t
}

func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

func (t *MemoryTransport) doPublish(ctx context.Context, env Envelope) error {

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTransportClosed
	}

	// Copy handlers to avoid holding lock while invoking user code.
	subs := t.destSubs[env.To]
	handlers := make([]handlerFn, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	if len(handlers) == 0 {
		return ErrTransportNoSubscriber
	}

	// If nobody is subscribed, drop events; for requests, the caller will time out.
	for _, h := range handlers {
		h := h
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.invokeHandler(ctx, h, env)
		}()
	}

	return nil
}

func (t *MemoryTransport) Request(ctx context.Context, env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	if env.TTLMs > 0 && env.CreatedAtMs == 0 {
		env.CreatedAtMs = time.Now().UnixMilli()
	}
	if env.Expired() {
		return nil, ErrEnvelopeExpired
	}

	// Create a per-request inbox
	replyTo := t.newInboxID()
	replyCh, err := t.registerInbox(replyTo)
	if err != nil {
		return nil, err
	}
	defer t.unregisterInbox(replyTo)

	env.ReplyTo = replyTo

	// Publish request (async delivery)
	if err := t.doPublish(ctx, env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b, ok := <-replyCh:
		if !ok {
			return nil, ErrTransportClosed
		}
		var rf responseFrame
		if err := json.Unmarshal(b, &rf); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if rf.Err != "" {
			return nil, errors.New(rf.Err)
		}
		return rf.Data, nil
	}
}

func (t *MemoryTransport) Subscribe(
	ctx context.Context,
	dest string,
	h func(context.Context, Envelope) ([]byte, error),
) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.log.Debug("subscribe", slog.String("dest", dest))

	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.destSubs[dest] == nil {
		t.destSubs[dest] = make(map[string]handlerFn)
	}

	subID := t.newSubID(dest)
	t.destSubs[dest][subID] = h

	s := &subscription{
		t:     t,
		log:   t.log.With(slog.String("subscription", subID), slog.String("dest", dest)),
		dest:  dest,
		subID: subID,
	}

	context.AfterFunc(ctx, func() {
		_ = s.Unsubscribe()
	})

	return s, nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Wait for in-flight handlers before tearing down inboxes, so a
	// handler that's about to reply doesn't race a closed channel.
	t.inflight.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	for k, ch := range t.inboxes {
		close(ch)
		delete(t.inboxes, k)
	}
	for dest := range t.destSubs {
		delete(t.destSubs, dest)
	}

	t.log.Debug("closed")

	return nil
}

/* ---------------------- internals ---------------------- */

type subscription struct {
	t     *MemoryTransport
	log   *slog.Logger
	dest  string
	subID string
	once  sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.t.mu.Lock()
		defer s.t.mu.Unlock()
		if subs := s.t.destSubs[s.dest]; subs != nil {
			delete(subs, s.subID)
			if len(subs) == 0 {
				delete(s.t.destSubs, s.dest)
			}
		}
		s.log.Debug("unsubscribed")
	})
	return nil
}

func (t *MemoryTransport) invokeHandler(ctx context.Context, h handlerFn, env Envelope) {
	if t.sem != nil {
		select {
		case t.sem <- struct{}{}:
			defer func() { <-t.sem }()
		case <-ctx.Done():
			return
		}
	}

	hctx := ctx
	var cancel context.CancelFunc
	if t.handlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, t.handlerTimeout)
		defer cancel()
	}

	type result struct {
		data []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, err := h(hctx, env)
		resCh <- result{data, err}
	}()

	var resp []byte
	var err error
	select {
	case r := <-resCh:
		resp, err = r.data, r.err
	case <-hctx.Done():
		err = ErrHandlerTimeout
	}

	// If it's not a request, nothing to do.
	if env.ReplyTo == "" {
		if err != nil {
			t.log.Error("non-reply handler failed", slog.Any("envelope", env), slog.Any("error", err))
		}
		return
	}

	// Encode response (data + error)
	rf := responseFrame{Data: resp}
	if err != nil {
		rf.Err = err.Error()
		rf.Data = nil
	}
	b, _ := json.Marshal(rf)

	// Deliver response if inbox still exists
	t.mu.RLock()
	ch := t.inboxes[env.ReplyTo]
	t.mu.RUnlock()
	if ch == nil {
		t.log.Warn("dropping response", slog.String("replyTo", env.ReplyTo))
		return // requester timed out/canceled; drop
	}

	// Non-blocking send: if requester is gone or buffer full, drop.
	select {
	case ch <- b:
	default:
	}
}

func (t *MemoryTransport) newInboxID() string {
	n := atomic.AddUint64(&t.seq, 1)
	return fmt.Sprintf("inbox.%d", n)
}

func (t *MemoryTransport) newSubID(dest string) string {
	n := atomic.AddUint64(&t.seq, 1)
	return fmt.Sprintf("sub.%s.%d", dest, n)
}

func (t *MemoryTransport) registerInbox(replyTo string) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	// Buffered 1 so handler can respond even if requester is just about to select().
	ch := make(chan []byte, 1)
	t.inboxes[replyTo] = ch
	return ch, nil
}

func (t *MemoryTransport) unregisterInbox(replyTo string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := t.inboxes[replyTo]
	if ch != nil {
		close(ch)
		delete(t.inboxes, replyTo)
	}
}

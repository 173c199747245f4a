package actor

import (
	"context"
	"errors"
	"log/slog"
)

// ErrSelfRequest is returned when a handler issues a blocking Request against
// its own actor from within message processing; the mailbox goroutine would
// never be free to answer it.
var ErrSelfRequest = errors.New("actor: self-request would deadlock")

type (
	HandlerCtx interface {
		context.Context
		Log() *slog.Logger
		Schedule(f scheduleFunc)
		Send(ctx context.Context, cmd any) error
		Request(ctx context.Context, msg any) (any, error)
	}
)

type handlerCtx struct {
	context.Context
	log     *slog.Logger
	send    func(ctx context.Context, cmd any) error
	request func(ctx context.Context, msg any) (any, error)
	sched   Scheduler
}

// Schedule runs the given function asynchronously using the configured scheduler.
func (hc *handlerCtx) Schedule(f scheduleFunc) {
	hc.sched.Schedule(func() { f() })
}

func (hc *handlerCtx) Log() *slog.Logger                       { return hc.log }
func (hc *handlerCtx) Send(ctx context.Context, cmd any) error { return hc.send(ctx, cmd) }
func (hc *handlerCtx) Request(ctx context.Context, msg any) (any, error) {
	return hc.request(ctx, msg)
}

var _ HandlerCtx = (*handlerCtx)(nil)

package sharding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/shardkeeper/core/cluster"
)

// runRebalanceWorker realizes a single rebalance attempt for shardID,
// currently hosted by owner. It runs as its own goroutine tree rather than
// an actor: a rebalance is a short, linear, single-shot sequence (collect
// acks, hand off, wait for confirmation, report back) with nothing external
// ever addressing it directly, so a mailbox buys nothing here. onDone is
// invoked exactly once, from a goroutine other than the coordinator's own,
// so callers must bridge back into the coordinator's mailbox themselves
// (see coordinator.onRebalanceTick).
func runRebalanceWorker(
	ctx context.Context,
	log *slog.Logger,
	transport cluster.ClientTransport,
	shardID ShardId,
	owner RegionRef,
	regions []RegionRef,
	timeout time.Duration,
	onDone func(RebalanceDone),
) {
	log = log.With(slog.String("component", "rebalance_worker"), slog.String("shard_id", shardID))
	ctx, cancel := context.WithTimeout(ctx, timeout)

	go func() {
		defer cancel()

		if !collectBeginHandOffAcks(ctx, log, transport, shardID, regions) {
			onDone(RebalanceDone{ShardId: shardID, Ok: false})
			return
		}

		if _, err := request[ShardStopped](ctx, transport, owner, HandOff{ShardId: shardID}); err != nil {
			log.Warn("hand off failed", slog.String("owner", owner), slog.Any("error", err))
			onDone(RebalanceDone{ShardId: shardID, Ok: false})
			return
		}

		log.Info("rebalance complete", slog.String("from", owner))
		onDone(RebalanceDone{ShardId: shardID, Ok: true})
	}()
}

func collectBeginHandOffAcks(ctx context.Context, log *slog.Logger, transport cluster.ClientTransport, shardID ShardId, regions []RegionRef) bool {
	if len(regions) == 0 {
		return true
	}

	var wg sync.WaitGroup
	failed := make(chan struct{}, len(regions))
	for _, r := range regions {
		wg.Add(1)
		go func(r RegionRef) {
			defer wg.Done()
			if _, err := request[BeginHandOffAck](ctx, transport, r, BeginHandOff{ShardId: shardID}); err != nil {
				log.Warn("begin hand off failed", slog.String("region", r), slog.Any("error", err))
				failed <- struct{}{}
			}
		}(r)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		return false
	case <-done:
	}

	select {
	case <-failed:
		return false
	default:
		return true
	}
}

// runHandoffStopper watches every live entry of a shard being handed off,
// asks each to stop, and calls onDone once every entry has terminated.
// Like the rebalance worker, it is a plain goroutine tree: a handoff-stopper
// has no external mailbox, nobody addresses it but the Shard that spawned
// it, and its whole job is "wait for N things, then call back once".
func runHandoffStopper(ctx context.Context, log *slog.Logger, shardID ShardId, entries map[EntryId]EntryHandle, stopMsgType string, stopMsgData []byte, onDone func()) {
	log = log.With(slog.String("component", "handoff_stopper"), slog.String("shard_id", shardID))

	go func() {
		var wg sync.WaitGroup
		for id, e := range entries {
			wg.Add(1)
			go func(id EntryId, e EntryHandle) {
				defer wg.Done()
				if _, err := e.Deliver(ctx, stopMsgType, stopMsgData); err != nil {
					log.Warn("failed to deliver stop message", slog.String("entry_id", id), slog.Any("error", err))
				}
				select {
				case <-e.Done():
				case <-ctx.Done():
				}
			}(id, e)
		}
		wg.Wait()
		log.Debug("all entries stopped")
		onDone()
	}()
}

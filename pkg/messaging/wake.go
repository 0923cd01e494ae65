package messaging

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// wakeChannel is the pub/sub channel a successful send publishes to, so the
// delivery worker blocked on its 2s ticker can run an early tick (spec §4.B
// supplement: "purely additive ... behavior with REDIS_URL unset is
// byte-for-byte the spec's described polling loop").
const wakeChannel = "zeroclaw:messages:wake"

// NewWakeChannel subscribes to the wake channel and returns a channel that
// receives a value on every publish. Returns nil if rdb is nil — callers
// pass the nil channel straight into NewWorker, which selects on it safely
// (a nil channel blocks forever in a select, which is exactly "never
// fires").
func NewWakeChannel(ctx context.Context, rdb *redis.Client, logger *slog.Logger) <-chan struct{} {
	if rdb == nil {
		return nil
	}

	out := make(chan struct{}, 1)
	pubsub := rdb.Subscribe(ctx, wakeChannel)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	logger.Info("messaging wake accelerator enabled", "channel", wakeChannel)
	return out
}

// PublishWake notifies any subscribed worker that a new message may be
// ready sooner than the next tick. rdb may be nil, in which case this is a
// no-op (pure tick-polling fallback).
func PublishWake(ctx context.Context, rdb *redis.Client) {
	if rdb == nil {
		return
	}
	rdb.Publish(ctx, wakeChannel, "1")
}

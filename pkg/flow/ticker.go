package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/zeroclaw/zeroclaw/internal/metrics"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

const timeoutTickInterval = 5 * time.Second

// Ticker periodically scans live flow instances for per-step timeouts and
// advances any that have overrun with the synthetic "_timeout" token (spec
// §4.E "Timeout detection"). It mirrors the delivery worker's tick loop
// shape (pkg/messaging.Worker.Run) rather than driving timeouts off
// per-instance timers, since a single periodic scan is simpler to reason
// about across restarts than one goroutine-timer per instance.
type Ticker struct {
	store       *registry.Store
	cache       *Cache
	engine      *Engine
	channelName string
	logger      *slog.Logger
}

// NewTicker constructs a Ticker. channelName identifies the provider engine
// uses to deliver the post-timeout step, same as Poller.
func NewTicker(store *registry.Store, cache *Cache, engine *Engine, channelName string, logger *slog.Logger) *Ticker {
	return &Ticker{store: store, cache: cache, engine: engine, channelName: channelName, logger: logger}
}

// Run blocks, ticking every 5 seconds until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	t.logger.Info("flow timeout ticker started", "interval", timeoutTickInterval)
	ticker := time.NewTicker(timeoutTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("flow timeout ticker stopped")
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick lists every live instance (cutoff = now returns all of them, since no
// step_entered_at can be in the future) and advances the ones whose
// effective per-step timeout has elapsed.
func (t *Ticker) tick(ctx context.Context) {
	now := time.Now().UTC()
	instances, err := t.store.ListFlowInstancesByTimeout(ctx, now)
	if err != nil {
		t.logger.Error("listing flow instances for timeout scan", "error", err)
		return
	}

	for _, fi := range instances {
		def, err := t.cache.Resolve(ctx, fi.FlowName)
		if err != nil {
			t.logger.Warn("resolving flow definition for timeout scan", "flow", fi.FlowName, "error", err)
			continue
		}
		step, ok := def.Steps[fi.CurrentStep]
		if !ok {
			continue
		}
		timeoutSecs := step.EffectiveTimeout(def.DefaultTimeoutSecs)
		if timeoutSecs <= 0 {
			continue
		}
		if now.Sub(fi.StepEnteredAt) < time.Duration(timeoutSecs)*time.Second {
			continue
		}

		metrics.FlowTimeoutsTotal.WithLabelValues(fi.FlowName).Inc()
		if err := t.engine.Advance(ctx, t.channelName, fi.ChatID, TokenTimeout); err != nil {
			t.logger.Warn("advancing timed-out flow instance", "chat_id", fi.ChatID, "flow", fi.FlowName, "error", err)
		}
	}
}

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/zeroclaw/zeroclaw/internal/metrics"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

const tickInterval = 2 * time.Second
const leaseDurationSecs = 90

const (
	reasonMaxRetriesExceeded = "max retries exceeded"
	reasonTTLExpired         = "TTL expired"
)

// Worker runs the delivery worker loop described in spec §4.B: every tick,
// it reaps expired leases (retry or dead-letter), dead-letters TTL-expired
// messages, and best-effort auto-starts recipients of queued auto_start
// messages.
type Worker struct {
	store   *registry.Store
	logger  *slog.Logger
	starter Starter
	wake    <-chan struct{} // optional external wake accelerator (see wake.go); may be nil
}

// NewWorker constructs a Worker. wake may be nil when no Redis accelerator
// is configured — the ticker alone still drives delivery.
func NewWorker(store *registry.Store, logger *slog.Logger, starter Starter, wake <-chan struct{}) *Worker {
	return &Worker{store: store, logger: logger, starter: starter, wake: wake}
}

// Run blocks, ticking every 2 seconds until ctx is cancelled (spec §4.B
// "Delivery worker. Runs every 2 seconds.").
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("messaging delivery worker started", "interval", tickInterval)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("messaging delivery worker stopped")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		case <-w.wake:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UTC()

	if err := w.reapExpiredLeases(ctx, now); err != nil {
		w.logger.Error("reaping expired leases", "error", err)
	}
	if err := w.reapTTLExpired(ctx, now); err != nil {
		w.logger.Error("reaping TTL-expired messages", "error", err)
	}
	if err := w.autoStartRecipients(ctx); err != nil {
		w.logger.Error("auto-starting recipients", "error", err)
	}
}

// reapExpiredLeases implements spec §4.B delivery-worker step (a).
func (w *Worker) reapExpiredLeases(ctx context.Context, now time.Time) error {
	expired, err := w.store.GetExpiredLeases(ctx, now)
	if err != nil {
		return fmt.Errorf("listing expired leases: %w", err)
	}

	for _, m := range expired {
		if err := w.store.LogMessageEvent(ctx, m.ID, "lease_expired", nil); err != nil {
			w.logger.Error("logging lease_expired event", "message_id", m.ID, "error", err)
			continue
		}

		if m.RetryCount+1 >= m.MaxRetries {
			if err := w.store.DeadLetter(ctx, m.ID, reasonMaxRetriesExceeded); err != nil {
				w.logger.Error("dead-lettering message after lease expiry", "message_id", m.ID, "error", err)
				continue
			}
			metrics.MessagesDeadLetteredTotal.WithLabelValues(reasonMaxRetriesExceeded).Inc()
			continue
		}

		delay := backoff(m.RetryCount)
		if err := w.store.Retry(ctx, m.ID, delay); err != nil {
			w.logger.Error("scheduling retry", "message_id", m.ID, "error", err)
			continue
		}
		metrics.MessagesRetriedTotal.Inc()
	}
	return nil
}

// reapTTLExpired implements spec §4.B delivery-worker step (b).
func (w *Worker) reapTTLExpired(ctx context.Context, now time.Time) error {
	expired, err := w.store.GetTTLExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("listing TTL-expired messages: %w", err)
	}

	for _, m := range expired {
		if err := w.store.DeadLetter(ctx, m.ID, reasonTTLExpired); err != nil {
			w.logger.Error("dead-lettering TTL-expired message", "message_id", m.ID, "error", err)
			continue
		}
		metrics.MessagesDeadLetteredTotal.WithLabelValues(reasonTTLExpired).Inc()
	}
	return nil
}

// autoStartRecipients implements spec §4.B delivery-worker step (c): best
// effort, failures logged not surfaced.
func (w *Worker) autoStartRecipients(ctx context.Context) error {
	if w.starter == nil {
		return nil
	}
	queued, _, err := w.store.ListMessages(ctx, registry.MessageFilters{Status: string(registry.MessageQueued)}, 1000, 0)
	if err != nil {
		return fmt.Errorf("listing queued messages: %w", err)
	}

	seen := make(map[string]bool)
	for _, m := range queued {
		if seen[m.ToInstance] {
			continue
		}
		seen[m.ToInstance] = true

		rule, err := w.store.CheckRouteAllowed(ctx, m.FromInstance, m.ToInstance, m.MessageType)
		if err != nil || !rule.AutoStart {
			continue
		}
		if err := w.starter.StartIfStopped(ctx, m.ToInstance); err != nil {
			w.logger.Warn("auto-start failed", "instance", m.ToInstance, "error", err)
		}
	}
	return nil
}

// backoff computes the retry delay per spec §4.B: "delay = min(2^retry_count
// seconds, 60 s) + uniform_jitter(0, 500 ms)". math/rand is used
// deliberately — the spec requires non-constant jitter, not cryptographic
// unpredictability.
func backoff(retryCount int) time.Duration {
	secs := 1 << uint(min(retryCount, 6)) // 2^6 = 64, already past the 60s cap
	base := time.Duration(secs) * time.Second
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

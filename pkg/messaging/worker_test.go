package messaging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeroclaw/zeroclaw/internal/registry"
)

func openTestStore(t *testing.T) *registry.Store {
	t.Helper()
	s, err := registry.Open(context.Background(), filepath.Join(t.TempDir(), "cp"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestReapExpiredLeasesDeadLettersAtMaxRetries is the retry-boundedness
// invariant from spec §8: a message whose next retry would meet or exceed
// max_retries is dead-lettered instead of retried again.
func TestReapExpiredLeasesDeadLettersAtMaxRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	w := NewWorker(s, discardLogger(), noopStarter{}, nil)

	if _, err := s.Enqueue(ctx, registry.EnqueueParams{
		ID: "msg-1", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{}`, MaxRetries: 1, TTLSecs: 3600,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.LeasePending(ctx, "bot-b"); err != nil {
		t.Fatalf("LeasePending: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	if err := w.reapExpiredLeases(ctx, future); err != nil {
		t.Fatalf("reapExpiredLeases: %v", err)
	}

	got, err := s.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != registry.MessageDeadLetter {
		t.Fatalf("status = %q, want dead_letter (max_retries=1 exhausted on first expiry)", got.Status)
	}
}

// TestReapExpiredLeasesRetriesBelowMaxRetries covers the other side of the
// retry-boundedness invariant: a message with retries remaining is
// rescheduled, not dead-lettered.
func TestReapExpiredLeasesRetriesBelowMaxRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	w := NewWorker(s, discardLogger(), noopStarter{}, nil)

	if _, err := s.Enqueue(ctx, registry.EnqueueParams{
		ID: "msg-1", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{}`, MaxRetries: 3, TTLSecs: 3600,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.LeasePending(ctx, "bot-b"); err != nil {
		t.Fatalf("LeasePending: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	if err := w.reapExpiredLeases(ctx, future); err != nil {
		t.Fatalf("reapExpiredLeases: %v", err)
	}

	got, err := s.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != registry.MessageQueued {
		t.Fatalf("status = %q, want queued (retried, not dead-lettered)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", got.RetryCount)
	}
}

func TestBackoffCapsAt60Seconds(t *testing.T) {
	for _, retryCount := range []int{0, 3, 6, 20} {
		d := backoff(retryCount)
		if d > 60*time.Second+500*time.Millisecond {
			t.Fatalf("backoff(%d) = %s, want <= 60.5s", retryCount, d)
		}
		if d <= 0 {
			t.Fatalf("backoff(%d) = %s, want positive", retryCount, d)
		}
	}
}

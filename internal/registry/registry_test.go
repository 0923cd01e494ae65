package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cp"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetKV(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}

	if v, err := s.GetKVOrEmpty(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("GetKVOrEmpty(missing) = %q, %v", v, err)
	}

	if err := s.SetKV(ctx, "poll:123", "chat-1"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	v, err := s.GetKV(ctx, "poll:123")
	if err != nil || v != "chat-1" {
		t.Fatalf("GetKV = %q, %v; want chat-1, nil", v, err)
	}

	if err := s.DeleteKV(ctx, "poll:123"); err != nil {
		t.Fatalf("DeleteKV: %v", err)
	}
	if v, _ := s.GetKVOrEmpty(ctx, "poll:123"); v != "" {
		t.Fatalf("key survived delete: %q", v)
	}
}

func TestInstanceNameCollision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateInstance(ctx, CreateInstanceParams{
		ID: "inst-1", Name: "bot-a", Port: 18801, ConfigPath: "/cfg/bot-a.toml",
	}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	_, err := s.CreateInstance(ctx, CreateInstanceParams{
		ID: "inst-2", Name: "bot-a", Port: 18802, ConfigPath: "/cfg/bot-a-2.toml",
	})
	if err == nil {
		t.Fatal("expected a name collision error")
	}
}

func TestMessageLeaseAndAcknowledge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, EnqueueParams{
		ID: "msg-1", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{"text":"hi"}`, MaxRetries: 3, TTLSecs: 3600,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if msg.Status != MessageQueued {
		t.Fatalf("new message status = %q, want queued", msg.Status)
	}

	leased, err := s.LeasePending(ctx, "bot-b")
	if err != nil {
		t.Fatalf("LeasePending: %v", err)
	}
	if leased == nil || leased.ID != "msg-1" {
		t.Fatalf("LeasePending returned %+v, want msg-1", leased)
	}

	if again, err := s.LeasePending(ctx, "bot-b"); err == nil || again != nil {
		t.Fatalf("expected no second lease while first is outstanding, got %+v, %v", again, err)
	}

	if err := s.Acknowledge(ctx, "msg-1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	got, err := s.GetMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Status != MessageAcknowledged {
		t.Fatalf("status after ack = %q, want acknowledged", got.Status)
	}
}

func TestFlowInstanceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fi, err := s.StartFlowInstance(ctx, "chat-1", "onboarding", "ask_name")
	if err != nil {
		t.Fatalf("StartFlowInstance: %v", err)
	}
	if fi.CurrentStep != "ask_name" {
		t.Fatalf("current step = %q, want ask_name", fi.CurrentStep)
	}

	if err := s.AdvanceFlowInstance(ctx, "chat-1", "ask_email", nil); err != nil {
		t.Fatalf("AdvanceFlowInstance: %v", err)
	}
	fi, err = s.GetFlowInstance(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetFlowInstance: %v", err)
	}
	if fi.CurrentStep != "ask_email" {
		t.Fatalf("current step after advance = %q, want ask_email", fi.CurrentStep)
	}

	if err := s.CompleteFlowInstance(ctx, "chat-1", FlowCompleted); err != nil {
		t.Fatalf("CompleteFlowInstance: %v", err)
	}
	if _, err := s.GetFlowInstance(ctx, "chat-1"); err == nil {
		t.Fatal("expected no active instance after completion")
	}

	history, err := s.ListFlowHistory(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListFlowHistory: %v", err)
	}
	if len(history) != 1 || history[0].ChatID != "chat-1" {
		t.Fatalf("history = %+v, want one entry for chat-1", history)
	}

	scoped, err := s.ListFlowHistory(ctx, "chat-other", 10)
	if err != nil {
		t.Fatalf("ListFlowHistory(chat-other): %v", err)
	}
	if len(scoped) != 0 {
		t.Fatalf("expected no history for an unrelated chat, got %+v", scoped)
	}
}

// TestEnqueueIdempotencyDedup is the idempotency invariant from spec §8: a
// second Enqueue with the same idempotency_key must be rejected as a
// conflict rather than creating a duplicate row.
func TestEnqueueIdempotencyDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key := "idem-1"
	first, err := s.Enqueue(ctx, EnqueueParams{
		ID: "msg-a", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{"text":"hi"}`, IdempotencyKey: &key,
		MaxRetries: 3, TTLSecs: 3600,
	})
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	_, err = s.Enqueue(ctx, EnqueueParams{
		ID: "msg-b", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{"text":"hi again"}`, IdempotencyKey: &key,
		MaxRetries: 3, TTLSecs: 3600,
	})
	if err == nil {
		t.Fatal("expected second Enqueue with the same idempotency key to fail")
	}

	existingID, err := s.CheckIdempotencyKey(ctx, key)
	if err != nil || existingID != first.ID {
		t.Fatalf("CheckIdempotencyKey = %q, %v; want %q, nil", existingID, err, first.ID)
	}
}

// TestLeasePendingFIFO is the lease FIFO invariant from spec §8: messages to
// the same recipient are leased in creation order.
func TestLeasePendingFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, EnqueueParams{
		ID: "msg-1", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{}`, MaxRetries: 3, TTLSecs: 3600,
	}); err != nil {
		t.Fatalf("Enqueue msg-1: %v", err)
	}
	if _, err := s.Enqueue(ctx, EnqueueParams{
		ID: "msg-2", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{}`, MaxRetries: 3, TTLSecs: 3600,
	}); err != nil {
		t.Fatalf("Enqueue msg-2: %v", err)
	}

	first, err := s.LeasePending(ctx, "bot-b")
	if err != nil || first == nil {
		t.Fatalf("first LeasePending: %+v, %v", first, err)
	}
	if first.ID != "msg-1" {
		t.Fatalf("first leased = %q, want msg-1 (FIFO)", first.ID)
	}
	if err := s.Acknowledge(ctx, first.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	second, err := s.LeasePending(ctx, "bot-b")
	if err != nil || second == nil {
		t.Fatalf("second LeasePending: %+v, %v", second, err)
	}
	if second.ID != "msg-2" {
		t.Fatalf("second leased = %q, want msg-2 (FIFO)", second.ID)
	}
}

// TestAppendOnlyTablesRejectUpdateAndDelete verifies the append-only
// enforcement invariant from spec §8: message_events and flow_audit_log
// reject UPDATE and DELETE via SQLite triggers.
func TestAppendOnlyTablesRejectUpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg, err := s.Enqueue(ctx, EnqueueParams{
		ID: "msg-1", FromInstance: "bot-a", ToInstance: "bot-b",
		MessageType: "text", Payload: `{}`, MaxRetries: 3, TTLSecs: 3600,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	events, err := s.GetEvents(ctx, msg.ID)
	if err != nil || len(events) == 0 {
		t.Fatalf("GetEvents: %+v, %v; want at least one created event", events, err)
	}

	if _, err := s.DB().ExecContext(ctx, `UPDATE message_events SET event_type = 'tampered' WHERE message_id = ?`, msg.ID); err == nil {
		t.Fatal("expected UPDATE on message_events to be rejected")
	}
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM message_events WHERE message_id = ?`, msg.ID); err == nil {
		t.Fatal("expected DELETE on message_events to be rejected")
	}

	detail := "test"
	if err := s.LogFlowAudit(ctx, "onboarding", nil, "handoff", "agent", &detail); err != nil {
		t.Fatalf("LogFlowAudit: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `UPDATE flow_audit_log SET event = 'tampered' WHERE flow_name = 'onboarding'`); err == nil {
		t.Fatal("expected UPDATE on flow_audit_log to be rejected")
	}
	if _, err := s.DB().ExecContext(ctx, `DELETE FROM flow_audit_log WHERE flow_name = 'onboarding'`); err == nil {
		t.Fatal("expected DELETE on flow_audit_log to be rejected")
	}
}

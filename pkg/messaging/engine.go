// Package messaging is the Messaging Engine: the inter-agent bus's route
// check, enqueue, lease, ack, retry/backoff, dead-letter, replay and
// delivery-worker logic sitting on top of the Registry Store (spec §4.B).
package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zeroclaw/zeroclaw/internal/metrics"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

const maxPayloadBytes = 65536
const maxHopCount = 8

// Starter is the subset of pkg/lifecycle the engine needs for auto_start
// (spec §4.B step 8) without importing it directly and creating a cycle;
// pkg/lifecycle's Service satisfies this.
type Starter interface {
	StartIfStopped(ctx context.Context, instanceName string) error
}

// Engine implements the Enqueue/Lease/Acknowledge pipeline described in
// spec §4.B, backed by a *registry.Store.
type Engine struct {
	store      *registry.Store
	secretKeys map[string]bool
	starter    Starter
}

// New constructs an Engine. starter may be nil, in which case auto_start is
// skipped. Auto-start is best-effort: a failed start is never surfaced to
// the sender.
func New(store *registry.Store, secretKeys []string, starter Starter) *Engine {
	return &Engine{store: store, secretKeys: secretKeySet(secretKeys), starter: starter}
}

// SendParams holds the inputs to Send.
type SendParams struct {
	FromInstance   string
	ToInstance     string
	MessageType    string
	Payload        string // raw JSON, pre-redaction
	CorrelationID  *string
	IdempotencyKey *string
	HopCount       int
}

// SendResult reports the outcome of Send.
type SendResult struct {
	Message      registry.Message
	Deduplicated bool
}

// Send runs the full enqueue pipeline (spec §4.B steps 1-8).
func (e *Engine) Send(ctx context.Context, p SendParams) (SendResult, error) {
	if _, err := e.store.GetActiveByName(ctx, p.FromInstance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SendResult{}, registry.NewError(registry.KindNotFound, fmt.Sprintf("from_instance %q not found", p.FromInstance))
		}
		return SendResult{}, fmt.Errorf("checking from_instance: %w", err)
	}
	if _, err := e.store.GetActiveByName(ctx, p.ToInstance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SendResult{}, registry.NewError(registry.KindNotFound, fmt.Sprintf("to_instance %q not found", p.ToInstance))
		}
		return SendResult{}, fmt.Errorf("checking to_instance: %w", err)
	}

	if len(p.Payload) > maxPayloadBytes {
		return SendResult{}, registry.NewError(registry.KindPayloadTooLarge, fmt.Sprintf("payload exceeds %d bytes", maxPayloadBytes))
	}

	if p.HopCount >= maxHopCount {
		return SendResult{}, registry.NewError(registry.KindBadRequest, fmt.Sprintf("hop_count must be < %d", maxHopCount))
	}

	rule, err := e.store.CheckRouteAllowed(ctx, p.FromInstance, p.ToInstance, p.MessageType)
	if errors.Is(err, sql.ErrNoRows) {
		return SendResult{}, registry.NewError(registry.KindForbidden, fmt.Sprintf("no routing rule allows %s -> %s (%s)", p.FromInstance, p.ToInstance, p.MessageType))
	}
	if err != nil {
		return SendResult{}, fmt.Errorf("checking route: %w", err)
	}

	if p.IdempotencyKey != nil {
		if existingID, err := e.store.CheckIdempotencyKey(ctx, *p.IdempotencyKey); err == nil {
			existing, err := e.store.GetMessage(ctx, existingID)
			if err != nil {
				return SendResult{}, fmt.Errorf("loading deduplicated message: %w", err)
			}
			return SendResult{Message: existing, Deduplicated: true}, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return SendResult{}, fmt.Errorf("checking idempotency key: %w", err)
		}
	}

	redacted, err := redactPayload(p.Payload, e.secretKeys)
	if err != nil {
		return SendResult{}, registry.NewError(registry.KindBadRequest, fmt.Sprintf("payload is not valid JSON: %v", err))
	}

	msg, err := e.store.Enqueue(ctx, registry.EnqueueParams{
		ID:             uuid.NewString(),
		FromInstance:   p.FromInstance,
		ToInstance:     p.ToInstance,
		MessageType:    p.MessageType,
		Payload:        redacted,
		CorrelationID:  p.CorrelationID,
		IdempotencyKey: p.IdempotencyKey,
		HopCount:       p.HopCount,
		MaxRetries:     rule.MaxRetries,
		TTLSecs:        rule.TTLSecs,
	})
	if err != nil {
		return SendResult{}, err
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues(p.MessageType).Inc()

	if rule.AutoStart && e.starter != nil {
		if err := e.starter.StartIfStopped(ctx, p.ToInstance); err != nil {
			// best-effort: the auto-start error is dropped here without
			// being logged and is never surfaced to the sender.
			_ = err
		}
	}

	return SendResult{Message: msg}, nil
}

// Lease runs the lease pipeline for a recipient's long-poll (spec §4.B
// "Lease pipeline"). Returns nil, nil if no message is eligible.
func (e *Engine) Lease(ctx context.Context, toInstance string) (*registry.Message, error) {
	m, err := e.store.LeasePending(ctx, toInstance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leasing message: %w", err)
	}
	metrics.MessagesLeasedTotal.Inc()
	return m, nil
}

// Acknowledge marks a leased message acknowledged (terminal success).
func (e *Engine) Acknowledge(ctx context.Context, id string) error {
	if err := e.store.Acknowledge(ctx, id); err != nil {
		return err
	}
	metrics.MessagesAcknowledgedTotal.Inc()
	return nil
}

// Replay resets a dead_letter message back to queued with a fresh TTL.
func (e *Engine) Replay(ctx context.Context, id string) error {
	if err := e.store.Replay(ctx, id); err != nil {
		return err
	}
	metrics.MessagesReplayedTotal.Inc()
	return nil
}

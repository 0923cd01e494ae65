package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zeroclaw/zeroclaw/internal/channel"
	"github.com/zeroclaw/zeroclaw/internal/metrics"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

const pollKVPrefix = "poll:"

// Engine drives flow execution: starting a flow for a chat, dispatching
// step execution against a channel.Provider, resolving inbound tokens to
// transitions, and completing flows (spec §4.E "Runtime state").
type Engine struct {
	store     *registry.Store
	cache     *Cache
	providers *channel.Registry
	logger    *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(store *registry.Store, cache *Cache, providers *channel.Registry, logger *slog.Logger) *Engine {
	return &Engine{store: store, cache: cache, providers: providers, logger: logger}
}

// Start begins flowName for chatID on the named channel, force-replacing
// any flow already running for that chat (spec §4.E "Start: insert or
// replace row; execute start step").
func (e *Engine) Start(ctx context.Context, channelName, chatID, flowName string) (registry.FlowInstance, error) {
	def, err := e.cache.Resolve(ctx, flowName)
	if err != nil {
		return registry.FlowInstance{}, registry.NewError(registry.KindNotFound, err.Error())
	}
	step, ok := def.Steps[def.StartStep]
	if !ok {
		return registry.FlowInstance{}, fmt.Errorf("flow %q: start step %q missing from runtime definition", flowName, def.StartStep)
	}

	fi, err := e.store.StartFlowInstance(ctx, chatID, flowName, def.StartStep)
	if err != nil {
		return registry.FlowInstance{}, err
	}

	anchor, pollID, err := e.executeStep(ctx, channelName, chatID, step, nil)
	if err != nil {
		e.logger.Error("executing flow start step", "flow", flowName, "chat_id", chatID, "error", err)
		return fi, nil
	}
	if anchor != "" {
		if err := e.store.AdvanceFlowInstance(ctx, chatID, def.StartStep, &anchor); err != nil {
			e.logger.Warn("persisting start step anchor", "chat_id", chatID, "error", err)
		}
		fi.AnchorMessageID = &anchor
	}
	if pollID != nil {
		if err := e.store.SetKV(ctx, pollKVPrefix+*pollID, chatID); err != nil {
			e.logger.Warn("persisting poll->chat mapping", "poll_id", *pollID, "error", err)
		}
	}
	e.logHandoff(ctx, flowName, chatID, step)

	if step.IsTerminal() {
		if err := e.complete(ctx, chatID, registry.FlowCompleted); err != nil {
			e.logger.Error("completing single-step flow", "chat_id", chatID, "error", err)
		}
	}

	return fi, nil
}

// logHandoff records a "handoff" audit event when arriving at a step with
// agent_handoff set, before control returns to the caller (spec §4.E/§4.F
// supplement: "arriving at such a step writes a FlowAuditLog event
// 'handoff' ... before returning control").
func (e *Engine) logHandoff(ctx context.Context, flowName, chatID string, step Step) {
	if !step.AgentHandoff {
		return
	}
	detail := "chat_id=" + chatID + " step=" + step.ID
	if err := e.store.LogFlowAudit(ctx, flowName, nil, "handoff", "agent", &detail); err != nil {
		e.logger.Warn("logging handoff audit event", "flow", flowName, "chat_id", chatID, "step", step.ID, "error", err)
	}
}

// executeStep dispatches a step by kind against the named channel's
// provider, returning the opaque anchor message id and, for poll steps, a
// provider-side poll id (spec §4.E "Step execution").
func (e *Engine) executeStep(ctx context.Context, channelName, chatID string, step Step, anchorMessageID *string) (string, *string, error) {
	provider := e.providers.Get(channelName)

	switch step.Kind {
	case StepKeyboard:
		content := channel.Content{Text: step.Text, Keyboard: buttonsToKeyboard(step.Buttons)}
		anchor, _, err := provider.Send(ctx, chatID, content)
		return anchor, nil, err

	case StepPoll:
		content := channel.Content{Text: step.Text, Poll: &channel.PollContent{Question: step.Text, Options: step.PollOptions}}
		anchor, pollID, err := provider.Send(ctx, chatID, content)
		return anchor, pollID, err

	case StepMessage:
		anchor, _, err := provider.Send(ctx, chatID, channel.Content{Text: step.Text})
		return anchor, nil, err

	case StepEdit:
		if anchorMessageID != nil && *anchorMessageID != "" {
			content := channel.Content{Text: step.Text, Keyboard: buttonsToKeyboard(step.Buttons)}
			if err := provider.EditMessage(ctx, chatID, *anchorMessageID, content); err != nil {
				return "", nil, err
			}
			return *anchorMessageID, nil, nil
		}
		e.logger.Warn("edit step has no anchor message, sending new message", "chat_id", chatID)
		anchor, _, err := provider.Send(ctx, chatID, channel.Content{Text: step.Text})
		return anchor, nil, err

	default:
		return "", nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func buttonsToKeyboard(buttons [][]ButtonDef) []channel.KeyboardRow {
	if buttons == nil {
		return nil
	}
	rows := make([]channel.KeyboardRow, len(buttons))
	for i, row := range buttons {
		btns := make([]channel.Button, len(row))
		for j, b := range row {
			btns[j] = channel.Button{Label: b.Text, Data: b.CallbackData}
		}
		rows[i] = channel.KeyboardRow{Buttons: btns}
	}
	return rows
}

// ResolveTransition picks the transition to follow for input token on step,
// per spec §4.E "Transition resolution": exact match first, else "_any",
// else none.
func ResolveTransition(step Step, token string) *TransitionDef {
	for _, tr := range step.Transitions {
		if tr.On == token {
			return &tr
		}
	}
	for _, tr := range step.Transitions {
		if tr.On == TokenAny {
			return &tr
		}
	}
	return nil
}

// Advance routes inbound token to chatID's active flow, following the
// matching transition (if any) and executing the target step. An
// unmatched non-timeout token is ignored; an unmatched "_timeout" token
// terminates the flow as timed_out (spec §4.E).
func (e *Engine) Advance(ctx context.Context, channelName, chatID, token string) error {
	fi, err := e.store.GetFlowInstance(ctx, chatID)
	if err != nil {
		return registry.NewError(registry.KindNotFound, "no active flow for chat")
	}

	def, err := e.cache.Resolve(ctx, fi.FlowName)
	if err != nil {
		return err
	}
	step, ok := def.Steps[fi.CurrentStep]
	if !ok {
		return fmt.Errorf("flow %q: current step %q missing from runtime definition", fi.FlowName, fi.CurrentStep)
	}

	tr := ResolveTransition(step, token)
	if tr == nil {
		if token == TokenTimeout {
			return e.complete(ctx, chatID, registry.FlowTimedOut)
		}
		return nil
	}

	target, ok := def.Steps[tr.Target]
	if !ok {
		return fmt.Errorf("flow %q: transition target %q missing from runtime definition", fi.FlowName, tr.Target)
	}

	anchor, pollID, err := e.executeStep(ctx, channelName, chatID, target, fi.AnchorMessageID)
	if err != nil {
		return fmt.Errorf("executing step %q: %w", target.ID, err)
	}

	var anchorPtr *string
	if anchor != "" {
		anchorPtr = &anchor
	}
	if err := e.store.AdvanceFlowInstance(ctx, chatID, target.ID, anchorPtr); err != nil {
		return err
	}
	metrics.FlowTransitionsTotal.WithLabelValues(fi.FlowName).Inc()
	if pollID != nil {
		if err := e.store.SetKV(ctx, pollKVPrefix+*pollID, chatID); err != nil {
			e.logger.Warn("persisting poll->chat mapping", "poll_id", *pollID, "error", err)
		}
	}
	e.logHandoff(ctx, fi.FlowName, chatID, target)

	if target.IsTerminal() {
		return e.complete(ctx, chatID, registry.FlowCompleted)
	}
	return nil
}

// HandlePollAnswer routes a poll-answer callback to its owning chat via the
// kv_state poll_id mapping, synthesizing the "poll_option_<index>" token.
// Unlike Poller.Tick, which always has ChatID on the channel.Update it
// consumes, this is for a webhook-style caller that only has a bare poll id
// (spec §4.E, §6 "poll:<id> -> chat_id").
func (e *Engine) HandlePollAnswer(ctx context.Context, channelName, pollID string, optionIndex int) error {
	chatID, err := e.store.GetKV(ctx, pollKVPrefix+pollID)
	if err != nil {
		return registry.NewError(registry.KindNotFound, "no chat registered for poll id")
	}
	return e.Advance(ctx, channelName, chatID, PollOptionToken(optionIndex))
}

// ForceComplete ends chatID's active flow as force_completed (spec §6
// "DELETE …/active/{chat_id} (force-complete)").
func (e *Engine) ForceComplete(ctx context.Context, chatID string) error {
	return e.complete(ctx, chatID, registry.FlowForceCompleted)
}

// Replay re-executes the current step's send without advancing state —
// used when a chat's anchor message needs to be redelivered (spec §6
// "POST …/active/{chat_id}/replay").
func (e *Engine) Replay(ctx context.Context, channelName, chatID string) error {
	fi, err := e.store.GetFlowInstance(ctx, chatID)
	if err != nil {
		return registry.NewError(registry.KindNotFound, "no active flow for chat")
	}
	def, err := e.cache.Resolve(ctx, fi.FlowName)
	if err != nil {
		return err
	}
	step, ok := def.Steps[fi.CurrentStep]
	if !ok {
		return fmt.Errorf("flow %q: current step %q missing from runtime definition", fi.FlowName, fi.CurrentStep)
	}

	anchor, _, err := e.executeStep(ctx, channelName, chatID, step, fi.AnchorMessageID)
	if err != nil {
		return err
	}
	if anchor != "" {
		if err := e.store.AdvanceFlowInstance(ctx, chatID, fi.CurrentStep, &anchor); err != nil {
			return err
		}
	}
	detail := "step=" + fi.CurrentStep
	return e.store.LogFlowAudit(ctx, fi.FlowName, nil, "replayed", "operator", &detail)
}

func (e *Engine) complete(ctx context.Context, chatID string, status registry.FlowHistoryStatus) error {
	return e.store.CompleteFlowInstance(ctx, chatID, status)
}

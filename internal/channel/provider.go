// Package channel defines the provider-agnostic interface the Flow Engine
// uses to talk to an external chat surface (Telegram). Wire-format parsing,
// long-poll transport, and markup rendering for any real provider are out of
// scope (spec §1) — only the interface contract lives here, plus a
// NullProvider for tests and for running without a configured bot token.
package channel

import "context"

// Update is a single inbound event from the channel: a user message, a
// button press, or a poll answer.
type Update struct {
	ID        int64
	ChatID    string
	Text      string
	PollOption *int // set when the update is a poll-answer callback
}

// Content is an outbound payload: a plain message, a reply keyboard, or a
// poll, depending on which fields are set.
type Content struct {
	Text     string
	Keyboard []KeyboardRow
	Poll     *PollContent
}

// KeyboardRow is one row of inline keyboard buttons.
type KeyboardRow struct {
	Buttons []Button
}

// Button is a single inline keyboard button; Data is the callback payload
// echoed back in a future Update.
type Button struct {
	Label string
	Data  string
}

// PollContent describes a poll to send.
type PollContent struct {
	Question string
	Options  []string
}

// Provider is the external channel contract a flow step interacts through.
// A real implementation (not built here — see package doc) would poll a
// provider's long-poll/webhook endpoint and translate its wire format into
// Update/Content.
type Provider interface {
	// Name identifies the provider ("telegram").
	Name() string

	// PollUpdates fetches updates newer than offset, matching
	// original_source/channels/traits.rs's poll_updates contract.
	PollUpdates(ctx context.Context, offset int64) ([]Update, error)

	// Send posts content to chatID and returns an anchor message id
	// (for later EditMessage calls) and, for polls, a provider-side poll id.
	Send(ctx context.Context, chatID string, content Content) (anchorID string, pollID *string, err error)

	// EditMessage replaces the content of a previously sent message,
	// identified by the anchor id Send returned.
	EditMessage(ctx context.Context, chatID, anchorID string, content Content) error
}

// NullProvider is a no-op Provider: PollUpdates always returns no updates,
// Send mints a synthetic anchor id without delivering anything anywhere.
// Used in tests and whenever no channel bot token is configured.
type NullProvider struct{}

var _ Provider = NullProvider{}

func (NullProvider) Name() string { return "null" }

func (NullProvider) PollUpdates(ctx context.Context, offset int64) ([]Update, error) {
	return nil, nil
}

func (NullProvider) Send(ctx context.Context, chatID string, content Content) (string, *string, error) {
	return "null-anchor", nil, nil
}

func (NullProvider) EditMessage(ctx context.Context, chatID, anchorID string, content Content) error {
	return nil
}

// Registry holds the configured Provider set, keyed by name, mirroring the
// teacher's multi-platform provider lookup (here there is realistically one
// active provider at a time, but the lookup shape is kept for parity with
// how pkg/flow resolves "which channel does this flow target").
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, keyed by its Name().
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name, or NullProvider if none
// is registered — callers never need a nil check.
func (r *Registry) Get(name string) Provider {
	if p, ok := r.providers[name]; ok {
		return p
	}
	return NullProvider{}
}

package flow

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zeroclaw/zeroclaw/internal/channel"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

const (
	telegramOffsetKVKey = "telegram_offset"
	dedupWindowSize     = 10_000
	eventHistorySize    = 200
)

// Poller consumes a channel provider's update stream and routes each update
// to the Engine, persisting the last-seen offset across restarts and
// absorbing at-least-once redelivery with a bounded de-duplication window
// (spec §6 "an opaque update-id stream... last-seen value is persisted to
// kv_state under the key telegram_offset"; "a bounded de-duplication set of
// the last 10 000 observed update ids").
type Poller struct {
	store       *registry.Store
	engine      *Engine
	channelName string
	logger      *slog.Logger

	mu       sync.Mutex
	seen     map[int64]struct{}
	seenOrd  []int64
	events   []PollEvent
	lastPoll time.Time
	lastErr  string
}

// PollEvent is one observability-surfaced inbound update (spec §6
// "GET /instances/{name}/telegram/events").
type PollEvent struct {
	UpdateID  int64     `json:"update_id"`
	ChatID    string    `json:"chat_id"`
	Token     string    `json:"token"`
	Duplicate bool      `json:"duplicate"`
	At        time.Time `json:"at"`
}

// NewPoller constructs a Poller for the given channel name.
func NewPoller(store *registry.Store, engine *Engine, channelName string, logger *slog.Logger) *Poller {
	return &Poller{
		store:       store,
		engine:      engine,
		channelName: channelName,
		logger:      logger,
		seen:        make(map[int64]struct{}),
	}
}

// Tick fetches updates since the persisted offset, routes each to the
// Engine, de-duplicates, and advances the persisted offset.
func (p *Poller) Tick(ctx context.Context, provider channel.Provider) {
	offset := p.loadOffset(ctx)

	updates, err := provider.PollUpdates(ctx, offset)
	p.mu.Lock()
	p.lastPoll = time.Now()
	if err != nil {
		p.lastErr = err.Error()
	} else {
		p.lastErr = ""
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("polling channel updates", "channel", p.channelName, "error", err)
		return
	}

	var maxID = offset
	for _, u := range updates {
		if u.ID > maxID {
			maxID = u.ID
		}
		dup := p.isDuplicate(u.ID)
		token := updateToken(u)
		p.recordEvent(PollEvent{UpdateID: u.ID, ChatID: u.ChatID, Token: token, Duplicate: dup, At: time.Now()})
		if dup {
			continue
		}

		if u.PollOption != nil {
			token = PollOptionToken(*u.PollOption)
		}
		if err := p.engine.Advance(ctx, p.channelName, u.ChatID, token); err != nil {
			p.logger.Warn("advancing flow from update", "chat_id", u.ChatID, "update_id", u.ID, "error", err)
		}
	}

	if maxID > offset {
		if err := p.store.SetKV(ctx, telegramOffsetKVKey, strconv.FormatInt(maxID+1, 10)); err != nil {
			p.logger.Warn("persisting telegram offset", "error", err)
		}
	}
}

func updateToken(u channel.Update) string {
	if u.Text != "" {
		return u.Text
	}
	return TokenAny
}

func (p *Poller) loadOffset(ctx context.Context) int64 {
	v, err := p.store.GetKVOrEmpty(ctx, telegramOffsetKVKey)
	if err != nil || v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (p *Poller) isDuplicate(updateID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[updateID]; ok {
		return true
	}
	p.seen[updateID] = struct{}{}
	p.seenOrd = append(p.seenOrd, updateID)
	if len(p.seenOrd) > dedupWindowSize {
		oldest := p.seenOrd[0]
		p.seenOrd = p.seenOrd[1:]
		delete(p.seen, oldest)
	}
	return false
}

func (p *Poller) recordEvent(e PollEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	if len(p.events) > eventHistorySize {
		p.events = p.events[len(p.events)-eventHistorySize:]
	}
}

// RecentEvents returns the most recently observed updates, newest last.
func (p *Poller) RecentEvents() []PollEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PollEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Health reports the poller's liveness snapshot.
type Health struct {
	LastPoll time.Time `json:"last_poll"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Health returns the poller's last-tick snapshot.
func (p *Poller) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{LastPoll: p.lastPoll, LastErr: p.lastErr}
}

package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zeroclaw/zeroclaw/internal/httpserver"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// Handler provides HTTP handlers for the messaging bus API (spec §6).
type Handler struct {
	engine *Engine
	store  *registry.Store
	logger *slog.Logger
	rdb    *redis.Client // nil when no wake accelerator is configured
}

// NewHandler creates a messaging Handler.
func NewHandler(engine *Engine, store *registry.Store, logger *slog.Logger, rdb *redis.Client) *Handler {
	return &Handler{engine: engine, store: store, logger: logger, rdb: rdb}
}

// Routes mounts the messaging bus routes under /messages and the
// per-instance long-poll route, returned separately since it nests under
// /instances/{name}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleSend)
	r.Get("/", h.handleList)
	r.Get("/dead-letter", h.handleListDeadLetter)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/events", h.handleEvents)
		r.Post("/replay", h.handleReplay)
		r.Post("/acknowledge", h.handleAcknowledge)
	})
	return r
}

// RoutingRoutes mounts /routing-rules.
func (h *Handler) RoutingRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreateRoutingRule)
	r.Get("/", h.handleListRoutingRules)
	r.Delete("/{id}", h.handleDeleteRoutingRule)
	return r
}

// PendingHandler returns the handler for
// GET /instances/{name}/messages/pending?wait=N — mounted separately by the
// lifecycle router since it nests under /instances/{name}.
func (h *Handler) PendingHandler(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "name")

	waitSecs := 0
	if v := r.URL.Query().Get("wait"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "", "wait must be a non-negative integer")
			return
		}
		if n > 60 {
			n = 60
		}
		waitSecs = n
	}

	deadline := time.Now().Add(time.Duration(waitSecs) * time.Second)
	for {
		m, err := h.engine.Lease(r.Context(), instance)
		if err != nil {
			httpserver.WriteError(w, h.logger, err)
			return
		}
		if m != nil {
			httpserver.Respond(w, http.StatusOK, m)
			return
		}
		if waitSecs == 0 || time.Now().After(deadline) {
			httpserver.Respond(w, http.StatusNoContent, nil)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(time.Second):
		}
	}
}

type sendRequest struct {
	FromInstance   string          `json:"from_instance" validate:"required"`
	ToInstance     string          `json:"to_instance" validate:"required"`
	MessageType    string          `json:"message_type" validate:"required"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	CorrelationID  *string         `json:"correlation_id"`
	IdempotencyKey *string         `json:"idempotency_key"`
	HopCount       int             `json:"hop_count"`
}

// sendResponse flattens the enqueued message's fields alongside
// deduplicated at the top level, per spec §8 scenarios 1-2.
type sendResponse struct {
	registry.Message
	Deduplicated bool `json:"deduplicated"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.engine.Send(r.Context(), SendParams{
		FromInstance:   req.FromInstance,
		ToInstance:     req.ToInstance,
		MessageType:    req.MessageType,
		Payload:        string(req.Payload),
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		HopCount:       req.HopCount,
	})
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}

	if h.rdb != nil {
		PublishWake(r.Context(), h.rdb)
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	httpserver.Respond(w, status, sendResponse{Message: result.Message, Deduplicated: result.Deduplicated})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	f := registry.MessageFilters{
		FromInstance: r.URL.Query().Get("from_instance"),
		ToInstance:   r.URL.Query().Get("to_instance"),
		Status:       r.URL.Query().Get("status"),
	}

	items, total, err := h.store.ListMessages(r.Context(), f, params.PageSize, params.Offset)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func (h *Handler) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	f := registry.MessageFilters{
		FromInstance: r.URL.Query().Get("from_instance"),
		ToInstance:   r.URL.Query().Get("to_instance"),
	}

	items, total, err := h.store.ListDeadLetter(r.Context(), f, params.PageSize, params.Offset)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.store.GetEvents(r.Context(), id)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Replay(r.Context(), id); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Acknowledge(r.Context(), id); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type createRoutingRuleRequest struct {
	FromInstance string `json:"from_instance" validate:"required"`
	ToInstance   string `json:"to_instance" validate:"required"`
	TypePattern  string `json:"type_pattern" validate:"required"`
	MaxRetries   int    `json:"max_retries"`
	TTLSecs      int    `json:"ttl_secs"`
	AutoStart    bool   `json:"auto_start"`
}

func (h *Handler) handleCreateRoutingRule(w http.ResponseWriter, r *http.Request) {
	var req createRoutingRuleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.store.GetActiveByName(r.Context(), req.FromInstance); err != nil {
		httpserver.WriteError(w, h.logger, registry.NewError(registry.KindNotFound, "from_instance not found"))
		return
	}
	if _, err := h.store.GetActiveByName(r.Context(), req.ToInstance); err != nil {
		httpserver.WriteError(w, h.logger, registry.NewError(registry.KindNotFound, "to_instance not found"))
		return
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	ttlSecs := req.TTLSecs
	if ttlSecs == 0 {
		ttlSecs = 3600
	}

	rule, err := h.store.CreateRoutingRule(r.Context(), registry.CreateRoutingRuleParams{
		ID:           uuid.NewString(),
		FromInstance: req.FromInstance,
		ToInstance:   req.ToInstance,
		TypePattern:  req.TypePattern,
		MaxRetries:   maxRetries,
		TTLSecs:      ttlSecs,
		AutoStart:    req.AutoStart,
	})
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, rule)
}

func (h *Handler) handleListRoutingRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRoutingRules(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"routing_rules": rules})
}

func (h *Handler) handleDeleteRoutingRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteRoutingRule(r.Context(), id); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// StartIfStopped satisfies the Starter interface so the engine/worker can be
// wired without pkg/lifecycle when only exercising the messaging bus (e.g.
// in package tests). Production wiring passes pkg/lifecycle's Service, which
// has a real StartIfStopped.
type noopStarter struct{}

func (noopStarter) StartIfStopped(ctx context.Context, instanceName string) error { return nil }

package flow

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zeroclaw/zeroclaw/internal/httpserver"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// Handler provides the HTTP surface for flow observability and
// agent-authored flow submission (spec §6 flow routes, §4.F composer
// operations). The {name} path segment names the owning bot instance; flow
// state itself isn't partitioned per instance in the registry (a process
// runs one channel and one flow engine), so it is accepted for route
// symmetry with the other /instances/{name}/... surfaces but not used to
// filter store queries.
type Handler struct {
	store    *registry.Store
	composer *Composer
	engine   *Engine
	poller   *Poller
	logger   *slog.Logger
}

// NewHandler creates a flow Handler.
func NewHandler(store *registry.Store, composer *Composer, engine *Engine, poller *Poller, logger *slog.Logger) *Handler {
	return &Handler{store: store, composer: composer, engine: engine, poller: poller, logger: logger}
}

// Routes mounts the flow routes under the caller's /instances/{name} router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/flows", func(r chi.Router) {
		r.Get("/active", h.handleActive)
		r.Get("/history", h.handleHistory)
		r.Delete("/active/{chat_id}", h.handleForceComplete)
		r.Post("/active/{chat_id}/replay", h.handleReplay)

		r.Post("/{flow_name}/submit", h.handleSubmit)
		r.Get("/{flow_name}/versions", h.handleVersions)
		r.Post("/{flow_name}/versions/{version_id}/activate", h.handleActivate)
		r.Post("/{flow_name}/versions/{version_id}/reject", h.handleReject)
		r.Get("/{flow_name}/audit", h.handleAudit)
	})
	r.Route("/telegram", func(r chi.Router) {
		r.Get("/events", h.handleTelegramEvents)
		r.Get("/health", h.handleTelegramHealth)
	})
	return r
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.ListFlowInstances(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"flows": instances})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	limit := 100
	history, err := h.store.ListFlowHistory(r.Context(), chatID, limit)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chat_id")
	if err := h.engine.ForceComplete(r.Context(), chatID); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "force_completed", "chat_id": chatID})
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chat_id")
	channelName := r.URL.Query().Get("channel")
	if channelName == "" {
		channelName = "telegram"
	}
	if err := h.engine.Replay(r.Context(), channelName, chatID); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "replayed", "chat_id": chatID})
}

type submitFlowRequest struct {
	Definition string `json:"definition" validate:"required"`
	Actor      string `json:"actor" validate:"required"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	flowName := chi.URLParam(r, "flow_name")
	var req submitFlowRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.composer.Submit(r.Context(), flowName, req.Definition, req.Actor)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"version":       result.Version,
		"auto_approved": result.AutoApproved,
	})
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	flowName := chi.URLParam(r, "flow_name")
	versions, err := h.store.ListFlowVersions(r.Context(), flowName)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"versions": versions})
}

type activateFlowRequest struct {
	Actor string `json:"actor" validate:"required"`
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	flowName := chi.URLParam(r, "flow_name")
	versionID, err := parseIDParam(r, "version_id")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	var req activateFlowRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.composer.Activate(r.Context(), flowName, versionID, req.Actor); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "activated", "version_id": versionID})
}

type rejectFlowRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	versionID, err := parseIDParam(r, "version_id")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	var req rejectFlowRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.composer.Reject(r.Context(), versionID, req.Actor, req.Reason); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "rejected", "version_id": versionID})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	flowName := chi.URLParam(r, "flow_name")
	log, err := h.store.ListFlowAuditLog(r.Context(), flowName, 200)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"audit": log})
}

func (h *Handler) handleTelegramEvents(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{"events": h.poller.RecentEvents()})
}

func (h *Handler) handleTelegramHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.poller.Health())
}

func parseIDParam(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}

package configsvc

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zeroclaw/zeroclaw/internal/httpserver"
)

// Handler provides the HTTP surface for the Config Service (spec §6:
// GET/PUT/POST /instances/{name}/config + /config/{validate,diff}).
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a configsvc Handler.
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts /{name}/config under the caller's /instances router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleGet)
	r.Put("/", h.handlePut)
	r.Post("/validate", h.handleValidate)
	r.Post("/diff", h.handleDiff)
	return r
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	result, err := h.svc.Get(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type putConfigRequest struct {
	Config string `json:"config" validate:"required"`
	ETag   string `json:"etag" validate:"required"`
}

// allowSecretWriteHeader is the opt-in flag permitting a genuine (non-mask
// sentinel) secret value to be written (spec §4.D PUT step 4).
const allowSecretWriteHeader = "allow-secret-write"

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req putConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.svc.Put(r.Context(), PutParams{
		InstanceName:     name,
		ConfigTOML:       req.Config,
		ETag:             req.ETag,
		AllowSecretWrite: r.Header.Get(allowSecretWriteHeader) == "true",
	})
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type validateConfigRequest struct {
	Config string `json:"config" validate:"required"`
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	httpserver.Respond(w, http.StatusOK, h.svc.Validate(req.Config))
}

type diffConfigRequest struct {
	Config string `json:"config" validate:"required"`
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req diffConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	diff, err := h.svc.Diff(r.Context(), name, req.Config)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, diff)
}

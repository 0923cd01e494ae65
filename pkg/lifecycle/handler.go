package lifecycle

import (
	"bufio"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zeroclaw/zeroclaw/internal/httpserver"
	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// Handler provides HTTP handlers for instance lifecycle and observability
// routes (spec §6).
type Handler struct {
	svc    *Service
	store  *registry.Store
	logger *slog.Logger
}

// NewHandler creates a lifecycle Handler.
func NewHandler(svc *Service, store *registry.Store, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, store: store, logger: logger}
}

// Routes mounts /instances.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Delete("/", h.handleDelete)
		r.Post("/archive", h.handleArchive)
		r.Post("/unarchive", h.handleUnarchive)
		r.Post("/clone", h.handleClone)
		r.Post("/start", h.handleStart)
		r.Post("/stop", h.handleStop)
		r.Post("/restart", h.handleRestart)
		r.Get("/logs", h.handleLogs)
		r.Get("/logs/download", h.handleLogsDownload)
		r.Get("/details", h.handleDetails)
		r.Get("/tasks", h.handleTasks)
		r.Get("/usage", h.handleUsage)
	})
	return r
}

// HandleHealth serves GET /health — liveness plus a per-instance live
// status map.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.ListActive(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}

	statuses := make(map[string]string, len(instances))
	for _, inst := range instances {
		status, _ := h.svc.LiveStatus(inst)
		statuses[inst.Name] = string(status)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"instances": statuses,
	})
}

func (h *Handler) instanceJSON(inst registry.Instance) map[string]any {
	status, pid := h.svc.LiveStatus(inst)
	body := map[string]any{
		"id":            inst.ID,
		"name":          inst.Name,
		"port":          inst.Port,
		"status":        string(status),
		"config_path":   inst.ConfigPath,
		"workspace_dir": inst.WorkspaceDir,
	}
	if pid != nil {
		body["pid"] = *pid
	}
	return body
}

type createInstanceRequest struct {
	Name          string `json:"name" validate:"required"`
	Port          *int   `json:"port"`
	ModelProvider string `json:"model_provider"`
	ModelName     string `json:"model_name"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	inst, err := h.svc.Create(r.Context(), CreateParams{
		Name:          req.Name,
		Port:          req.Port,
		ModelProvider: req.ModelProvider,
		ModelName:     req.ModelName,
	})
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, h.instanceJSON(inst))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	instances, err := h.store.ListActive(r.Context())
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	out := make([]map[string]any, 0, len(instances))
	for _, inst := range instances {
		out = append(out, h.instanceJSON(inst))
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"instances": out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inst, err := h.store.GetActiveByName(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, h.instanceJSON(inst))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Delete(r.Context(), name); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inst, err := h.svc.Archive(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, h.instanceJSON(inst))
}

func (h *Handler) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inst, err := h.svc.Unarchive(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, h.instanceJSON(inst))
}

type cloneRequest struct {
	NewName string `json:"new_name" validate:"required"`
	Port    *int   `json:"port"`
}

func (h *Handler) handleClone(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req cloneRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	inst, err := h.svc.Clone(r.Context(), CloneParams{SourceName: name, NewName: req.NewName, Port: req.Port})
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, h.instanceJSON(inst))
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Start(r.Context(), name); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "started", "name": name})
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Stop(r.Context(), name); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "stopped", "name": name})
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.Restart(r.Context(), name); err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"status": "restarted", "name": name})
}

// handleLogs serves GET /instances/{name}/logs?mode=tail|page. mode=tail
// (default) returns the last DefaultLogLines lines; mode=page takes
// offset/limit query params over the same file.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inst, err := h.store.GetActiveByName(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}

	path := logFilePath(h.svc.instanceDir(inst.ID))
	lines, err := readAllLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			httpserver.Respond(w, http.StatusOK, map[string]any{"lines": []string{}})
			return
		}
		httpserver.WriteError(w, h.logger, err)
		return
	}

	mode := r.URL.Query().Get("mode")
	if mode == "page" {
		params, err := httpserver.ParseOffsetParams(r)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "", err.Error())
			return
		}
		httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(pageLines(lines, params.Offset, params.PageSize), params, len(lines)))
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"lines": tailLines(lines, DefaultLogLines)})
}

func (h *Handler) handleLogsDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inst, err := h.store.GetActiveByName(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}

	instDir := h.svc.instanceDir(inst.ID)
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition", `attachment; filename="daemon.log"`)

	if data, err := os.ReadFile(rotatedLogFilePath(instDir)); err == nil {
		_, _ = w.Write(data)
	}
	data, err := os.ReadFile(logFilePath(instDir))
	if err != nil && !os.IsNotExist(err) {
		h.logger.Error("reading log file for download", "instance", name, "error", err)
		return
	}
	_, _ = w.Write(data)
}

func (h *Handler) handleDetails(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	inst, err := h.store.GetActiveByName(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	status, pid := h.svc.LiveStatus(inst)
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"instance":   h.instanceJSON(inst),
		"status":     string(status),
		"pid":        pid,
		"created_at": inst.CreatedAt,
	})
}

func (h *Handler) handleTasks(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := h.store.ListAgentEvents(r.Context(), name, limit)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"tasks": events})
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tokensIn, tokensOut, costUSD, err := h.store.SummarizeAgentUsage(r.Context(), name)
	if err != nil {
		httpserver.WriteError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"cost_usd":   costUSD,
	})
}

func readAllLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func tailLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func pageLines(lines []string, offset, limit int) []string {
	if offset >= len(lines) {
		return []string{}
	}
	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}
	return lines[offset:end]
}

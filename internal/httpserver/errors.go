package httpserver

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zeroclaw/zeroclaw/internal/registry"
)

// kindStatus maps every registry.Kind to its HTTP status, the complete
// enumeration from spec §7.
var kindStatus = map[registry.Kind]int{
	registry.KindNotFound:           http.StatusNotFound,
	registry.KindBadRequest:         http.StatusBadRequest,
	registry.KindForbidden:          http.StatusForbidden,
	registry.KindConflict:           http.StatusConflict,
	registry.KindLockHeld:           http.StatusServiceUnavailable,
	registry.KindServiceUnavailable: http.StatusServiceUnavailable,
	registry.KindInternal:           http.StatusInternalServerError,
	registry.KindAlreadyRunning:     http.StatusConflict,
	registry.KindNotRunning:         http.StatusConflict,
	registry.KindPayloadTooLarge:    http.StatusRequestEntityTooLarge,
}

// WriteError maps err to an HTTP status and writes the spec §7 error
// envelope. Every handler returns through this single path (matching the
// teacher's RespondError convention, generalized to dispatch on
// registry.Kind instead of a literal status passed at each call site).
func WriteError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		RespondError(w, http.StatusNotFound, "", "not found")
		return
	}

	if rerr, ok := registry.As(err); ok {
		status, known := kindStatus[rerr.Kind]
		if !known {
			status = http.StatusInternalServerError
		}
		if len(rerr.Extra) > 0 {
			RespondErrorWithExtra(w, status, rerr.Message, rerr.Extra)
			return
		}
		RespondError(w, status, string(rerr.Kind), rerr.Message)
		return
	}

	if logger != nil {
		logger.Error("unhandled internal error", "error", err)
	}
	RespondError(w, http.StatusInternalServerError, "internal", "internal error")
}

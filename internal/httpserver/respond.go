package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the JSON envelope for error responses (spec §7:
// `{"error": "...", optional contextual fields}`).
type ErrorResponse struct {
	Error string `json:"error"`
	// Extra carries contextual fields (e.g. current_etag on a 409) merged
	// into the top-level object by MarshalJSON.
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the top-level object alongside "error".
func (e ErrorResponse) MarshalJSON() ([]byte, error) {
	m := map[string]any{"error": e.Error}
	for k, v := range e.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// Respond writes v as a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encoding json response", "error", err)
	}
}

// RespondError writes an error envelope with the given status and message.
func RespondError(w http.ResponseWriter, status int, _ string, message string) {
	Respond(w, status, ErrorResponse{Error: message})
}

// RespondErrorWithExtra writes an error envelope with additional contextual
// fields, e.g. {"error": "...", "current_etag": "..."} on a 409.
func RespondErrorWithExtra(w http.ResponseWriter, status int, message string, extra map[string]any) {
	Respond(w, status, ErrorResponse{Error: message, Extra: extra})
}

package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. Details and Suggestions
// carry the machine-readable payload spec.md §7 requires for every failure.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Message     string   `json:"message,omitempty"`
	Details     any      `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// RespondError writes a plain JSON error response with no details payload.
func RespondError(w http.ResponseWriter, status int, code string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// RespondErrorDetailed writes a JSON error response including a details
// payload and suggestions, per spec.md §7's failure envelope.
func RespondErrorDetailed(w http.ResponseWriter, status int, code, message string, details any, suggestions []string) {
	Respond(w, status, ErrorResponse{
		Error:       code,
		Message:     message,
		Details:     details,
		Suggestions: suggestions,
	})
}

package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
)

type envelope struct {
	Data any `json:"data"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// Error writes resp as the body with its registered HTTP status. It is the only
// writer of error bodies; a retry hint is mirrored into the Retry-After header.
func Error(w http.ResponseWriter, resp *taxonomy.Response) {
	if resp.RetryAfterSeconds != nil {
		RetryAfter(w, *resp.RetryAfterSeconds)
	}
	w.Header().Set("X-Error-Code", resp.ErrorCode)
	writeJSON(w, resp.HTTPStatus(), resp)
}

// RetryAfter sets the Retry-After header in whole seconds.
func RetryAfter(w http.ResponseWriter, secs int) {
	if secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

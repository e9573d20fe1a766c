package gate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kwentura/kwentura/internal/limiter"
)

// StatusResponse is the JSON view of a profile's gate.
type StatusResponse struct {
	Profile          string     `json:"profile"`
	State            string     `json:"state"`
	Blocked          bool       `json:"blocked"`
	Reason           string     `json:"reason,omitempty"`
	Message          string     `json:"message,omitempty"`
	WindowStart      *time.Time `json:"usage_window_start,omitempty"`
	RestMarker       *time.Time `json:"rest_until,omitempty"`
	BudgetSeconds    float64    `json:"budget_seconds"`
	RemainingSeconds float64    `json:"remaining_seconds"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	// Warning carries a storage error the gate was settled despite.
	Warning string `json:"warning,omitempty"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func newStatusResponse(status limiter.Status) StatusResponse {
	return StatusResponse{
		Profile:          status.Profile,
		State:            status.State.String(),
		Blocked:          status.State.Blocked(),
		Reason:           string(status.Reason),
		Message:          status.Message,
		WindowStart:      optionalTime(status.WindowStart),
		RestMarker:       optionalTime(status.RestMarker),
		BudgetSeconds:    status.Budget.Seconds(),
		RemainingSeconds: status.Remaining.Seconds(),
		ExpiresAt:        optionalTime(status.ExpiresAt),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

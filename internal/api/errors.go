package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
)

// Error is the body of every error response.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeTooLarge     = "too_large"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"
)

var codeForStatus = map[int]string{
	http.StatusBadRequest:            ErrCodeBadRequest,
	http.StatusUnauthorized:          ErrCodeUnauthorized,
	http.StatusNotFound:              ErrCodeNotFound,
	http.StatusConflict:              ErrCodeConflict,
	http.StatusRequestEntityTooLarge: ErrCodeTooLarge,
	http.StatusServiceUnavailable:    ErrCodeUnavailable,
}

// engineErrors maps registry errors to statuses. First match wins.
var engineErrors = []struct {
	target error
	status int
}{
	{automation.ErrNotFound, http.StatusNotFound},
	{automation.ErrRunNotFound, http.StatusNotFound},
	{automation.ErrRejected, http.StatusConflict},
	{automation.ErrDisabled, http.StatusConflict},
	{automation.ErrNoScheduler, http.StatusServiceUnavailable},
	{automation.ErrUnsupportedService, http.StatusBadRequest},
	{automation.ErrInvalid, http.StatusBadRequest},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
	}
}

// writeError sends an Error body. The code follows from the status.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	code, ok := codeForStatus[status]
	if !ok {
		code = ErrCodeInternal
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="graylogic"`)
	}
	writeJSON(w, status, Error{
		Status:    status,
		Code:      code,
		Message:   message,
		RequestID: requestIDOf(r),
	})
}

// writeEngineError answers with the status mapped to err, or a logged 500.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range engineErrors {
		if errors.Is(err, m.target) {
			writeError(w, r, m.status, err.Error())
			return
		}
	}
	s.logger.Error("automation engine error", "error", err, "request_id", requestIDOf(r))
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

// ClientInputError is a request the client must fix. It maps to a 4xx response.
type ClientInputError struct {
	Status  int
	Code    security.ErrorCode
	Message string
}

func (e *ClientInputError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func badRequest(code security.ErrorCode, format string, args ...any) *ClientInputError {
	return &ClientInputError{Status: http.StatusBadRequest, Code: code, Message: fmt.Sprintf(format, args...)}
}

type errorResponse struct {
	Success bool                  `json:"success"`
	Error   *security.SecureError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientError maps err to a client error, or nil for internal errors.
func clientError(err error) *ClientInputError {
	var cie *ClientInputError
	switch {
	case errors.As(err, &cie):
		return cie
	case errors.Is(err, session.ErrSessionNotFound):
		return &ClientInputError{Status: http.StatusNotFound, Code: security.ErrCodeSessionNotFound, Message: "Session not found"}
	case errors.Is(err, session.ErrSessionExpired):
		return &ClientInputError{Status: http.StatusGone, Code: security.ErrCodeSessionExpired, Message: "Session has expired"}
	case errors.Is(err, session.ErrChannelNotFound), errors.Is(err, session.ErrMessageNotFound):
		return &ClientInputError{Status: http.StatusNotFound, Code: security.ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, session.ErrMaxDurationReached):
		return &ClientInputError{Status: http.StatusConflict, Code: security.ErrCodeConflict, Message: "Session reached its maximum duration"}
	case errors.Is(err, session.ErrInvalidRequest):
		return &ClientInputError{Status: http.StatusBadRequest, Code: security.ErrCodeInvalidInput, Message: err.Error()}
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if cie := clientError(err); cie != nil {
		writeJSON(w, cie.Status, errorResponse{Error: &security.SecureError{Code: cie.Code, Message: cie.Message}})
		return
	}

	s.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: security.SanitizeError(err, s.debug)})
}

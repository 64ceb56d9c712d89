package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
)

// errorResponse is the JSON body of every error reply
type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Hints   []string `json:"hints,omitempty"`
	Details []string `json:"details,omitempty"`
}

// statusForError maps the sentinel an error wraps to an HTTP status
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errors.ErrTerminal):
		return http.StatusConflict, "terminal"
	case errors.Is(err, errors.ErrMaxAttempts):
		return http.StatusConflict, "max_attempts"
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, errors.ErrCapacity):
		return http.StatusServiceUnavailable, "capacity"
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeWrappedError replies with the status the error maps to. Hints and
// details go to the client for 4xx; a 5xx is logged and its internals are
// kept out of the reply.
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status, code := statusForError(err)
	if code == "internal" {
		log.Errorw(context, logger.FieldError, err)
		writeJSON(w, status, errorResponse{Error: context, Code: code})
		return
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	log.Debugw(context, logger.FieldError, err, logger.FieldStatus, status)
	writeJSON(w, status, errorResponse{
		Error:   err.Error(),
		Code:    code,
		Hints:   errors.GetAllHints(err),
		Details: errors.GetAllDetails(err),
	})
}

package web

// errors.go turns engine errors into JSON responses.
//
// The technical error is logged with the request id. The client receives
// the coded message from core.MapError and a status derived from the
// sentinel the error wraps.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/reconcile/internal/core"
	"github.com/JonMunkholm/reconcile/internal/logging"
	"github.com/JonMunkholm/reconcile/internal/media"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	// Report carries the validation report of a refused import.
	Report *core.ValidationReport `json:"report,omitempty"`
}

// statusFor maps an error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownEntity),
		errors.Is(err, core.ErrSourceNotFound),
		errors.Is(err, media.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidSource):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrOperationBusy),
		errors.Is(err, core.ErrImportNotReady):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorReport(w, r, err, nil)
}

func respondErrorReport(w http.ResponseWriter, r *http.Request, err error, report *core.ValidationReport) {
	status := statusFor(err)
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{"path", r.URL.Path, "method", r.Method, "status", status, "code", msg.Code, "error", err}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
		Report:  report,
	})
}

// badRequest rejects malformed parameters before any operation runs.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	logging.FromContext(r.Context()).Warn("bad request", "path", r.URL.Path, "error", message)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    "REQ001",
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/nhle/admin-mailbox/internal/mailbox"
)

// Response is the JSON envelope of every non-binary reply.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

// respondEngineError maps an engine error to its HTTP status and logs it.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	log := hlog.FromRequest(r)
	if status >= 500 {
		log.Error().Err(err).Str("code", code).Msg("mailbox operation failed")
	} else {
		log.Debug().Err(err).Str("code", code).Msg("mailbox operation rejected")
	}

	message := err.Error()
	if status == http.StatusServiceUnavailable && mailbox.IsAuthError(err) {
		message = "mail server rejected the configured credentials"
	}
	respondError(w, status, code, message)
}

func classify(err error) (int, string) {
	var opErr *mailbox.OperationError
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case mailbox.IsTimeout(err):
		return http.StatusGatewayTimeout, "TIMEOUT"
	case mailbox.IsAuthError(err):
		return http.StatusServiceUnavailable, "AUTH_FAILED"
	case errors.Is(err, mailbox.ErrServiceUnavailable), errors.Is(err, mailbox.ErrClosed):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"
	case errors.As(err, &opErr):
		return http.StatusBadGateway, "MAIL_SERVER_ERROR"
	case errors.Is(err, context.Canceled):
		return 499, "CLIENT_CLOSED_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

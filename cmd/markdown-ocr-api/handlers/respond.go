// Package handlers provides HTTP handlers for the markdown-ocr API.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/spherical/markdown-ocr/internal/domain"
	"github.com/spherical/markdown-ocr/internal/observability"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, status, resp)
}

// statusFor maps a domain error onto an HTTP status code.
func statusFor(err error) int {
	switch domain.TypeOf(err) {
	case domain.ErrorTypeNotFound:
		return http.StatusNotFound
	case domain.ErrorTypeNotReady, domain.ErrorTypeValidation:
		return http.StatusBadRequest
	case domain.ErrorTypeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err with the status its type maps to. Server
// errors are logged; their wrapped detail is not sent to the client.
func writeDomainError(w http.ResponseWriter, logger *observability.Logger, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg(message)
		writeError(w, status, message, domain.UserMessage(err))
		return
	}
	writeError(w, status, domain.UserMessage(err), "")
}

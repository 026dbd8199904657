package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spherical/markdown-ocr/internal/domain"
)

// maxErrorDetail bounds, in characters, how much of a raw error body is kept.
const maxErrorDetail = 200

// classifyStatus maps a non-200 HTTP status onto the failure taxonomy.
func classifyStatus(statusCode int, body []byte) error {
	msg := fmt.Sprintf("HTTP %d", statusCode)
	if detail := errorDetail(body); detail != "" {
		msg += ": " + detail
	}

	switch statusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return domain.ProviderTimeoutError(msg, nil)
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable:
		return domain.ProviderUnavailableError(msg, nil)
	default:
		return domain.ProviderRejectedError(msg, nil)
	}
}

// classifyTransportError maps an http.Client error onto the failure taxonomy.
func classifyTransportError(err error, timeout time.Duration) error {
	if errors.Is(err, context.Canceled) {
		return domain.CancelledError("model request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ProviderTimeoutError(fmt.Sprintf("no response within %s", timeout), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ProviderTimeoutError(fmt.Sprintf("no response within %s", timeout), err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.ProviderUnavailableError("cannot resolve model server host", err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return domain.ProviderUnavailableError("connection refused", err)
	}

	return domain.ProviderUnavailableError("transport error", err)
}

// classifyReadError handles failures while reading a 200 response body.
func classifyReadError(err error, timeout time.Duration) error {
	if domain.TypeOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classifyTransportError(err, timeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classifyTransportError(err, timeout)
	}
	return domain.MalformedResponseError("failed to read response", err)
}

// errorDetail extracts a readable message from an error body. Both the
// OpenAI shape {"error":{"message":...}} and Ollama's {"error":"..."} are
// recognised; anything else is returned trimmed.
func errorDetail(body []byte) string {
	var openAI struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &openAI); err == nil && openAI.Error.Message != "" {
		return openAI.Error.Message
	}

	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}

	s := strings.TrimSpace(string(body))
	if utf8.RuneCountInString(s) > maxErrorDetail {
		s = string([]rune(s)[:maxErrorDetail]) + "..."
	}
	return s
}

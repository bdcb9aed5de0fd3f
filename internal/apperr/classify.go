package apperr

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

var statusPattern = regexp.MustCompile(`status(?: code)?[:= ]+(\d{3})`)

// Classify maps a provider or runtime error onto the taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Code: CodeCancelled, Message: "Request cancelled", Status: StatusClientClosedRequest, Retryable: true, Err: err}
	}

	switch status := ProviderStatus(err); {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{
			Kind:    KindProviderConfig,
			Code:    CodeAPIKeyError,
			Message: "Server configuration error. Please contact support.",
			Status:  http.StatusInternalServerError,
			Err:     err,
		}
	case status == http.StatusTooManyRequests:
		return RateLimited("Too many requests. Please wait a moment and try again.", err)
	case status >= 500:
		return &Error{Kind: KindTransient, Code: CodeProviderUnavailable, Message: "The upstream service is unavailable. Please try again.", Status: http.StatusServiceUnavailable, Retryable: true, Err: err}
	case status > 0:
		return Internal(err)
	}

	if IsConnectionError(err) {
		return &Error{Kind: KindTransient, Code: CodeProviderUnavailable, Message: "Unable to reach the upstream service. Please try again.", Status: http.StatusServiceUnavailable, Retryable: true, Err: err}
	}
	return Internal(err)
}

// ProviderStatus extracts the HTTP status a provider answered with, or 0 when the
// request never got a response.
func ProviderStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode
	}
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) && coded.StatusCode() > 0 {
		return coded.StatusCode()
	}
	if m := statusPattern.FindStringSubmatch(strings.ToLower(err.Error())); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && code >= 400 && code < 600 {
			return code
		}
	}
	return 0
}

var connectionHints = []string{
	"connection reset",
	"connection refused",
	"connection aborted",
	"connection error",
	"broken pipe",
	"timeout",
	"timed out",
	"unexpected eof",
	"no such host",
	"tls handshake",
}

// IsConnectionError reports whether err is a network-level failure worth retrying:
// resets, refusals, timeouts and truncated responses. Errors carrying a provider
// HTTP status are never connection errors.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if ProviderStatus(err) > 0 {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range connectionHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// Package apperr defines the error taxonomy shared by the pipeline and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"intakego/internal/models"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindTransient
	KindProviderConfig
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindProviderConfig:
		return "provider_config"
	case KindBusy:
		return "busy"
	default:
		return "internal"
	}
}

const (
	CodeNoFile              = "no_file"
	CodeTooManyFiles        = "too_many_files"
	CodeFileTooLarge        = "file_too_large"
	CodeInvalidFileType     = "invalid_file_type"
	CodeNoQuestion          = "no_question"
	CodeNoContext           = "no_context"
	CodeNoPassword          = "no_password"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidCredentials  = "invalid_credentials"
	CodeAuthDisabled        = "auth_disabled"
	CodeAuthRequired        = "auth_required"
	CodeInvalidToken        = "invalid_token"
	CodeRateLimited         = "rate_limited"
	CodeServerBusy          = "server_busy"
	CodeProviderUnavailable = "provider_unavailable"
	CodeCancelled           = "cancelled"
	CodeAPIKeyError         = "api_key_error"
	CodeNoSpeech            = "no_speech"
	CodeInternal            = "internal_error"
)

// StatusClientClosedRequest is reported when the caller went away mid-request.
const StatusClientClosedRequest = 499

// Error is a classified failure carrying everything needed to build an ErrorPayload.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Payload converts the error into the wire shape.
func (e *Error) Payload() models.ErrorPayload {
	return models.ErrorPayload{Message: e.Message, Code: e.Code, Retryable: e.Retryable}
}

// Wrap returns a copy of e that carries cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

func Validation(code, message string, status int) *Error {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &Error{Kind: KindValidation, Code: code, Message: message, Status: status}
}

func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message, Status: http.StatusUnauthorized}
}

func Busy(message string, cause error) *Error {
	return &Error{Kind: KindBusy, Code: CodeServerBusy, Message: message, Status: http.StatusTooManyRequests, Retryable: true, Err: cause}
}

func RateLimited(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Code: CodeRateLimited, Message: message, Status: http.StatusTooManyRequests, Retryable: true, Err: cause}
}

func Internal(cause error) *Error {
	return &Error{
		Kind:      KindInternal,
		Code:      CodeInternal,
		Message:   "An unexpected error occurred. Please try again.",
		Status:    http.StatusInternalServerError,
		Retryable: true,
		Err:       cause,
	}
}

// NoSpeech reports a transcription that came back empty. The upload itself was
// valid, so this is surfaced as a bad upstream result rather than a client error.
func NoSpeech() *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    CodeNoSpeech,
		Message: "No speech was detected in the recording",
		Status:  http.StatusBadGateway,
	}
}

// From returns err as an *Error, classifying it when it is not one already.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Classify(err)
}

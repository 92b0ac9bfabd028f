package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrProviderFailure = errors.New("provider failure")
	ErrContentBlocked  = errors.New("content blocked")
	ErrMalformed       = errors.New("malformed provider response")
	ErrMissingImage    = errors.New("flatlay image is required")
)

// ErrorCode identifies the failure class reported to callers. Codes are
// strings so they survive JSON round trips unchanged.
type ErrorCode string

const (
	CodeConfig              ErrorCode = "CONFIG_ERROR"
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeStageTimeout        ErrorCode = "STAGE_TIMEOUT"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	CodeInvalidImageFormat  ErrorCode = "INVALID_IMAGE_FORMAT"
	CodeContentBlocked      ErrorCode = "CONTENT_BLOCKED"
	CodeMalformedResponse   ErrorCode = "MALFORMED_RESPONSE"
	CodeProvider            ErrorCode = "PROVIDER_ERROR"
	CodeQAFailed            ErrorCode = "QA_FAILED"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"

	// CodeNotFound is reported by lookups of stored runs, never by a run.
	CodeNotFound ErrorCode = "NOT_FOUND"
)

// HTTPStatus maps a code to the status the API responds with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeInvalidImageFormat:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeContentBlocked, CodeQAFailed:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeStageTimeout:
		return http.StatusGatewayTimeout
	case CodeConfig, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// PipelineError is the single error shape surfaced by a run.
type PipelineError struct {
	Code       ErrorCode
	Stage      Stage
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(string(e.Stage))
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same request later may succeed.
func (e *PipelineError) Retryable() bool {
	switch e.Code {
	case CodeRateLimited, CodeStageTimeout, CodeProvider:
		return true
	default:
		return false
	}
}

// NewPipelineError builds an error for stage with a classified cause.
func NewPipelineError(code ErrorCode, stage Stage, err error) *PipelineError {
	pe := &PipelineError{Code: code, Stage: stage, Err: err}
	if err != nil {
		pe.Message = err.Error()
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		pe.RetryAfter = provider.RetryAfter
	}
	return pe
}

// ConfigError reports a missing or invalid collaborator.
func ConfigError(format string, args ...any) *PipelineError {
	return &PipelineError{Code: CodeConfig, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports a request rejected before any stage runs.
func ValidationError(err error) *PipelineError {
	return &PipelineError{Code: CodeValidation, Message: err.Error(), Err: err}
}

// StageTimeout reports a stage that exceeded its budget.
func StageTimeout(stage Stage, budget time.Duration) *PipelineError {
	return &PipelineError{
		Code:    CodeStageTimeout,
		Stage:   stage,
		Message: fmt.Sprintf("stage exceeded %s", budget),
		Err:     context.DeadlineExceeded,
	}
}

// AsPipelineError extracts a PipelineError, classifying unknown errors for stage.
func AsPipelineError(err error, stage Stage) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			clone := *pe
			clone.Stage = stage
			return &clone
		}
		return pe
	}
	return NewPipelineError(ClassifyProviderError(err), stage, err)
}

// ProviderError is returned by every external HTTP client when the remote
// side answers with an error status or an error payload.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: status %d: %s (%s)", e.Provider, e.StatusCode, msg, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
}

// ClassifyProviderError maps any provider failure to an error code. Typed
// errors win over status codes, which win over message inspection.
func ClassifyProviderError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return CodeRateLimited
	case errors.Is(err, ErrContentBlocked):
		return CodeContentBlocked
	case errors.Is(err, ErrMalformed):
		return CodeMalformedResponse
	case errors.Is(err, ErrMissingImage):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CodeStageTimeout
	}

	msg := strings.ToLower(err.Error())
	var provider *ProviderError
	if errors.As(err, &provider) {
		switch provider.StatusCode {
		case http.StatusTooManyRequests:
			return CodeRateLimited
		case http.StatusPaymentRequired:
			return CodeInsufficientCredits
		case http.StatusUnsupportedMediaType:
			return CodeInvalidImageFormat
		}
		msg = strings.ToLower(provider.Code + " " + provider.Message)
	}

	switch {
	case containsAny(msg, "insufficient credit", "exhausted balance", "insufficient balance", "billing"):
		return CodeInsufficientCredits
	case containsAny(msg, "resource_exhausted", "resource exhausted", "quota", "rate limit", "too many requests", "throttl"):
		return CodeRateLimited
	case containsAny(msg, "safety", "blocked", "prohibited", "content policy", "datainspectionfailed"):
		return CodeContentBlocked
	case containsAny(msg, "unsupported image", "invalid image", "unsupported format", "cannot identify image", "image format"):
		return CodeInvalidImageFormat
	}
	return CodeProvider
}

// IsUnavailable reports whether err means the provider could not be used at
// all: missing credentials, an auth rejection, or a 5xx outage.
func IsUnavailable(err error) bool {
	var provider *ProviderError
	if errors.As(err, &provider) {
		switch provider.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable, http.StatusBadGateway:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, "api key is required", "missing credentials", "service unavailable", "server unavailable")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

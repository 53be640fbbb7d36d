package provider

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorKind categorizes why a provider call failed so the conductor and
// runner can decide whether to retry, mark a conversation failed, or
// surface an APIError event without tearing down the experiment.
type ErrorKind string

const (
	ErrorRateLimited           ErrorKind = "rate_limited"
	ErrorOverloaded            ErrorKind = "overloaded"
	ErrorTimeout               ErrorKind = "timeout"
	ErrorTransient             ErrorKind = "transient"
	ErrorAuthFailed            ErrorKind = "auth_failed"
	ErrorQuotaExhausted        ErrorKind = "quota_exhausted"
	ErrorModelNotFound         ErrorKind = "model_not_found"
	ErrorBadRequest            ErrorKind = "bad_request"
	ErrorContextLimitExceeded  ErrorKind = "context_limit_exceeded"
	ErrorUnknown               ErrorKind = "unknown"
)

// Retryable reports whether a call that failed with this kind of error
// should be retried by the same provider with backoff.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorRateLimited, ErrorOverloaded, ErrorTimeout, ErrorTransient:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind of error should end the conversation
// outright (TerminationReason = provider_fatal) rather than being
// retried or merely logged.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrorAuthFailed, ErrorQuotaExhausted, ErrorModelNotFound, ErrorBadRequest:
		return true
	default:
		return false
	}
}

// ProviderError is the structured error every Provider implementation
// returns for a failed call. It carries enough context for the runner
// to log, retry, or terminate the owning conversation.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, "["+string(e.Kind)+"]")
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewError wraps cause into a *ProviderError, classifying it from the
// message text when status/code aren't available.
func NewError(providerName, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: providerName, Model: model, Cause: cause, Kind: ErrorUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = ClassifyMessage(cause.Error())
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies the error kind from
// it, since the status code is the most reliable signal when present.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Kind = classifyStatus(status)
	return e
}

// WithCode sets a provider-specific error code and reclassifies if the
// code maps to a known kind.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if kind := classifyCode(code); kind != ErrorUnknown {
		e.Kind = kind
	}
	return e
}

// WithMessage overrides the human-readable message, e.g. with text
// parsed from a provider's JSON error body instead of the SDK's
// generic wrapper message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyMessage inspects free-form error text and returns the best
// guess ErrorKind. Used when a provider's SDK doesn't surface a typed
// error or HTTP status.
func ClassifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "timeout"), strings.Contains(m, "deadline exceeded"), strings.Contains(m, "context deadline"):
		return ErrorTimeout
	case strings.Contains(m, "rate limit"), strings.Contains(m, "429"), strings.Contains(m, "too many requests"):
		return ErrorRateLimited
	case strings.Contains(m, "overloaded"), strings.Contains(m, "529"):
		return ErrorOverloaded
	case strings.Contains(m, "unauthorized"), strings.Contains(m, "invalid api key"), strings.Contains(m, "authentication"), strings.Contains(m, "401"), strings.Contains(m, "403"):
		return ErrorAuthFailed
	case strings.Contains(m, "quota"), strings.Contains(m, "billing"), strings.Contains(m, "insufficient"), strings.Contains(m, "402"):
		return ErrorQuotaExhausted
	case strings.Contains(m, "model not found"), strings.Contains(m, "does not exist"), strings.Contains(m, "unknown model"):
		return ErrorModelNotFound
	case strings.Contains(m, "context length"), strings.Contains(m, "context_length_exceeded"), strings.Contains(m, "maximum context"), strings.Contains(m, "too many tokens"):
		return ErrorContextLimitExceeded
	case strings.Contains(m, "invalid request"), strings.Contains(m, "bad request"), strings.Contains(m, "400"):
		return ErrorBadRequest
	case strings.Contains(m, "internal server"), strings.Contains(m, "server error"), strings.Contains(m, "500"), strings.Contains(m, "502"), strings.Contains(m, "503"), strings.Contains(m, "504"):
		return ErrorTransient
	default:
		return ErrorUnknown
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuthFailed
	case status == http.StatusPaymentRequired:
		return ErrorQuotaExhausted
	case status == http.StatusTooManyRequests:
		return ErrorRateLimited
	case status == 529:
		return ErrorOverloaded
	case status == http.StatusBadRequest:
		return ErrorBadRequest
	case status == http.StatusNotFound:
		return ErrorModelNotFound
	case status == http.StatusRequestTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorTransient
	default:
		return ErrorUnknown
	}
}

func classifyCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ErrorRateLimited
	case "overloaded_error":
		return ErrorOverloaded
	case "authentication_error", "invalid_api_key":
		return ErrorAuthFailed
	case "billing_error", "insufficient_quota":
		return ErrorQuotaExhausted
	case "model_not_found", "model_not_available":
		return ErrorModelNotFound
	case "context_length_exceeded":
		return ErrorContextLimitExceeded
	case "invalid_request_error":
		return ErrorBadRequest
	default:
		return ErrorUnknown
	}
}

// AsProviderError extracts a *ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

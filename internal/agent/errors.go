// Package agent contains the agent provider interfaces and shared error taxonomy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailoverReason categorizes why a provider request failed. It drives the
// retry and fallback decisions in the agent package.
type FailoverReason string

const (
	// FailoverRateLimit indicates rate limiting (HTTP 429).
	FailoverRateLimit FailoverReason = "rate_limit"

	// FailoverServerError indicates server-side issues (HTTP 5xx).
	FailoverServerError FailoverReason = "server_error"

	// FailoverTimeout indicates a request timeout (context deadline exceeded).
	FailoverTimeout FailoverReason = "timeout"

	// FailoverAuth indicates authentication failure (HTTP 401, 403).
	FailoverAuth FailoverReason = "auth"

	// FailoverContextOverflow indicates the request exceeded the model's
	// context window. Never retried, never failed over.
	FailoverContextOverflow FailoverReason = "context_overflow"

	// FailoverCanceled indicates the caller aborted the request.
	FailoverCanceled FailoverReason = "canceled"

	// FailoverUnknown indicates an unclassified error.
	FailoverUnknown FailoverReason = "unknown"
)

// ProviderError is a structured error from an LLM backend.
type ProviderError struct {
	Reason   FailoverReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error

	// RetryAfter carries the provider's wait hint in seconds, if any.
	RetryAfter int
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// StatusCode implements the retry package's StatusCoder.
func (e *ProviderError) StatusCode() int { return e.Status }

var contextOverflowMarkers = []string{
	"context length",
	"context_length_exceeded",
	"token limit",
	"maximum context",
	"too many tokens",
}

// IsContextOverflow reports whether an error signals a context-window overflow.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Reason == FailoverContextOverflow {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAbort reports whether an error came from caller cancellation.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == FailoverCanceled
}

// Classify wraps an arbitrary backend failure in a ProviderError.
func Classify(provider, model string, status int, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, Model: model, Status: status, Cause: err}
	switch {
	case IsAbort(err):
		pe.Reason = FailoverCanceled
	case IsContextOverflow(err):
		pe.Reason = FailoverContextOverflow
	case status == 429:
		pe.Reason = FailoverRateLimit
	case status == 401 || status == 403:
		pe.Reason = FailoverAuth
	case status >= 500 && status < 600:
		pe.Reason = FailoverServerError
	case errors.Is(err, context.DeadlineExceeded):
		pe.Reason = FailoverTimeout
	default:
		pe.Reason = FailoverUnknown
	}
	return pe
}

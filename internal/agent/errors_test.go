package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsContextOverflow(t *testing.T) {
	overflowing := []error{
		errors.New("this model's maximum context length is 8192 tokens"),
		errors.New("error: context_length_exceeded"),
		errors.New("prompt exceeds token limit"),
		errors.New("too many tokens in request"),
		&ProviderError{Reason: FailoverContextOverflow},
	}
	for _, err := range overflowing {
		assert.True(t, IsContextOverflow(err), "%v", err)
	}

	assert.False(t, IsContextOverflow(errors.New("rate limited")))
	assert.False(t, IsContextOverflow(nil))
}

func TestIsAbort(t *testing.T) {
	assert.True(t, IsAbort(context.Canceled))
	assert.True(t, IsAbort(&ProviderError{Reason: FailoverCanceled}))
	assert.False(t, IsAbort(context.DeadlineExceeded))
	assert.False(t, IsAbort(errors.New("boom")))
	assert.False(t, IsAbort(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   FailoverReason
	}{
		{"rate limit", 429, errors.New("429"), FailoverRateLimit},
		{"server error", 503, errors.New("503"), FailoverServerError},
		{"auth", 401, errors.New("401"), FailoverAuth},
		{"forbidden", 403, errors.New("403"), FailoverAuth},
		{"overflow", 400, errors.New("context_length_exceeded"), FailoverContextOverflow},
		{"canceled", 0, context.Canceled, FailoverCanceled},
		{"deadline", 0, context.DeadlineExceeded, FailoverTimeout},
		{"unknown", 0, errors.New("mystery"), FailoverUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := Classify("anthropic", "m", tt.status, tt.err)
			assert.Equal(t, tt.want, pe.Reason)
			assert.Equal(t, tt.status, pe.StatusCode())
		})
	}
}

func TestProviderErrorMessage(t *testing.T) {
	pe := &ProviderError{
		Reason:   FailoverRateLimit,
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		Status:   429,
		Message:  "slow down",
	}
	msg := pe.Error()
	assert.Contains(t, msg, "[rate_limit]")
	assert.Contains(t, msg, "anthropic")
	assert.Contains(t, msg, "status=429")
	assert.Contains(t, msg, "slow down")
}

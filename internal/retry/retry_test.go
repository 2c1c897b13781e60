package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpError struct {
	status int
}

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.status) }
func (e *httpError) StatusCode() int { return e.status }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	value, err := Do(context.Background(), Config{
		Attempts: 3,
		MinDelay: time.Millisecond,
		MaxDelay: 5 * time.Millisecond,
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &httpError{status: 503}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{Attempts: 5, MinDelay: time.Millisecond}, func() (any, error) {
		calls++
		return nil, &httpError{status: 400}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Config{Attempts: 5, MinDelay: time.Millisecond}, func() (any, error) {
		calls++
		cancel()
		return nil, context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestShouldRetryOverride(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Config{
		Attempts:    5,
		MinDelay:    time.Millisecond,
		ShouldRetry: func(err error, attempt int) bool { return false },
	}, func() (any, error) {
		calls++
		return nil, &httpError{status: 503}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDelayLaw(t *testing.T) {
	c := Config{MinDelay: 300 * time.Millisecond, MaxDelay: 2 * time.Second}

	assert.Equal(t, 300*time.Millisecond, c.Delay(1))
	assert.Equal(t, 600*time.Millisecond, c.Delay(2))
	assert.Equal(t, 1200*time.Millisecond, c.Delay(3))
	assert.Equal(t, 2*time.Second, c.Delay(4), "capped at max")
	assert.Equal(t, 2*time.Second, c.Delay(20))
}

func TestJitteredDelayStaysInBounds(t *testing.T) {
	c := Config{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}
	for i := 0; i < 200; i++ {
		d := c.jittered(c.Delay(3))
		assert.GreaterOrEqual(t, d, c.MinDelay)
		assert.LessOrEqual(t, d, c.MaxDelay)
	}
}

func TestRetryAfterHintOverridesWhenGreater(t *testing.T) {
	var delays []time.Duration
	_, _ = Do(context.Background(), Config{
		Attempts:   2,
		MinDelay:   time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		RetryAfter: func(err error) time.Duration { return 10 * time.Millisecond },
		OnRetry:    func(err error, attempt int, delay time.Duration) { delays = append(delays, delay) },
	}, func() (any, error) {
		return nil, &httpError{status: 429}
	})

	require.Len(t, delays, 1)
	assert.GreaterOrEqual(t, delays[0], 8*time.Millisecond, "provider hint should win over 1ms base")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&httpError{status: 429}))
	assert.True(t, IsRetryable(&httpError{status: 500}))
	assert.True(t, IsRetryable(&httpError{status: 599}))
	assert.False(t, IsRetryable(&httpError{status: 404}))
	assert.False(t, IsRetryable(&httpError{status: 401}))
	assert.True(t, IsRetryable(errors.New("read tcp: ECONNRESET")))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryable(errors.New("something else")))
	assert.False(t, IsRetryable(nil))
}

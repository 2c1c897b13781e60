package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/aided/internal/retry"
)

// ModelCandidate names one (provider, model) pair in a fallback chain.
type ModelCandidate struct {
	Provider string
	Model    string
}

func (c ModelCandidate) key() string { return c.Provider + "/" + c.Model }

func (c ModelCandidate) String() string { return c.key() }

// CooldownDuration is how long a failed candidate sits out of rotation.
const CooldownDuration = 60 * time.Second

// CooldownMap tracks per-candidate unlock times.
type CooldownMap struct {
	mu     sync.Mutex
	unlock map[string]time.Time
}

// NewCooldownMap creates an empty cooldown map.
func NewCooldownMap() *CooldownMap {
	return &CooldownMap{unlock: make(map[string]time.Time)}
}

// Set places a candidate in cooldown for d.
func (m *CooldownMap) Set(c ModelCandidate, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlock[c.key()] = time.Now().Add(d)
}

// InCooldown reports whether a candidate is still cooling down.
func (m *CooldownMap) InCooldown(c ModelCandidate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.unlock[c.key()]
	return ok && time.Now().Before(until)
}

// Attempt records one failed candidate in a fallback run.
type Attempt struct {
	Provider string
	Model    string
	Err      error
	Status   int
}

// FallbackResult reports which candidate succeeded and the failures before it.
type FallbackResult struct {
	Provider string
	Model    string
	Attempts []Attempt
}

// AllModelsFailedError aggregates a fully exhausted fallback chain.
type AllModelsFailedError struct {
	Attempts []Attempt
	Cause    error
}

func (e *AllModelsFailedError) Error() string {
	return fmt.Sprintf("all models failed (%d)", len(e.Attempts))
}

func (e *AllModelsFailedError) Unwrap() error { return e.Cause }

// RunWithModelFallback runs fn against an ordered, deduplicated candidate
// chain. Candidates in cooldown are skipped unless they are the only one
// left. Each candidate gets the retry policy; on failure it is placed in
// cooldown and the next candidate is tried. Aborts and context-overflow
// errors are rethrown without consulting any fallback.
func RunWithModelFallback[T any](
	ctx context.Context,
	primary ModelCandidate,
	fallbacks []ModelCandidate,
	cooldowns *CooldownMap,
	retryCfg retry.Config,
	logger *slog.Logger,
	fn func(ctx context.Context, c ModelCandidate) (T, error),
) (T, *FallbackResult, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}

	seen := map[string]struct{}{primary.key(): {}}
	candidates := []ModelCandidate{primary}
	for _, c := range fallbacks {
		if _, dup := seen[c.key()]; dup {
			continue
		}
		seen[c.key()] = struct{}{}
		candidates = append(candidates, c)
	}

	result := &FallbackResult{}
	var lastErr error

	remaining := len(candidates)
	for _, c := range candidates {
		remaining--
		if cooldowns != nil && cooldowns.InCooldown(c) && remaining > 0 {
			logger.Debug("skipping candidate in cooldown", "candidate", c.key())
			continue
		}

		value, err := retry.Do(ctx, retryCfg, func() (T, error) {
			return fn(ctx, c)
		})
		if err == nil {
			result.Provider = c.Provider
			result.Model = c.Model
			return value, result, nil
		}

		if IsAbort(err) || IsContextOverflow(err) {
			return zero, result, err
		}

		lastErr = err
		attempt := Attempt{Provider: c.Provider, Model: c.Model, Err: err}
		var pe *ProviderError
		if errors.As(err, &pe) {
			attempt.Status = pe.Status
		}
		result.Attempts = append(result.Attempts, attempt)
		if cooldowns != nil {
			cooldowns.Set(c, CooldownDuration)
		}
		logger.Warn("model candidate failed, falling back",
			"candidate", c.key(), "error", err)
	}

	return zero, result, &AllModelsFailedError{Attempts: result.Attempts, Cause: lastErr}
}

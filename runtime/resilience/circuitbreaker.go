// Package resilience wraps tool invocations with per-tool circuit breakers
// and a bounded retry policy. Neither layer ever raises: a short-circuited
// call synthesizes a ToolRunResult with exit code -3, and a retry loop
// always returns the last attempt's result once attempts are exhausted.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/telemetry"
)

// BreakerSettings configures a single tool's circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips
	// closed -> open.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open trial call.
	RecoveryTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent trial calls while half-open.
	HalfOpenMaxRequests uint32
	// RetryRateLimit bounds how many retry attempts per second a single
	// tool id may issue, independent of the breaker's own trip logic — it
	// protects a degraded-but-not-yet-tripped tool from a retry storm. Zero
	// means unlimited (the pre-existing behavior).
	RetryRateLimit float64
	// RetryBurst is the token bucket burst size paired with RetryRateLimit.
	// Ignored when RetryRateLimit is zero.
	RetryBurst int
}

// DefaultBreakerSettings mirrors the scenario in spec §8: trips after 5
// consecutive failures, one trial call while half-open.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
		RetryRateLimit:      10,
		RetryBurst:          5,
	}
}

// BreakerRegistry holds one circuit breaker per tool id. It is the only
// per-process mutable singleton in the resilience layer; callers must never
// reach into an individual breaker directly.
type BreakerRegistry struct {
	settings BreakerSettings
	logger   telemetry.Logger

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// NewBreakerRegistry builds a registry that lazily creates one breaker per
// tool id the first time it's used. Breakers always start closed — per
// spec's design note, on restart the engine begins closed rather than
// persisting prior breaker state (see DESIGN.md's Open Question decision).
func NewBreakerRegistry(settings BreakerSettings, logger telemetry.Logger) *BreakerRegistry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &BreakerRegistry{
		settings: settings,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the retry-rate limiter for toolID, or nil if
// RetryRateLimit is unconfigured.
func (r *BreakerRegistry) limiterFor(toolID string) *rate.Limiter {
	if r.settings.RetryRateLimit <= 0 {
		return nil
	}
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	if l, ok := r.limiters[toolID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(r.settings.RetryRateLimit), r.settings.RetryBurst)
	r.limiters[toolID] = l
	return l
}

func (r *BreakerRegistry) breakerFor(toolID string) *gobreaker.CircuitBreaker {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	if b, ok := r.breakers[toolID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        toolID,
		MaxRequests: r.settings.HalfOpenMaxRequests,
		Timeout:     r.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info(context.Background(), "resilience: circuit state change", "tool_id", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[toolID] = b
	return b
}

// State reports the current circuit state for a tool id ("closed" if the
// tool has never been invoked).
func (r *BreakerRegistry) State(toolID string) string {
	r.breakerMu.Lock()
	b, ok := r.breakers[toolID]
	r.breakerMu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return b.State().String()
}

// IsRetryableExitCode reports whether an exit code represents a
// non-deterministic failure kind eligible for retry: timeout or runtime
// error. Deterministic tool failures (a clean non-zero exit) and guardrail
// violations are never retried.
func IsRetryableExitCode(exitCode int) bool {
	return exitCode == apitypes.ExitTimeout || exitCode == apitypes.ExitRuntimeError
}

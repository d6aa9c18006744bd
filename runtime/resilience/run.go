package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/acms-dev/acms/apitypes"
)

// ToolRunner is the shape of the tool adapter's entry point; the resilience
// layer wraps exactly this.
type ToolRunner func(ctx context.Context, req apitypes.ToolRunRequest) apitypes.ToolRunResult

// RunTool invokes runner through toolID's circuit breaker and retry policy.
// It never raises: an open breaker synthesizes a result with exit code -3
// and a "circuit open" stderr prefix instead of returning an error.
func (r *BreakerRegistry) RunTool(ctx context.Context, policy RetryPolicy, toolID string, req apitypes.ToolRunRequest, runner ToolRunner) apitypes.ToolRunResult {
	breaker := r.breakerFor(toolID)

	var last apitypes.ToolRunResult
	attempt := func() apitypes.ToolRunResult {
		out, err := breaker.Execute(func() (any, error) {
			result := runner(ctx, req)
			if !result.Success() {
				// Feed the breaker a failure signal for any non-success
				// result; the retry policy decides separately whether to
				// retry this particular attempt.
				return result, errToolFailed
			}
			return result, nil
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			now := time.Now().UTC()
			return apitypes.ToolRunResult{
				ExitCode:  apitypes.ExitRuntimeError,
				Stderr:    "circuit open: " + toolID,
				StartedAt: now,
				EndedAt:   now,
			}
		}
		// out is always a ToolRunResult here: either the runner's own
		// result (success path) or the result captured alongside
		// errToolFailed above.
		result, _ := out.(apitypes.ToolRunResult)
		return result
	}

	limiter := r.limiterFor(toolID)

	last = attempt()
	retries := 0
	for IsRetryableExitCode(last.ExitCode) && retries < policy.MaxAttempts-1 {
		backoff := policy.Backoff(retries)
		select {
		case <-ctx.Done():
			return last
		case <-time.After(backoff):
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return last
			}
		}
		retries++
		last = attempt()
	}
	return last
}

// errToolFailed is a sentinel used only to signal the breaker that an
// attempt failed; its text is never surfaced to callers.
var errToolFailed = toolFailedError{}

type toolFailedError struct{}

func (toolFailedError) Error() string { return "tool invocation did not succeed" }

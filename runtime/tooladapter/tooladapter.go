// Package tooladapter launches external tool processes and returns a
// standardized result record. Its single entry point, RunTool, never raises
// across its boundary: every failure mode — timeout, missing binary,
// unexpected spawn/IO error, even a recovered panic — is encoded into a
// ToolRunResult with a reserved negative exit code.
package tooladapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/acms-dev/acms/apitypes"
	"github.com/acms-dev/acms/telemetry"
)

// Adapter is the single entry point for subprocess tool invocation.
type Adapter struct {
	logger telemetry.Logger
	tracer telemetry.Tracer
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger configures the adapter's logger. Nil uses a noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithTracer configures the adapter's tracer. Nil uses a noop tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(a *Adapter) { a.tracer = tracer }
}

// New builds an Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		logger: telemetry.NewNoopLogger(),
		tracer: telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RunTool spawns the requested command, enforcing req.Timeout, and always
// returns a populated ToolRunResult. It has no error return: tool-side
// failures, spawn errors and recovered panics are all encoded in the result.
func (a *Adapter) RunTool(ctx context.Context, req apitypes.ToolRunRequest) (result apitypes.ToolRunResult) {
	ctx, span := a.tracer.Start(ctx, "acms.run_tool", trace.WithAttributes(
		attribute.String("tool_id", req.ToolID),
		attribute.String("run_id", req.RunID),
		attribute.String("task_id", req.TaskID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			result = apitypes.ToolRunResult{
				ExitCode:  apitypes.ExitRuntimeError,
				Stderr:    fmt.Sprintf("tooladapter: recovered panic: %v", r),
				StartedAt: result.StartedAt,
				EndedAt:   time.Now().UTC(),
			}
			span.RecordError(fmt.Errorf("panic: %v", r))
			span.SetStatus(codes.Error, "panic")
			a.logger.Error(ctx, "tooladapter: recovered panic", "tool_id", req.ToolID, "panic", r)
		}
	}()

	start := time.Now().UTC()

	if len(req.Args) == 0 {
		return apitypes.ToolRunResult{
			ExitCode:  apitypes.ExitBinaryMissing,
			Stderr:    "tooladapter: empty command",
			StartedAt: start,
			EndedAt:   time.Now().UTC(),
		}
	}

	if _, err := exec.LookPath(req.Args[0]); err != nil {
		a.logger.Warn(ctx, "tooladapter: binary not found", "tool_id", req.ToolID, "binary", req.Args[0])
		return apitypes.ToolRunResult{
			ExitCode:  apitypes.ExitBinaryMissing,
			Stderr:    fmt.Sprintf("tooladapter: binary not found: %s", req.Args[0]),
			StartedAt: start,
			EndedAt:   time.Now().UTC(),
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.WorkingDir
	cmd.Env = mergeEnv(req.Env)
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	a.logger.Debug(ctx, "tooladapter: spawning", "tool_id", req.ToolID, "args", req.Args)

	runErr := cmd.Run()
	end := time.Now().UTC()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		a.logger.Warn(ctx, "tooladapter: timed out", "tool_id", req.ToolID, "timeout", timeout)
		span.SetStatus(codes.Error, "timeout")
		return apitypes.ToolRunResult{
			ExitCode:  apitypes.ExitTimeout,
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			TimedOut:  true,
			StartedAt: start,
			EndedAt:   end,
		}
	case runErr == nil:
		span.SetStatus(codes.Ok, "")
		return apitypes.ToolRunResult{
			ExitCode:  0,
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			StartedAt: start,
			EndedAt:   end,
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return apitypes.ToolRunResult{
				ExitCode:  exitErr.ExitCode(),
				Stdout:    stdout.String(),
				Stderr:    stderr.String(),
				StartedAt: start,
				EndedAt:   end,
			}
		}
		// Spawn/IO error that isn't a clean exit code: reserved -3.
		a.logger.Error(ctx, "tooladapter: runtime error", "tool_id", req.ToolID, "error", runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "runtime error")
		return apitypes.ToolRunResult{
			ExitCode:  apitypes.ExitRuntimeError,
			Stdout:    stdout.String(),
			Stderr:    stderr.String() + "\n" + runErr.Error(),
			StartedAt: start,
			EndedAt:   end,
		}
	}
}

// mergeEnv flattens a string map into the os.Environ()-style "K=V" slice
// expected by exec.Cmd.Env, with the profile's declared env taking
// precedence over inherited process environment for duplicate keys.
func mergeEnv(overrides map[string]string) []string {
	base := osEnviron()
	if len(overrides) == 0 {
		return base
	}
	seen := make(map[string]bool, len(overrides))
	merged := make([]string, 0, len(base)+len(overrides))
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
		seen[k] = true
	}
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if !seen[k] {
			merged = append(merged, kv)
		}
	}
	return merged
}

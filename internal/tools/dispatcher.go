// Package tools calls the coding-agent platform's fixed tool set with
// per-attempt timeouts, retries, and a circuit breaker per tool.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ToolName is a remote tool identifier.
type ToolName string

const (
	ToolCreateProject  ToolName = "create_project"
	ToolListProjects   ToolName = "list_projects"
	ToolExecuteTask    ToolName = "execute_coding_task"
	ToolSessionDetails ToolName = "get_session_details"
	ToolSessionFiles   ToolName = "get_session_files"
	ToolHealthCheck    ToolName = "health_check"
)

// AllTools lists the tools the dispatcher knows, in display order.
var AllTools = []ToolName{
	ToolCreateProject, ToolListProjects, ToolExecuteTask,
	ToolSessionDetails, ToolSessionFiles, ToolHealthCheck,
}

// Invocation is one requested tool call.
type Invocation struct {
	Tool      ToolName
	Params    map[string]any
	RequestID string // inbound message that triggered the call, for logs and spans
}

// Caller is the transport to the platform.
type Caller interface {
	// CallTool invokes name and returns its JSON payload. A tool-level error
	// must be returned wrapping ErrToolFailed.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Ping(ctx context.Context) error
	HasTool(name string) bool
}

// Options bound every call.
type Options struct {
	CallTimeout      time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Now              func() time.Time // breaker clock
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	caller Caller
	opts   Options

	mu       sync.Mutex
	breakers map[ToolName]*Breaker
}

var tracer = otel.Tracer("github.com/nextlevelbuilder/wacoder/internal/tools")

func NewDispatcher(c Caller, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{caller: c, opts: opts, breakers: make(map[ToolName]*Breaker)}
}

func (d *Dispatcher) breaker(tool ToolName) *Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[tool]
	if !ok {
		b = NewBreaker(string(tool), d.opts.BreakerThreshold, d.opts.BreakerCooldown, d.opts.Now)
		d.breakers[tool] = b
	}
	return b
}

// Snapshot returns the state of every breaker created so far.
func (d *Dispatcher) Snapshot() map[ToolName]BreakerSnapshot {
	d.mu.Lock()
	bs := make(map[ToolName]*Breaker, len(d.breakers))
	for k, v := range d.breakers {
		bs[k] = v
	}
	d.mu.Unlock()

	out := make(map[ToolName]BreakerSnapshot, len(bs))
	for k, b := range bs {
		out[k] = b.Snapshot()
	}
	return out
}

// Invoke runs inv. execute_coding_task gets a single attempt because the
// platform may already have started the task when a response is lost.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	ctx, span := tracer.Start(ctx, "tools.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", string(inv.Tool)),
		attribute.String("request_id", inv.RequestID),
	)

	maxAttempts := d.opts.MaxAttempts
	if inv.Tool == ToolExecuteTask {
		maxAttempts = 1
	}

	br := d.breaker(inv.Tool)
	attempt := 0

	op := func() (json.RawMessage, error) {
		attempt++
		if !br.Allow() {
			return nil, backoff.Permanent(ErrCircuitOpen)
		}

		actx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
		defer cancel()

		start := time.Now()
		data, err := d.caller.CallTool(actx, string(inv.Tool), inv.Params)
		if err == nil {
			err = envelopeError(data)
		}
		slog.Debug("tools.attempt", "request_id", inv.RequestID, "tool", inv.Tool, "attempt", attempt, "duration_ms", time.Since(start).Milliseconds(), "error", err)

		switch {
		case err == nil:
			br.Success()
			return data, nil
		case errors.Is(err, ErrToolFailed):
			// The platform answered; the transport is healthy.
			br.Success()
			return nil, backoff.Permanent(err)
		case ctx.Err() != nil:
			br.Release()
			return nil, backoff.Permanent(ctx.Err())
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			br.Failure()
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, inv.Tool, d.opts.CallTimeout)
		default:
			br.Failure()
			return nil, fmt.Errorf("call %s: %w", inv.Tool, err)
		}
	}

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("tools.retry", "tool", inv.Tool, "attempt", attempt, "next_in", next, "error", err)
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempt))

	if err != nil {
		err = d.classify(ctx, inv.Tool, attempt, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &Result{Tool: inv.Tool, Data: data, Attempts: attempt}
	if inv.Tool == ToolExecuteTask {
		var started TaskStarted
		if err := json.Unmarshal(data, &started); err == nil {
			res.SessionID = started.SessionID
		}
		res.InProgress = true
	}
	return res, nil
}

func (d *Dispatcher) classify(ctx context.Context, tool ToolName, attempts int, err error) error {
	// Retry returns the wrapper as-is when the last allowed try was permanent.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, tool, err)
	case errors.Is(err, ErrToolFailed):
		return err
	case ctx.Err() != nil && !errors.Is(err, ErrTimeout):
		return fmt.Errorf("invoke %s: %w", tool, ctx.Err())
	default:
		return fmt.Errorf("%w: %s failed after %d attempt(s): %w", ErrUnavailable, tool, attempts, err)
	}
}

// newBackOff builds a fresh schedule per Invoke; ExponentialBackOff is not
// safe to share between goroutines.
func (d *Dispatcher) newBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     d.opts.InitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         d.opts.MaxBackoff,
	}
}

// envelopeError turns {"success": false, "error": "..."} into ErrToolFailed.
func envelopeError(data json.RawMessage) error {
	var env envelope
	if json.Unmarshal(data, &env) != nil || env.Success == nil || *env.Success {
		return nil
	}
	msg := env.Error
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Errorf("%w: %s", ErrToolFailed, msg)
}

// Health probes the platform: the health_check tool when the server offers
// one, otherwise a transport ping.
func (d *Dispatcher) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	if d.caller.HasTool(string(ToolHealthCheck)) {
		if _, err := d.caller.CallTool(ctx, string(ToolHealthCheck), nil); err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		return nil
	}
	if err := d.caller.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Package pipeline runs one inbound chat message through verification, rate
// limiting, session load, command routing, tool dispatch, session save and
// reply formatting.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/wacoder/internal/auth"
	"github.com/nextlevelbuilder/wacoder/internal/bus"
	"github.com/nextlevelbuilder/wacoder/internal/ratelimit"
	"github.com/nextlevelbuilder/wacoder/internal/reply"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/wacoder/internal/pipeline")

// Dispatcher invokes platform tools.
type Dispatcher interface {
	Invoke(ctx context.Context, inv tools.Invocation) (*tools.Result, error)
}

// Authorizer decides whether a verified sender may use the service.
type Authorizer interface {
	IsAuthorized(sender string) bool
}

// Limiter checks the per-sender and global rate limits.
type Limiter interface {
	Check(ctx context.Context, sender string) (ratelimit.Decision, error)
}

// Deps are the collaborators of a Pipeline. Limiter may be nil to disable
// rate limiting.
type Deps struct {
	Verifier  auth.Verifier
	Allowlist Authorizer
	Limiter   Limiter
	Sessions  *sessions.Manager
	Tools     Dispatcher
	Formatter *reply.Formatter
}

// Options tune processing.
type Options struct {
	RequestTimeout time.Duration // 0 disables the ceiling
	HistoryWindow  int
	HistoryHints   int
	Welcome        bool
	ForwardMedia   bool
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(deps Deps, opts Options, extra ...Option) *Pipeline {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	if deps.Formatter == nil {
		deps.Formatter = reply.NewFormatter(reply.DefaultMaxChunk)
	}
	p := &Pipeline{deps: deps, opts: opts, now: time.Now}
	for _, o := range extra {
		o(p)
	}
	return p
}

// NewRequestID returns a time-ordered request id.
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Handle adapts Process to bus.Handler.
func (p *Pipeline) Handle(ctx context.Context, msg bus.InboundMessage) bus.OutboundReply {
	out := p.Process(ctx, msg)
	chatID := msg.ChatID
	if chatID == "" {
		chatID = msg.SenderID
	}
	return bus.OutboundReply{
		RequestID: out.RequestID,
		Channel:   msg.Channel,
		ChatID:    chatID,
		Chunks:    out.Chunks,
	}
}

// Process handles msg. It never returns without a reply: every failure is
// turned into an Outcome with user-facing chunks.
//
// The work runs detached from ctx. If it outlives the request timeout (or ctx
// ends first) the caller gets a timeout reply, and the late result is dropped
// without saving the session.
func (p *Pipeline) Process(ctx context.Context, msg bus.InboundMessage) Outcome {
	if msg.RequestID == "" {
		msg.RequestID = NewRequestID()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}
	msg.SenderID = sessions.NormalizeSender(msg.SenderID)

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("request_id", msg.RequestID),
		attribute.String("channel", msg.Channel),
		attribute.String("sender_id", sessions.MaskSender(msg.SenderID)),
	))
	defer span.End()

	r := &run{
		p:    p,
		msg:  msg,
		span: span,
		log: slog.With(
			"request_id", msg.RequestID,
			"channel", msg.Channel,
			"sender_id", sessions.MaskSender(msg.SenderID),
		),
	}
	r.enter(StateReceived)

	done := make(chan Outcome, 1)
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer cancel()
		done <- r.execute(work)
	}()

	var expired <-chan time.Time
	if p.opts.RequestTimeout > 0 {
		timer := time.NewTimer(p.opts.RequestTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	var out Outcome
	select {
	case out = <-done:
	case <-expired:
		out = r.expire(done)
	case <-ctx.Done():
		out = r.expire(done)
	}

	span.SetAttributes(
		attribute.String("state", string(out.State)),
		attribute.String("kind", out.Kind.String()),
		attribute.Int("chunks", len(out.Chunks)),
		attribute.Int("tool_calls", out.ToolCalls),
	)
	if out.State == StateErrored {
		span.SetStatus(codes.Error, out.Kind.String())
	}
	r.log.Info("pipeline.done",
		"state", out.State,
		"kind", out.Kind.String(),
		"reason", out.Reason,
		"tool_calls", out.ToolCalls,
		"duration_ms", time.Since(msg.ReceivedAt).Milliseconds(),
	)
	return out
}

const (
	phaseRunning int32 = iota
	phaseSaving
	phaseAbandoned
)

// run is the state of one Process call.
type run struct {
	p    *Pipeline
	msg  bus.InboundMessage
	span trace.Span
	log  *slog.Logger

	mu    sync.Mutex
	trail []State

	phase atomic.Int32
	calls atomic.Int32
}

func (r *run) enter(s State) {
	r.mu.Lock()
	r.trail = append(r.trail, s)
	r.mu.Unlock()
	r.span.AddEvent(string(s))
	r.log.Debug("pipeline.state", "state", s)
}

func (r *run) trailCopy() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.trail...)
}

// expire abandons the run unless its session save already started, in
// which case the real result is awaited.
func (r *run) expire(done <-chan Outcome) Outcome {
	if !r.phase.CompareAndSwap(phaseRunning, phaseAbandoned) {
		return <-done
	}
	r.log.Warn("pipeline.timeout", "timeout", r.p.opts.RequestTimeout)
	return r.finish(StateErrored, KindToolTimeout, reply.Timeout)
}

// finish enters the terminal state and formats text.
func (r *run) finish(state State, kind Kind, text string) Outcome {
	r.enter(state)
	return Outcome{
		RequestID: r.msg.RequestID,
		State:     state,
		Kind:      kind,
		Text:      text,
		Chunks:    r.p.deps.Formatter.Format(text),
		Trail:     r.trailCopy(),
		ToolCalls: int(r.calls.Load()),
	}
}

func (r *run) reject(kind Kind, reason, text string) Outcome {
	r.log.Warn("pipeline.rejected", "kind", kind.String(), "reason", reason)
	out := r.finish(StateRejected, kind, text)
	out.Reason = reason
	return out
}

func (r *run) fail(err error) Outcome {
	r.log.Error("pipeline.internal_error", "error", err)
	r.span.RecordError(err)
	return r.finish(StateErrored, KindInternal, reply.Apology)
}

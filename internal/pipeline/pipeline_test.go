package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/wacoder/internal/auth"
	"github.com/nextlevelbuilder/wacoder/internal/bus"
	"github.com/nextlevelbuilder/wacoder/internal/config"
	"github.com/nextlevelbuilder/wacoder/internal/ratelimit"
	"github.com/nextlevelbuilder/wacoder/internal/reply"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/internal/store"
	"github.com/nextlevelbuilder/wacoder/internal/store/memory"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

const sender = "+15551234567"

type fakeTools struct {
	mu      sync.Mutex
	calls   []tools.Invocation
	replies map[tools.ToolName]func(context.Context, tools.Invocation) (*tools.Result, error)
}

func newFakeTools() *fakeTools {
	return &fakeTools{replies: make(map[tools.ToolName]func(context.Context, tools.Invocation) (*tools.Result, error))}
}

func (f *fakeTools) Invoke(ctx context.Context, inv tools.Invocation) (*tools.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	fn := f.replies[inv.Tool]
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected tool %s", inv.Tool)
	}
	return fn(ctx, inv)
}

func (f *fakeTools) on(tool tools.ToolName, payload string) {
	f.replies[tool] = func(context.Context, tools.Invocation) (*tools.Result, error) {
		res := &tools.Result{Tool: tool, Data: json.RawMessage(payload), Attempts: 1}
		if tool == tools.ToolExecuteTask {
			var started tools.TaskStarted
			_ = json.Unmarshal(res.Data, &started)
			res.SessionID, res.InProgress = started.SessionID, true
		}
		return res, nil
	}
}

func (f *fakeTools) Calls() []tools.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tools.Invocation(nil), f.calls...)
}

type countingLimiter struct {
	Limiter
	n atomic.Int32
}

func (c *countingLimiter) Check(ctx context.Context, s string) (ratelimit.Decision, error) {
	c.n.Add(1)
	return c.Limiter.Check(ctx, s)
}

type harness struct {
	p        *Pipeline
	tools    *fakeTools
	sessions *sessions.Manager
	store    *memory.Store
	limiter  *countingLimiter
}

func newHarness(t *testing.T, tune func(*Options, *Deps)) *harness {
	t.Helper()
	st := memory.New()
	h := &harness{
		tools:    newFakeTools(),
		sessions: sessions.NewManager(st, 24*time.Hour),
		store:    st,
		limiter: &countingLimiter{Limiter: ratelimit.New(st, ratelimit.Limits{
			PerSender: 10, Global: 100, Window: time.Minute,
		})},
	}
	deps := Deps{
		Allowlist: auth.NewAllowlist([]string{sender}, false),
		Limiter:   h.limiter,
		Sessions:  h.sessions,
		Tools:     h.tools,
		Formatter: reply.NewFormatter(1600),
	}
	opts := Options{RequestTimeout: 2 * time.Second, HistoryWindow: 20, HistoryHints: 4, Welcome: true}
	if tune != nil {
		tune(&opts, &deps)
	}
	h.p = New(deps, opts)
	return h
}

func (h *harness) send(text string) Outcome {
	return h.p.Process(context.Background(), bus.InboundMessage{
		Channel:  bus.ChannelBridge,
		SenderID: "whatsapp:" + sender,
		Content:  text,
		Trusted:  true,
	})
}

func (h *harness) session(t *testing.T) *sessions.Session {
	t.Helper()
	s, _, err := h.sessions.Load(context.Background(), sender)
	require.NoError(t, err)
	return s
}

var happyTrail = []State{
	StateReceived, StateVerified, StateRateChecked, StateSessionLoaded,
	StateRouted, StateDispatched, StateSessionSaved, StateReplied,
}

func TestProcess_NewProject(t *testing.T) {
	h := newHarness(t, nil)
	h.tools.on(tools.ToolCreateProject, `{"success":true,"project_id":"p1"}`)

	out := h.send("/new Demo")
	assert.Equal(t, StateReplied, out.State)
	assert.Equal(t, KindNone, out.Kind)
	assert.Equal(t, happyTrail, out.Trail)
	assert.True(t, out.NewSession)
	assert.Equal(t, 1, out.ToolCalls)
	assert.NotEmpty(t, out.RequestID)

	require.Len(t, out.Chunks, 2, "welcome precedes the reply on a new session")
	assert.Contains(t, out.Chunks[0], "Welcome to AutoCoder")
	assert.Equal(t, "✅ Project 'Demo' created successfully!\n\nNow describe what you want to build.", out.Chunks[1])

	calls := h.tools.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Demo", calls[0].Params["name"])

	s := h.session(t)
	assert.Equal(t, "p1", s.ActiveProjectID)
	assert.Equal(t, "Demo", s.ActiveProjectName)
	require.Len(t, s.History, 2)
	assert.Equal(t, sessions.RoleUser, s.History[0].Role)
	assert.Equal(t, "/new Demo", s.History[0].Text)
	assert.Equal(t, sessions.RoleAssistant, s.History[1].Role)
}

func TestProcess_ListEmpty(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })
	h.tools.on(tools.ToolListProjects, `{"projects":[]}`)

	out := h.send("/list")
	assert.Equal(t, StateReplied, out.State)
	assert.Equal(t, []string{reply.NoProjects}, out.Chunks)
	assert.Equal(t, happyTrail, out.Trail)
}

func TestProcess_UnauthorizedSenderTouchesNothing(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Allowlist = auth.NewAllowlist([]string{"+19998887777"}, false)
	})

	out := h.send("/list")
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, KindUnauthorized, out.Kind)
	assert.Equal(t, ReasonNotAllowed, out.Reason)
	assert.Equal(t, []State{StateReceived, StateRejected}, out.Trail)
	assert.Equal(t, []string{reply.Normalize(reply.Unauthorized)}, out.Chunks)

	assert.Zero(t, h.limiter.n.Load(), "rate limit counters untouched")
	assert.Empty(t, h.tools.Calls())
	_, err := h.store.Get(context.Background(), sessions.SessionKey(sender))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_Signature(t *testing.T) {
	verifier, err := auth.NewVerifier(auth.SchemeHMACSHA256, "topsecret")
	require.NoError(t, err)
	h := newHarness(t, func(o *Options, d *Deps) {
		d.Verifier = verifier
		o.Welcome = false
	})

	body := []byte(`{"from":"+1555"}`)
	msg := bus.InboundMessage{
		Channel:  bus.ChannelTwilio,
		SenderID: sender,
		Content:  "/help",
		Proof:    &auth.Proof{Body: body, Signature: "sha256=deadbeef"},
	}
	out := h.p.Process(context.Background(), msg)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, ReasonBadSignature, out.Reason)

	msg.Proof = &auth.Proof{Body: body, Signature: "sha256=38567f64d293644add5516c54afba6196a135e9e98afb7e5ed4647da7c95481e"}
	out = h.p.Process(context.Background(), msg)
	assert.Equal(t, StateReplied, out.State)

	// Without a proof only trusted transports pass.
	msg.Proof = nil
	out = h.p.Process(context.Background(), msg)
	assert.Equal(t, ReasonBadSignature, out.Reason)
}

func TestProcess_RateLimited(t *testing.T) {
	h := newHarness(t, func(o *Options, d *Deps) {
		o.Welcome = false
		d.Limiter = ratelimit.New(memory.New(), ratelimit.Limits{PerSender: 2, Global: 100, Window: time.Minute})
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, StateReplied, h.send("/help").State)
	}
	out := h.send("/help")
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, KindRateLimited, out.Kind)
	assert.Greater(t, out.RetryAfter, time.Duration(0))
	assert.Equal(t, []State{StateReceived, StateVerified, StateRejected}, out.Trail)
	require.Len(t, out.Chunks, 1)
	assert.Contains(t, out.Chunks[0], "too quickly")
}

func TestProcess_DisabledLimiterStillRecordsState(t *testing.T) {
	h := newHarness(t, func(o *Options, d *Deps) {
		d.Limiter = nil
		o.Welcome = false
	})
	out := h.send("/help")
	assert.Equal(t, happyTrail, out.Trail)
}

type hangingCaller struct{ calls atomic.Int32 }

func (c *hangingCaller) CallTool(ctx context.Context, _ string, _ map[string]any) (json.RawMessage, error) {
	c.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}
func (c *hangingCaller) Ping(context.Context) error { return nil }
func (c *hangingCaller) HasTool(string) bool        { return true }

func TestProcess_TimeoutsBecomeToolUnavailableWithHistory(t *testing.T) {
	caller := &hangingCaller{}
	dispatcher := tools.NewDispatcher(caller, tools.Options{
		CallTimeout:      20 * time.Millisecond,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
	})
	h := newHarness(t, func(o *Options, d *Deps) {
		d.Tools = dispatcher
		o.Welcome = false
	})

	out := h.send("/list")
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, KindToolUnavailable, out.Kind)
	assert.Equal(t, int32(3), caller.calls.Load())
	assert.Equal(t, []State{
		StateReceived, StateVerified, StateRateChecked, StateSessionLoaded,
		StateRouted, StateSessionSaved, StateErrored,
	}, out.Trail)
	require.Len(t, out.Chunks, 1)
	assert.Contains(t, out.Chunks[0], "*Connection Error*")

	s := h.session(t)
	require.Len(t, s.History, 2)
	assert.Equal(t, "/list", s.History[0].Text)
	assert.Equal(t, reply.Unavailable, s.History[1].Text)
}

func TestProcess_RequestTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	h := newHarness(t, func(o *Options, _ *Deps) {
		o.RequestTimeout = 50 * time.Millisecond
		o.Welcome = false
	})
	h.tools.replies[tools.ToolListProjects] = func(context.Context, tools.Invocation) (*tools.Result, error) {
		defer close(returned)
		<-release
		return &tools.Result{Tool: tools.ToolListProjects, Data: json.RawMessage(`{"projects":[]}`)}, nil
	}

	out := h.send("/list")
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, KindToolTimeout, out.Kind)
	assert.Equal(t, StateErrored, out.Trail[len(out.Trail)-1])
	require.Len(t, out.Chunks, 1)
	assert.Contains(t, out.Chunks[0], "*Request Timeout*")

	close(release)
	<-returned
	assert.Never(t, func() bool {
		_, err := h.store.Get(context.Background(), sessions.SessionKey(sender))
		return err == nil
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestProcess_StatusWithoutProjectHintsWithoutCalling(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })

	out := h.send("/status")
	assert.Equal(t, []string{reply.NoActiveProject}, out.Chunks)
	assert.Zero(t, out.ToolCalls)

	out = h.send("/files")
	assert.Equal(t, []string{reply.NoActiveProject}, out.Chunks)
	assert.Empty(t, h.tools.Calls())
}

func TestProcess_FreeFormWithoutProjectStillDispatches(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })
	h.tools.on(tools.ToolExecuteTask, `{"success":true,"session_id":"s9","status":"started","project_id":"p7","project_name":"Scratch"}`)
	h.tools.on(tools.ToolSessionDetails, `{"status":"in_progress","progress":10}`)

	out := h.send("Create a Python REST API with user authentication")
	require.Equal(t, StateReplied, out.State)
	assert.Equal(t, happyTrail, out.Trail)
	assert.Equal(t, 1, out.ToolCalls)
	assert.Contains(t, out.Chunks[0], "I've received your request")

	calls := h.tools.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, tools.ToolExecuteTask, calls[0].Tool)
	assert.NotContains(t, calls[0].Params, "project_id")
	assert.Equal(t, "Create a Python REST API with user authentication", calls[0].Params["task_description"])
	assert.Equal(t, out.RequestID, calls[0].RequestID)

	s := h.session(t)
	assert.Equal(t, "p7", s.ActiveProjectID)
	assert.Equal(t, "Scratch", s.ActiveProjectName)
	assert.Equal(t, "s9", s.Get(sessions.CtxTaskSessionID))

	out = h.send("/status")
	assert.Contains(t, out.Chunks[0], "*Progress:* 10%")
	calls = h.tools.Calls()
	assert.Equal(t, "s9", calls[len(calls)-1].Params["session_id"])
}

func TestProcess_DefaultTimeoutsExhaustRetriesInsideRequest(t *testing.T) {
	// Defaults scaled down tenfold keep their proportions.
	cfg := config.Default()
	scaled := func(d config.Duration) time.Duration { return d.Std() / 10 }

	caller := &hangingCaller{}
	dispatcher := tools.NewDispatcher(caller, tools.Options{
		CallTimeout:      scaled(cfg.Dispatcher.CallTimeout),
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		InitialBackoff:   scaled(cfg.Dispatcher.InitialBackoff),
		MaxBackoff:       scaled(cfg.Dispatcher.MaxBackoff),
		BreakerThreshold: cfg.Dispatcher.BreakerThreshold,
		BreakerCooldown:  cfg.Dispatcher.BreakerCooldown.Std(),
	})
	h := newHarness(t, func(o *Options, d *Deps) {
		d.Tools = dispatcher
		o.RequestTimeout = scaled(cfg.Pipeline.RequestTimeout)
		o.HistoryWindow = cfg.Sessions.HistoryWindow
		o.Welcome = false
	})

	out := h.send("/list")
	assert.Equal(t, KindToolUnavailable, out.Kind)
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, int32(cfg.Dispatcher.MaxAttempts), caller.calls.Load())
	assert.Contains(t, out.Trail, StateSessionSaved)

	s := h.session(t)
	require.Len(t, s.History, 2)
	assert.Equal(t, reply.Unavailable, s.History[1].Text)
}

func TestProcess_FreeFormThenStatus(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) {
		o.Welcome = false
		o.ForwardMedia = true
	})
	h.tools.on(tools.ToolCreateProject, `{"success":true,"project_id":"p1"}`)
	h.tools.on(tools.ToolExecuteTask, `{"success":true,"session_id":"s1","status":"started"}`)
	h.tools.on(tools.ToolSessionDetails, `{"status":"in_progress","progress":40,"recent_logs":["Scaffolding"]}`)

	h.send("/new Demo")
	out := h.p.Process(context.Background(), bus.InboundMessage{
		Channel:  bus.ChannelBridge,
		SenderID: sender,
		Content:  "Build a REST API",
		MediaURL: "https://media.example.com/sketch.png",
		Trusted:  true,
	})
	require.Equal(t, StateReplied, out.State)
	assert.Contains(t, out.Chunks[0], `I've received your request: "Build a REST API"`)

	s := h.session(t)
	assert.Equal(t, "s1", s.Get(sessions.CtxTaskSessionID))
	assert.Equal(t, "Build a REST API", s.Get(sessions.CtxTaskDescription))
	assert.Equal(t, "https://media.example.com/sketch.png", s.History[2].MediaURL)

	calls := h.tools.Calls()
	exec := calls[len(calls)-1]
	assert.Equal(t, tools.ToolExecuteTask, exec.Tool)
	assert.Equal(t, "p1", exec.Params["project_id"])
	assert.Equal(t, "https://media.example.com/sketch.png", exec.Params["media_url"])
	assert.Equal(t, []string{"user: /new Demo", "assistant: " + reply.ProjectCreated("Demo")}, exec.Params["hints"])

	out = h.send("/status")
	require.Len(t, out.Chunks, 1)
	assert.Contains(t, out.Chunks[0], "🔄 *Task Status*")
	assert.Contains(t, out.Chunks[0], "*Project:* Demo")
	assert.Contains(t, out.Chunks[0], "*Task:* Build a REST API")
	assert.Contains(t, out.Chunks[0], "*Progress:* 40%")

	calls = h.tools.Calls()
	assert.Equal(t, "s1", calls[len(calls)-1].Params["session_id"])
}

func TestProcess_NewProjectClearsPreviousTask(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })
	h.tools.on(tools.ToolCreateProject, `{"success":true,"project_id":"p1"}`)
	h.tools.on(tools.ToolExecuteTask, `{"success":true,"session_id":"s1"}`)

	h.send("/new Demo")
	h.send("do the thing")
	h.tools.on(tools.ToolCreateProject, `{"success":true,"project_id":"p2"}`)
	h.send("/new Other")

	out := h.send("/status")
	assert.Equal(t, []string{reply.NoTaskSession}, out.Chunks)
	assert.Equal(t, "p2", h.session(t).ActiveProjectID)
}

func TestProcess_InvalidCommandStillSaves(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })

	out := h.send("/new")
	assert.Equal(t, StateReplied, out.State)
	assert.Equal(t, KindInvalidCommand, out.Kind)
	assert.Equal(t, []string{reply.MissingProjectName}, out.Chunks)
	assert.Equal(t, happyTrail, out.Trail)
	assert.Zero(t, out.ToolCalls)
	assert.Len(t, h.session(t).History, 2)
}

func TestProcess_ToolFailureIsReported(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })
	h.tools.replies[tools.ToolCreateProject] = func(context.Context, tools.Invocation) (*tools.Result, error) {
		return nil, fmt.Errorf("%w: project already exists", tools.ErrToolFailed)
	}

	out := h.send("/new Demo")
	assert.Equal(t, StateReplied, out.State)
	assert.Equal(t, ReasonToolFailed, out.Reason)
	assert.Equal(t, []string{"❌ Failed to create project: project already exists"}, out.Chunks)
	assert.Empty(t, h.session(t).ActiveProjectID)
}

func TestProcess_ClearKeepsProject(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })
	h.tools.on(tools.ToolCreateProject, `{"success":true,"project_id":"p1"}`)

	h.send("/new Demo")
	out := h.send("/clear")
	assert.Equal(t, []string{reply.HistoryCleared}, out.Chunks)

	s := h.session(t)
	assert.Equal(t, "p1", s.ActiveProjectID)
	require.Len(t, s.History, 2)
	assert.Equal(t, "/clear", s.History[0].Text)
}

type brokenStore struct{ store.Store }

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestProcess_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t, func(o *Options, d *Deps) {
		d.Sessions = sessions.NewManager(brokenStore{memory.New()}, time.Hour)
		d.Limiter = nil
	})

	out := h.send("/help")
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, KindInternal, out.Kind)
	assert.Equal(t, []string{reply.Apology}, out.Chunks)
}

func TestHandle_BuildsReply(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.Welcome = false })
	r := h.p.Handle(context.Background(), bus.InboundMessage{
		RequestID: "req-1",
		Channel:   bus.ChannelBridge,
		SenderID:  sender,
		Content:   "/help",
		Trusted:   true,
	})
	assert.Equal(t, "req-1", r.RequestID)
	assert.Equal(t, sender, r.ChatID)
	require.Len(t, r.Chunks, 1)
	assert.Contains(t, r.Chunks[0], "*Available Commands*")
}

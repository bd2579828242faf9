package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/wacoder/internal/command"
	"github.com/nextlevelbuilder/wacoder/internal/reply"
	"github.com/nextlevelbuilder/wacoder/internal/sessions"
	"github.com/nextlevelbuilder/wacoder/internal/tools"
)

func (r *run) execute(ctx context.Context) Outcome {
	p, msg := r.p, r.msg

	if reason := p.verify(r); reason != "" {
		return r.reject(KindUnauthorized, reason, reply.Unauthorized)
	}
	r.enter(StateVerified)

	if p.deps.Limiter != nil {
		d, err := p.deps.Limiter.Check(ctx, msg.SenderID)
		if err != nil {
			return r.fail(err)
		}
		if !d.Allowed {
			out := r.reject(KindRateLimited, "", reply.RateLimited(d.RetryAfterSeconds()))
			out.RetryAfter = d.RetryAfter
			return out
		}
	}
	r.enter(StateRateChecked)

	sess, isNew, err := p.deps.Sessions.Load(ctx, msg.SenderID)
	if err != nil {
		return r.fail(err)
	}
	if msg.ProfileName != "" {
		sess.Set(sessions.CtxProfileName, msg.ProfileName)
	}
	r.enter(StateSessionLoaded)

	cmd, perr := command.Parse(msg.Content)
	r.span.SetAttributes(attribute.String("command", commandKind(cmd)))
	r.enter(StateRouted)

	var (
		kind   Kind
		reason string
		text   string
		failed bool
	)
	switch {
	case perr != nil:
		kind, text = KindInvalidCommand, reply.MissingProjectName
		r.enter(StateDispatched)
	default:
		text, reason, err = r.dispatch(ctx, sess, cmd)
		switch {
		case err == nil:
			r.enter(StateDispatched)
		case errors.Is(err, tools.ErrUnavailable):
			r.log.Warn("pipeline.tool_unavailable", "error", err)
			r.span.RecordError(err)
			kind, text, failed = KindToolUnavailable, reply.Unavailable, true
		case errors.Is(err, tools.ErrTimeout):
			r.log.Warn("pipeline.tool_timeout", "error", err)
			r.span.RecordError(err)
			kind, text, failed = KindToolTimeout, reply.Timeout, true
		default:
			return r.fail(err)
		}
	}

	window := p.opts.HistoryWindow
	sess.Append(sessions.Message{
		Role:      sessions.RoleUser,
		Text:      msg.Content,
		Timestamp: msg.ReceivedAt,
		MediaURL:  msg.MediaURL,
	}, window)
	sess.Append(sessions.Message{
		Role:      sessions.RoleAssistant,
		Text:      text,
		Timestamp: p.now(),
	}, window)

	if !r.phase.CompareAndSwap(phaseRunning, phaseSaving) {
		r.log.Warn("pipeline.late_result_discarded")
		return Outcome{RequestID: msg.RequestID, State: StateErrored, Kind: KindToolTimeout}
	}
	if err := p.deps.Sessions.Save(ctx, msg.SenderID, sess); err != nil {
		return r.fail(err)
	}
	r.enter(StateSessionSaved)

	state := StateReplied
	if failed {
		state = StateErrored
	}
	out := r.finish(state, kind, text)
	out.Reason = reason
	out.NewSession = isNew
	if isNew && p.opts.Welcome {
		out.Chunks = append(p.deps.Formatter.Format(reply.Welcome(msg.ProfileName)), out.Chunks...)
	}
	return out
}

// verify returns a rejection reason, or "" when msg may proceed.
func (p *Pipeline) verify(r *run) string {
	msg := r.msg
	switch {
	case msg.Proof != nil:
		if p.deps.Verifier == nil || !p.deps.Verifier.Verify(*msg.Proof) {
			return ReasonBadSignature
		}
	case !msg.Trusted:
		return ReasonBadSignature
	}
	if p.deps.Allowlist == nil || !p.deps.Allowlist.IsAuthorized(msg.SenderID) {
		return ReasonNotAllowed
	}
	return ""
}

func commandKind(cmd command.Command) string {
	if cmd == nil {
		return "invalid"
	}
	return cmd.Kind().String()
}

// call invokes tool once through the dispatcher.
func (r *run) call(ctx context.Context, tool tools.ToolName, params map[string]any) (*tools.Result, error) {
	r.calls.Add(1)
	return r.p.deps.Tools.Invoke(ctx, tools.Invocation{
		Tool:      tool,
		Params:    params,
		RequestID: r.msg.RequestID,
	})
}

func (r *run) invoke(ctx context.Context, tool tools.ToolName, params map[string]any, v any) error {
	res, err := r.call(ctx, tool, params)
	if err != nil {
		return err
	}
	return res.Decode(v)
}

// toolError turns a platform-reported failure into a reply. Other errors are
// returned for classification.
func toolError(action string, err error) (string, string, error) {
	if !errors.Is(err, tools.ErrToolFailed) {
		return "", "", err
	}
	detail, ok := strings.CutPrefix(err.Error(), tools.ErrToolFailed.Error()+": ")
	if !ok {
		detail = ""
	}
	return reply.ToolFailed(action, detail), ReasonToolFailed, nil
}

const newProjectDescription = "A new project created via WhatsApp"

// dispatch performs the tool calls for cmd and returns the reply text.
func (r *run) dispatch(ctx context.Context, sess *sessions.Session, cmd command.Command) (string, string, error) {
	switch c := cmd.(type) {
	case command.Help:
		return reply.Help(), "", nil

	case command.ClearHistory:
		sess.ClearHistory()
		return reply.HistoryCleared, "", nil

	case command.ListProjects:
		var list tools.ProjectList
		if err := r.invoke(ctx, tools.ToolListProjects, nil, &list); err != nil {
			return toolError("list projects", err)
		}
		return reply.ProjectList(list.Projects), "", nil

	case command.NewProject:
		var proj tools.Project
		params := map[string]any{"name": c.Name, "description": newProjectDescription}
		if err := r.invoke(ctx, tools.ToolCreateProject, params, &proj); err != nil {
			return toolError("create project", err)
		}
		if proj.Key() == "" {
			return "", "", fmt.Errorf("create_project returned no project id")
		}
		sess.SetProject(proj.Key(), c.Name)
		return reply.ProjectCreated(c.Name), "", nil

	case command.Status:
		taskID, hint := taskSession(sess)
		if hint != "" {
			return hint, "", nil
		}
		var st tools.TaskStatus
		if err := r.invoke(ctx, tools.ToolSessionDetails, map[string]any{"session_id": taskID}, &st); err != nil {
			return toolError("get status", err)
		}
		if st.ProjectName == "" {
			st.ProjectName = sess.ActiveProjectName
		}
		if st.TaskDescription == "" {
			st.TaskDescription = sess.Get(sessions.CtxTaskDescription)
		}
		return reply.TaskStatus(st), "", nil

	case command.Files:
		taskID, hint := taskSession(sess)
		if hint != "" {
			return hint, "", nil
		}
		var list tools.FileList
		if err := r.invoke(ctx, tools.ToolSessionFiles, map[string]any{"session_id": taskID}, &list); err != nil {
			return toolError("get files", err)
		}
		return reply.FileList(list.Files), "", nil

	case command.FreeForm:
		res, err := r.call(ctx, tools.ToolExecuteTask, r.taskParams(sess, c.Text))
		if err != nil {
			return toolError("start the task", err)
		}
		if sess.ActiveProjectID == "" {
			var started tools.TaskStarted
			if res.Decode(&started) == nil && started.ProjectID != "" {
				sess.SetProject(started.ProjectID, started.ProjectName)
			}
		}
		if res.SessionID != "" {
			sess.Set(sessions.CtxTaskSessionID, res.SessionID)
		}
		sess.Set(sessions.CtxTaskDescription, c.Text)
		return reply.TaskStarted(c.Text), "", nil
	}
	return "", "", fmt.Errorf("unhandled command %T", cmd)
}

// taskSession returns the running task's session id, or a hint when there is none.
func taskSession(sess *sessions.Session) (string, string) {
	if id := sess.Get(sessions.CtxTaskSessionID); id != "" {
		return id, ""
	}
	if sess.ActiveProjectID == "" {
		return "", reply.NoActiveProject
	}
	return "", reply.NoTaskSession
}

func (r *run) taskParams(sess *sessions.Session, text string) map[string]any {
	params := map[string]any{"task_description": text}
	// Without an active project the platform picks or creates one.
	if sess.ActiveProjectID != "" {
		params["project_id"] = sess.ActiveProjectID
	}
	if id := sess.Get(sessions.CtxTaskSessionID); id != "" {
		params["session_id"] = id
	}
	if recent := sess.Recent(r.p.opts.HistoryHints); len(recent) > 0 {
		hints := make([]string, len(recent))
		for i, m := range recent {
			hints[i] = string(m.Role) + ": " + m.Text
		}
		params["hints"] = hints
	}
	if r.p.opts.ForwardMedia && r.msg.MediaURL != "" {
		params["media_url"] = r.msg.MediaURL
		if r.msg.MediaType != "" {
			params["media_type"] = r.msg.MediaType
		}
	}
	return params
}

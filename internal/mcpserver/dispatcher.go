// Package mcpserver exposes the control plane's tool surface over the
// MCP streamable HTTP transport.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/proxy"
	"github.com/sandboxmcp/sandbox-mcp/internal/run"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
	"github.com/sandboxmcp/sandbox-mcp/internal/telemetry"
	"github.com/sandboxmcp/sandbox-mcp/internal/token"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/task"
)

// Telemetry phase names for tool.call events.
const (
	phaseValidate = "validate"
	phaseStorage  = "storage"
	phaseToken    = "token"
	phaseWorkflow = "workflow"
)

// Dispatcher implements the tool surface over the stores, the token
// service and the task workflow.
type Dispatcher struct {
	cfg      *config.Config
	sessions *session.Store
	runs     *run.Store
	tasks    *task.Service
	runtime  sandbox.Runtime
	emitter  *telemetry.Emitter
	log      *logger.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(
	cfg *config.Config,
	sessions *session.Store,
	runs *run.Store,
	tasks *task.Service,
	runtime sandbox.Runtime,
	emitter *telemetry.Emitter,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		runs:     runs,
		tasks:    tasks,
		runtime:  runtime,
		emitter:  emitter,
		log:      log.WithComponent("dispatcher"),
	}
}

// RunTaskInput is the run_task tool input.
type RunTaskInput struct {
	Task       string `json:"task"`
	SessionID  string `json:"sessionId,omitempty"`
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Model      string `json:"model,omitempty"`
	Title      string `json:"title,omitempty"`
}

// RunTaskOutput is the run_task tool result.
type RunTaskOutput struct {
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	WebUIURL  string `json:"webUiUrl,omitempty"`
}

// RunTask validates the request, resolves or creates the session,
// mints the proxy token and submits the task workflow under the fresh
// run id.
func (d *Dispatcher) RunTask(ctx context.Context, in RunTaskInput) (*RunTaskOutput, error) {
	timer := telemetry.NewTimer()
	requestID := uuid.NewString()

	out, err := d.runTask(ctx, in, timer)
	d.emit("run_task", requestID, timer, err, metadataFor(out))
	return out, err
}

func (d *Dispatcher) runTask(ctx context.Context, in RunTaskInput, timer *telemetry.Timer) (*RunTaskOutput, error) {
	if err := timer.Phase(phaseValidate, func() error { return validateRunTask(in) }); err != nil {
		return nil, err
	}

	var sess *session.Session
	err := timer.Phase(phaseStorage, func() error {
		var serr error
		sess, serr = d.resolveSession(ctx, in)
		return serr
	})
	if err != nil {
		return nil, err
	}

	var proxyToken string
	err = timer.Phase(phaseToken, func() error {
		var terr error
		proxyToken, terr = token.Create(token.CreateParams{
			Secret:    d.cfg.Proxy.JWTSecret,
			SandboxID: sess.SandboxID,
			SessionID: sess.SessionID,
			ExpiresIn: d.cfg.Proxy.DefaultTokenTTL,
		})
		if terr != nil {
			return apperrors.Wrap(terr, "failed to mint proxy token")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	runID := run.NewID()
	model := in.Model
	if model == "" {
		model = sess.Config.DefaultModel
	}
	title := in.Title
	if title == "" {
		title = deriveTitle(in.Task)
	}

	err = timer.Phase(phaseWorkflow, func() error {
		return d.tasks.Submit(task.Params{
			SessionID:                 sess.SessionID,
			SandboxID:                 sess.SandboxID,
			Task:                      in.Task,
			Model:                     model,
			RunID:                     runID,
			Title:                     title,
			RepositoryURL:             in.Repository,
			Branch:                    in.Branch,
			ProxyToken:                proxyToken,
			ProxyBaseURL:              proxy.RewriteForContainer(d.cfg.Proxy.PublicURL),
			ExistingOpencodeSessionID: sess.OpencodeSessionID,
		})
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to submit workflow")
	}

	err = timer.Phase(phaseStorage, func() error {
		sess.LastActivity = time.Now().UnixMilli()
		return d.sessions.Put(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	return &RunTaskOutput{
		RunID:     runID,
		SessionID: sess.SessionID,
		Status:    "started",
		WebUIURL:  sess.WebUIURL,
	}, nil
}

// resolveSession loads the named session or creates a fresh one with
// defaults. A supplied repository joins the clone set in memory only;
// the sandbox performs the actual clone.
func (d *Dispatcher) resolveSession(ctx context.Context, in RunTaskInput) (*session.Session, error) {
	if in.SessionID != "" {
		sess, err := d.sessions.Get(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, apperrors.SessionNotFound(in.SessionID)
		}
		if in.Repository != "" {
			sess.AddClonedRepo(in.Repository)
		}
		return sess, nil
	}

	id := session.NewID()
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	sess := &session.Session{
		SessionID:     id,
		SandboxID:     id,
		CreatedAt:     now,
		LastActivity:  now,
		Status:        session.StatusActive,
		WorkspacePath: d.cfg.Sandbox.WorkspaceRoot,
		WebUIURL:      strings.TrimSuffix(d.cfg.Proxy.PublicURL, "/") + "/session/" + id + "/",
		Config:        session.Config{DefaultModel: d.cfg.Agent.Model},
	}
	if in.Repository != "" {
		sess.Repository = &session.Repository{URL: in.Repository, Branch: in.Branch}
		sess.ClonedRepos = []string{in.Repository}
	}
	if err := d.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	d.log.Info("session created",
		zap.String("session_id", id),
		zap.String("repository", in.Repository))
	return sess, nil
}

// GetResultOutput is the get_result tool result projection.
type GetResultOutput struct {
	RunID       string     `json:"runId"`
	SessionID   string     `json:"sessionId"`
	Status      run.Status `json:"status"`
	Title       string     `json:"title,omitempty"`
	Model       string     `json:"model,omitempty"`
	StartedAt   int64      `json:"startedAt"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	Success     *bool      `json:"success,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	WebUIURL    string     `json:"webUiUrl,omitempty"`
}

// GetResult loads a run and projects it for the caller. The session
// lookup only decorates the result; a vanished session is not an
// error.
func (d *Dispatcher) GetResult(ctx context.Context, runID string) (*GetResultOutput, error) {
	timer := telemetry.NewTimer()
	requestID := uuid.NewString()

	out, err := d.getResult(ctx, runID, timer)
	d.emit("get_result", requestID, timer, err, map[string]any{"runId": runID})
	return out, err
}

func (d *Dispatcher) getResult(ctx context.Context, runID string, timer *telemetry.Timer) (*GetResultOutput, error) {
	if err := timer.Phase(phaseValidate, func() error {
		if runID == "" {
			return apperrors.Validation("runId", "must not be empty")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var r *run.Run
	var webUIURL string
	err := timer.Phase(phaseStorage, func() error {
		var serr error
		r, serr = d.runs.Get(ctx, runID)
		if serr != nil {
			return serr
		}
		if r == nil {
			return apperrors.RunNotFound(runID)
		}
		if sess, serr := d.sessions.Get(ctx, r.SessionID); serr == nil && sess != nil {
			webUIURL = sess.WebUIURL
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &GetResultOutput{
		RunID:       r.RunID,
		SessionID:   r.SessionID,
		Status:      r.Status,
		Title:       r.Title,
		Model:       r.Model,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		WebUIURL:    webUIURL,
	}
	if r.Result != nil {
		out.Success = &r.Result.Success
		out.Output = r.Result.Output
		out.Error = r.Result.Error
	}
	return out, nil
}

// ListRunsInput is the list_runs tool input.
type ListRunsInput struct {
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Before    int64  `json:"before,omitempty"`
}

// ListRunsOutput is the list_runs tool result.
type ListRunsOutput struct {
	Runs    []run.IndexEntry `json:"runs"`
	Total   int              `json:"total"`
	HasMore bool             `json:"hasMore"`
}

// ListRuns pages through the run index. It fetches one entry past the
// limit to decide hasMore.
func (d *Dispatcher) ListRuns(ctx context.Context, in ListRunsInput) (*ListRunsOutput, error) {
	timer := telemetry.NewTimer()
	requestID := uuid.NewString()

	out, err := d.listRuns(ctx, in, timer)
	d.emit("list_runs", requestID, timer, err, nil)
	return out, err
}

func (d *Dispatcher) listRuns(ctx context.Context, in ListRunsInput, timer *telemetry.Timer) (*ListRunsOutput, error) {
	limit := in.Limit
	if err := timer.Phase(phaseValidate, func() error {
		if limit == 0 {
			limit = 10
		}
		if limit < 1 || limit > 100 {
			return apperrors.Validation("limit", "must be between 1 and 100")
		}
		switch run.Status(in.Status) {
		case "", run.StatusStarted, run.StatusRunning, run.StatusCompleted, run.StatusFailed:
		default:
			return apperrors.Validation("status", fmt.Sprintf("unknown status %q", in.Status))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var res *run.ListResult
	err := timer.Phase(phaseStorage, func() error {
		var serr error
		res, serr = d.runs.List(ctx, run.ListOptions{
			SessionID: in.SessionID,
			Status:    run.Status(in.Status),
			Before:    in.Before,
			Limit:     limit + 1,
		})
		return serr
	})
	if err != nil {
		return nil, err
	}

	entries := res.Entries
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []run.IndexEntry{}
	}
	return &ListRunsOutput{Runs: entries, Total: res.Total, HasMore: hasMore}, nil
}

// ExecInput is the exec tool input.
type ExecInput struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	WorkDir   string `json:"workDir,omitempty"`
}

// ExecOutput is the exec tool result.
type ExecOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Exec runs a shell command directly in the session's sandbox, outside
// any workflow.
func (d *Dispatcher) Exec(ctx context.Context, in ExecInput) (*ExecOutput, error) {
	timer := telemetry.NewTimer()
	requestID := uuid.NewString()

	out, err := d.exec(ctx, in, timer)
	d.emit("exec", requestID, timer, err, map[string]any{"sessionId": in.SessionID})
	return out, err
}

func (d *Dispatcher) exec(ctx context.Context, in ExecInput, timer *telemetry.Timer) (*ExecOutput, error) {
	if err := timer.Phase(phaseValidate, func() error {
		if in.Command == "" {
			return apperrors.Validation("command", "must not be empty")
		}
		return session.ValidateID(in.SessionID)
	}); err != nil {
		return nil, err
	}

	sess, err := d.loadSession(ctx, in.SessionID, timer)
	if err != nil {
		return nil, err
	}

	var res *sandbox.ExecResult
	err = timer.Phase(phaseWorkflow, func() error {
		sb, aerr := d.runtime.Acquire(ctx, sess.SandboxID)
		if aerr != nil {
			return apperrors.Wrap(aerr, "failed to acquire sandbox")
		}
		res, aerr = sb.Exec(ctx, sandbox.ExecOptions{
			Command: []string{"sh", "-c", in.Command},
			WorkDir: in.WorkDir,
		})
		if aerr != nil {
			return apperrors.Wrap(aerr, "sandbox exec failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ExecOutput{
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		ExitCode: res.ExitCode,
	}, nil
}

// ExposePortInput is the expose_port tool input.
type ExposePortInput struct {
	SessionID string `json:"sessionId"`
	Port      int    `json:"port"`
}

// ExposePortOutput is the expose_port tool result.
type ExposePortOutput struct {
	Endpoint string `json:"endpoint"`
}

// ExposePort resolves a reachable address for a sandbox port.
func (d *Dispatcher) ExposePort(ctx context.Context, in ExposePortInput) (*ExposePortOutput, error) {
	timer := telemetry.NewTimer()
	requestID := uuid.NewString()

	out, err := d.exposePort(ctx, in, timer)
	d.emit("expose_port", requestID, timer, err, map[string]any{"sessionId": in.SessionID})
	return out, err
}

func (d *Dispatcher) exposePort(ctx context.Context, in ExposePortInput, timer *telemetry.Timer) (*ExposePortOutput, error) {
	if err := timer.Phase(phaseValidate, func() error {
		if in.Port < 1 || in.Port > 65535 {
			return apperrors.Validation("port", "must be between 1 and 65535")
		}
		return session.ValidateID(in.SessionID)
	}); err != nil {
		return nil, err
	}

	sess, err := d.loadSession(ctx, in.SessionID, timer)
	if err != nil {
		return nil, err
	}

	var endpoint string
	err = timer.Phase(phaseWorkflow, func() error {
		sb, aerr := d.runtime.Acquire(ctx, sess.SandboxID)
		if aerr != nil {
			return apperrors.Wrap(aerr, "failed to acquire sandbox")
		}
		endpoint, aerr = sb.Endpoint(ctx, in.Port)
		if aerr != nil {
			return apperrors.Wrap(aerr, "failed to resolve endpoint")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ExposePortOutput{Endpoint: endpoint}, nil
}

func (d *Dispatcher) loadSession(ctx context.Context, sessionID string, timer *telemetry.Timer) (*session.Session, error) {
	var sess *session.Session
	err := timer.Phase(phaseStorage, func() error {
		var serr error
		sess, serr = d.sessions.Get(ctx, sessionID)
		if serr != nil {
			return serr
		}
		if sess == nil {
			return apperrors.SessionNotFound(sessionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// emit writes the per-invocation wide event.
func (d *Dispatcher) emit(tool, requestID string, timer *telemetry.Timer, err error, metadata map[string]any) {
	ev := telemetry.ToolCallEvent{
		RequestID:  requestID,
		Tool:       tool,
		DurationMs: timer.Elapsed(),
		Phases:     timer.Phases(),
		Outcome:    "success",
		Metadata:   metadata,
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Error = &telemetry.ErrorInfo{
			Code:    apperrors.CodeOf(err),
			Message: errorMessage(err),
		}
	}
	d.emitter.EmitToolCall(ev)
}

func validateRunTask(in RunTaskInput) error {
	if strings.TrimSpace(in.Task) == "" {
		return apperrors.Validation("task", "must not be empty")
	}
	if len(in.Task) > run.MaxTaskLength {
		return apperrors.Validation("task", fmt.Sprintf("must be at most %d bytes", run.MaxTaskLength))
	}
	if in.Repository != "" && !strings.HasPrefix(in.Repository, "https://github.com/") {
		return apperrors.Validation("repository", "must start with https://github.com/")
	}
	return nil
}

// deriveTitle falls back to the task's first line, truncated.
func deriveTitle(taskText string) string {
	line := taskText
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	return line
}

func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func metadataFor(out *RunTaskOutput) map[string]any {
	if out == nil {
		return nil
	}
	return map[string]any{"runId": out.RunID, "sessionId": out.SessionID}
}

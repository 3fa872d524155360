// Package task defines the five-step task execution workflow: record
// the run, prepare the sandbox, drive the agent, finalize the run and
// snapshot agent state.
package task

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/agentio"
	"github.com/sandboxmcp/sandbox-mcp/internal/backup"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/events/bus"
	"github.com/sandboxmcp/sandbox-mcp/internal/run"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
	"github.com/sandboxmcp/sandbox-mcp/internal/telemetry"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/engine"
	"github.com/sandboxmcp/sandbox-mcp/pkg/opencode"
)

// Step names. Step outputs are memoized under these keys, so renaming
// one breaks replay of in-flight workflows.
const (
	StepCreateRun      = "create-run"
	StepPrepareSandbox = "prepare-sandbox"
	StepExecuteTask    = "execute-task"
	StepCompleteRun    = "complete-run"
	StepBackupSession  = "backup-session"
)

// WorkflowName identifies the task workflow in records and telemetry.
const WorkflowName = "task-execution"

// Params are the inputs to one task workflow.
type Params struct {
	SessionID string `json:"sessionId"`
	SandboxID string `json:"sandboxId"`
	Task      string `json:"task"`
	Model     string `json:"model"`
	RunID     string `json:"runId"`
	Title     string `json:"title"`

	RepositoryURL string `json:"repositoryUrl,omitempty"`
	Branch        string `json:"branch,omitempty"`

	ProxyToken string `json:"proxyToken"`
	// ProxyBaseURL is this server's base URL as reachable from inside
	// the sandbox.
	ProxyBaseURL string `json:"proxyBaseUrl"`

	ExistingOpencodeSessionID string `json:"existingOpencodeSessionId,omitempty"`
}

// ExecutionResult is the memoized output of the execute-task step.
type ExecutionResult struct {
	Success           bool                        `json:"success"`
	Output            string                      `json:"output"`
	Error             string                      `json:"error,omitempty"`
	OpencodeSessionID string                      `json:"opencodeSessionId"`
	WorkspacePath     string                      `json:"workspacePath"`
	Tokens            *opencode.MessageTokensInfo `json:"tokens,omitempty"`
}

// Service assembles and runs task workflows.
type Service struct {
	engine   *engine.Engine
	runs     *run.Store
	sessions *session.Store
	runtime  sandbox.Runtime
	preparer *sandbox.Preparer
	launcher *agentio.Launcher
	backups  *backup.Service
	bus      bus.Bus
	emitter  *telemetry.Emitter
	log      *logger.Logger

	wg sync.WaitGroup
}

// NewService wires the workflow over its collaborators.
func NewService(
	eng *engine.Engine,
	runs *run.Store,
	sessions *session.Store,
	runtime sandbox.Runtime,
	preparer *sandbox.Preparer,
	launcher *agentio.Launcher,
	backups *backup.Service,
	b bus.Bus,
	emitter *telemetry.Emitter,
	log *logger.Logger,
) *Service {
	return &Service{
		engine:   eng,
		runs:     runs,
		sessions: sessions,
		runtime:  runtime,
		preparer: preparer,
		launcher: launcher,
		backups:  backups,
		bus:      b,
		emitter:  emitter,
		log:      log.WithComponent("task"),
	}
}

// Submit starts the workflow asynchronously under id = runId.
func (s *Service) Submit(params Params) error {
	if s.engine.IsLive(params.RunID) {
		return engine.ErrAlreadyRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.Execute(context.Background(), params)
	}()
	return nil
}

// Execute runs the workflow synchronously and emits the workflow
// telemetry event.
func (s *Service) Execute(ctx context.Context, params Params) (*engine.Record, error) {
	start := time.Now()
	rec, err := s.engine.Execute(ctx, params.RunID, s.workflow(params))

	ev := telemetry.WorkflowEvent{
		WorkflowID: params.RunID,
		RunID:      params.RunID,
		SessionID:  params.SessionID,
		DurationMs: time.Since(start).Milliseconds(),
		Outcome:    "completed",
	}
	if err != nil {
		ev.Outcome = "failed"
		ev.Error = &telemetry.ErrorInfo{Message: err.Error(), Phase: failedPhase(rec)}
	}
	s.emitter.EmitWorkflow(ev)

	return rec, err
}

// Wait blocks until all submitted workflows finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func failedPhase(rec *engine.Record) string {
	if rec == nil || rec.Error == "" {
		return ""
	}
	if idx := strings.Index(rec.Error, ":"); idx > 0 {
		return rec.Error[:idx]
	}
	return ""
}

func (s *Service) workflow(params Params) engine.Workflow {
	return engine.Workflow{
		Name: WorkflowName,
		Steps: []engine.Step{
			{Name: StepCreateRun, Run: s.createRun(params)},
			{Name: StepPrepareSandbox, Run: s.prepareSandbox(params)},
			{Name: StepExecuteTask, Run: s.executeTask(params)},
			{Name: StepCompleteRun, Run: s.completeRun(params)},
			{Name: StepBackupSession, Run: s.backupSession(params)},
		},
	}
}

// createRun writes the run record in status started. Failure here
// aborts the workflow before any sandbox work.
func (s *Service) createRun(params Params) engine.StepFunc {
	return func(ctx context.Context, _ *engine.StepContext) (any, error) {
		r := &run.Run{
			RunID:      params.RunID,
			SessionID:  params.SessionID,
			WorkflowID: params.RunID,
			Status:     run.StatusStarted,
			Task:       params.Task,
			Title:      params.Title,
			Model:      params.Model,
			StartedAt:  time.Now().UnixMilli(),
		}
		if err := s.runs.Put(ctx, r); err != nil {
			return nil, err
		}

		s.publish(ctx, bus.SubjectRunStarted, map[string]any{
			"runId":     params.RunID,
			"sessionId": params.SessionID,
		})
		return map[string]string{"runId": params.RunID}, nil
	}
}

// prepareSandbox acquires a fresh handle and makes the sandbox ready.
// The handle is dropped at the step boundary; only the serializable
// result carries forward.
func (s *Service) prepareSandbox(params Params) engine.StepFunc {
	return func(ctx context.Context, _ *engine.StepContext) (any, error) {
		sb, err := s.runtime.Acquire(ctx, params.SandboxID)
		if err != nil {
			return nil, err
		}
		return s.preparer.EnsureReady(ctx, sb, sandbox.PrepareParams{
			SessionID:         params.SessionID,
			RepositoryURL:     params.RepositoryURL,
			Branch:            params.Branch,
			ProxyToken:        params.ProxyToken,
			ContainerProxyURL: params.ProxyBaseURL,
		})
	}
}

// executeTask drives the agent. It never fails the workflow: every
// error lands inside ExecutionResult so complete-run always records an
// outcome.
func (s *Service) executeTask(params Params) engine.StepFunc {
	return func(ctx context.Context, sc *engine.StepContext) (any, error) {
		var prep sandbox.PrepareResult
		if !sc.Output(StepPrepareSandbox, &prep) || prep.WorkspacePath == "" {
			return failedExecution(params, "prepare result unavailable"), nil
		}

		sb, err := s.runtime.Acquire(ctx, params.SandboxID)
		if err != nil {
			return failedExecution(params, "failed to acquire sandbox: "+err.Error()), nil
		}

		agent, err := s.launcher.Launch(ctx, sb, agentio.LaunchParams{
			WorkspacePath:     prep.WorkspacePath,
			ProxyToken:        params.ProxyToken,
			ContainerProxyURL: params.ProxyBaseURL,
		})
		if err != nil {
			return failedExecution(params, "failed to launch agent: "+err.Error()), nil
		}
		defer func() {
			if cerr := agent.Close(ctx); cerr != nil {
				s.log.Warn("failed to stop agent", zap.String("run_id", params.RunID), zap.Error(cerr))
			}
		}()

		res := agent.Execute(ctx, agentio.ExecuteParams{
			Task:              params.Task,
			Model:             params.Model,
			WorkspacePath:     prep.WorkspacePath,
			ExistingSessionID: params.ExistingOpencodeSessionID,
		})
		return &ExecutionResult{
			Success:           res.Success,
			Output:            res.Output,
			Error:             res.Error,
			OpencodeSessionID: res.OpencodeSessionID,
			WorkspacePath:     prep.WorkspacePath,
			Tokens:            res.Tokens,
		}, nil
	}
}

// completeRun moves the run to its terminal status and refreshes the
// session. The session update is best-effort.
func (s *Service) completeRun(params Params) engine.StepFunc {
	return func(ctx context.Context, sc *engine.StepContext) (any, error) {
		var exec ExecutionResult
		if !sc.Output(StepExecuteTask, &exec) {
			exec = *failedExecution(params, "execution result unavailable")
		}

		completed, err := s.runs.Complete(ctx, params.RunID, run.CompleteParams{
			Success: exec.Success,
			Output:  exec.Output,
			Error:   exec.Error,
			Title:   params.Title,
		})
		if err != nil {
			return nil, err
		}

		s.updateSession(ctx, params, &exec)

		s.publish(ctx, bus.SubjectRunCompleted, map[string]any{
			"runId":     params.RunID,
			"sessionId": params.SessionID,
			"status":    string(completed.Status),
			"success":   exec.Success,
		})
		return map[string]string{"status": string(completed.Status)}, nil
	}
}

// backupSession snapshots agent state. Advisory: all errors are
// swallowed after logging, backup never decides run success.
func (s *Service) backupSession(params Params) engine.StepFunc {
	return func(ctx context.Context, _ *engine.StepContext) (any, error) {
		sb, err := s.runtime.Acquire(ctx, params.SandboxID)
		if err != nil {
			s.log.Warn("backup skipped, sandbox unavailable",
				zap.String("run_id", params.RunID), zap.Error(err))
			return map[string]bool{"backedUp": false}, nil
		}
		if err := s.backups.Snapshot(ctx, sb, params.SessionID); err != nil {
			s.log.Warn("backup failed",
				zap.String("run_id", params.RunID),
				zap.String("session_id", params.SessionID),
				zap.Error(err))
			return map[string]bool{"backedUp": false}, nil
		}
		return map[string]bool{"backedUp": true}, nil
	}
}

// updateSession persists the agent session id and workspace path and
// bumps lastActivity. A vanished session is logged, not fatal.
func (s *Service) updateSession(ctx context.Context, params Params, exec *ExecutionResult) {
	sess, err := s.sessions.Get(ctx, params.SessionID)
	if err != nil || sess == nil {
		s.log.Warn("session missing during run completion",
			zap.String("session_id", params.SessionID),
			zap.String("run_id", params.RunID),
			zap.Error(err))
		return
	}

	if exec.OpencodeSessionID != "" && exec.OpencodeSessionID != "unknown" {
		sess.OpencodeSessionID = exec.OpencodeSessionID
	}
	if exec.WorkspacePath != "" {
		sess.WorkspacePath = exec.WorkspacePath
	}
	sess.LastActivity = time.Now().UnixMilli()

	if err := s.sessions.Put(ctx, sess); err != nil {
		s.log.Warn("failed to update session after run",
			zap.String("session_id", params.SessionID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	ev := bus.NewEvent(subject, telemetry.ServiceName, data)
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func failedExecution(params Params, msg string) *ExecutionResult {
	sessionID := params.ExistingOpencodeSessionID
	if sessionID == "" {
		sessionID = "unknown"
	}
	return &ExecutionResult{Success: false, Error: msg, OpencodeSessionID: sessionID}
}

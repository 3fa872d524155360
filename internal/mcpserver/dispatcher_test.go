package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxmcp/sandbox-mcp/internal/agentio"
	"github.com/sandboxmcp/sandbox-mcp/internal/backup"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	apperrors "github.com/sandboxmcp/sandbox-mcp/internal/common/errors"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/events/bus"
	"github.com/sandboxmcp/sandbox-mcp/internal/run"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/session"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
	"github.com/sandboxmcp/sandbox-mcp/internal/telemetry"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/engine"
	"github.com/sandboxmcp/sandbox-mcp/internal/workflow/task"
	"github.com/sandboxmcp/sandbox-mcp/pkg/opencode"
)

// toolSandbox answers shell probes and routes agent traffic to the
// in-process agent server.
type toolSandbox struct {
	endpoint string
}

func (f *toolSandbox) ID() string { return "fake" }

func (f *toolSandbox) Exec(_ context.Context, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	script := opts.Command[len(opts.Command)-1]
	switch {
	case strings.HasPrefix(script, "grep -q ANTHROPIC_BASE_URL"):
		return &sandbox.ExecResult{ExitCode: 1}, nil
	case strings.Contains(script, "/.git'"):
		return &sandbox.ExecResult{ExitCode: 1}, nil
	case strings.HasPrefix(script, "echo "):
		return &sandbox.ExecResult{ExitCode: 0, Stdout: []byte("hello\n")}, nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *toolSandbox) WriteFile(context.Context, string, []byte) error { return nil }
func (f *toolSandbox) Endpoint(context.Context, int) (string, error)   { return f.endpoint, nil }
func (f *toolSandbox) Destroy(context.Context) error                   { return nil }

type toolRuntime struct {
	sb *toolSandbox
}

func (r *toolRuntime) Acquire(context.Context, string) (sandbox.Sandbox, error) {
	return r.sb, nil
}
func (r *toolRuntime) Close() error { return nil }

func agentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/global/health":
			_ = json.NewEncoder(w).Encode(opencode.HealthResponse{Healthy: true, Version: "test"})
		case r.URL.Path == "/session" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode([]opencode.SessionInfo{})
		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(opencode.SessionInfo{ID: "ses_tool"})
		case strings.HasSuffix(r.URL.Path, "/message"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"info":  opencode.MessageInfo{ID: "msg_1", SessionID: "ses_tool", Role: "assistant"},
				"parts": []opencode.Part{{Type: opencode.PartTypeText, Text: "task done"}},
			})
		default:
			http.NotFound(w, r)
		}
	}
}

type fixture struct {
	d         *Dispatcher
	tasks     *task.Service
	runs      *run.Store
	sessions  *session.Store
	telemetry *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	srv := httptest.NewServer(agentHandler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Proxy: config.ProxyConfig{
			JWTSecret:       "test-secret",
			DefaultTokenTTL: "2h",
			PublicURL:       "http://localhost:8080",
		},
		Sandbox: config.SandboxConfig{WorkspaceRoot: "/workspace"},
		Agent:   config.AgentConfig{Port: 4096, Model: "claude-sonnet-4-5", HealthTimeout: 5},
	}

	objects := storage.NewMemoryStore()
	runs := run.NewStore(objects)
	sessions := session.NewStore(objects)
	rt := &toolRuntime{sb: &toolSandbox{endpoint: strings.TrimPrefix(srv.URL, "http://")}}
	memBus := bus.NewMemoryBus(log)
	t.Cleanup(func() { memBus.Close() })
	var buf bytes.Buffer

	tasks := task.NewService(
		engine.New(objects, log),
		runs,
		sessions,
		rt,
		sandbox.NewPreparer(backup.NewService(objects, log), "/workspace", log),
		agentio.NewLauncher(cfg.Agent, log),
		backup.NewService(objects, log),
		memBus,
		telemetry.NewEmitter(&buf),
		log,
	)
	d := NewDispatcher(cfg, sessions, runs, tasks, rt, telemetry.NewEmitter(&buf), log)
	return &fixture{d: d, tasks: tasks, runs: runs, sessions: sessions, telemetry: &buf}
}

func TestRunTaskCreatesSessionWithDefaults(t *testing.T) {
	f := newFixture(t)

	out, err := f.d.RunTask(context.Background(), RunTaskInput{Task: "fix the parser"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.RunID, "run-"))
	assert.Len(t, out.SessionID, 8)
	assert.Equal(t, "started", out.Status)
	assert.Equal(t, "http://localhost:8080/session/"+out.SessionID+"/", out.WebUIURL)

	sess, err := f.sessions.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, "/workspace", sess.WorkspacePath)
	assert.Equal(t, out.SessionID, sess.SandboxID)
	assert.Equal(t, "claude-sonnet-4-5", sess.Config.DefaultModel)

	f.tasks.Wait()

	r, err := f.runs.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Status.Terminal())
}

func TestRunTaskUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.RunTask(context.Background(), RunTaskInput{
		Task:      "do something",
		SessionID: "does-not-exist",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeSessionNotFound, apperrors.CodeOf(err))

	res := toolError(err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, "SessionNotFoundError", payload.Code)
	assert.Equal(t, `Session "does-not-exist" not found`, payload.Message)
}

func TestRunTaskValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.RunTask(context.Background(), RunTaskInput{Task: "   "})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = f.d.RunTask(context.Background(), RunTaskInput{
		Task:       "ok",
		Repository: "https://gitlab.com/acme/widgets",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = f.d.RunTask(context.Background(), RunTaskInput{
		Task: strings.Repeat("x", run.MaxTaskLength+1),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestRunTaskReusesExistingSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.Put(context.Background(), &session.Session{
		SessionID:     "abc12345",
		SandboxID:     "abc12345",
		Status:        session.StatusActive,
		WorkspacePath: "/workspace",
		CreatedAt:     time.Now().UnixMilli(),
		LastActivity:  1,
		Config:        session.Config{DefaultModel: "claude-opus-4"},
	}))

	out, err := f.d.RunTask(context.Background(), RunTaskInput{
		Task:      "continue the refactor",
		SessionID: "abc12345",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc12345", out.SessionID)

	sess, err := f.sessions.Get(context.Background(), "abc12345")
	require.NoError(t, err)
	assert.Greater(t, sess.LastActivity, int64(1))

	f.tasks.Wait()
	r, err := f.runs.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", r.Model)
}

func TestGetResultProjectsRunAndSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.Put(context.Background(), &session.Session{
		SessionID:     "abc12345",
		SandboxID:     "abc12345",
		Status:        session.StatusActive,
		WorkspacePath: "/workspace",
		WebUIURL:      "http://localhost:8080/session/abc12345/",
	}))
	require.NoError(t, f.runs.Put(context.Background(), &run.Run{
		RunID:      "run-1a2b3c4d",
		SessionID:  "abc12345",
		WorkflowID: "run-1a2b3c4d",
		Status:     run.StatusCompleted,
		Task:       "fix the parser",
		Title:      "Fix parser",
		StartedAt:  time.Now().UnixMilli(),
		Result:     &run.Result{Success: true, Output: "done"},
	}))

	out, err := f.d.GetResult(context.Background(), "run-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, out.Status)
	require.NotNil(t, out.Success)
	assert.True(t, *out.Success)
	assert.Equal(t, "done", out.Output)
	assert.Equal(t, "http://localhost:8080/session/abc12345/", out.WebUIURL)
}

func TestGetResultUnknownRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.GetResult(context.Background(), "run-missing1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeRunNotFound, apperrors.CodeOf(err))
}

func TestListRunsPagination(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.runs.Put(context.Background(), &run.Run{
			RunID:      "run-0000000" + string(rune('a'+i)),
			SessionID:  "abc12345",
			WorkflowID: "wf",
			Status:     run.StatusCompleted,
			Task:       "t",
			StartedAt:  base + int64(i),
		}))
	}

	out, err := f.d.ListRuns(context.Background(), ListRunsInput{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out.Runs, 2)
	assert.True(t, out.HasMore)
	assert.Equal(t, 5, out.Total)

	out, err = f.d.ListRuns(context.Background(), ListRunsInput{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, out.Runs, 5)
	assert.False(t, out.HasMore)
}

func TestListRunsValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.ListRuns(context.Background(), ListRunsInput{Limit: 101})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))

	_, err = f.d.ListRuns(context.Background(), ListRunsInput{Status: "bogus"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestExecRunsCommandInSandbox(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sessions.Put(context.Background(), &session.Session{
		SessionID:     "abc12345",
		SandboxID:     "abc12345",
		Status:        session.StatusActive,
		WorkspacePath: "/workspace",
	}))

	out, err := f.d.Exec(context.Background(), ExecInput{
		SessionID: "abc12345",
		Command:   "echo hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
}

func TestToolCallTelemetry(t *testing.T) {
	f := newFixture(t)

	_, err := f.d.GetResult(context.Background(), "run-missing1")
	require.Error(t, err)

	out := f.telemetry.String()
	assert.Contains(t, out, `"event":"tool.call"`)
	assert.Contains(t, out, `"tool":"get_result"`)
	assert.Contains(t, out, `"outcome":"error"`)
	assert.Contains(t, out, `"code":"RunNotFoundError"`)
	assert.Contains(t, out, `"validate"`)
	assert.Contains(t, out, `"storage"`)
}

// Package agentio launches the coding agent inside a sandbox and runs
// tasks against it.
package agentio

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/pkg/opencode"
)

// agentProcess names the background process inside the sandbox.
const agentProcess = "opencode"

// summarySuffix rides along with every task so the agent ends its turn
// with a report the run result can surface directly.
const summarySuffix = "\n\nWhen you have finished, end with a structured summary covering: " +
	"what was accomplished, files changed, commits made, and any warnings or follow-ups."

// LaunchParams configure the agent server for one sandbox.
type LaunchParams struct {
	WorkspacePath string
	ProxyToken    string
	// ContainerProxyURL is this server's base URL as reachable from
	// inside the sandbox.
	ContainerProxyURL string
}

// Launcher starts agent servers inside sandboxes.
type Launcher struct {
	cfg config.AgentConfig
	log *logger.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg config.AgentConfig, log *logger.Logger) *Launcher {
	return &Launcher{cfg: cfg, log: log.WithComponent("agentio")}
}

// Agent is a running agent server plus the client bound to it.
type Agent struct {
	sb     sandbox.Sandbox
	client *opencode.Client
	log    *logger.Logger
}

// Launch starts the agent server in the sandbox, pointed through the
// proxy for model traffic, and waits for it to report healthy.
func (l *Launcher) Launch(ctx context.Context, sb sandbox.Sandbox, params LaunchParams) (*Agent, error) {
	password := opencode.GenerateServerPassword()

	err := sandbox.StartBackground(ctx, sb, agentProcess, sandbox.ExecOptions{
		Command: []string{"opencode", "serve", "--hostname", "0.0.0.0", "--port", strconv.Itoa(l.cfg.Port)},
		WorkDir: params.WorkspacePath,
		Env: []string{
			"ANTHROPIC_BASE_URL=" + params.ContainerProxyURL + "/proxy/anthropic",
			"ANTHROPIC_API_KEY=" + params.ProxyToken,
			"OPENCODE_SERVER_PASSWORD=" + password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch agent: %w", err)
	}

	endpoint, err := sb.Endpoint(ctx, l.cfg.Port)
	if err != nil {
		_ = sandbox.StopBackground(ctx, sb, agentProcess)
		return nil, fmt.Errorf("failed to resolve agent endpoint: %w", err)
	}

	client := opencode.NewClient("http://"+endpoint, params.WorkspacePath, password, l.log)
	if err := client.WaitForHealth(ctx, l.cfg.HealthTimeoutDuration()); err != nil {
		_ = sandbox.StopBackground(ctx, sb, agentProcess)
		return nil, fmt.Errorf("agent did not become healthy: %w", err)
	}

	l.log.Info("agent server ready",
		zap.String("sandbox_id", sb.ID()),
		zap.String("endpoint", endpoint))
	return &Agent{sb: sb, client: client, log: l.log}, nil
}

// Close stops the agent server.
func (a *Agent) Close(ctx context.Context) error {
	return sandbox.StopBackground(ctx, a.sb, agentProcess)
}

// ExecuteParams are the inputs to one task execution.
type ExecuteParams struct {
	Task              string
	Model             string
	WorkspacePath     string
	ExistingSessionID string
}

// ExecuteResult is always populated; execution failures land in
// Success and Error rather than a returned error.
type ExecuteResult struct {
	Success           bool
	Output            string
	Error             string
	OpencodeSessionID string
	Tokens            *opencode.MessageTokensInfo
}

// Execute resolves an agent session, submits the task and assembles
// the result. It never fails outright: any error comes back inside
// the result so the run record can carry it.
func (a *Agent) Execute(ctx context.Context, params ExecuteParams) *ExecuteResult {
	fail := func(err error) *ExecuteResult {
		sessionID := params.ExistingSessionID
		if sessionID == "" {
			sessionID = "unknown"
		}
		a.log.Warn("task execution failed", zap.Error(err))
		return &ExecuteResult{Success: false, Error: err.Error(), OpencodeSessionID: sessionID}
	}

	sessionID, err := a.resolveSession(ctx, params)
	if err != nil {
		return fail(err)
	}

	res, err := a.client.SendPrompt(ctx, sessionID, params.Task+summarySuffix,
		&opencode.ModelSpec{ProviderID: "anthropic", ModelID: params.Model})
	if err != nil {
		result := fail(err)
		result.OpencodeSessionID = sessionID
		return result
	}

	return &ExecuteResult{
		Success:           true,
		Output:            res.Text,
		OpencodeSessionID: sessionID,
		Tokens:            res.Tokens,
	}
}

// resolveSession reuses the caller's agent session when given, then
// the first session already scoped to the workspace, then creates one.
func (a *Agent) resolveSession(ctx context.Context, params ExecuteParams) (string, error) {
	if params.ExistingSessionID != "" {
		return params.ExistingSessionID, nil
	}

	sessions, err := a.client.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list agent sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Directory == "" || s.Directory == params.WorkspacePath {
			return s.ID, nil
		}
	}

	id, err := a.client.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create agent session: %w", err)
	}
	return id, nil
}

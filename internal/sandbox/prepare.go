package sandbox

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
)

const (
	// agentHome is where the coding agent keeps its state inside the
	// sandbox.
	agentHome       = "$HOME/.local/share/opencode"
	agentStorageDir = agentHome + "/storage"

	gitUserEmail = "agent@sandbox.invalid"
	gitUserName  = "Sandbox Agent"
)

// Restorer brings a session's agent state back from the object store.
// Implemented by the backup service.
type Restorer interface {
	Restore(ctx context.Context, sb Sandbox, sessionID string) (bool, error)
}

// PrepareParams are the inputs to EnsureReady.
type PrepareParams struct {
	SessionID     string
	RepositoryURL string
	Branch        string
	ProxyToken    string
	// ContainerProxyURL is this server's base URL as reachable from
	// inside the sandbox (loopback already rewritten).
	ContainerProxyURL string
}

// PrepareResult reports which preparation actions actually ran. A
// second call on the same sandbox reports all-false.
type PrepareResult struct {
	WorkspacePath   string `json:"workspacePath"`
	RestoredBackup  bool   `json:"restoredBackup"`
	ClonedRepo      bool   `json:"clonedRepo"`
	ConfiguredProxy bool   `json:"configuredProxy"`
}

// Preparer makes sandboxes ready for agent work. Every check-then-act
// pair is idempotent so the workflow can replay the step safely.
type Preparer struct {
	restorer      Restorer
	workspaceRoot string
	log           *logger.Logger
}

// NewPreparer creates a Preparer. restorer may be nil to disable
// backup restoration.
func NewPreparer(restorer Restorer, workspaceRoot string, log *logger.Logger) *Preparer {
	return &Preparer{
		restorer:      restorer,
		workspaceRoot: strings.TrimSuffix(workspaceRoot, "/"),
		log:           log.WithComponent("prepare"),
	}
}

// EnsureReady configures proxy egress, restores agent state and clones
// or refreshes the repository.
func (p *Preparer) EnsureReady(ctx context.Context, sb Sandbox, params PrepareParams) (*PrepareResult, error) {
	result := &PrepareResult{WorkspacePath: p.workspaceRoot}

	configured, err := p.ensureProxyConfig(ctx, sb, params)
	if err != nil {
		return nil, err
	}
	result.ConfiguredProxy = configured

	restored, err := p.ensureAgentState(ctx, sb, params.SessionID)
	if err != nil {
		return nil, err
	}
	result.RestoredBackup = restored

	if params.RepositoryURL != "" {
		repoDir := p.workspaceRoot + "/" + RepoName(params.RepositoryURL)
		cloned, err := p.ensureRepository(ctx, sb, params.RepositoryURL, params.Branch, repoDir)
		if err != nil {
			return nil, err
		}
		result.ClonedRepo = cloned
		result.WorkspacePath = repoDir
	}

	return result, nil
}

// ensureProxyConfig writes the proxy settings into the sandbox exactly
// once: .env upstream override plus git URL rewriting and identity.
func (p *Preparer) ensureProxyConfig(ctx context.Context, sb Sandbox, params PrepareParams) (bool, error) {
	envFile := p.workspaceRoot + "/.env"

	res, err := p.run(ctx, sb, fmt.Sprintf("grep -q ANTHROPIC_BASE_URL %s 2>/dev/null", shellQuote(envFile)))
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return false, nil
	}

	anthropicBase := params.ContainerProxyURL + "/proxy/anthropic"
	githubBase := params.ContainerProxyURL + "/proxy/github/"

	steps := []string{
		fmt.Sprintf("printf 'ANTHROPIC_BASE_URL=%%s\\nANTHROPIC_API_KEY=%%s\\n' %s %s >> %s",
			shellQuote(anthropicBase), shellQuote(params.ProxyToken), shellQuote(envFile)),
		fmt.Sprintf("git config --global url.%s.insteadOf %s",
			shellQuote(githubBase), shellQuote("https://github.com/")),
		fmt.Sprintf("git config --global http.extraheader %s",
			shellQuote("Authorization: Bearer "+params.ProxyToken)),
		fmt.Sprintf("git config --global user.email %s", shellQuote(gitUserEmail)),
		fmt.Sprintf("git config --global user.name %s", shellQuote(gitUserName)),
	}
	for _, step := range steps {
		if err := p.runOrFail(ctx, sb, step); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ensureAgentState restores the agent storage directory from backup
// when it is missing. Restore failures are advisory.
func (p *Preparer) ensureAgentState(ctx context.Context, sb Sandbox, sessionID string) (bool, error) {
	res, err := p.run(ctx, sb, fmt.Sprintf(`test -d "%s"`, agentStorageDir))
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 || p.restorer == nil {
		return false, nil
	}

	restored, err := p.restorer.Restore(ctx, sb, sessionID)
	if err != nil {
		p.log.Warn("backup restore failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false, nil
	}
	return restored, nil
}

// ensureRepository clones the repository on first contact, otherwise
// fetches and optionally checks out the requested branch.
func (p *Preparer) ensureRepository(ctx context.Context, sb Sandbox, repoURL, branch, repoDir string) (bool, error) {
	res, err := p.run(ctx, sb, fmt.Sprintf(`test -d %s`, shellQuote(repoDir+"/.git")))
	if err != nil {
		return false, err
	}

	if res.ExitCode != 0 {
		clone := fmt.Sprintf("git clone %s %s", shellQuote(repoURL), shellQuote(repoDir))
		if branch != "" {
			clone = fmt.Sprintf("git clone --branch %s %s %s",
				shellQuote(branch), shellQuote(repoURL), shellQuote(repoDir))
		}
		if err := p.runOrFail(ctx, sb, clone); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := p.runOrFail(ctx, sb, fmt.Sprintf("cd %s && git fetch", shellQuote(repoDir))); err != nil {
		return false, err
	}
	if branch != "" {
		if err := p.runOrFail(ctx, sb, fmt.Sprintf("cd %s && git checkout %s",
			shellQuote(repoDir), shellQuote(branch))); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (p *Preparer) run(ctx context.Context, sb Sandbox, script string) (*ExecResult, error) {
	res, err := sb.Exec(ctx, ExecOptions{Command: []string{"sh", "-c", script}})
	if err != nil {
		return nil, fmt.Errorf("sandbox exec failed: %w", err)
	}
	return res, nil
}

func (p *Preparer) runOrFail(ctx context.Context, sb Sandbox, script string) error {
	res, err := p.run(ctx, sb, script)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command %q exited %d: %s", script, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// RepoName extracts the directory name a repository clones into.
func RepoName(repoURL string) string {
	name := path.Base(strings.TrimSuffix(repoURL, "/"))
	return strings.TrimSuffix(name, ".git")
}

// Package sandbox defines the runtime-independent sandbox contract and
// the preparation logic that makes a sandbox ready for agent work.
// Docker and sprites back the contract under internal/sandbox/docker
// and internal/sandbox/sprites.
package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// ExecOptions describes one command execution inside a sandbox.
type ExecOptions struct {
	Command []string
	WorkDir string
	Env     []string
}

// ExecResult is the outcome of an execution. A non-zero exit code is
// not an error at this layer; callers branch on it.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Sandbox is one isolated execution environment addressed by id.
type Sandbox interface {
	ID() string

	// Exec runs a command to completion. The returned error covers
	// transport failures only; command failures land in ExitCode.
	Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error)

	// WriteFile places data at path inside the sandbox.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Endpoint returns a host:port address on which the control plane
	// can reach the given sandbox port.
	Endpoint(ctx context.Context, port int) (string, error)

	// Destroy tears the sandbox down.
	Destroy(ctx context.Context) error
}

// Runtime creates or reattaches sandboxes. Acquire is idempotent for a
// given id: handles must never be carried across workflow steps, so
// every step re-acquires.
type Runtime interface {
	Acquire(ctx context.Context, id string) (Sandbox, error)
	Close() error
}

// StartBackground launches a long-lived process inside the sandbox,
// detached from the exec that spawns it. The pid lands in
// /tmp/{name}.pid and output in /tmp/{name}.log.
func StartBackground(ctx context.Context, sb Sandbox, name string, opts ExecOptions) error {
	var script strings.Builder
	for _, kv := range opts.Env {
		script.WriteString("export " + shellQuote(kv) + "; ")
	}
	if opts.WorkDir != "" {
		script.WriteString("cd " + shellQuote(opts.WorkDir) + "; ")
	}
	quoted := make([]string, 0, len(opts.Command))
	for _, arg := range opts.Command {
		quoted = append(quoted, shellQuote(arg))
	}
	script.WriteString(fmt.Sprintf("nohup %s > /tmp/%s.log 2>&1 & echo $! > /tmp/%s.pid",
		strings.Join(quoted, " "), name, name))

	res, err := sb.Exec(ctx, ExecOptions{Command: []string{"sh", "-c", script.String()}})
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to start %s: %s", name, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// StopBackground terminates a process started with StartBackground.
func StopBackground(ctx context.Context, sb Sandbox, name string) error {
	script := fmt.Sprintf("[ -f /tmp/%s.pid ] && kill \"$(cat /tmp/%s.pid)\" 2>/dev/null; rm -f /tmp/%s.pid", name, name, name)
	_, err := sb.Exec(ctx, ExecOptions{Command: []string{"sh", "-c", script}})
	return err
}

// shellQuote wraps s in single quotes, escaping embedded quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

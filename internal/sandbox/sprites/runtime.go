// Package sprites backs the sandbox contract with Sprites.dev remote
// sandboxes. Sprites are created lazily on first command and reached
// through per-port forwarding sessions.
package sprites

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/config"
	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
)

const spriteNamePrefix = "sandbox-"

// exitMarker carries the command's exit status back on stdout. The
// sprite command API reports remote failures as opaque errors, so the
// wrapper shell prints the status itself and the outer command always
// exits zero.
const exitMarker = "\n__exit__:"

// Runtime implements sandbox.Runtime over the Sprites.dev API.
type Runtime struct {
	client *sprites.Client
	log    *logger.Logger

	mu      sync.Mutex
	proxies map[string]*portForward // keyed by sandboxID:remotePort
}

type portForward struct {
	localPort int
	session   *sprites.ProxySession
}

// NewRuntime creates a sprites-backed runtime.
func NewRuntime(cfg config.SandboxConfig, log *logger.Logger) (*Runtime, error) {
	if cfg.SpritesToken == "" {
		return nil, fmt.Errorf("sprites runtime requires a sprites token")
	}
	return &Runtime{
		client:  sprites.New(cfg.SpritesToken),
		log:     log.WithComponent("sprites"),
		proxies: make(map[string]*portForward),
	}, nil
}

// Acquire attaches to the sprite for id, creating it lazily via a
// first command.
func (r *Runtime) Acquire(ctx context.Context, id string) (sandbox.Sandbox, error) {
	name := spriteNamePrefix + id
	sprite := r.client.Sprite(name)

	out, err := sprite.CommandContext(ctx, "echo", "sandbox-ready").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to create sprite %s: %w", name, err)
	}
	if !strings.Contains(string(out), "sandbox-ready") {
		return nil, fmt.Errorf("unexpected sprite output: %s", string(out))
	}

	return &spriteSandbox{runtime: r, id: id, name: name, sprite: sprite}, nil
}

// Close tears down all open forwarding sessions.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, fwd := range r.proxies {
		_ = fwd.session.Close()
		delete(r.proxies, key)
	}
	return nil
}

func (r *Runtime) closeProxies(sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, fwd := range r.proxies {
		if strings.HasPrefix(key, sandboxID+":") {
			_ = fwd.session.Close()
			delete(r.proxies, key)
		}
	}
}

type spriteSandbox struct {
	runtime *Runtime
	id      string
	name    string
	sprite  *sprites.Sprite
}

func (s *spriteSandbox) ID() string { return s.id }

// Exec wraps the command in a shell that appends the exit status to
// stdout, so non-zero exits surface in ExitCode instead of an error.
func (s *spriteSandbox) Exec(ctx context.Context, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	var script strings.Builder
	for _, kv := range opts.Env {
		script.WriteString("export " + shellQuote(kv) + "; ")
	}
	if opts.WorkDir != "" {
		script.WriteString("cd " + shellQuote(opts.WorkDir) + " && ")
	}
	quoted := make([]string, 0, len(opts.Command))
	for _, arg := range opts.Command {
		quoted = append(quoted, shellQuote(arg))
	}
	script.WriteString(strings.Join(quoted, " "))
	script.WriteString(fmt.Sprintf("; printf '%s%%d' $?", strings.ReplaceAll(exitMarker, "\n", `\n`)))

	cmd := s.sprite.CommandContext(ctx, "sh", "-c", script.String())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sprite command failed: %w", err)
	}

	out := stdout.Bytes()
	idx := bytes.LastIndex(out, []byte(exitMarker))
	if idx < 0 {
		return nil, fmt.Errorf("sprite command output missing exit status")
	}
	code, err := strconv.Atoi(string(out[idx+len(exitMarker):]))
	if err != nil {
		return nil, fmt.Errorf("sprite command reported malformed exit status: %w", err)
	}

	return &sandbox.ExecResult{
		Stdout:   out[:idx],
		Stderr:   stderr.Bytes(),
		ExitCode: code,
	}, nil
}

// WriteFile streams data through stdin into the sprite.
func (s *spriteSandbox) WriteFile(ctx context.Context, path string, data []byte) error {
	script := fmt.Sprintf("mkdir -p \"$(dirname %s)\" && cat > %s", shellQuote(path), shellQuote(path))
	cmd := s.sprite.CommandContext(ctx, "sh", "-c", script)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close stdin: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}
	return nil
}

// Endpoint forwards a local port to the sprite port and returns the
// loopback address. Sessions are reused per sandbox and port.
func (s *spriteSandbox) Endpoint(ctx context.Context, port int) (string, error) {
	key := fmt.Sprintf("%s:%d", s.id, port)

	r := s.runtime
	r.mu.Lock()
	if fwd, ok := r.proxies[key]; ok {
		r.mu.Unlock()
		return fmt.Sprintf("127.0.0.1:%d", fwd.localPort), nil
	}
	r.mu.Unlock()

	localPort, err := getFreePort()
	if err != nil {
		return "", fmt.Errorf("failed to get free port: %w", err)
	}

	session, err := s.sprite.ProxyPort(ctx, localPort, port)
	if err != nil {
		return "", fmt.Errorf("port forwarding failed: %w", err)
	}

	r.mu.Lock()
	r.proxies[key] = &portForward{localPort: localPort, session: session}
	r.mu.Unlock()

	r.log.Debug("port forwarding established",
		zap.String("sandbox_id", s.id),
		zap.Int("local_port", localPort),
		zap.Int("remote_port", port))

	return fmt.Sprintf("127.0.0.1:%d", localPort), nil
}

// Destroy closes forwarding sessions and destroys the sprite.
func (s *spriteSandbox) Destroy(_ context.Context) error {
	s.runtime.closeProxies(s.id)
	if err := s.sprite.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy sprite %s: %w", s.name, err)
	}
	s.runtime.log.Info("sprite destroyed", zap.String("sprite_name", s.name))
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// getFreePort finds an available local port.
func getFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

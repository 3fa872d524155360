// Package backup persists the agent's on-disk session state to the
// object store and restores it into fresh sandboxes.
package backup

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

const (
	agentHome  = "$HOME/.local/share/opencode"
	storageDir = agentHome + "/storage"

	// chunkSize bounds each transfer command. Larger payloads cross in
	// base64 appends because exec argument length is capped on both
	// runtimes.
	chunkSize = 100 * 1024
)

// Service snapshots and restores agent state archives.
type Service struct {
	store storage.ObjectStore
	log   *logger.Logger
}

// NewService creates a backup Service over the given object store.
func NewService(store storage.ObjectStore, log *logger.Logger) *Service {
	return &Service{store: store, log: log.WithComponent("backup")}
}

// Restore unpacks the session's backup archive into the sandbox.
// Returns false without error when no backup exists.
func (s *Service) Restore(ctx context.Context, sb sandbox.Sandbox, sessionID string) (bool, error) {
	obj, err := s.store.Get(ctx, storage.BackupKey(sessionID))
	if err != nil {
		return false, fmt.Errorf("failed to read backup: %w", err)
	}
	if obj == nil {
		return false, nil
	}

	encoded := base64.StdEncoding.EncodeToString(obj.Body)
	b64Path := "/tmp/restore-" + sessionID + ".b64"
	tarPath := "/tmp/restore-" + sessionID + ".tar.gz"

	if err := s.runOrFail(ctx, sb, "rm -f "+b64Path); err != nil {
		return false, err
	}
	for off := 0; off < len(encoded); off += chunkSize {
		end := off + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		script := fmt.Sprintf("printf '%%s' '%s' >> %s", encoded[off:end], b64Path)
		if err := s.runOrFail(ctx, sb, script); err != nil {
			return false, err
		}
	}

	unpack := fmt.Sprintf(
		"base64 -d %s > %s && mkdir -p %s && tar -xzf %s -C %s && rm -f %s %s",
		b64Path, tarPath, agentHome, tarPath, agentHome, b64Path, tarPath)
	if err := s.runOrFail(ctx, sb, unpack); err != nil {
		return false, err
	}

	s.log.Info("backup restored",
		zap.String("session_id", sessionID),
		zap.Int("size_bytes", len(obj.Body)))
	return true, nil
}

// Snapshot archives the sandbox's agent storage directory into the
// object store. A sandbox with no agent state yet snapshots to nothing.
func (s *Service) Snapshot(ctx context.Context, sb sandbox.Sandbox, sessionID string) error {
	res, err := sb.Exec(ctx, sandbox.ExecOptions{
		Command: []string{"sh", "-c", fmt.Sprintf(`test -d "%s"`, storageDir)},
	})
	if err != nil {
		return fmt.Errorf("sandbox exec failed: %w", err)
	}
	if res.ExitCode != 0 {
		s.log.Debug("no agent state to snapshot", zap.String("session_id", sessionID))
		return nil
	}

	tarPath := "/tmp/snapshot-" + sessionID + ".tar.gz"
	pack := fmt.Sprintf(`tar -czf %s -C "%s" storage`, tarPath, agentHome)
	if err := s.runOrFail(ctx, sb, pack); err != nil {
		return err
	}

	out, err := sb.Exec(ctx, sandbox.ExecOptions{
		Command: []string{"sh", "-c", fmt.Sprintf("base64 < %s && rm -f %s", tarPath, tarPath)},
	})
	if err != nil {
		return fmt.Errorf("sandbox exec failed: %w", err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("failed to read snapshot: %s", strings.TrimSpace(string(out.Stderr)))
	}

	body, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, string(out.Stdout)))
	if err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if _, err := s.store.Put(ctx, storage.BackupKey(sessionID), body, nil); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}

	s.log.Info("backup written",
		zap.String("session_id", sessionID),
		zap.Int("size_bytes", len(body)))
	return nil
}

func (s *Service) runOrFail(ctx context.Context, sb sandbox.Sandbox, script string) error {
	res, err := sb.Exec(ctx, sandbox.ExecOptions{Command: []string{"sh", "-c", script}})
	if err != nil {
		return fmt.Errorf("sandbox exec failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("backup command exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func dropSpace(r rune) rune {
	switch r {
	case '\n', '\r', ' ', '\t':
		return -1
	}
	return r
}

package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxmcp/sandbox-mcp/internal/common/logger"
	"github.com/sandboxmcp/sandbox-mcp/internal/sandbox"
	"github.com/sandboxmcp/sandbox-mcp/internal/storage"
)

// execSandbox interprets the shell fragments the backup service issues.
type execSandbox struct {
	storageExists bool

	// restore side: base64 appends accumulate here until unpack runs
	appended strings.Builder
	unpacked []byte

	// snapshot side: archive served back out through base64
	archive []byte

	commands []string
}

func (f *execSandbox) ID() string { return "fake0001" }

func (f *execSandbox) Exec(_ context.Context, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	script := opts.Command[len(opts.Command)-1]
	f.commands = append(f.commands, script)

	switch {
	case strings.HasPrefix(script, "test -d"):
		if f.storageExists {
			return &sandbox.ExecResult{ExitCode: 0}, nil
		}
		return &sandbox.ExecResult{ExitCode: 1}, nil

	case strings.HasPrefix(script, "printf '%s' '"):
		start := strings.Index(script, "' '") + 3
		end := strings.LastIndex(script, "' >>")
		f.appended.WriteString(script[start:end])

	case strings.HasPrefix(script, "base64 -d"):
		decoded, err := base64.StdEncoding.DecodeString(f.appended.String())
		if err != nil {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: []byte(err.Error())}, nil
		}
		f.unpacked = decoded

	case strings.HasPrefix(script, "base64 <"):
		encoded := base64.StdEncoding.EncodeToString(f.archive)
		return &sandbox.ExecResult{ExitCode: 0, Stdout: []byte(encoded + "\n")}, nil
	}
	return &sandbox.ExecResult{ExitCode: 0}, nil
}

func (f *execSandbox) WriteFile(context.Context, string, []byte) error { return nil }
func (f *execSandbox) Endpoint(context.Context, int) (string, error)   { return "127.0.0.1:4096", nil }
func (f *execSandbox) Destroy(context.Context) error                   { return nil }

func newService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	return NewService(store, log), store
}

func testArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte(`{"id":"ses_abc"}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "storage/session.json", Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestRestoreMissingBackup(t *testing.T) {
	svc, _ := newService(t)
	sb := &execSandbox{}

	restored, err := svc.Restore(context.Background(), sb, "abc12345")
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Empty(t, sb.commands)
}

func TestRestoreUnpacksArchive(t *testing.T) {
	svc, store := newService(t)
	archive := testArchive(t)
	_, err := store.Put(context.Background(), storage.BackupKey("abc12345"), archive, nil)
	require.NoError(t, err)

	sb := &execSandbox{}
	restored, err := svc.Restore(context.Background(), sb, "abc12345")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, archive, sb.unpacked)
}

func TestRestoreChunksLargePayload(t *testing.T) {
	svc, store := newService(t)

	// payload whose encoding spans several append commands
	big := bytes.Repeat([]byte{0xAB}, 3*chunkSize)
	_, err := store.Put(context.Background(), storage.BackupKey("abc12345"), big, nil)
	require.NoError(t, err)

	sb := &execSandbox{}
	restored, err := svc.Restore(context.Background(), sb, "abc12345")
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, big, sb.unpacked)

	appends := 0
	for _, cmd := range sb.commands {
		assert.Less(t, len(cmd), chunkSize+256)
		if strings.HasPrefix(cmd, "printf") {
			appends++
		}
	}
	assert.GreaterOrEqual(t, appends, 4)
}

func TestSnapshotRoundTrip(t *testing.T) {
	svc, store := newService(t)
	archive := testArchive(t)
	sb := &execSandbox{storageExists: true, archive: archive}

	require.NoError(t, svc.Snapshot(context.Background(), sb, "abc12345"))

	obj, err := store.Get(context.Background(), storage.BackupKey("abc12345"))
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, archive, obj.Body)
}

func TestSnapshotSkipsWhenNoState(t *testing.T) {
	svc, store := newService(t)
	sb := &execSandbox{storageExists: false}

	require.NoError(t, svc.Snapshot(context.Background(), sb, "abc12345"))

	obj, err := store.Get(context.Background(), storage.BackupKey("abc12345"))
	require.NoError(t, err)
	assert.Nil(t, obj)
}

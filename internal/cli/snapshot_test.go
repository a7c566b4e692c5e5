package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCreateAndList(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "users/alice")
	env.mustRun("put", "users/alice", "name", "Alice")

	env.mustRun("snapshot", "create", "users/alice")
	env.mustRun("put", "users/alice", "name", "Alicia")
	env.mustRun("snapshot", "create", "users/alice")

	out := env.mustRun("--format", "json", "snapshot", "list", "users/alice")
	var resp struct {
		Data []SnapshotView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, uint64(1), resp.Data[0].Seq)
	assert.Equal(t, uint64(1), resp.Data[0].DocVersion)
	assert.Equal(t, uint64(2), resp.Data[1].Seq)
	assert.Equal(t, uint64(2), resp.Data[1].DocVersion)
	assert.NotEmpty(t, resp.Data[1].Digest)
}

func TestSnapshotCreateIfNeeded(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "users/alice")

	assert.Equal(t, "no snapshots taken\n", env.mustRun("snapshot", "create", "--if-needed", "users/alice"))
	assert.Equal(t, "no snapshots\n", env.mustRun("snapshot", "list"))
}

func TestSnapshotRestore(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "users/alice")
	env.mustRun("put", "users/alice", "name", "Alice")
	env.mustRun("snapshot", "create", "users/alice")
	env.mustRun("put", "users/alice", "name", "Mallory")

	out := env.mustRun("snapshot", "restore", "users/alice", "1")
	assert.Contains(t, out, "restored users/alice to snapshot 1")
	assert.JSONEq(t, `{"name":"Alice"}`, env.mustRun("get", "users/alice"))

	_, _, err := env.run("snapshot", "restore", "users/alice", "9")
	require.Error(t, err)
	assert.Equal(t, "SNAPSHOT", ErrorCode(err))

	_, _, err = env.run("snapshot", "restore", "users/alice", "zero")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSnapshotCompact(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("create", "counters/c")
	for i := 0; i < 5; i++ {
		env.mustRun("put", "counters/c", "n", fmt.Sprint(i))
	}

	out := env.mustRun("--format", "json", "snapshot", "compact", "counters/c")
	var resp struct {
		Data CompactionView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, uint64(1), resp.Data.Snapshot.Seq)
	assert.Equal(t, resp.Data.Snapshot.Size, resp.Data.CompactedSize)
	assert.Positive(t, resp.Data.OriginalSize)
}

func TestSnapshotExportRequiresArchive(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.run("snapshot", "export")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no snapshot archive configured")
}

func TestSnapshotExportImport(t *testing.T) {
	env := newTestEnv(t)
	archiveDir := filepath.Join(env.dir, "archive")
	env.writeConfig(fmt.Sprintf("archive:\n  driver: fs\n  dir: %s\n  prefix: backups\n", archiveDir))

	env.mustRun("create", "users/alice")
	env.mustRun("put", "users/alice", "name", "Alice")
	env.mustRun("snapshot", "create", "users/alice")

	assert.Equal(t, "exported 1 snapshots (0 already archived)\n", env.mustRun("snapshot", "export"))
	assert.Equal(t, "exported 0 snapshots (1 already archived)\n", env.mustRun("snapshot", "export", "users/alice"))
	assert.FileExists(t, filepath.Join(archiveDir, "backups", "users", "alice", "1.automerge"))

	// Deleting the document drops its local snapshots; the archive
	// brings it back.
	env.mustRun("delete", "users/alice")
	out := env.mustRun("snapshot", "import", "users/alice")
	assert.Equal(t, "imported 1 snapshots of users/alice (document recovered)\n", out)
	assert.JSONEq(t, `{"name":"Alice"}`, env.mustRun("get", "users/alice"))
	assert.Contains(t, env.mustRun("snapshot", "list", "users/alice"), "seq=1")

	_, _, err := env.run("snapshot", "import", "users/nobody")
	require.Error(t, err)
	assert.Equal(t, "SNAPSHOT", ErrorCode(err))
}

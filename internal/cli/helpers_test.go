package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEnv is a scratch database plus optional config file.
type testEnv struct {
	t      *testing.T
	dir    string
	db     string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("DOCSTATE_STORAGE_DRIVER", "")
	t.Setenv("DOCSTATE_STORAGE_DSN", "")
	t.Setenv("DOCSTATE_ARCHIVE_DRIVER", "")
	dir := t.TempDir()
	return &testEnv{t: t, dir: dir, db: filepath.Join(dir, "docstate.db")}
}

// writeConfig writes a config file into the env and uses it for every
// later run.
func (e *testEnv) writeConfig(content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, "docstate.yaml")
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0644))
	e.config = path
	return path
}

func (e *testEnv) writeFile(name, content string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(e.t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// run executes the root command against the env's database and returns
// stdout and stderr.
func (e *testEnv) run(args ...string) (string, string, error) {
	return e.runContext(context.Background(), args...)
}

func (e *testEnv) runContext(ctx context.Context, args ...string) (string, string, error) {
	e.t.Helper()
	full := []string{"--db", e.db}
	if e.config != "" {
		full = append(full, "--config", e.config)
	}
	full = append(full, args...)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(full)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// mustRun fails the test if the command fails.
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, stderr, err := e.run(args...)
	require.NoError(e.t, err, "stderr: %s", stderr)
	return out
}

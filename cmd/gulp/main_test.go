package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/gulp/internal/queue"
	"github.com/ligustah/gulp/internal/store"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"usage", usageError{errors.New("bad flag")}, ExitInvalidArgs},
		{"invalid request", fmt.Errorf("enqueue: %w", queue.ErrInvalidRequest), ExitInvalidArgs},
		{"not found", fmt.Errorf("pause x: %w", store.ErrNotFound), ExitNotFound},
		{"completed", queue.ErrCompleted, ExitRejected},
		{"not restartable", queue.ErrNotRestartable, ExitRejected},
		{"storage", storageError{errors.New("disk on fire")}, ExitStorageError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders([]string{"Authorization: Bearer x", "X-Trace:  42 "})
	require.NoError(t, err)
	assert.Equal(t, "Bearer x", h.Get("Authorization"))
	assert.Equal(t, "42", h.Get("X-Trace"))

	h, err = parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	_, err = parseHeaders([]string{"no colon"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{": empty name"})
	assert.Error(t, err)
}

// gulp runs the CLI with the config file in dir and returns its output and
// exit code.
func gulp(t *testing.T, dir string, args ...string) (string, int) {
	t.Helper()
	c := &cli{}
	defer c.close()

	root := newRootCmd(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{
		"--config", filepath.Join(dir, "config.yaml"),
		"--env-file", filepath.Join(dir, "missing.env"),
	}, args...))
	if err := root.Execute(); err != nil {
		return out.String(), exitCode(err)
	}
	return out.String(), ExitSuccess
}

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	cfg := fmt.Sprintf(`store: sqlite://%s
download_dirs:
  - %s
log:
  level: disabled
`, filepath.Join(dir, "gulp.db"), filepath.Join(dir, "downloads"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(cfg), 0o600))
}

func TestMissingExplicitConfig(t *testing.T) {
	_, code := gulp(t, t.TempDir(), "list")
	assert.Equal(t, ExitInvalidArgs, code)
}

func TestCLIQueueCommands(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	out, code := gulp(t, dir, "enqueue", "--paused", "--name", "a.bin", "http://example.com/a")
	require.Equal(t, ExitSuccess, code, out)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, code = gulp(t, dir, "list")
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "paused")

	out, code = gulp(t, dir, "show", "--json", id)
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, `"hint": "a.bin"`)

	out, code = gulp(t, dir, "resume", id)
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, id+" resumed")

	out, code = gulp(t, dir, "cancel", id)
	require.Equal(t, ExitSuccess, code, out)

	_, code = gulp(t, dir, "pause", id)
	assert.Equal(t, ExitRejected, code)

	_, code = gulp(t, dir, "show", "no-such-id")
	assert.Equal(t, ExitNotFound, code)

	_, code = gulp(t, dir, "enqueue", "ftp://example.com/a")
	assert.Equal(t, ExitInvalidArgs, code)

	_, code = gulp(t, dir, "enqueue", "--allow-network", "carrier-pigeon", "http://example.com/a")
	assert.Equal(t, ExitInvalidArgs, code)

	_, code = gulp(t, dir, "pause")
	assert.Equal(t, ExitInvalidArgs, code)

	_, code = gulp(t, dir, "list", "--bogus")
	assert.Equal(t, ExitInvalidArgs, code)
}

func TestCLIEnqueueHeaders(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	out, code := gulp(t, dir, "enqueue",
		"-H", "Authorization: Bearer x",
		"--allow-network", "wifi,ethernet",
		"--no-roaming",
		"http://example.com/a")
	require.Equal(t, ExitSuccess, code, out)
	id := strings.TrimSpace(out)

	out, code = gulp(t, dir, "show", "--json", id)
	require.Equal(t, ExitSuccess, code, out)
	assert.Contains(t, out, `"Authorization": [`)
	assert.Contains(t, out, `"allow_roaming": false`)
	assert.Contains(t, out, `"allowed_networks": 6`)
}

package pidfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:paralleltest // file system operations require sequential execution
func TestAcquire_WritesAndReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")

	r := Record{PID: os.Getpid(), Host: "127.0.0.1", Port: 8787, StartedAt: time.Now(), CWD: "/tmp"}
	require.NoError(t, Acquire(path, r))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got.PID)
	assert.Equal(t, 8787, got.Port)
}

//nolint:paralleltest // file system operations require sequential execution
func TestAcquire_OverwritesStaleRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")

	// A pid that is very unlikely to be alive.
	stale := Record{PID: 1 << 30, Host: "127.0.0.1", Port: 1, StartedAt: time.Now()}
	require.NoError(t, Acquire(path, stale))

	fresh := Record{PID: os.Getpid(), Host: "127.0.0.1", Port: 9999, StartedAt: time.Now()}
	require.NoError(t, Acquire(path, fresh))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got.PID)
}

//nolint:paralleltest // file system operations require sequential execution
func TestAcquire_RejectsLiveForeignProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	foreign := Record{PID: cmd.Process.Pid, Host: "127.0.0.1", Port: 1, StartedAt: time.Now()}
	require.NoError(t, Acquire(path, foreign))

	err := Acquire(path, Record{PID: os.Getpid(), Host: "127.0.0.1", Port: 2})
	assert.Error(t, err)
}

//nolint:paralleltest // file system operations require sequential execution
func TestRelease_OnlyRemovesOwnRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.pid.json")

	require.NoError(t, Acquire(path, Record{PID: os.Getpid()}))
	require.NoError(t, Release(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRelease_MissingFileIsNotAnError(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Release(filepath.Join(t.TempDir(), "missing.json")))
}

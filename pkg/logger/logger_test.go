package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	InitializeDefault()
}

//nolint:paralleltest // file system operations require sequential execution
func TestRotatingWriter_RotatesPastMaxBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	w, err := newRotatingWriter(path, 10, 2)
	require.NoError(t, err)

	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)

	_, err = w.Write([]byte("abcdefghij"))
	require.NoError(t, err)

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err, "expected rotated file.1 to exist")
}

//nolint:paralleltest // file system operations require sequential execution
func TestRotatingWriter_DropsOldestPastMaxFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	w, err := newRotatingWriter(path, 5, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = w.Write([]byte("123456"))
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".2")
	assert.True(t, os.IsNotExist(err), "file.2 should never exist when maxFiles=1")
}

func TestInitialize_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.log")

	require.NoError(t, Initialize(Options{FilePath: path, MaxBytes: 1 << 20, MaxFiles: 3}))
	Infof("hello %s", "world")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello world"`)
	assert.Contains(t, string(data), `"level":"info"`)
}

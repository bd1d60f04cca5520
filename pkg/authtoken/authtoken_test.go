package authtoken

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:paralleltest // file system operations require sequential execution
func TestLoadOrCreate_GeneratesOnFirstCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")

	s, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.NotEmpty(t, s.Current())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

//nolint:paralleltest // file system operations require sequential execution
func TestLoadOrCreate_ReusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)

	assert.Equal(t, first.Current(), second.Current())
}

func TestMatches_ConstantTimeEquality(t *testing.T) {
	t.Parallel()
	s := &Store{value: "abc123"}
	assert.True(t, s.Matches("abc123"))
	assert.False(t, s.Matches("abc124"))
	assert.False(t, s.Matches("shorter"))
}

//nolint:paralleltest // file system operations require sequential execution
func TestRotate_ProducesDistinctToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.token")

	s, err := LoadOrCreate(path)
	require.NoError(t, err)
	original := s.Current()

	rotated, err := s.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, original, rotated)
	assert.Equal(t, rotated, s.Current())
	assert.False(t, s.Matches(original))

	rotatedAgain, err := s.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, rotated, rotatedAgain)
	assert.NotEqual(t, original, rotatedAgain)
}

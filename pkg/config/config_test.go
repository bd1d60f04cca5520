package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLoopback_AcceptsLoopbackIP(t *testing.T) {
	t.Parallel()
	c := New(t.TempDir())
	c.Host = "127.0.0.1"
	assert.NoError(t, c.ValidateLoopback())
}

func TestValidateLoopback_RejectsNonLoopback(t *testing.T) {
	t.Parallel()
	c := New(t.TempDir())
	c.Host = "8.8.8.8"
	assert.Error(t, c.ValidateLoopback())
}

func TestValidateLoopback_AcceptsLocalhostName(t *testing.T) {
	t.Parallel()
	c := New(t.TempDir())
	c.Host = "localhost"
	assert.NoError(t, c.ValidateLoopback())
}

func TestNew_DerivesStatePaths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c := New(dir)
	require.Contains(t, c.RegistryFile(), dir)
	require.Contains(t, c.WALDir(), dir)
	require.Contains(t, c.IntentLogFile(), dir)
	assert.Equal(t, DefaultMaxWorkers, c.MaxWorkers)
}

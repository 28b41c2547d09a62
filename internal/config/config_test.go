package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, 5*time.Second, cfg.ScriptTimeout)
	assert.Equal(t, 16, cfg.MaxConcurrentRuns)
	assert.Equal(t, "facet", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FACET_STORE_BACKEND", "memory")
	t.Setenv("FACET_SCRIPT_TIMEOUT", "250ms")
	t.Setenv("FACET_MAX_CONCURRENT_RUNS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 250*time.Millisecond, cfg.ScriptTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentRuns)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.StoreBackend = "redis"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ScriptTimeout = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.StoreBackend = "postgres"
	bad.DatabaseURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.StoreBackend = "memory"
	bad.DatabaseURL = ""
	assert.NoError(t, bad.Validate())
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("FACET_MAX_CONCURRENT_RUNS", "many")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxConcurrentRuns)
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("COMMSYNC_API_KEYS_ACME", "k1, k2")
	t.Setenv("COMMSYNC_MAX_BODY_SIZE", "2M")
	t.Setenv("COMMSYNC_TESTING", "true")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	require.Equal(t, "acme", cfg.APIKeys["k1"])
	require.Equal(t, "acme", cfg.APIKeys["k2"])
	require.Equal(t, int64(2*1024*1024), cfg.MaxBodySize)
	require.Equal(t, ModeTesting, cfg.Mode)
}

func TestApplyEnv_InvalidSize(t *testing.T) {
	t.Setenv("COMMSYNC_MAX_BODY_SIZE", "lots")
	cfg := DefaultConfig()
	require.Error(t, cfg.ApplyEnv())
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys("abc=Acme, def=globex")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"abc": "acme", "def": "globex"}, keys)

	_, err = ParseAPIKeys("missing-tenant")
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	d, err = ParseDuration("45s")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)

	_, err = ParseDuration("P1D")
	require.Error(t, err)
}

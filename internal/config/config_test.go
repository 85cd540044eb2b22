package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 5, cfg.FreeScanLimit)
	require.Equal(t, int64(5), cfg.InitialFreeTokens)
	require.Equal(t, 10*time.Second, cfg.IdentityTimeout)
	require.Equal(t, 0.3, cfg.AuthenticMax)
	require.Equal(t, 0.7, cfg.FlaggedMin)
	require.Equal(t, 90, cfg.ScanRetentionDays)
	require.Equal(t, DefaultPacks(), cfg.Packs)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VERISCAN_LISTEN_ADDR", ":9090")
	t.Setenv("VERISCAN_FREE_SCAN_LIMIT", "3")
	t.Setenv("VERISCAN_INITIAL_FREE_TOKENS", "10")
	t.Setenv("VERISCAN_DETECT_TIMEOUT", "45s")
	t.Setenv("VERISCAN_MIGRATE_ON_START", "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 3, cfg.FreeScanLimit)
	require.Equal(t, int64(10), cfg.InitialFreeTokens)
	require.Equal(t, 45*time.Second, cfg.DetectTimeout)
	require.True(t, cfg.MigrateOnStart)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.FreeScanLimit = -1
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.InitialFreeTokens = -5
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.AuthenticMax = 0.9
	cfg.FlaggedMin = 0.2
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Packs = map[string]Pack{"pack_0": {Tokens: 0, PriceCents: 100}}
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.MaxBodyBytes = 0
	require.Error(t, cfg.Validate())
}

func TestScanRetention(t *testing.T) {
	cfg := &Config{ScanRetentionDays: 30}
	require.Equal(t, 30*24*time.Hour, cfg.ScanRetention())

	cfg.ScanRetentionDays = 0
	require.Equal(t, time.Duration(0), cfg.ScanRetention())
}

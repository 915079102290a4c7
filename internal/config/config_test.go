package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/advchain/internal/identity"
	"github.com/SWAI-Ltd/advchain/internal/radio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsMatchReferenceDeployment(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, radio.DefaultAdvParams(), cfg.AdvParams())
	require.Equal(t, radio.DefaultScanParams(), cfg.ScanParams())
	require.Equal(t, 5*time.Second, cfg.Sync.Timeout.Duration)
	require.Equal(t, 20*time.Second, cfg.Sync.Establish.Duration)
	require.Equal(t, 1, cfg.AcceptCapacity)

	data, err := cfg.InitialData()
	require.NoError(t, err)
	require.Equal(t, [4]byte{0x00, 0x01, 0x02, 0x03}, data)
}

func TestLoadRelay(t *testing.T) {
	path := writeConfig(t, `
Name = "relay-1"
Identity = "D2:F0:F4:22:53:28"
Predecessor = "DE:AD:BE:AF:BA:11"
MetricsAddr = ":9100"

[Sync]
Timeout = "2s"
Establish = "10s"

[Medium]
Kind = "udp"
Primary = "mdns"
Interface = "eth0"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(true))

	id, err := cfg.NodeIdentity()
	require.NoError(t, err)
	require.Equal(t, identity.MustParse("D2:F0:F4:22:53:28", "random"), id)
	pred, err := cfg.PredecessorIdentity()
	require.NoError(t, err)
	require.Equal(t, identity.MustParse("DE:AD:BE:AF:BA:11", "random"), pred)

	require.Equal(t, 2*time.Second, cfg.Sync.Timeout.Duration)
	require.Equal(t, 10*time.Second, cfg.Sync.Establish.Duration)
	require.Equal(t, time.Second, cfg.Sync.RetryDelay.Duration, "default kept")
	require.Equal(t, PrimaryMDNS, cfg.Medium.Primary)
	require.Equal(t, DefaultGroup, cfg.Medium.Group)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `Identty = "DE:AD:BE:AF:BA:11"`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestSeedDerivesIdentity(t *testing.T) {
	cfg := Default()
	cfg.IdentitySeed = "node-7"
	id, err := cfg.NodeIdentity()
	require.NoError(t, err)
	require.Equal(t, identity.Derive("node-7"), id)
	require.NoError(t, id.Validate())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Identity = "D2:F0:F4:22:53:28"
		cfg.Predecessor = "DE:AD:BE:AF:BA:11"
		return cfg
	}
	require.NoError(t, base().Validate(true))
	require.NoError(t, base().Validate(false))

	cases := map[string]struct {
		relay bool
		edit  func(*Config)
	}{
		"no identity":        {false, func(c *Config) { c.Identity = "" }},
		"bad identity":       {false, func(c *Config) { c.Identity = "00:00:00:00:00:00" }},
		"no predecessor":     {true, func(c *Config) { c.Predecessor = "" }},
		"zero capacity":      {true, func(c *Config) { c.AcceptCapacity = 0 }},
		"window over":        {true, func(c *Config) { c.Scan.Window = c.Scan.Interval + 1 }},
		"skip":               {true, func(c *Config) { c.Sync.Skip = radio.MaxSyncSkip + 1 }},
		"zero establish":     {true, func(c *Config) { c.Sync.Establish = Duration{} }},
		"periodic too small": {false, func(c *Config) { c.Advertising.PeriodicInterval = 1 }},
		"sid":                {false, func(c *Config) { c.Advertising.SID = radio.MaxSID + 1 }},
		"medium":             {false, func(c *Config) { c.Medium.Kind = "serial" }},
		"primary":            {false, func(c *Config) { c.Medium.Primary = "dht" }},
		"short initial data": {false, func(c *Config) { c.Source.InitialData = "00 01" }},
		"non-hex initial":    {false, func(c *Config) { c.Source.InitialData = "zz 01 02 03" }},
		"log level":          {false, func(c *Config) { c.LogLevel = "loud" }},
	}
	bad := base()
	bad.Predecessor = "zz"
	err := bad.Validate(true)
	require.ErrorIs(t, err, ErrPredecessor)
	require.ErrorIs(t, err, identity.ErrInvalidIdentity)

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			tc.edit(cfg)
			require.Error(t, cfg.Validate(tc.relay))
		})
	}
}

func TestInitialDataSeparators(t *testing.T) {
	cfg := Default()
	for _, s := range []string{"0A0B0C0D", "0a:0b:0c:0d", "0A-0B-0C-0D", "0A 0B 0C 0D"} {
		cfg.Source.InitialData = s
		d, err := cfg.InitialData()
		require.NoError(t, err, s)
		require.Equal(t, [4]byte{0x0A, 0x0B, 0x0C, 0x0D}, d)
	}
}

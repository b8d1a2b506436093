package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalTOML = `
version = 1

[hoprd_node]
endpoint = "https://node.example:3001"
api_token = "secret"

[destinations.exit-a]
[destinations.exit-a.path]
hops = 2
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, minimalTOML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, "https://node.example:3001", cfg.HoprdNode.Endpoint)
	assert.Equal(t, 5, cfg.Connection.DialMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Connection.DialBase)
	assert.Equal(t, "mix0", cfg.WireGuard.Interface)
	assert.Equal(t, 51820, cfg.WireGuard.ListenPort)
	assert.Equal(t, []string{"0.0.0.0/0"}, cfg.WireGuard.AllowedIPs)
	assert.Equal(t, 25*time.Second, cfg.WireGuard.Keepalive)
}

func TestLoad_MissingDestinationsIsRejected(t *testing.T) {
	path := writeConfig(t, `
version = 1

[hoprd_node]
endpoint = "https://node.example:3001"
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoDestinations)
}

func TestLoad_WrongVersionIsRejected(t *testing.T) {
	path := writeConfig(t, `
version = 2

[hoprd_node]
endpoint = "https://node.example:3001"

[destinations.exit-a]
`)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestLoad_EnvOverrideWinsOverFile(t *testing.T) {
	path := writeConfig(t, minimalTOML)
	t.Setenv("MIX_CFG_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate_IntermediatesAndHopsAreMutuallyExclusive(t *testing.T) {
	cfg := &Config{
		Version:   CurrentVersion,
		HoprdNode: HoprdNodeConfig{Endpoint: "https://node.example:3001"},
		Destinations: map[string]DestinationConfig{
			"exit-a": {Path: PathConfig{Intermediates: []string{"relay-1"}, Hops: 2}},
		},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidate_InvalidAllowedIPIsRejected(t *testing.T) {
	cfg := &Config{
		Version:      CurrentVersion,
		HoprdNode:    HoprdNodeConfig{Endpoint: "https://node.example:3001"},
		Destinations: map[string]DestinationConfig{"exit-a": {}},
		WireGuard:    WireGuardConfig{AllowedIPs: []string{"not-a-cidr"}},
	}

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_ips")
}

func TestDestinations_SortedByID(t *testing.T) {
	cfg := &Config{
		Destinations: map[string]DestinationConfig{
			"exit-c": {Meta: map[string]string{"region": "eu"}},
			"exit-a": {Path: PathConfig{Hops: 1}},
			"exit-b": {},
		},
	}

	dests := cfg.Destinations()
	require.Len(t, dests, 3)
	assert.Equal(t, []string{"exit-a", "exit-b", "exit-c"}, []string{dests[0].ID, dests[1].ID, dests[2].ID})
	assert.Equal(t, uint8(1), dests[0].Path.Hops)
	assert.Equal(t, "eu", dests[2].Meta["region"])
}

func TestEngineConfig_DerivesAllowedIPsAndCapabilities(t *testing.T) {
	cfg := &Config{
		Connection: ConnectionConfig{
			DialMaxAttempts:  5,
			ShutdownDeadline: 5 * time.Second,
			WG:               LegConfig{Capabilities: []string{"segmentation", "retransmission"}},
			Ping:             PingConfig{MaxFailures: 3},
		},
		WireGuard: WireGuardConfig{
			AllowedIPs: []string{"10.0.0.0/8", "::/0"},
			Keepalive:  25 * time.Second,
		},
		HoprdNode: HoprdNodeConfig{InternalConnectionPort: 51000},
	}

	eng, err := cfg.EngineConfig()
	require.NoError(t, err)
	require.Len(t, eng.AllowedIPs, 2)
	assert.True(t, eng.Capabilities.Segmentation)
	assert.True(t, eng.Capabilities.Retransmission)
	assert.Equal(t, 25*time.Second, eng.Keepalive)
	assert.Equal(t, 51000, eng.LocalPortBase)
}

func TestEngineConfig_RejectsUnparsableAllowedIP(t *testing.T) {
	cfg := &Config{WireGuard: WireGuardConfig{AllowedIPs: []string{"garbage"}}}

	_, err := cfg.EngineConfig()
	require.Error(t, err)
}

func TestProbeConfig_MapsPingTable(t *testing.T) {
	cfg := &Config{
		Connection: ConnectionConfig{
			Ping: PingConfig{
				PayloadSize: 32,
				Timeout:     4 * time.Second,
				MaxFailures: 3,
				Interval:    IntervalConfig{Min: 10 * time.Second, Max: 20 * time.Second},
			},
		},
	}

	probe := cfg.ProbeConfig()
	assert.Equal(t, 32, probe.PayloadSize)
	assert.Equal(t, 4*time.Second, probe.Timeout)
	assert.Equal(t, 10*time.Second, probe.IntervalMin)
	assert.Equal(t, 20*time.Second, probe.IntervalMax)
	assert.Equal(t, 3, probe.MaxFailures)
}

// Package config loads and validates the TOML configuration file (spec.md
// §6), in the three-provider layering (defaults, then file, then
// environment overlay) dantte-lp-gobfd's internal/config/config.go uses for
// its YAML config — swapped to TOML here, and to koanf's TOML parser, per
// spec.md §6 pinning the file format.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"mixvpn"
	"mixvpn/internal/engine"
	"mixvpn/internal/session"
)

// CurrentVersion is the only config file version this build accepts.
const CurrentVersion = 1

// envPrefix mirrors spec.md §6's MIX_ environment variable namespace.
const envPrefix = "MIX_CFG_"

// Config is the decoded, as-yet-unvalidated configuration file.
type Config struct {
	Version      int                          `koanf:"version"`
	HoprdNode    HoprdNodeConfig              `koanf:"hoprd_node"`
	Destinations map[string]DestinationConfig `koanf:"destinations"`
	Connection   ConnectionConfig             `koanf:"connection"`
	WireGuard    WireGuardConfig              `koanf:"wireguard"`
	Control      ControlConfig                `koanf:"control"`
	Supervisor   SupervisorConfig             `koanf:"supervisor"`
	Log          LogConfig                    `koanf:"log"`
	Metrics      MetricsConfig                `koanf:"metrics"`
}

// HoprdNodeConfig is the spec.md §6 `hoprd_node` table.
type HoprdNodeConfig struct {
	Endpoint               string `koanf:"endpoint"`
	APIToken               string `koanf:"api_token"`
	InternalConnectionPort uint16 `koanf:"internal_connection_port"`
}

// DestinationConfig is one entry of the spec.md §6 `destinations` map.
type DestinationConfig struct {
	Meta map[string]string `koanf:"meta"`
	Path PathConfig        `koanf:"path"`
}

// PathConfig is a destination's `path` sub-table: either explicit
// intermediates or a hop count, per spec.md §3.
type PathConfig struct {
	Intermediates []string `koanf:"intermediates"`
	Hops          uint8    `koanf:"hops"`
}

// ConnectionConfig is the optional spec.md §6 `connection` table.
type ConnectionConfig struct {
	ListenHost       string        `koanf:"listen_host"`
	SessionTimeout   time.Duration `koanf:"session_timeout"`
	Bridge           LegConfig     `koanf:"bridge"`
	WG               LegConfig     `koanf:"wg"`
	Ping             PingConfig    `koanf:"ping"`
	DialMaxAttempts  int           `koanf:"dial_max_attempts"`
	DialBase         time.Duration `koanf:"dial_base"`
	DialCap          time.Duration `koanf:"dial_cap"`
	DialJitter       float64       `koanf:"dial_jitter"`
	ShutdownDeadline time.Duration `koanf:"shutdown_deadline"`
}

// LegConfig is a `bridge` or `wg` sub-table of `connection`.
type LegConfig struct {
	Capabilities []string `koanf:"capabilities"`
	Target       string   `koanf:"target"`
}

// PingConfig is `connection.ping`.
type PingConfig struct {
	Timeout     time.Duration  `koanf:"timeout"`
	TTL         int            `koanf:"ttl"`
	SeqCount    int            `koanf:"seq_count"`
	PayloadSize int            `koanf:"payload_size"`
	MaxFailures int            `koanf:"max_failures"`
	Interval    IntervalConfig `koanf:"interval"`
}

// IntervalConfig bounds a jittered interval.
type IntervalConfig struct {
	Min time.Duration `koanf:"min"`
	Max time.Duration `koanf:"max"`
}

// WireGuardConfig is the optional spec.md §6 `wireguard` table.
type WireGuardConfig struct {
	Interface       string        `koanf:"interface"`
	MTU             int           `koanf:"mtu"`
	ListenPort      int           `koanf:"listen_port"`
	AllowedIPs      []string      `koanf:"allowed_ips"`
	ForcePrivateKey string        `koanf:"force_private_key"`
	Keepalive       time.Duration `koanf:"keepalive"`
}

// ControlConfig configures the control socket (C6).
type ControlConfig struct {
	SocketPath string `koanf:"socket_path"`
}

// SupervisorConfig configures the worker process and its restart policy
// (C7), sourced from the MIX_WORKER_* environment variables or this table.
type SupervisorConfig struct {
	WorkerUser       string        `koanf:"worker_user"`
	WorkerBinary     string        `koanf:"worker_binary"`
	RestartBase      time.Duration `koanf:"restart_base"`
	RestartCap       time.Duration `koanf:"restart_cap"`
	RestartJitter    float64       `koanf:"restart_jitter"`
	WorkerRestartCap int           `koanf:"worker_restart_cap"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level string `koanf:"level"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint. An empty
// Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// ErrUnsupportedVersion is returned when the file's `version` field does
// not match CurrentVersion (spec.md §7's fatal-at-startup Configuration
// error kind).
var ErrUnsupportedVersion = errors.New("unsupported config version")

// ErrNoDestinations is returned when the file declares zero destinations;
// spec.md §6 requires at least one to accept Connect.
var ErrNoDestinations = errors.New("config must declare at least one destination")

func defaults() map[string]any {
	return map[string]any{
		"version":                         CurrentVersion,
		"connection.dial_max_attempts":    5,
		"connection.dial_base":            "200ms",
		"connection.dial_cap":             "2s",
		"connection.dial_jitter":          0.1,
		"connection.shutdown_deadline":    "5s",
		"connection.ping.timeout":         "4s",
		"connection.ping.seq_count":       1,
		"connection.ping.payload_size":    32,
		"connection.ping.max_failures":    3,
		"connection.ping.interval.min":    "10s",
		"connection.ping.interval.max":    "20s",
		"wireguard.interface":             "mix0",
		"wireguard.mtu":                   1420,
		"wireguard.listen_port":           51820,
		"wireguard.allowed_ips":           []string{"0.0.0.0/0"},
		"wireguard.keepalive":             "25s",
		"control.socket_path":             "/var/run/mixd.sock",
		"supervisor.restart_base":         "1s",
		"supervisor.restart_cap":          "30s",
		"supervisor.restart_jitter":       0.2,
		"supervisor.worker_restart_cap":   10,
		"log.level":                       "info",
		"metrics.addr":                    "127.0.0.1:9090",
		"metrics.path":                    "/metrics",
	}
}

// Load reads path, overlays the MIX_CFG_ environment namespace, and
// validates the result. On success the returned Config's Version is always
// CurrentVersion.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}
	return cfg, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// Validate checks the decoded config for the fatal-at-startup errors
// spec.md §7's "Configuration" error kind names.
func Validate(cfg *Config) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("%w: file declares %d, this build requires %d", ErrUnsupportedVersion, cfg.Version, CurrentVersion)
	}
	if cfg.HoprdNode.Endpoint == "" {
		return errors.New("hoprd_node.endpoint must not be empty")
	}
	if len(cfg.Destinations) == 0 {
		return ErrNoDestinations
	}
	for id, d := range cfg.Destinations {
		if len(d.Path.Intermediates) > 0 && d.Path.Hops > 0 {
			return fmt.Errorf("destination %s: path.intermediates and path.hops are mutually exclusive", id)
		}
	}
	for _, ip := range cfg.WireGuard.AllowedIPs {
		if _, err := netip.ParsePrefix(ip); err != nil {
			return fmt.Errorf("wireguard.allowed_ips: invalid prefix %q: %w", ip, err)
		}
	}
	return nil
}

// Destinations converts the file's destination map into the stable,
// sorted-by-ID slice internal/destination.Store.Replace expects.
func (c *Config) Destinations() []mixvpn.Destination {
	ids := make([]string, 0, len(c.Destinations))
	for id := range c.Destinations {
		ids = append(ids, id)
	}
	sortStrings(ids)

	out := make([]mixvpn.Destination, 0, len(ids))
	for _, id := range ids {
		d := c.Destinations[id]
		out = append(out, mixvpn.Destination{
			ID:   id,
			Meta: d.Meta,
			Path: mixvpn.PathSpec{Intermediates: d.Path.Intermediates, Hops: d.Path.Hops},
		})
	}
	return out
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// EngineConfig derives internal/engine.Config from the file, per spec.md
// §4.5's "tunables sourced from config §6's connection table."
func (c *Config) EngineConfig() (engine.Config, error) {
	allowed := make([]net.IPNet, 0, len(c.WireGuard.AllowedIPs))
	for _, s := range c.WireGuard.AllowedIPs {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return engine.Config{}, fmt.Errorf("parse allowed ip %q: %w", s, err)
		}
		ones := prefix.Bits()
		bits := 32
		if prefix.Addr().Is6() {
			bits = 128
		}
		allowed = append(allowed, net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(ones, bits),
		})
	}

	caps := mixvpn.Capabilities{}
	for _, name := range c.Connection.WG.Capabilities {
		switch name {
		case "segmentation":
			caps.Segmentation = true
		case "retransmission":
			caps.Retransmission = true
		}
	}

	return engine.Config{
		DialMaxAttempts:  c.Connection.DialMaxAttempts,
		ProbeMaxFailures: c.Connection.Ping.MaxFailures,
		ShutdownDeadline: c.Connection.ShutdownDeadline,
		Capabilities:     caps,
		AllowedIPs:       allowed,
		Keepalive:        c.WireGuard.Keepalive,
		LocalPortBase:    int(c.HoprdNode.InternalConnectionPort),
	}, nil
}

// ProbeConfig derives internal/session.ProbeConfig from the file.
func (c *Config) ProbeConfig() session.ProbeConfig {
	return session.ProbeConfig{
		PayloadSize: c.Connection.Ping.PayloadSize,
		Timeout:     c.Connection.Ping.Timeout,
		IntervalMin: c.Connection.Ping.Interval.Min,
		IntervalMax: c.Connection.Ping.Interval.Max,
		MaxFailures: c.Connection.Ping.MaxFailures,
	}
}

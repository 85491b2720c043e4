// Package config manages atem-proxy configuration using koanf/v2, layered
// defaults < file < env, with CLI flags applied last by cmd/atem-proxy
// before validation.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete atem-proxy configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Timing  TimingConfig  `koanf:"timing"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Cache   CacheConfig   `koanf:"cache"`
}

// ListenConfig holds the UDP listen and upstream-switcher addresses.
type ListenConfig struct {
	// Addr is the proxy's own UDP listen address, e.g. ":9910".
	Addr string `koanf:"addr"`
	// SwitcherAddr is the upstream ATEM switcher's address, host:port.
	SwitcherAddr string `koanf:"switcher_addr"`
	// RecvBufBytes sets SO_RCVBUF on the listening socket; 0 leaves the
	// OS default in place.
	RecvBufBytes int `koanf:"recv_buf_bytes"`
}

// TimingConfig holds the proxy's concurrency/retry/ping cadence. The
// number of times a data packet is retransmitted before its stragglers
// are escalated to a CLOSING handshake is a protocol constant
// (retransmit.DefaultDataResends), not user-configurable.
type TimingConfig struct {
	// SessionLimit (-l) is the maximum number of concurrent sessions the
	// proxy accepts before sending SYN REJECT to further OPENs.
	SessionLimit int `koanf:"session_limit"`
	// RetransmitIntervalMs (-r) is the delay between retransmits.
	RetransmitIntervalMs int `koanf:"retransmit_interval_ms"`
	// PingIntervalMs (-p) is the cadence of PING broadcasts to idle
	// connected sessions.
	PingIntervalMs int `koanf:"ping_interval_ms"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig holds the command-replay cache's sizing and persistence.
type CacheConfig struct {
	// MaxCommands is how many distinct command names the cache retains.
	MaxCommands int `koanf:"max_commands"`
	// SnapshotPath, if non-empty, persists the cache to a YAML file on
	// graceful shutdown and reloads it on startup, so a restarted proxy
	// can still serve recent tally state before the switcher resends it.
	SnapshotPath string `koanf:"snapshot_path"`
}

// DefaultConfig returns a Config populated with the protocol's stock
// defaults: 5 concurrent sessions, 200ms retransmit delay, 500ms ping
// interval, UDP port 9910.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:         ":9910",
			SwitcherAddr: "",
			RecvBufBytes: 0,
		},
		Timing: TimingConfig{
			SessionLimit:         5,
			RetransmitIntervalMs: 200,
			PingIntervalMs:       500,
		},
		Metrics: MetricsConfig{
			Addr: ":9911",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			MaxCommands: 32,
		},
	}
}

// envPrefix is the environment variable prefix for atem-proxy configuration.
// Variables are named ATEM_PROXY_<section>_<key>, e.g. ATEM_PROXY_LISTEN_ADDR.
const envPrefix = "ATEM_PROXY_"

// Load reads configuration from the YAML file at path, overlays
// environment variable overrides, and merges on top of DefaultConfig().
// An empty path skips the file layer entirely; a non-empty path that
// cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadRaw is Load without the final Validate call, so a caller (cmd/atem-proxy's
// bare -l/-r/-p/-s flag overlay) can apply CLI overrides — including the one
// that supplies the otherwise-required switcher address — before validating.
func LoadRaw(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper transforms ATEM_PROXY_LISTEN_ADDR -> listen.addr. Only the
// first underscore separates section from key, so underscores inside the
// key survive (ATEM_PROXY_TIMING_SESSION_LIMIT -> timing.session_limit).
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaults := map[string]any{
		"listen.addr":                   d.Listen.Addr,
		"listen.switcher_addr":          d.Listen.SwitcherAddr,
		"listen.recv_buf_bytes":         d.Listen.RecvBufBytes,
		"timing.session_limit":          d.Timing.SessionLimit,
		"timing.retransmit_interval_ms": d.Timing.RetransmitIntervalMs,
		"timing.ping_interval_ms":       d.Timing.PingIntervalMs,
		"metrics.addr":                  d.Metrics.Addr,
		"metrics.path":                  d.Metrics.Path,
		"log.level":                     d.Log.Level,
		"log.format":                    d.Log.Format,
		"cache.max_commands":            d.Cache.MaxCommands,
		"cache.snapshot_path":           d.Cache.SnapshotPath,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors: every numeric knob must be > 0 and the switcher
// address must be set, whichever layer supplied it.
var (
	ErrEmptySwitcherAddr   = errors.New("listen.switcher_addr must not be empty")
	ErrInvalidSessionLimit = errors.New("timing.session_limit must be > 0")
	ErrInvalidRetransmit   = errors.New("timing.retransmit_interval_ms must be > 0")
	ErrInvalidPingInterval = errors.New("timing.ping_interval_ms must be > 0")
	ErrInvalidCacheSize    = errors.New("cache.max_commands must be > 0")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.SwitcherAddr == "" {
		return ErrEmptySwitcherAddr
	}
	if cfg.Timing.SessionLimit <= 0 {
		return ErrInvalidSessionLimit
	}
	if cfg.Timing.RetransmitIntervalMs <= 0 {
		return ErrInvalidRetransmit
	}
	if cfg.Timing.PingIntervalMs <= 0 {
		return ErrInvalidPingInterval
	}
	if cfg.Cache.MaxCommands <= 0 {
		return ErrInvalidCacheSize
	}
	return nil
}

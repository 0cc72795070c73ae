// Package config loads the server configuration from YAML and fills in
// defaults. Everything here is settable from the file; flags on the daemon
// override only the listen address and config path.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a yaml-friendly time.Duration accepting "30s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full daemon configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Store  StoreConfig  `yaml:"store"`
	Limits LimitsConfig `yaml:"limits"`
	Live   LiveConfig   `yaml:"live"`
	Cursor CursorConfig `yaml:"cursor"`
	HTTP   HTTPConfig   `yaml:"http"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig selects and tunes the stream store backend.
type StoreConfig struct {
	// Backend is "memory" or "file".
	Backend string `yaml:"backend"`

	// Root is the data directory for the file backend.
	Root string `yaml:"root"`

	// MaxFileHandles caps pooled descriptors for the file backend.
	MaxFileHandles int `yaml:"max_file_handles"`
}

// LimitsConfig bounds request and record sizes.
type LimitsConfig struct {
	MaxRecordSize int64 `yaml:"max_record_size"`
	MaxReadBytes  int64 `yaml:"max_read_bytes"`
}

// LiveConfig tunes long-poll and SSE behavior.
type LiveConfig struct {
	MaxWaiters      int      `yaml:"max_waiters"`
	LongPollTimeout Duration `yaml:"long_poll_timeout"`
	LongPollMax     Duration `yaml:"long_poll_max"`
	SSEKeepAlive    Duration `yaml:"sse_keep_alive"`
	SSEMaxSession   Duration `yaml:"sse_max_session"`
	RetryAfter      Duration `yaml:"retry_after"`
}

// CursorConfig controls resumption token signing.
type CursorConfig struct {
	// Secret is hex or plain text; empty generates a per-process secret,
	// which invalidates cursors across restarts.
	Secret string   `yaml:"secret"`
	TTL    Duration `yaml:"ttl"`
}

// SecretBytes returns the signing secret: hex-decoded when the value
// parses as hex, raw bytes otherwise. Empty yields nil.
func (c CursorConfig) SecretBytes() []byte {
	if c.Secret == "" {
		return nil
	}
	if b, err := hex.DecodeString(c.Secret); err == nil {
		return b
	}
	return []byte(c.Secret)
}

// HTTPConfig tunes the transport adapter.
type HTTPConfig struct {
	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
	DisableGzip bool    `yaml:"disable_gzip"`
}

// LogConfig selects log output.
type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Backend: "memory",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and validates a YAML config file. A missing path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Root == "" {
			return fmt.Errorf("store.root is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Limits.MaxRecordSize < 0 || c.Limits.MaxReadBytes < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	if c.Live.LongPollMax.Std() != 0 && c.Live.LongPollTimeout.Std() > c.Live.LongPollMax.Std() {
		return fmt.Errorf("live.long_poll_timeout exceeds live.long_poll_max")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must be non-negative")
	}
	return nil
}

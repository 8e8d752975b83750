// Package config loads the utpd daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Overlay   OverlayConfig   `yaml:"overlay"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	Tunbridge TunbridgeConfig `yaml:"tunbridge"`
	Logging   LoggingConfig   `yaml:"logging"`

	// WindowSizeOverride is parsed and rejected if negative, but the
	// daemon does not apply it: connections always use
	// connstate.UTPWindowSize.
	WindowSizeOverride int `yaml:"window_size_override"`
}

// OverlayConfig selects and configures the datagram carrier.
type OverlayConfig struct {
	Kind       string `yaml:"kind"` // "udp" or "quic"
	ListenAddr string `yaml:"listen_addr"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// DiscoveryConfig points at the peer directory backend.
type DiscoveryConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// StorageConfig points at the completed-stream ledger.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// APIConfig configures the operator-facing websocket push server.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TunbridgeConfig configures the TUN device bridge.
type TunbridgeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DeviceName string `yaml:"device_name"`
}

// LoggingConfig configures the daemon's structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
}

// Load reads and validates a Config from a YAML file, filling in
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Overlay.Kind == "" {
		c.Overlay.Kind = "udp"
	}
	if c.Overlay.ListenAddr == "" {
		c.Overlay.ListenAddr = ":9190"
	}
	if c.Discovery.TTL == 0 {
		c.Discovery.TTL = 5 * time.Minute
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":9191"
	}
	if c.Tunbridge.DeviceName == "" {
		c.Tunbridge.DeviceName = "utp0"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Overlay.Kind != "udp" && c.Overlay.Kind != "quic" {
		return fmt.Errorf("unknown overlay kind %q, want \"udp\" or \"quic\"", c.Overlay.Kind)
	}
	if c.Discovery.RedisAddr == "" {
		return fmt.Errorf("discovery.redis_addr is required")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	if c.WindowSizeOverride < 0 {
		return fmt.Errorf("window_size_override must not be negative")
	}
	return nil
}

// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hexlab.xyz/bluetap/internal/log"
)

// Config is the top-level configuration. Maps to the `bluetap:` root key in
// the YAML file; env vars use the BLUETAP_ prefix via the key replacer
// (e.g. key "bluetap.transport.read_timeout" → env BLUETAP_TRANSPORT_READ_TIMEOUT).
type Config struct {
	ADB       ADBConfig       `mapstructure:"adb" yaml:"adb"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Sinks     []SinkConfig    `mapstructure:"sinks" yaml:"sinks"`
	Log       log.Config      `mapstructure:"log" yaml:"log"`
}

// ADBConfig locates the adb server the device bridge talks to.
type ADBConfig struct {
	Address string `mapstructure:"address" yaml:"address"` // host:port of the adb server
}

// TransportConfig tunes the snoop/inject transport.
type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"` // per-read deadline on the snoop socket
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`     // capacity of each subscriber queue
	PortLo      int           `mapstructure:"port_lo" yaml:"port_lo"`           // inclusive lower bound for the local port pair
	PortHi      int           `mapstructure:"port_hi" yaml:"port_hi"`           // exclusive upper bound (port+1 must still fit)
	UseFallback bool          `mapstructure:"use_fallback" yaml:"use_fallback"` // permit the serial-su relay when the direct path fails
	SerialOnly  bool          `mapstructure:"serial_only" yaml:"serial_only"`   // skip the direct path entirely
	Settle      time.Duration `mapstructure:"settle" yaml:"settle"`             // wait after spawning the relay pipelines
}

// SinkConfig selects a record sink by type. Options are decoded by the sink
// factory into the sink's own option struct.
type SinkConfig struct {
	Type    string         `mapstructure:"type" yaml:"type"` // "btsnoop" | "pcap"
	Options map[string]any `mapstructure:"options" yaml:"options"`
}

// configRoot is the wrapper matching the YAML structure `bluetap: ...`.
type configRoot struct {
	Bluetap Config `mapstructure:"bluetap" yaml:"bluetap"`
}

// Load reads the configuration from path. An empty path yields a config built
// purely from defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Bluetap

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values. All keys use the "bluetap." prefix to match
// the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bluetap.adb.address", "127.0.0.1:5037")

	v.SetDefault("bluetap.transport.read_timeout", "500ms")
	v.SetDefault("bluetap.transport.queue_size", 1000)
	v.SetDefault("bluetap.transport.port_lo", 60000)
	v.SetDefault("bluetap.transport.port_hi", 65534)
	v.SetDefault("bluetap.transport.use_fallback", true)
	v.SetDefault("bluetap.transport.serial_only", false)
	v.SetDefault("bluetap.transport.settle", "2s")

	v.SetDefault("bluetap.log.level", "info")
	v.SetDefault("bluetap.log.pattern", "%time [%level] %msg %field\n")
	v.SetDefault("bluetap.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("bluetap.log.file.enabled", false)
	v.SetDefault("bluetap.log.file.path", "bluetap.log")
	v.SetDefault("bluetap.log.file.max_size_mb", 100)
	v.SetDefault("bluetap.log.file.max_backups", 5)
	v.SetDefault("bluetap.log.file.max_age_days", 30)
	v.SetDefault("bluetap.log.file.compress", true)
}

// Validate checks field ranges and sink types.
func (cfg *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}

	if cfg.Transport.ReadTimeout <= 0 {
		return fmt.Errorf("transport.read_timeout must be positive, got %s", cfg.Transport.ReadTimeout)
	}
	if cfg.Transport.QueueSize <= 0 {
		return fmt.Errorf("transport.queue_size must be positive, got %d", cfg.Transport.QueueSize)
	}
	if cfg.Transport.PortLo < 1024 || cfg.Transport.PortHi > 65535 || cfg.Transport.PortLo >= cfg.Transport.PortHi {
		return fmt.Errorf("invalid transport port range [%d, %d)", cfg.Transport.PortLo, cfg.Transport.PortHi)
	}
	if cfg.Transport.Settle <= 0 {
		return fmt.Errorf("transport.settle must be positive, got %s", cfg.Transport.Settle)
	}

	for i, s := range cfg.Sinks {
		switch s.Type {
		case "btsnoop", "pcap":
		default:
			return fmt.Errorf("sinks[%d]: unknown sink type %q (must be btsnoop or pcap)", i, s.Type)
		}
	}

	return nil
}

package log

// Config holds logging settings. It lives here instead of internal/config to
// keep this package importable from everywhere without a cycle.
type Config struct {
	Level   string     `mapstructure:"level" yaml:"level"`     // trace / debug / info / warn / error
	Pattern string     `mapstructure:"pattern" yaml:"pattern"` // formatter pattern, see formatter.go
	Time    string     `mapstructure:"time" yaml:"time"`       // timestamp layout inside %time
	File    FileOutput `mapstructure:"file" yaml:"file"`
}

// FileOutput configures the optional rotating file appender. Stdout is always
// written regardless of this setting.
type FileOutput struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns the settings used before Init is called.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Pattern: "%time [%level] %msg %field\n",
		Time:    "2006-01-02 15:04:05.000",
	}
}

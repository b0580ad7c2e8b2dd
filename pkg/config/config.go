// Package config loads relay server settings from defaults, an optional
// YAML file, RELAYCHAT_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"relaychat/pkg/relay"
)

const (
	EnvPrefix = "RELAYCHAT"
	FileName  = "relaychat"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	HTTPAddr         string        `mapstructure:"http_addr"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	MaxLineBytes     int           `mapstructure:"max_line_bytes"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	Log              LogConfig     `mapstructure:"log"`
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9999")
	v.SetDefault("http_addr", "")
	v.SetDefault("handshake_timeout", "30s")
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("write_timeout", "10s")
	v.SetDefault("send_queue_size", relay.DefaultSendQueueSize)
	v.SetDefault("max_line_bytes", relay.DefaultMaxLineBytes)
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindFlags registers the server flags on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("listen", ":9999", "TCP address to accept chat connections on")
	fs.String("http", "", "HTTP address for health, metrics and WebSocket (empty disables)")
	fs.Duration("handshake-timeout", 30*time.Second, "time allowed for the handshake and nickname lines")
	fs.Duration("idle-timeout", 0, "disconnect active sessions silent for this long (0 disables)")
	fs.Duration("write-timeout", 10*time.Second, "time allowed for each line written to a client")
	fs.Int("send-queue", relay.DefaultSendQueueSize, "lines buffered per recipient before it is disconnected")
	fs.Int("max-line", relay.DefaultMaxLineBytes, "maximum inbound line length in bytes")
	fs.Duration("shutdown-timeout", 5*time.Second, "time allowed for sessions to close on shutdown")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-format", "text", "log format: text or json")

	bindings := map[string]string{
		"listen_addr":       "listen",
		"http_addr":         "http",
		"handshake_timeout": "handshake-timeout",
		"idle_timeout":      "idle-timeout",
		"write_timeout":     "write-timeout",
		"send_queue_size":   "send-queue",
		"max_line_bytes":    "max-line",
		"shutdown_timeout":  "shutdown-timeout",
		"log.level":         "log-level",
		"log.format":        "log-format",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads the config file, if any, and decodes the merged settings. An
// explicit path must exist; otherwise relaychat.yaml is searched for in
// the working directory, ./config and $HOME/.relaychat.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.relaychat")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("send_queue_size must be positive, got %d", c.SendQueueSize))
	}
	if c.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_line_bytes must be positive, got %d", c.MaxLineBytes))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeout},
		{"idle_timeout", c.IdleTimeout},
		{"write_timeout", c.WriteTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.d))
		}
	}

	return errors.Join(errs...)
}

// Relay extracts the per-session settings.
func (c *Config) Relay() relay.Config {
	return relay.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		IdleTimeout:      c.IdleTimeout,
		WriteTimeout:     c.WriteTimeout,
		SendQueueSize:    c.SendQueueSize,
		MaxLineBytes:     c.MaxLineBytes,
	}
}

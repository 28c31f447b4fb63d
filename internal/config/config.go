package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "MONITOR"

// Config holds all client configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Session  SessionConfig  `mapstructure:"session"`
	Callback CallbackConfig `mapstructure:"callback"`
	Parking  ParkingConfig  `mapstructure:"parking"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig points at the remote authentication and detection service.
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StreamConfig controls the live detection connection.
type StreamConfig struct {
	SocketPath        string        `mapstructure:"socket_path"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
}

// SessionConfig selects where session keys are kept.
type SessionConfig struct {
	Backend        string `mapstructure:"backend"` // memory, keyring
	KeyringService string `mapstructure:"keyring_service"`
}

// CallbackConfig configures the loopback OAuth callback receiver.
type CallbackConfig struct {
	Addr string `mapstructure:"addr"`
}

// ParkingConfig sizes the parking board.
type ParkingConfig struct {
	Slots           int           `mapstructure:"slots"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console, json
}

// Load reads configuration from an optional file and MONITOR_* environment variables.
// An empty path looks for monitor.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("monitor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	cfg.Session.Backend = strings.ToLower(strings.TrimSpace(cfg.Session.Backend))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Server.URL = strings.TrimRight(strings.TrimSpace(cfg.Server.URL), "/")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:5001")
	v.SetDefault("server.timeout", "10s")

	v.SetDefault("stream.socket_path", "/socket.io/")
	v.SetDefault("stream.reconnect_attempts", 5)
	v.SetDefault("stream.connect_timeout", "10s")
	v.SetDefault("stream.reconnect_delay", "1s")

	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.keyring_service", "vehicle-monitor")

	v.SetDefault("callback.addr", "127.0.0.1:5173")

	v.SetDefault("parking.slots", 15)
	v.SetDefault("parking.refresh_interval", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks the configuration for values the client cannot work with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url cannot be empty")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.url %q is not an absolute URL", c.Server.URL)
	}
	if c.Server.Timeout <= 0 {
		return errors.New("server.timeout must be positive")
	}
	if c.Stream.ReconnectAttempts <= 0 {
		return errors.New("stream.reconnect_attempts must be positive")
	}
	if c.Stream.ConnectTimeout <= 0 {
		return errors.New("stream.connect_timeout must be positive")
	}
	if c.Stream.ReconnectDelay < 0 {
		return errors.New("stream.reconnect_delay cannot be negative")
	}
	switch c.Session.Backend {
	case "memory", "keyring":
	default:
		return fmt.Errorf("unknown session.backend %q", c.Session.Backend)
	}
	if c.Parking.Slots < 0 {
		return errors.New("parking.slots cannot be negative")
	}
	return nil
}

// StreamURL returns the websocket endpoint of the detection service.
func (c *Config) StreamURL() (string, error) {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server.url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(c.Stream.SocketPath, "/") + "/"
	return u.String(), nil
}

// UseKeyring reports whether session keys go to the OS keyring.
func (c *Config) UseKeyring() bool {
	return c.Session.Backend == "keyring"
}

// Package config loads relay settings from a config file, a .env file and
// RELAY_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Pub/sub backends.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Config is the complete relay configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Push    PushConfig    `mapstructure:"push"`
	Scaling ScalingConfig `mapstructure:"scaling"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the identity provider keys.
type AuthConfig struct {
	SecretKey      string        `mapstructure:"secret_key"`
	PublicKeyPEM   string        `mapstructure:"public_key_pem"`
	Issuer         string        `mapstructure:"issuer"`
	AllowAnonymous bool          `mapstructure:"allow_anonymous"`
	Leeway         time.Duration `mapstructure:"leeway"`
}

// RelayConfig tunes live connections.
type RelayConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

// PushConfig guards the HTTP push ingress.
type PushConfig struct {
	Secret       string  `mapstructure:"secret"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes"`
	RateLimit    float64 `mapstructure:"rate_limit"`
	Burst        int     `mapstructure:"burst"`
}

// ScalingConfig selects the cross-instance fan-out backend.
type ScalingConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration. configFile, when non-empty, replaces the
// default search path.
func Load(configFile string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		logrus.WithError(err).Debugf("config: no .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/relay")
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		logrus.Infof("config: no config file found, using environment variables and defaults")
	} else {
		logrus.WithFields(logrus.Fields{
			"file": v.ConfigFileUsed(),
		}).Infof("config: file loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() error {
	for _, location := range []string{".env", ".env.local"} {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			logrus.WithFields(logrus.Fields{
				"file": location,
			}).Infof("config: .env file loaded")
			return nil
		}
	}
	return errors.New("no .env file found")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":1999")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.public_key_pem", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.allow_anonymous", true)
	v.SetDefault("auth.leeway", "5s")

	v.SetDefault("relay.send_buffer", 256)
	v.SetDefault("relay.max_message_size", 64*1024)
	v.SetDefault("relay.write_wait", "10s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.event_buffer", 1024)

	v.SetDefault("push.secret", "")
	v.SetDefault("push.max_body_bytes", 64*1024)
	v.SetDefault("push.rate_limit", 0)
	v.SetDefault("push.burst", 50)

	v.SetDefault("scaling.backend", BackendLocal)
	v.SetDefault("scaling.redis_url", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Auth.SecretKey == "" && c.Auth.PublicKeyPEM == "" {
		return errors.New("auth.secret_key or auth.public_key_pem is required")
	}
	if c.Relay.SendBuffer <= 0 {
		return errors.New("relay.send_buffer must be positive")
	}
	if c.Relay.MaxMessageSize <= 0 {
		return errors.New("relay.max_message_size must be positive")
	}
	if c.Relay.PongWait <= 0 || c.Relay.WriteWait <= 0 {
		return errors.New("relay.pong_wait and relay.write_wait must be positive")
	}
	if c.Push.MaxBodyBytes <= 0 {
		return errors.New("push.max_body_bytes must be positive")
	}
	if c.Push.RateLimit < 0 {
		return errors.New("push.rate_limit must not be negative")
	}
	if c.Push.RateLimit > 0 && c.Push.Burst <= 0 {
		return errors.New("push.burst must be positive when push.rate_limit is set")
	}
	switch c.Scaling.Backend {
	case BackendLocal:
	case BackendRedis:
		if c.Scaling.RedisURL == "" {
			return errors.New("scaling.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown scaling.backend %q", c.Scaling.Backend)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	return nil
}

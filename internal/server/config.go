// Package server provides configuration for the geochat service: defaults,
// an optional YAML file, and environment-variable overrides.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use "1s" / "500ms" style
// values.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// RateLimitConfig defines the parameters for per-connection inbound event
// rate limiting.
type RateLimitConfig struct {
	Burst          int      `yaml:"burst"`
	RefillInterval Duration `yaml:"refill_interval"`
}

// PollConfig tunes the long-poll fallback transport. Wait is how long a
// GET /poll/events request blocks waiting for the first event; IdleTimeout is
// how long a poll session may go without any events request before it is
// treated as disconnected.
type PollConfig struct {
	Wait        Duration `yaml:"wait"`
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// Config holds the server configuration.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	LogLevel       string          `yaml:"log_level"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Poll           PollConfig      `yaml:"poll"`
}

// NewConfig returns a Config populated with defaults and environment
// overrides applied.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML config file, expands ${VAR} environment references,
// applies defaults for unset fields, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = ":4000"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.MaxMessageSize <= 0 {
		// Chat payloads may carry an inline-encoded image; senders enforce
		// their own ceiling below this.
		c.MaxMessageSize = 2 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = Duration(time.Second)
	}
	if c.Poll.Wait <= 0 {
		c.Poll.Wait = Duration(25 * time.Second)
	}
	if c.Poll.IdleTimeout <= 0 {
		c.Poll.IdleTimeout = Duration(60 * time.Second)
	}
}

func (c *Config) applyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = normalizePort(port)
	} else if port := os.Getenv("PORT"); port != "" {
		c.Port = normalizePort(port)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		if size, err := strconv.ParseInt(maxSize, 10, 64); err == nil && size > 0 {
			c.MaxMessageSize = size
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if parsed, err := strconv.Atoi(burst); err == nil && parsed > 0 {
			c.RateLimit.Burst = parsed
		}
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		if seconds, err := strconv.Atoi(interval); err == nil && seconds > 0 {
			c.RateLimit.RefillInterval = Duration(time.Duration(seconds) * time.Second)
		}
	}
}

// normalizePort accepts both "4000" and ":4000".
func normalizePort(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

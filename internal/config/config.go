// Package config loads process settings from an optional YAML file and
// CANVASRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "CANVASRELAY"

type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
		SendQueue       int           `mapstructure:"send_queue"`
		RateLimitMax    int           `mapstructure:"rate_limit_max"`
		RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	} `mapstructure:"server"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Store struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Cache struct {
		DSN string        `mapstructure:"dsn"`
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"cache"`

	DocSync struct {
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"docsync"`

	Membership struct {
		SeedFile string `mapstructure:"seed_file"`
	} `mapstructure:"membership"`

	EventLog struct {
		Brokers []string `mapstructure:"brokers"`
		GroupID string   `mapstructure:"group_id"`
		TLS     bool     `mapstructure:"tls"`
	} `mapstructure:"eventlog"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"log"`
}

var defaults = map[string]any{
	"server.addr":              ":8080",
	"server.shutdown_timeout":  5 * time.Second,
	"server.max_message_bytes": int64(1 << 20),
	"server.send_queue":        256,
	"server.rate_limit_max":    0,
	"server.rate_limit_window": time.Minute,
	"auth.jwt_secret":          "",
	"store.dsn":                "memory://",
	"cache.dsn":                "memory://",
	"cache.ttl":                24 * time.Hour,
	"docsync.debounce":         5 * time.Second,
	"membership.seed_file":     "",
	"eventlog.brokers":         []string{},
	"eventlog.group_id":        "canvasrelay",
	"eventlog.tls":             false,
	"log.level":                "info",
	"log.format":               "json",
	"log.file":                 "",
}

// legacyEnv maps keys to the unprefixed variable names older deployments set.
var legacyEnv = map[string]string{
	"auth.jwt_secret": "JWT_SECRET",
	"cache.dsn":       "REDIS_URL",
}

// Load reads path when non-empty, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.EventLog.Brokers = splitList(c.EventLog.Brokers)
	// PORT only applies when the address was not configured explicitly.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && !v.InConfig("server.addr") && os.Getenv(EnvPrefix+"_SERVER_ADDR") == "" {
		c.Server.Addr = ":" + port
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		problems = append(problems, "auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		problems = append(problems, "server.shutdown_timeout must be positive")
	}
	if c.Server.SendQueue <= 0 {
		problems = append(problems, "server.send_queue must be positive")
	}
	if c.Server.MaxMessageBytes <= 0 {
		problems = append(problems, "server.max_message_bytes must be positive")
	}
	if c.Server.RateLimitMax < 0 {
		problems = append(problems, "server.rate_limit_max must not be negative")
	}
	if c.Server.RateLimitMax > 0 && c.Server.RateLimitWindow <= 0 {
		problems = append(problems, "server.rate_limit_window must be positive when rate limiting")
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if c.DocSync.Debounce <= 0 {
		problems = append(problems, "docsync.debounce must be positive")
	}
	if len(c.EventLog.Brokers) > 0 && strings.TrimSpace(c.EventLog.GroupID) == "" {
		problems = append(problems, "eventlog.group_id is required with brokers")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

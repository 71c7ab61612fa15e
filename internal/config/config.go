// Package config loads server settings from the environment, an optional
// config.yaml and an optional .env file.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Limit is a fixed-window rate limit.
type Limit struct {
	Max    int
	Window time.Duration
}

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr           string
		AllowedOrigins []string
		TrustedProxies []string
		// APIRate is the per-client request rate allowed on /api, in
		// requests per second. 0 disables the limit.
		APIRate  float64
		APIBurst int
	}
	Log struct {
		Level string
	}
	Storage struct {
		Driver     string
		URL        string
		Key        string
		Database   string
		Collection string
	}
	Hub struct {
		HistorySize int
	}
	Limits struct {
		Backend string
		URL     string
		Message Limit
		Typing  Limit
	}
	Conn struct {
		MaxConns    int
		IdleTimeout time.Duration
	}
	Moderation struct {
		PolicyFile string
	}
}

// Load reads configuration from the working directory.
func Load() (Config, error) {
	return LoadFrom(".")
}

// LoadFrom reads dir/.env and dir/config.yaml, both optional, then the
// CHATROOM_* environment. Real environment variables win over .env entries.
func LoadFrom(dir string) (Config, error) {
	loadDotEnv(filepath.Join(dir, ".env"))

	v := viper.New()
	v.SetEnvPrefix("CHATROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	v.SetDefault("server.addr", addr)
	v.SetDefault("server.allowedorigins", []string{"*"})
	v.SetDefault("server.trustedproxies", []string{})
	v.SetDefault("server.apirate", 10.0)
	v.SetDefault("server.apiburst", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.url", "")
	v.SetDefault("storage.key", "room:lobby:messages")
	v.SetDefault("storage.database", "chatroom")
	v.SetDefault("storage.collection", "messages")
	v.SetDefault("hub.historysize", 50)
	v.SetDefault("limits.backend", DriverMemory)
	v.SetDefault("limits.url", "")
	v.SetDefault("limits.message.max", 20)
	v.SetDefault("limits.message.window", time.Minute)
	v.SetDefault("limits.typing.max", 30)
	v.SetDefault("limits.typing.window", time.Minute)
	v.SetDefault("conn.maxconns", 0)
	v.SetDefault("conn.idletimeout", time.Duration(0))
	v.SetDefault("moderation.policyfile", "")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis, DriverSQLite, DriverMongo:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch c.Limits.Backend {
	case DriverMemory:
	case DriverRedis:
		if c.LimitsRedisAddr() == "" {
			return errors.New("limits.url is required for the redis limiter unless storage.driver is redis")
		}
	default:
		return fmt.Errorf("limits.backend: unknown backend %q", c.Limits.Backend)
	}

	for name, l := range map[string]Limit{"limits.message": c.Limits.Message, "limits.typing": c.Limits.Typing} {
		if l.Max <= 0 || l.Window <= 0 {
			return fmt.Errorf("%s: max and window must be positive", name)
		}
	}
	if c.Hub.HistorySize <= 0 {
		return errors.New("hub.historysize must be positive")
	}
	if c.Server.APIRate < 0 {
		return errors.New("server.apirate must not be negative")
	}
	if c.Server.APIRate > 0 && c.Server.APIBurst <= 0 {
		return errors.New("server.apiburst must be positive when server.apirate is set")
	}
	if c.Conn.MaxConns < 0 {
		return errors.New("conn.maxconns must not be negative")
	}
	if c.Conn.IdleTimeout < 0 {
		return errors.New("conn.idletimeout must not be negative")
	}
	return nil
}

// LimitsRedisAddr returns the Redis address for the rate limiter, falling
// back to the message store's when both use Redis.
func (c Config) LimitsRedisAddr() string {
	if c.Limits.URL != "" {
		return c.Limits.URL
	}
	if c.Storage.Driver == DriverRedis {
		return c.Storage.URL
	}
	return ""
}

// AllowsAnyOrigin reports whether cross-origin checks are disabled.
func (c Config) AllowsAnyOrigin() bool {
	for _, o := range c.Server.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}

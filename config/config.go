/*
Package config loads the server's process configuration.

PURPOSE:
  Resolves settings in three layers, later layers winning:
    1. Built-in defaults
    2. An optional YAML file (--config)
    3. COMMIT_* environment variables, after .env has been loaded

  Group rules (targets, rest days, penalty amount) are not process
  configuration; they live in the store and are edited through the API.

ENVIRONMENT:
  COMMIT_ADDR               HTTP listen address (":8080")
  COMMIT_DB_PATH            SQLite path, ":memory:" for a throwaway store
  COMMIT_LOG_LEVEL          debug, info, warn, error
  COMMIT_CORS_ORIGINS       Comma separated allowed origins
  COMMIT_REDIS_ADDR         Enables the Redis announcement list when set
  COMMIT_REDIS_PASSWORD
  COMMIT_REDIS_DB
  COMMIT_REDIS_KEY_PREFIX
  COMMIT_CHECK_ENABLED      Run the background group check (true/false)
  COMMIT_CHECK_INTERVAL     How often the group check wakes up ("15m")
  COMMIT_DEMO               Seed demo groups on start (true/false)

SEE ALSO:
  - cmd/server/main.go: Flag handling and wiring
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/warp/commitment-engine/logging"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string   `yaml:"addr"`
	DBPath      string   `yaml:"db_path"`
	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`
	Demo        bool     `yaml:"demo"`

	Redis RedisConfig `yaml:"redis"`
	Check CheckConfig `yaml:"check"`
}

// RedisConfig is optional; an empty Addr means announcements are only logged.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// CheckConfig drives the background group check.
type CheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Addr:        ":8080",
		DBPath:      "commitment.db",
		LogLevel:    "info",
		CORSOrigins: []string{"*"},
		Check: CheckConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
		},
	}
}

// Load reads path (if non-empty), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads files into the environment without overriding variables
// that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var invalid []string

	if v := env("COMMIT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := env("COMMIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := env("COMMIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("COMMIT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := env("COMMIT_DEMO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			invalid = append(invalid, "COMMIT_DEMO")
		} else {
			cfg.Demo = b
		}
	}

	if v := env("COMMIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := env("COMMIT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := env("COMMIT_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil || db < 0 {
			invalid = append(invalid, "COMMIT_REDIS_DB")
		} else {
			cfg.Redis.DB = db
		}
	}
	if v := env("COMMIT_REDIS_KEY_PREFIX"); v != "" {
		cfg.Redis.KeyPrefix = v
	}

	if v := env("COMMIT_CHECK_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			invalid = append(invalid, "COMMIT_CHECK_ENABLED")
		} else {
			cfg.Check.Enabled = b
		}
	}
	if v := env("COMMIT_CHECK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			invalid = append(invalid, "COMMIT_CHECK_INTERVAL")
		} else {
			cfg.Check.Interval = d
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var missing, invalid []string

	if c.Addr == "" {
		missing = append(missing, "addr")
	}
	if c.DBPath == "" {
		missing = append(missing, "db_path")
	}
	if !logging.ValidLevel(c.LogLevel) {
		invalid = append(invalid, "log_level")
	}
	if c.Check.Enabled && c.Check.Interval <= 0 {
		invalid = append(invalid, "check.interval")
	}
	if c.Redis.DB < 0 {
		invalid = append(invalid, "redis.db")
	}

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing config values: %s", strings.Join(missing, ", ")))
	}
	if len(invalid) > 0 {
		errs = append(errs, fmt.Errorf("invalid config values: %s", strings.Join(invalid, ", ")))
	}
	return errors.Join(errs...)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

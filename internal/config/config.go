package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration values.
type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	GRPCHealthAddr string `yaml:"grpc_health_addr"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
	MediaRoot      string `yaml:"media_root"`
	LogLevel       string `yaml:"log_level"`

	// RegistrationKey is the install-wide key mixed into every badge secret.
	RegistrationKey string `yaml:"registration_key"`
	// AdminSecret signs operator tokens. Admin routes are disabled when empty.
	AdminSecret string `yaml:"admin_secret"`

	CodeDigits    int           `yaml:"authcode_length"`
	CodeLimit     int           `yaml:"authcode_limit"`
	EphemeralTTL  time.Duration `yaml:"authcode_lifetime"`
	SessionTTL    time.Duration `yaml:"session_lifetime"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	RateBurst      int   `yaml:"rate_burst"`
	RatePerSecond  int   `yaml:"rate_per_second"`
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		GRPCHealthAddr: ":9090",
		MigrateOnStart: true,
		MediaRoot:      "media",
		LogLevel:       "info",
		CodeDigits:     16,
		CodeLimit:      5,
		EphemeralTTL:   5 * time.Minute,
		SessionTTL:     24 * time.Hour,
		SweepInterval:  time.Minute,
		RateBurst:      20,
		RatePerSecond:  10,
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 32 << 20,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by BADGE_CONFIG, and BADGE_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("BADGE_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() {
	c.HTTPAddr = getEnv("BADGE_HTTP_ADDR", c.HTTPAddr)
	c.GRPCHealthAddr = getEnv("BADGE_GRPC_ADDR", c.GRPCHealthAddr)
	c.PostgresDSN = getEnv("BADGE_PG_DSN", c.PostgresDSN)
	c.MigrateOnStart = getBool("BADGE_MIGRATE_ON_START", c.MigrateOnStart)
	c.MediaRoot = getEnv("BADGE_MEDIA_ROOT", c.MediaRoot)
	c.LogLevel = strings.ToLower(getEnv("BADGE_LOG_LEVEL", c.LogLevel))
	c.RegistrationKey = getEnv("BADGE_REGISTRATION_KEY", c.RegistrationKey)
	c.AdminSecret = getEnv("BADGE_ADMIN_SECRET", c.AdminSecret)
	c.CodeDigits = getInt("BADGE_AUTHCODE_LENGTH", c.CodeDigits)
	c.CodeLimit = getInt("BADGE_AUTHCODE_LIMIT", c.CodeLimit)
	c.EphemeralTTL = getDuration("BADGE_AUTHCODE_LIFETIME", c.EphemeralTTL)
	c.SessionTTL = getDuration("BADGE_SESSION_LIFETIME", c.SessionTTL)
	c.SweepInterval = getDuration("BADGE_SWEEP_INTERVAL", c.SweepInterval)
	c.RateBurst = getInt("BADGE_RATE_BURST", c.RateBurst)
	c.RatePerSecond = getInt("BADGE_RATE_PER_SECOND", c.RatePerSecond)
	c.MaxBodyBytes = getInt64("BADGE_MAX_BODY_BYTES", c.MaxBodyBytes)
	c.MaxUploadBytes = getInt64("BADGE_MAX_UPLOAD_BYTES", c.MaxUploadBytes)
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RegistrationKey) == "" {
		errs = append(errs, errors.New("BADGE_REGISTRATION_KEY is required"))
	}
	if strings.TrimSpace(c.MediaRoot) == "" {
		errs = append(errs, errors.New("media root is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.CodeDigits < 8 || c.CodeDigits > 32 {
		errs = append(errs, fmt.Errorf("authcode length must be between 8 and 32, got %d", c.CodeDigits))
	}
	if c.CodeLimit < 1 {
		errs = append(errs, fmt.Errorf("authcode limit must be positive, got %d", c.CodeLimit))
	}
	if c.EphemeralTTL <= 0 || c.SessionTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.RateBurst < 1 || c.RatePerSecond < 1 {
		errs = append(errs, errors.New("rate limit burst and rate must be positive"))
	}
	if c.MaxBodyBytes <= 0 || c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("body limits must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare integers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

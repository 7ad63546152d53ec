package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/connectme/enrollment/internal/verification"
)

// DevCode is the fixed verification code used when OTP_DEV_MODE is on
const DevCode = "123456"

// Config holds the application configuration
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
	JWTSecret   string `yaml:"jwt_secret"`

	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	DevMode        bool          `yaml:"otp_dev_mode"`

	Verification VerificationConfig `yaml:"verification"`
	SMS          SMSConfig          `yaml:"sms"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

// VerificationConfig holds the attempt limiter policy
type VerificationConfig struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	Cooldown          time.Duration `yaml:"cooldown"`
	CodeTTL           time.Duration `yaml:"code_ttl"`
	CodeDigits        int           `yaml:"code_digits"`
}

// SMSConfig holds the SMS gateway settings
type SMSConfig struct {
	MobizonAPIKey string `yaml:"mobizon_api_key"`
	Sender        string `yaml:"sender"`
	DryRun        bool   `yaml:"dry_run"`
	Workers       int    `yaml:"workers"`
	Template      string `yaml:"template"`
}

// RateLimitConfig limits verification requests per client IP
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		RedisPrefix:    "enroll",
		AccessTokenTTL: 24 * time.Hour,
		SessionTTL:     30 * time.Minute,
		Verification: VerificationConfig{
			MaxFailedAttempts: verification.DefaultMaxFailedAttempts,
			Cooldown:          verification.DefaultCooldown,
			CodeTTL:           verification.DefaultCodeTTL,
			CodeDigits:        verification.DefaultCodeDigits,
		},
		SMS: SMSConfig{
			Workers:  4,
			Template: "Your verification code: %s",
		},
		RateLimit: RateLimitConfig{
			Window:      10 * time.Minute,
			MaxRequests: 20,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		log.Printf("Config loaded from %s", path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Port, "PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.RedisPrefix, "REDIS_PREFIX")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.SMS.MobizonAPIKey, "MOBIZON_API_KEY")
	setString(&cfg.SMS.Sender, "SMS_SENDER")
	setString(&cfg.SMS.Template, "SMS_TEMPLATE")

	for _, b := range []struct {
		dst *bool
		key string
	}{
		{&cfg.DevMode, "OTP_DEV_MODE"},
		{&cfg.CookieSecure, "COOKIE_SECURE"},
		{&cfg.SMS.DryRun, "SMS_DRY_RUN"},
	} {
		if err := setBool(b.dst, b.key); err != nil {
			return err
		}
	}

	for _, i := range []struct {
		dst *int
		key string
	}{
		{&cfg.Verification.MaxFailedAttempts, "VERIFY_MAX_FAILED_ATTEMPTS"},
		{&cfg.Verification.CodeDigits, "VERIFY_CODE_DIGITS"},
		{&cfg.SMS.Workers, "SMS_WORKERS"},
		{&cfg.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS"},
	} {
		if err := setInt(i.dst, i.key); err != nil {
			return err
		}
	}

	for _, d := range []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.Verification.Cooldown, "VERIFY_COOLDOWN"},
		{&cfg.Verification.CodeTTL, "VERIFY_CODE_TTL"},
		{&cfg.SessionTTL, "SESSION_TTL"},
		{&cfg.AccessTokenTTL, "ACCESS_TOKEN_TTL"},
		{&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW"},
	} {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.Verification.MaxFailedAttempts < 0 {
		return fmt.Errorf("VERIFY_MAX_FAILED_ATTEMPTS must not be negative")
	}
	if c.Verification.Cooldown <= 0 {
		return fmt.Errorf("VERIFY_COOLDOWN must be positive")
	}
	if c.Verification.CodeTTL < 0 {
		return fmt.Errorf("VERIFY_CODE_TTL must not be negative")
	}
	if c.Verification.CodeDigits < 4 || c.Verification.CodeDigits > 10 {
		return fmt.Errorf("VERIFY_CODE_DIGITS must be between 4 and 10")
	}
	if c.SessionTTL <= 0 || c.AccessTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TTL and ACCESS_TOKEN_TTL must be positive")
	}
	if c.SessionTTL < c.Verification.Cooldown {
		return fmt.Errorf("SESSION_TTL (%s) must not be shorter than VERIFY_COOLDOWN (%s)", c.SessionTTL, c.Verification.Cooldown)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW and RATE_LIMIT_MAX_REQUESTS must be positive")
	}
	return nil
}

// Policy returns the verification policy
func (c *Config) Policy() verification.Policy {
	return verification.Policy{
		MaxFailedAttempts: c.Verification.MaxFailedAttempts,
		Cooldown:          c.Verification.Cooldown,
		CodeTTL:           c.Verification.CodeTTL,
	}
}

// CodeGenerator returns the fixed dev code generator in dev mode, random digits otherwise
func (c *Config) CodeGenerator() verification.CodeGenerator {
	if c.DevMode {
		return verification.FixedCode(DevCode)
	}
	return verification.RandomDigits(c.Verification.CodeDigits)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = d
	return nil
}

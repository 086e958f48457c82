// Package config provides layered configuration loading for the relay:
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/brevo-relay/internal/settings"
)

// DefaultEnvFile is loaded when no --env-file is given. It may be absent.
const DefaultEnvFile = ".env"

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig      `yaml:"smtp"`
	TLS      TLSConfig       `yaml:"tls"`
	Logging  LoggingConfig   `yaml:"logging"`
	Brevo    BrevoConfig     `yaml:"brevo"`
	Database DatabaseConfig  `yaml:"database"`
	Secret   SecretConfig    `yaml:"secret"`
	Settings settings.Config `yaml:"settings"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen"`
	Hostname       string        `yaml:"hostname"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MaxMessageSize int           `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BrevoConfig holds the Brevo API client settings. Empty values fall back to
// the client defaults.
type BrevoConfig struct {
	APIURL          string        `yaml:"api_url"`
	SenderEmail     string        `yaml:"sender_email"`
	ReplyToFallback string        `yaml:"reply_to_fallback"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Timeout         time.Duration `yaml:"timeout"`
}

// DatabaseConfig selects the delivery log store. An empty DSN sends log rows
// to the structured logger instead.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// SecretConfig holds the master key used to decrypt stored API keys.
type SecretConfig struct {
	MasterKey string `yaml:"master_key"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadEnvFile loads a .env file into the process environment. Variables that
// are already set win. When path is empty the default file is tried and a
// missing one is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format %q: want json or text", c.Logging.Format)
	}
	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid smtp.max_message_size %d", c.SMTP.MaxMessageSize)
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("invalid database.max_conns %d", c.Database.MaxConns)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Database.MaxConns = 4
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_MAX_MESSAGE_SIZE: %w", err)
		}
		c.SMTP.MaxMessageSize = size
	}
	if err := setDuration(&c.SMTP.IdleTimeout, "SMTP_IDLE_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	setString(&c.Brevo.APIURL, "BREVO_API_URL")
	setString(&c.Brevo.SenderEmail, "BREVO_SENDER_EMAIL")
	setString(&c.Brevo.ReplyToFallback, "BREVO_REPLY_TO_FALLBACK")
	if err := setDuration(&c.Brevo.ConnectTimeout, "BREVO_CONNECT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Brevo.Timeout, "BREVO_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Secret.MasterKey, "RELAY_SECRET_KEY")

	// Default-scope relay settings.
	general := &c.Settings.Default.General
	if err := setBool(&general.Enabled, "BREVO_ENABLED"); err != nil {
		return err
	}
	setString(&general.APIKey, "BREVO_API_KEY")
	if err := setBool(&general.TestMode, "BREVO_TEST_MODE"); err != nil {
		return err
	}
	setString(&general.TestEmail, "BREVO_TEST_EMAIL")

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst **bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = &b
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"SMTP_LISTEN", "SMTP_HOSTNAME", "SMTP_USERNAME", "SMTP_PASSWORD",
	"SMTP_MAX_MESSAGE_SIZE", "SMTP_IDLE_TIMEOUT",
	"TLS_CERT_FILE", "TLS_KEY_FILE", "LOG_LEVEL", "LOG_FORMAT",
	"BREVO_API_URL", "BREVO_SENDER_EMAIL", "BREVO_REPLY_TO_FALLBACK",
	"BREVO_CONNECT_TIMEOUT", "BREVO_TIMEOUT",
	"DATABASE_URL", "RELAY_SECRET_KEY",
	"BREVO_ENABLED", "BREVO_API_KEY", "BREVO_TEST_MODE", "BREVO_TEST_EMAIL",
}

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Listen != ":2525" {
		t.Errorf("SMTP.Listen: got %q, want %q", cfg.SMTP.Listen, ":2525")
	}
	if cfg.SMTP.Hostname != "localhost" {
		t.Errorf("SMTP.Hostname: got %q, want %q", cfg.SMTP.Hostname, "localhost")
	}
	if cfg.SMTP.MaxMessageSize != 26214400 {
		t.Errorf("SMTP.MaxMessageSize: got %d, want %d", cfg.SMTP.MaxMessageSize, 26214400)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Database.DSN != "" {
		t.Errorf("Database.DSN: got %q, want empty", cfg.Database.DSN)
	}
	if cfg.Settings.Default.General.Enabled != nil {
		t.Errorf("Settings enabled: got %v, want nil", *cfg.Settings.Default.General.Enabled)
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled: got true, want false")
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_LISTEN", ":9025")
	t.Setenv("SMTP_USERNAME", "admin")
	t.Setenv("SMTP_PASSWORD", "secret123")
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "10485760")
	t.Setenv("SMTP_IDLE_TIMEOUT", "2m")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("BREVO_CONNECT_TIMEOUT", "7s")
	t.Setenv("BREVO_TIMEOUT", "45s")
	t.Setenv("DATABASE_URL", "postgres://relay@db/relay")
	t.Setenv("RELAY_SECRET_KEY", "master")
	t.Setenv("BREVO_ENABLED", "true")
	t.Setenv("BREVO_API_KEY", "xkeysib-123")
	t.Setenv("BREVO_TEST_MODE", "1")
	t.Setenv("BREVO_TEST_EMAIL", "qa@example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Listen != ":9025" {
		t.Errorf("SMTP.Listen: got %q, want %q", cfg.SMTP.Listen, ":9025")
	}
	if !cfg.AuthEnabled() {
		t.Error("AuthEnabled: got false, want true")
	}
	if cfg.SMTP.MaxMessageSize != 10485760 {
		t.Errorf("SMTP.MaxMessageSize: got %d, want %d", cfg.SMTP.MaxMessageSize, 10485760)
	}
	if cfg.SMTP.IdleTimeout != 2*time.Minute {
		t.Errorf("SMTP.IdleTimeout: got %v, want %v", cfg.SMTP.IdleTimeout, 2*time.Minute)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format: got %q, want %q", cfg.Logging.Format, "text")
	}
	if cfg.Brevo.ConnectTimeout != 7*time.Second {
		t.Errorf("Brevo.ConnectTimeout: got %v, want %v", cfg.Brevo.ConnectTimeout, 7*time.Second)
	}
	if cfg.Brevo.Timeout != 45*time.Second {
		t.Errorf("Brevo.Timeout: got %v, want %v", cfg.Brevo.Timeout, 45*time.Second)
	}
	if cfg.Database.DSN != "postgres://relay@db/relay" {
		t.Errorf("Database.DSN: got %q, want %q", cfg.Database.DSN, "postgres://relay@db/relay")
	}
	if cfg.Secret.MasterKey != "master" {
		t.Errorf("Secret.MasterKey: got %q, want %q", cfg.Secret.MasterKey, "master")
	}

	general := cfg.Settings.Default.General
	if general.Enabled == nil || !*general.Enabled {
		t.Error("Settings enabled: want true")
	}
	if general.TestMode == nil || !*general.TestMode {
		t.Error("Settings test mode: want true")
	}
	if general.APIKey != "xkeysib-123" {
		t.Errorf("Settings api key: got %q, want %q", general.APIKey, "xkeysib-123")
	}
	if general.TestEmail != "qa@example.com" {
		t.Errorf("Settings test email: got %q, want %q", general.TestEmail, "qa@example.com")
	}
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{key: "SMTP_MAX_MESSAGE_SIZE", value: "big"},
		{key: "SMTP_IDLE_TIMEOUT", value: "forever"},
		{key: "BREVO_CONNECT_TIMEOUT", value: "soon"},
		{key: "BREVO_ENABLED", value: "maybe"},
		{key: "LOG_FORMAT", value: "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("%s=%q: expected error, got nil", tt.key, tt.value)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("BREVO_API_KEY", "from-env")

	path := writeConfig(t, `
smtp:
  listen: ":2626"
  hostname: relay.example.com
tls:
  cert_file: /certs/cert.pem
  key_file: /certs/key.pem
logging:
  level: warn
  format: text
brevo:
  sender_email: sender@example.com
  connect_timeout: 5s
database:
  dsn: postgres://localhost/relay
  max_conns: 8
settings:
  default:
    general:
      enabled: true
      api_key: from-file
  scopes:
    store_fr:
      general:
        test_mode: true
        test_email: fr@example.com
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Listen != ":2626" {
		t.Errorf("SMTP.Listen: got %q, want %q", cfg.SMTP.Listen, ":2626")
	}
	if cfg.SMTP.Hostname != "relay.example.com" {
		t.Errorf("SMTP.Hostname: got %q, want %q", cfg.SMTP.Hostname, "relay.example.com")
	}
	if cfg.SMTP.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("SMTP.MaxMessageSize: got %d, want default %d", cfg.SMTP.MaxMessageSize, defaultMaxMessageSize)
	}
	if cfg.TLS.CertFile != "/certs/cert.pem" {
		t.Errorf("TLS.CertFile: got %q, want %q", cfg.TLS.CertFile, "/certs/cert.pem")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Brevo.SenderEmail != "sender@example.com" {
		t.Errorf("Brevo.SenderEmail: got %q, want %q", cfg.Brevo.SenderEmail, "sender@example.com")
	}
	if cfg.Brevo.ConnectTimeout != 5*time.Second {
		t.Errorf("Brevo.ConnectTimeout: got %v, want %v", cfg.Brevo.ConnectTimeout, 5*time.Second)
	}
	if cfg.Database.MaxConns != 8 {
		t.Errorf("Database.MaxConns: got %d, want %d", cfg.Database.MaxConns, 8)
	}

	// Environment wins over the file.
	if got := cfg.Settings.Default.General.APIKey; got != "from-env" {
		t.Errorf("Settings api key: got %q, want %q", got, "from-env")
	}

	scope, ok := cfg.Settings.Scopes["store_fr"]
	if !ok {
		t.Fatal("scope store_fr missing")
	}
	if scope.General.TestMode == nil || !*scope.General.TestMode {
		t.Error("store_fr test mode: want true")
	}
	if scope.General.TestEmail != "fr@example.com" {
		t.Errorf("store_fr test email: got %q, want %q", scope.General.TestEmail, "fr@example.com")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "missing file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.yaml") },
			wantErr: "failed to read config file",
		},
		{
			name:    "invalid yaml",
			path:    func(t *testing.T) string { return writeConfig(t, "smtp: [unclosed") },
			wantErr: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(tt.path(t))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFromFile: got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_LISTEN", ":3000")
	// godotenv only fills variables that are absent, not ones set to "".
	os.Unsetenv("BREVO_TEST_EMAIL")

	path := filepath.Join(t.TempDir(), "relay.env")
	content := "BREVO_TEST_EMAIL=dotenv@example.com\nSMTP_LISTEN=:4000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Settings.Default.General.TestEmail; got != "dotenv@example.com" {
		t.Errorf("test email: got %q, want %q", got, "dotenv@example.com")
	}
	if cfg.SMTP.Listen != ":3000" {
		t.Errorf("SMTP.Listen: got %q, want %q (process env wins)", cfg.SMTP.Listen, ":3000")
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("explicit missing env file: expected error, got nil")
	}
}

// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultDedupTTL is the duplicate-suppression window in seconds.
const defaultDedupTTL = 60

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Web     WebConfig     `yaml:"web"`
	Store   StoreConfig   `yaml:"store"`
	Dedup   DedupConfig   `yaml:"dedup"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
	Apps    []AppConfig   `yaml:"apps"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// WebConfig holds the HTTP listener used for the OAuth consent flow and
// credential pages.
type WebConfig struct {
	Listen  string `yaml:"listen"`
	BaseURL string `yaml:"base_url"`
}

// StoreConfig holds the credential store location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DedupConfig holds duplicate-suppression settings.
type DedupConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TLSConfig holds TLS certificate file paths. SelfSigned generates an
// in-memory certificate for local use when no files are given.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is one OAuth app registration. AuthURL and TokenURL override the
// Microsoft identity platform endpoints for the tenant, mainly for testing.
type AppConfig struct {
	ID           string `yaml:"id"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":587"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Web.Listen = ":8080"
	c.Web.BaseURL = "http://localhost:8080"
	c.Store.Path = "graph-relay.db"
	c.Dedup.TTLSeconds = defaultDedupTTL
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("WEB_LISTEN"); v != "" {
		c.Web.Listen = v
	}
	if v := os.Getenv("WEB_BASE_URL"); v != "" {
		c.Web.BaseURL = v
	}

	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("DEDUP_TTL_SECONDS"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil && ttl > 0 {
			c.Dedup.TTLSeconds = ttl
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	// A single registration can be supplied entirely through the
	// environment, matching the variable names the hosted variant used.
	if id := os.Getenv("MICROSOFT_CLIENT_ID"); id != "" {
		app := AppConfig{
			ID:           "default",
			TenantID:     "consumers",
			ClientID:     id,
			ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		}
		if v := os.Getenv("MICROSOFT_TENANT_ID"); v != "" {
			app.TenantID = v
		}
		c.upsertApp(app)
	}
}

// upsertApp replaces the app with a matching id, or appends it.
func (c *Config) upsertApp(app AppConfig) {
	for i := range c.Apps {
		if c.Apps[i].ID == app.ID {
			c.Apps[i] = app
			return
		}
	}
	c.Apps = append(c.Apps, app)
}

// validate checks that at least one complete app registration is present
// and that registration ids are unique.
func (c *Config) validate() error {
	if len(c.Apps) == 0 {
		return fmt.Errorf("no app registrations configured: set apps in the config file or MICROSOFT_CLIENT_ID/MICROSOFT_CLIENT_SECRET")
	}

	seen := make(map[string]bool, len(c.Apps))
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.ID == "" {
			return fmt.Errorf("app registration %d is missing an id", i)
		}
		if seen[app.ID] {
			return fmt.Errorf("duplicate app registration id %q", app.ID)
		}
		seen[app.ID] = true
		if app.ClientID == "" || app.ClientSecret == "" {
			return fmt.Errorf("app registration %q is missing client_id or client_secret", app.ID)
		}
		if app.TenantID == "" {
			app.TenantID = "consumers"
		}
	}
	return nil
}

// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	smtptls "github.com/shineum/smtp-gate/internal/tls"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

const (
	defaultListen          = "127.0.0.1:9025"
	defaultMaxRecipients   = 100
	defaultUpstreamTimeout = 60 * time.Second
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	TLS      TLSConfig      `yaml:"tls"`
	Upstream UpstreamConfig `yaml:"upstream"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	Plugin   PluginConfig   `yaml:"plugin"`
	Audit    []AuditConfig  `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`

	// envErrs collects environment values that could not be parsed.
	envErrs []error
}

// SMTPConfig holds the inbound SMTP server configuration.
type SMTPConfig struct {
	Listen         string        `yaml:"listen"`
	Domain         string        `yaml:"domain"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxRecipients  int           `yaml:"max_recipients"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// TLSConfig holds the inbound STARTTLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Disable  bool   `yaml:"disable"`
}

// UpstreamConfig describes where accepted mail is relayed.
type UpstreamConfig struct {
	// Transport is smtp, ses, graph or stdout.
	Transport string `yaml:"transport"`

	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Helo     string `yaml:"helo"`

	TLSMode       string        `yaml:"tls_mode"`
	MinTLSVersion string        `yaml:"min_tls_version"`
	Ciphers       string        `yaml:"ciphers"`
	CAFile        string        `yaml:"ca_file"`
	Revocation    string        `yaml:"revocation"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// PluginConfig selects the decision plugin.
type PluginConfig struct {
	Name    string            `yaml:"name"`
	Options map[string]string `yaml:"options"`
}

// AuditConfig configures one audit sink.
type AuditConfig struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	cfg.resolveDerived()
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
	cfg.resolveDerived()

	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// GraphConfigured returns true if all required Graph API fields are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// PolicyConfig returns the upstream TLS policy settings.
func (c *Config) PolicyConfig() (smtptls.PolicyConfig, error) {
	mode, err := smtptls.ParseMode(c.Upstream.TLSMode)
	if err != nil {
		return smtptls.PolicyConfig{}, err
	}
	rev, err := smtptls.ParseRevocationMode(c.Upstream.Revocation)
	if err != nil {
		return smtptls.PolicyConfig{}, err
	}
	return smtptls.PolicyConfig{
		Mode:       mode,
		MinVersion: c.Upstream.MinTLSVersion,
		Ciphers:    c.Upstream.Ciphers,
		CAFile:     c.Upstream.CAFile,
		Revocation: rev,
	}, nil
}

// Validate reports every configuration error found.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.SMTP.Listen == "" {
		add("smtp.listen is required")
	}
	if c.SMTP.MaxMessageSize <= 0 {
		add("smtp.max_message_size must be positive")
	}
	if c.SMTP.MaxRecipients <= 0 {
		add("smtp.max_recipients must be positive")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		add("tls.cert_file and tls.key_file must be set together")
	}

	switch c.Upstream.Transport {
	case "smtp":
		if c.Upstream.Address == "" {
			add("upstream.address is required for the smtp transport")
		}
		if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
			add("upstream.port %d out of range", c.Upstream.Port)
		}
		if c.Upstream.Timeout < 0 {
			add("upstream.timeout must not be negative")
		}
		if _, err := c.PolicyConfig(); err != nil {
			add("upstream: %w", err)
		}
	case "ses":
		if !c.SESConfigured() {
			add("ses.region is required for the ses transport")
		}
	case "graph":
		if !c.GraphConfigured() {
			add("graph.tenant_id, graph.client_id, graph.client_secret and graph.sender are required for the graph transport")
		}
	case "stdout":
	default:
		add("unknown upstream.transport %q (want smtp, ses, graph or stdout)", c.Upstream.Transport)
	}

	for i, a := range c.Audit {
		switch a.Type {
		case "file":
			if a.Path == "" {
				add("audit[%d]: path is required for file", i)
			}
		case "sqlite", "mysql":
			if a.DSN == "" {
				add("audit[%d]: dsn is required for %s", i, a.Type)
			}
		case "slack":
			if a.Token == "" || a.Channel == "" {
				add("audit[%d]: token and channel are required for slack", i)
			}
		default:
			add("audit[%d]: unknown type %q", i, a.Type)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("unknown logging.level %q", c.Logging.Level)
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = defaultListen
	c.SMTP.Domain = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = defaultMaxRecipients
	c.Upstream.Transport = "smtp"
	c.Upstream.TLSMode = string(smtptls.ModeStartTLS)
	c.Upstream.Revocation = string(smtptls.RevocationOff)
	c.Upstream.Timeout = defaultUpstreamTimeout
	c.Upstream.Helo = "localhost"
	c.Logging.Level = "info"
}

// resolveDerived fills values whose defaults depend on other settings.
func (c *Config) resolveDerived() {
	if c.Upstream.Port == 0 {
		if c.Upstream.TLSMode == string(smtptls.ModeImplicit) {
			c.Upstream.Port = 465
		} else {
			c.Upstream.Port = 25
		}
	}
	if c.Plugin.Options == nil {
		c.Plugin.Options = map[string]string{}
	}
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("SMTP_LISTEN", &c.SMTP.Listen)
	str("SMTP_DOMAIN", &c.SMTP.Domain)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		} else {
			c.envErrs = append(c.envErrs, fmt.Errorf("SMTP_MAX_MESSAGE_SIZE: %w", err))
		}
	}

	str("TLS_CERT_FILE", &c.TLS.CertFile)
	str("TLS_KEY_FILE", &c.TLS.KeyFile)

	str("UPSTREAM_TRANSPORT", &c.Upstream.Transport)
	str("UPSTREAM_ADDRESS", &c.Upstream.Address)
	if v := os.Getenv("UPSTREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Upstream.Port = port
		} else {
			c.envErrs = append(c.envErrs, fmt.Errorf("UPSTREAM_PORT: %w", err))
		}
	}
	str("UPSTREAM_USERNAME", &c.Upstream.Username)
	str("UPSTREAM_PASSWORD", &c.Upstream.Password)
	str("UPSTREAM_HELO", &c.Upstream.Helo)
	str("UPSTREAM_TLS_MODE", &c.Upstream.TLSMode)
	str("UPSTREAM_MIN_TLS_VERSION", &c.Upstream.MinTLSVersion)
	str("UPSTREAM_CIPHERS", &c.Upstream.Ciphers)
	str("UPSTREAM_CA_FILE", &c.Upstream.CAFile)
	str("UPSTREAM_REVOCATION", &c.Upstream.Revocation)
	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Upstream.Timeout = d
		} else {
			c.envErrs = append(c.envErrs, fmt.Errorf("UPSTREAM_TIMEOUT: %w", err))
		}
	}

	str("SES_REGION", &c.SES.Region)
	str("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	str("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	str("SES_SENDER", &c.SES.Sender)

	str("GRAPH_TENANT_ID", &c.Graph.TenantID)
	str("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	str("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	str("GRAPH_SENDER", &c.Graph.Sender)

	str("PLUGIN", &c.Plugin.Name)
	str("METRICS_LISTEN", &c.Metrics.Listen)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

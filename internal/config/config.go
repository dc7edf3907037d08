// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for prettymail.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/908Inc/ckanext-prettymail/internal/delivery/ses"
	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Delivery backends.
const (
	DeliverySMTP = "smtp"
	DeliverySES  = "ses"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig    `yaml:"smtp"`
	Delivery string        `yaml:"delivery"`
	SES      SESConfig     `yaml:"ses"`
	Sink     SinkConfig    `yaml:"sink"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the outgoing SMTP settings. StartTLS and TLSSkipVerify are
// boolean-like strings, see ParseBool.
type SMTPConfig struct {
	MailFrom      string `yaml:"mail_from"`
	TestServer    string `yaml:"test_server"`
	Server        string `yaml:"server"`
	StartTLS      string `yaml:"starttls"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	LocalName     string `yaml:"local_name"`
	TLSSkipVerify string `yaml:"tls_skip_verify"`
}

// SESConfig holds AWS SES credentials and region.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SinkConfig holds the local SMTP sink settings.
type SinkConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds TLS certificate file paths for the sink.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
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

// Transport resolves the SMTP settings into a transport config. A test
// server replaces the configured server, disables STARTTLS and drops the
// credentials.
func (c *Config) Transport() (transport.Config, error) {
	if c.SMTP.TestServer != "" {
		return transport.Config{
			Server:    c.SMTP.TestServer,
			LocalName: c.SMTP.LocalName,
		}, nil
	}

	startTLS, err := ParseBool(c.SMTP.StartTLS)
	if err != nil {
		return transport.Config{}, fmt.Errorf("smtp.starttls: %w", err)
	}
	skipVerify, err := ParseBool(c.SMTP.TLSSkipVerify)
	if err != nil {
		return transport.Config{}, fmt.Errorf("smtp.tls_skip_verify: %w", err)
	}

	cfg := transport.Config{
		Server:    c.SMTP.Server,
		StartTLS:  startTLS,
		Username:  c.SMTP.User,
		Password:  c.SMTP.Password,
		LocalName: c.SMTP.LocalName,
	}
	if skipVerify {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}
	return cfg, nil
}

// SESDelivery returns the settings for the SES deliverer.
func (c *Config) SESDelivery() ses.Config {
	return ses.Config{
		Region:          c.SES.Region,
		AccessKeyID:     c.SES.AccessKeyID,
		SecretAccessKey: c.SES.SecretAccessKey,
	}
}

// SinkAuthEnabled returns true if both sink username and password are set.
func (c *Config) SinkAuthEnabled() bool {
	return c.Sink.Username != "" && c.Sink.Password != ""
}

// ParseBool reads a boolean-like string. Empty is false.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "y", "t", "1":
		return true, nil
	case "false", "no", "off", "n", "f", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", s)
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Server = "localhost"
	c.Delivery = DeliverySMTP
	c.Sink.Listen = ":2525"
	c.Sink.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	override(&c.SMTP.MailFrom, "SMTP_MAIL_FROM")
	override(&c.SMTP.TestServer, "SMTP_TEST_SERVER")
	override(&c.SMTP.Server, "SMTP_SERVER")
	override(&c.SMTP.StartTLS, "SMTP_STARTTLS")
	override(&c.SMTP.User, "SMTP_USER")
	override(&c.SMTP.Password, "SMTP_PASSWORD")
	override(&c.SMTP.LocalName, "SMTP_LOCAL_NAME")
	override(&c.SMTP.TLSSkipVerify, "SMTP_TLS_SKIP_VERIFY")

	if v := os.Getenv("DELIVERY"); v != "" {
		c.Delivery = strings.ToLower(v)
	}
	override(&c.SES.Region, "SES_REGION")
	override(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	override(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	override(&c.Sink.Listen, "SINK_LISTEN")
	override(&c.Sink.Username, "SINK_USERNAME")
	override(&c.Sink.Password, "SINK_PASSWORD")
	if v := os.Getenv("SINK_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sink.MaxMessageSize = size
		}
	}

	override(&c.TLS.CertFile, "TLS_CERT_FILE")
	override(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func (c *Config) validate() error {
	switch c.Delivery {
	case DeliverySMTP, DeliverySES:
	default:
		return fmt.Errorf("unknown delivery %q (want %q or %q)", c.Delivery, DeliverySMTP, DeliverySES)
	}
	if _, err := ParseBool(c.SMTP.StartTLS); err != nil {
		return fmt.Errorf("smtp.starttls: %w", err)
	}
	if _, err := ParseBool(c.SMTP.TLSSkipVerify); err != nil {
		return fmt.Errorf("smtp.tls_skip_verify: %w", err)
	}
	return nil
}

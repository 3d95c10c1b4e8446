package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail server
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	TLS      TLSConfig      `koanf:"tls"`
	Auth     AuthConfig     `koanf:"auth"`
	Storage  StorageConfig  `koanf:"storage"`
	Limits   LimitsConfig   `koanf:"limits"`
	Queue    QueueConfig    `koanf:"queue"`
	Delivery DeliveryConfig `koanf:"delivery"`
	DKIM     DKIMConfig     `koanf:"dkim"`
	Policy   PolicyConfig   `koanf:"policy"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ServerConfig holds server identity and listener configuration
type ServerConfig struct {
	Hostname    string `koanf:"hostname"`      // mail.example.com
	Domain      string `koanf:"domain"`        // Primary local domain (e.g., example.com)
	IP          string `koanf:"ip"`            // Bind address
	SMTPPort    int    `koanf:"smtp_port"`     // 25 for MX receiving
	SMTPTLSPort int    `koanf:"smtp_tls_port"` // 587 for submission (STARTTLS)
	SMTPSSLPort int    `koanf:"smtp_ssl_port"` // 465 for implicit TLS
}

// TLSConfig holds TLS material configuration
type TLSConfig struct {
	CertPath       string `koanf:"cert_path"`
	KeyPath        string `koanf:"key_path"`
	EnableSTARTTLS bool   `koanf:"enable_starttls"`
	RequireTLS     bool   `koanf:"require_tls"`
}

// AuthConfig holds SMTP authentication configuration
type AuthConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Methods         string `koanf:"methods"` // csv: PLAIN,LOGIN,CRAM-MD5
	MaxAuthAttempts int    `koanf:"max_auth_attempts"`
}

// StorageConfig holds persistence configuration
type StorageConfig struct {
	DataDir      string `koanf:"data_dir"`
	DatabasePath string `koanf:"database_path"`
	MaildirPath  string `koanf:"maildir_path"`
	RedisURL     string `koanf:"redis_url"`
	RedisPrefix  string `koanf:"redis_prefix"`
}

// LimitsConfig holds rate limiting and size configuration
type LimitsConfig struct {
	MaxRecipientsPerMessage int   `koanf:"max_recipients_per_message"`
	MaxMessagesPerHour      int   `koanf:"max_messages_per_hour"`
	MaxMessagesPerDay       int   `koanf:"max_messages_per_day"`
	MaxConnectionRate       int   `koanf:"max_connection_rate"`
	MaxMessageSize          int64 `koanf:"max_message_size"`
}

// QueueConfig holds retry queue configuration
type QueueConfig struct {
	RetryAttempts        int    `koanf:"retry_attempts"`
	RetryDelaySeconds    int    `koanf:"retry_delay_seconds"`
	MessageRetentionDays int    `koanf:"message_retention_days"`
	StaleTimeout         string `koanf:"stale_timeout"`
}

// DeliveryConfig holds outbound delivery configuration
type DeliveryConfig struct {
	MaxDeliveryThreads int    `koanf:"max_delivery_threads"`
	ConnectionTimeout  string `koanf:"connection_timeout"`
	DataTimeout        string `koanf:"data_timeout"`
	VerifyTLS          bool   `koanf:"verify_tls"`
}

// DKIMConfig holds DKIM signing configuration
type DKIMConfig struct {
	EnableSigning bool   `koanf:"enable_signing"`
	Selector      string `koanf:"selector"`
}

// PolicyConfig holds inbound policy configuration
type PolicyConfig struct {
	SPFChecking          bool   `koanf:"spf_checking"`
	SPFFailurePolicy     string `koanf:"spf_failure_policy"` // none, softfail, fail
	DMARCChecking        bool   `koanf:"dmarc_checking"`
	DMARCFailurePolicy   string `koanf:"dmarc_failure_policy"` // none, quarantine, reject
	EnableGreylisting    bool   `koanf:"enable_greylisting"`
	GreylistDelayMinutes int    `koanf:"greylist_delay_minutes"`
	EnableBlacklistCheck bool   `koanf:"enable_blacklist_check"`
	BlacklistServers     string `koanf:"blacklist_servers"` // csv
	VerifySenderDomain   bool   `koanf:"verify_sender_domain"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// MetricsConfig holds the metrics listener configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:    "mail.example.com",
			Domain:      "example.com",
			IP:          "0.0.0.0",
			SMTPPort:    25,
			SMTPTLSPort: 587,
			SMTPSSLPort: 465,
		},
		TLS: TLSConfig{
			EnableSTARTTLS: false,
			RequireTLS:     false,
		},
		Auth: AuthConfig{
			Enabled:         true,
			Methods:         "PLAIN,LOGIN",
			MaxAuthAttempts: 3,
		},
		Storage: StorageConfig{
			DataDir:      "/var/lib/courierd",
			DatabasePath: "/var/lib/courierd/courier.db",
			MaildirPath:  "/var/lib/courierd/maildir",
			RedisURL:     "redis://localhost:6379/0",
			RedisPrefix:  "smtp",
		},
		Limits: LimitsConfig{
			MaxRecipientsPerMessage: 100,
			MaxMessagesPerHour:      1000,
			MaxMessagesPerDay:       10000,
			MaxConnectionRate:       10,
			MaxMessageSize:          26214400, // 25MB
		},
		Queue: QueueConfig{
			RetryAttempts:        3,
			RetryDelaySeconds:    300,
			MessageRetentionDays: 7,
			StaleTimeout:         "1h",
		},
		Delivery: DeliveryConfig{
			MaxDeliveryThreads: 10,
			ConnectionTimeout:  "30s",
			DataTimeout:        "300s",
			VerifyTLS:          true,
		},
		DKIM: DKIMConfig{
			EnableSigning: true,
			Selector:      "default",
		},
		Policy: PolicyConfig{
			SPFChecking:          true,
			SPFFailurePolicy:     "softfail",
			DMARCChecking:        true,
			DMARCFailurePolicy:   "quarantine",
			EnableGreylisting:    true,
			GreylistDelayMinutes: 5,
			EnableBlacklistCheck: true,
			BlacklistServers:     "zen.spamhaus.org,bl.spamcop.net",
			VerifySenderDomain:   false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads configuration from a YAML file with COURIERD_ environment
// overrides layered on top. A missing file is not an error; env overrides
// still apply to the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	// COURIERD_SERVER__HOSTNAME -> server.hostname
	if err := k.Load(env.Provider("COURIERD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "COURIERD_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// AuthMethods returns the configured AUTH mechanisms, uppercased.
func (c *Config) AuthMethods() []string {
	return splitCSV(strings.ToUpper(c.Auth.Methods))
}

// BlacklistServers returns the configured DNSBL zones.
func (c *Config) BlacklistServers() []string {
	return splitCSV(c.Policy.BlacklistServers)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConnectionTimeout returns the parsed delivery connection timeout.
func (c *Config) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Delivery.ConnectionTimeout, 30*time.Second)
}

// DataTimeout returns the parsed DATA timeout.
func (c *Config) DataTimeout() time.Duration {
	return parseDurationOr(c.Delivery.DataTimeout, 300*time.Second)
}

// StaleTimeout returns the parsed in-flight reaping timeout, floored at 1h.
func (c *Config) StaleTimeout() time.Duration {
	d := parseDurationOr(c.Queue.StaleTimeout, time.Hour)
	if d < time.Hour {
		d = time.Hour
	}
	return d
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.Domain == "" {
		return fmt.Errorf("server.domain is required")
	}

	ports := map[string]int{
		"server.smtp_port":     c.Server.SMTPPort,
		"server.smtp_tls_port": c.Server.SMTPTLSPort,
		"server.smtp_ssl_port": c.Server.SMTPSSLPort,
	}
	used := make(map[int]string)
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535 (got: %d)", name, port)
		}
		if existing, ok := used[port]; ok {
			return fmt.Errorf("port conflict: %s and %s both use port %d", name, existing, port)
		}
		used[port] = name
	}

	if c.Auth.Enabled {
		methods := c.AuthMethods()
		if len(methods) == 0 {
			return fmt.Errorf("auth.methods must name at least one mechanism when auth is enabled")
		}
		for _, m := range methods {
			switch m {
			case "PLAIN", "LOGIN", "CRAM-MD5":
			default:
				return fmt.Errorf("auth.methods: unsupported mechanism %q", m)
			}
		}
		if c.Auth.MaxAuthAttempts < 1 {
			return fmt.Errorf("auth.max_auth_attempts must be at least 1")
		}
	}

	if c.TLS.EnableSTARTTLS || c.TLS.RequireTLS {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("tls.cert_path and tls.key_path are required when STARTTLS is enabled")
		}
		for name, path := range map[string]string{
			"tls.cert_path": c.TLS.CertPath,
			"tls.key_path":  c.TLS.KeyPath,
		} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("storage.redis_url is required")
	}

	if c.Limits.MaxMessageSize < 1024 {
		return fmt.Errorf("limits.max_message_size must be at least 1024 bytes")
	}
	if c.Limits.MaxRecipientsPerMessage < 1 {
		return fmt.Errorf("limits.max_recipients_per_message must be at least 1")
	}

	if c.Queue.RetryAttempts < 1 || c.Queue.RetryAttempts > 100 {
		return fmt.Errorf("queue.retry_attempts must be between 1 and 100")
	}

	if c.Delivery.MaxDeliveryThreads < 1 || c.Delivery.MaxDeliveryThreads > 100 {
		return fmt.Errorf("delivery.max_delivery_threads must be between 1 and 100")
	}
	for name, val := range map[string]string{
		"delivery.connection_timeout": c.Delivery.ConnectionTimeout,
		"delivery.data_timeout":       c.Delivery.DataTimeout,
		"queue.stale_timeout":         c.Queue.StaleTimeout,
	} {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, val)
		}
	}

	switch c.Policy.SPFFailurePolicy {
	case "none", "softfail", "fail":
	default:
		return fmt.Errorf("policy.spf_failure_policy must be one of: none, softfail, fail (got: %s)", c.Policy.SPFFailurePolicy)
	}
	switch c.Policy.DMARCFailurePolicy {
	case "none", "quarantine", "reject":
	default:
		return fmt.Errorf("policy.dmarc_failure_policy must be one of: none, quarantine, reject (got: %s)", c.Policy.DMARCFailurePolicy)
	}

	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		switch c.Logging.Format {
		case "json", "text":
		default:
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535 (got: %d)", c.Metrics.Port)
		}
	}

	return nil
}

// EnsureDirectories creates necessary directories
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.DataDir, c.Storage.MaildirPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

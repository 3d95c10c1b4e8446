package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.SMTPPort != 25 {
		t.Errorf("smtp_port = %d, want 25", cfg.Server.SMTPPort)
	}
	if cfg.Limits.MaxMessageSize != 26214400 {
		t.Errorf("max_message_size = %d, want 26214400", cfg.Limits.MaxMessageSize)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  hostname: mx.test.example
  domain: test.example
limits:
  max_messages_per_hour: 42
queue:
  retry_attempts: 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Hostname != "mx.test.example" {
		t.Errorf("hostname = %q", cfg.Server.Hostname)
	}
	if cfg.Limits.MaxMessagesPerHour != 42 {
		t.Errorf("max_messages_per_hour = %d, want 42", cfg.Limits.MaxMessagesPerHour)
	}
	if cfg.Queue.RetryAttempts != 7 {
		t.Errorf("retry_attempts = %d, want 7", cfg.Queue.RetryAttempts)
	}
	// Untouched keys keep their defaults.
	if cfg.Server.SMTPPort != 25 {
		t.Errorf("smtp_port = %d, want 25", cfg.Server.SMTPPort)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("COURIERD_SERVER__HOSTNAME", "env.example.com")
	t.Setenv("COURIERD_METRICS__PORT", "9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Hostname != "env.example.com" {
		t.Errorf("hostname = %q, want env override", cfg.Server.Hostname)
	}
	if cfg.Metrics.Port != 9999 {
		t.Errorf("metrics port = %d, want 9999", cfg.Metrics.Port)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing hostname", func(c *Config) { c.Server.Hostname = "" }},
		{"port conflict", func(c *Config) { c.Server.SMTPTLSPort = 25 }},
		{"port out of range", func(c *Config) { c.Server.SMTPPort = 70000 }},
		{"bad auth mechanism", func(c *Config) { c.Auth.Methods = "PLAIN,NTLM" }},
		{"tiny message size", func(c *Config) { c.Limits.MaxMessageSize = 100 }},
		{"zero retries", func(c *Config) { c.Queue.RetryAttempts = 0 }},
		{"bad spf policy", func(c *Config) { c.Policy.SPFFailurePolicy = "bounce" }},
		{"bad dmarc policy", func(c *Config) { c.Policy.DMARCFailurePolicy = "drop" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad timeout", func(c *Config) { c.Delivery.ConnectionTimeout = "soon" }},
		{"starttls without cert", func(c *Config) { c.TLS.EnableSTARTTLS = true }},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
}

func TestCSVHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Methods = "plain, login , CRAM-MD5"

	methods := cfg.AuthMethods()
	if len(methods) != 3 || methods[0] != "PLAIN" || methods[2] != "CRAM-MD5" {
		t.Errorf("AuthMethods = %v", methods)
	}

	servers := cfg.BlacklistServers()
	if len(servers) != 2 || servers[0] != "zen.spamhaus.org" {
		t.Errorf("BlacklistServers = %v", servers)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ConnectionTimeout() != 30*time.Second {
		t.Errorf("ConnectionTimeout = %v", cfg.ConnectionTimeout())
	}
	if cfg.DataTimeout() != 300*time.Second {
		t.Errorf("DataTimeout = %v", cfg.DataTimeout())
	}

	cfg.Queue.StaleTimeout = "10m"
	if cfg.StaleTimeout() != time.Hour {
		t.Errorf("StaleTimeout should floor at 1h, got %v", cfg.StaleTimeout())
	}
	cfg.Queue.StaleTimeout = "2h"
	if cfg.StaleTimeout() != 2*time.Hour {
		t.Errorf("StaleTimeout = %v, want 2h", cfg.StaleTimeout())
	}
}

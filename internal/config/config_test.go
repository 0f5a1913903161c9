package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/auditledger/internal/config"
)

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Ledger.Dir != "data/ledger" || !cfg.Ledger.Required {
		t.Errorf("ledger defaults: %+v", cfg.Ledger)
	}
	if cfg.Lock.Backend != config.LockBackendFile || cfg.Lock.MaxRetries != 10 || cfg.Lock.RetryInterval != 50*time.Millisecond {
		t.Errorf("lock defaults: %+v", cfg.Lock)
	}
	if cfg.Keys.GracePeriod != 48*time.Hour || cfg.Keys.MaxAge != 90*24*time.Hour {
		t.Errorf("keys defaults: %+v", cfg.Keys)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	yaml := `
ledger:
  dir: /var/lib/ledger
  required: false
lock:
  max_retries: 3
  retry_interval: 10ms
keys:
  grace_period: 24h
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: receipts
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEDGER_SERVER_PORT", "9191")
	t.Setenv("LEDGER_S3_BUCKET", "audit-backups")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Ledger.Dir != "/var/lib/ledger" || cfg.Ledger.Required {
		t.Errorf("ledger: %+v", cfg.Ledger)
	}
	if cfg.Lock.MaxRetries != 3 || cfg.Lock.RetryInterval != 10*time.Millisecond {
		t.Errorf("lock: %+v", cfg.Lock)
	}
	if cfg.Keys.GracePeriod != 24*time.Hour {
		t.Errorf("grace period: %v", cfg.Keys.GracePeriod)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "receipts" {
		t.Errorf("kafka: %+v", cfg.Kafka)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("env override of server.port: got %d", cfg.Server.Port)
	}
	if cfg.S3.Bucket != "audit-backups" {
		t.Errorf("env override of s3.bucket: got %q", cfg.S3.Bucket)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
}

func TestLoad_missingExplicitFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.Lock.Backend = "etcd" }},
		{"postgres without url", func(c *config.Config) { c.Lock.Backend = config.LockBackendPostgres }},
		{"empty dir", func(c *config.Config) { c.Ledger.Dir = "" }},
		{"kafka topic without brokers", func(c *config.Config) { c.Kafka.Topic = "t" }},
		{"zero grace", func(c *config.Config) { c.Keys.GracePeriod = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

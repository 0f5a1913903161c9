// Package config loads ledger configuration from ledger.yaml and LEDGER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lock backends.
const (
	LockBackendFile     = "file"
	LockBackendPostgres = "postgres"
)

// Config is the complete ledger configuration.
type Config struct {
	Ledger   LedgerConfig
	Lock     LockConfig
	Keys     KeysConfig
	Server   ServerConfig
	Health   HealthConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	S3       S3Config

	// File is the config file that was read, or "" when none was found.
	File string
}

type LedgerConfig struct {
	Dir      string
	Required bool
}

type LockConfig struct {
	Backend       string
	Name          string
	MaxRetries    int
	RetryInterval time.Duration
	StaleTimeout  time.Duration
}

type KeysConfig struct {
	GracePeriod time.Duration
	MaxAge      time.Duration
}

type ServerConfig struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
}

type HealthConfig struct {
	Interval time.Duration
}

type PostgresConfig struct {
	URL string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type S3Config struct {
	Bucket string
	Prefix string
}

// Load reads configuration. An explicit path must exist; otherwise
// ledger.yaml is looked up in configs/ and the working directory, and its
// absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ledger")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Ledger: LedgerConfig{
			Dir:      v.GetString("ledger.dir"),
			Required: v.GetBool("ledger.required"),
		},
		Lock: LockConfig{
			Backend:       v.GetString("lock.backend"),
			Name:          v.GetString("lock.name"),
			MaxRetries:    v.GetInt("lock.max_retries"),
			RetryInterval: v.GetDuration("lock.retry_interval"),
			StaleTimeout:  v.GetDuration("lock.stale_timeout"),
		},
		Keys: KeysConfig{
			GracePeriod: v.GetDuration("keys.grace_period"),
			MaxAge:      v.GetDuration("keys.max_age"),
		},
		Server: ServerConfig{
			Port:         v.GetInt("server.port"),
			CORSOrigins:  v.GetStringSlice("server.cors_origins"),
			RateLimitRPS: v.GetInt("server.rate_limit_rps"),
		},
		Health:   HealthConfig{Interval: v.GetDuration("health.interval")},
		Postgres: PostgresConfig{URL: v.GetString("postgres.url")},
		Kafka: KafkaConfig{
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		S3: S3Config{
			Bucket: v.GetString("s3.bucket"),
			Prefix: v.GetString("s3.prefix"),
		},
		File: v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.dir", "data/ledger")
	v.SetDefault("ledger.required", true)
	v.SetDefault("lock.backend", LockBackendFile)
	v.SetDefault("lock.name", "default")
	v.SetDefault("lock.max_retries", 10)
	v.SetDefault("lock.retry_interval", "50ms")
	v.SetDefault("lock.stale_timeout", "30s")
	v.SetDefault("keys.grace_period", "48h")
	v.SetDefault("keys.max_age", "2160h")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 20)
	v.SetDefault("health.interval", "1m")
	v.SetDefault("postgres.url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
}

// Validate reports configuration errors that must stop startup.
func (c *Config) Validate() error {
	if c.Ledger.Dir == "" {
		return errors.New("config: ledger.dir is required")
	}
	switch c.Lock.Backend {
	case LockBackendFile:
	case LockBackendPostgres:
		if c.Postgres.URL == "" {
			return errors.New("config: postgres.url is required for lock.backend=postgres")
		}
	default:
		return fmt.Errorf("config: unknown lock.backend %q", c.Lock.Backend)
	}
	if c.Lock.MaxRetries < 0 {
		return errors.New("config: lock.max_retries must not be negative")
	}
	if c.Keys.GracePeriod <= 0 || c.Keys.MaxAge <= 0 {
		return errors.New("config: keys.grace_period and keys.max_age must be positive")
	}
	if (len(c.Kafka.Brokers) == 0) != (c.Kafka.Topic == "") {
		return errors.New("config: kafka.brokers and kafka.topic must be set together")
	}
	return nil
}

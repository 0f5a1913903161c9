// Package app assembles the ledger engine and its optional adapters from
// configuration. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/backup"
	"github.com/jmerrifield20/auditledger/internal/config"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/storage"
	"github.com/jmerrifield20/auditledger/internal/stream"
)

// App holds the constructed singletons. Close releases external resources.
type App struct {
	Sink      *ledger.Sink
	Registry  *keyring.Registry
	Keys      *keyring.Publisher
	Publisher *stream.KafkaPublisher
	Backup    backup.Store

	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Open wires the sink, its locker and the optional Kafka and S3 adapters.
// The sink is returned uninitialized.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	lockCfg := storage.LockConfig{
		MaxRetries:    cfg.Lock.MaxRetries,
		RetryInterval: cfg.Lock.RetryInterval,
		StaleTimeout:  cfg.Lock.StaleTimeout,
	}
	var locker storage.Locker
	switch cfg.Lock.Backend {
	case config.LockBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.pool = pool
		locker = storage.NewPostgresLocker(pool, cfg.Lock.Name, lockCfg, logger)
		logger.Info("ledger lock: postgres advisory lock", zap.String("name", cfg.Lock.Name))
	default:
		locker = storage.NewFileLocker(cfg.Ledger.Dir, lockCfg, logger)
		logger.Info("ledger lock: lock file", zap.String("dir", cfg.Ledger.Dir))
	}

	kafkaCfg := stream.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}
	var publisher ledger.ReceiptPublisher
	if kafkaCfg.Enabled() {
		p, err := stream.NewKafkaPublisher(kafkaCfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		a.Publisher = p
		publisher = p
		logger.Info("receipt stream enabled", zap.String("topic", kafkaCfg.Topic))
	}

	if cfg.S3.Bucket != "" {
		s3, err := backup.NewS3Store(ctx, cfg.S3.Bucket, cfg.S3.Prefix, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("s3 backup: %w", err)
		}
		a.Backup = s3
	} else {
		a.Backup = backup.NewFileStore(filepath.Join(cfg.Ledger.Dir, "backups"))
	}

	a.Registry = keyring.NewRegistry(filepath.Join(cfg.Ledger.Dir, ledger.KeysDir), keyring.RegistryConfig{
		GracePeriod: cfg.Keys.GracePeriod,
		MaxKeyAge:   cfg.Keys.MaxAge,
	}, logger)
	a.Keys = keyring.NewPublisher(a.Registry)
	a.Sink = ledger.NewSink(cfg.Ledger.Dir, a.Registry, ledger.Options{
		Locker:    locker,
		Publisher: publisher,
	}, logger)
	return a, nil
}

// Close flushes the receipt stream and closes the database pool.
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.logger.Warn("close kafka publisher", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresLocker is a Locker backed by a session-level PostgreSQL advisory
// lock. It lets ledger replicas on different hosts share one ledger directory
// on networked storage. The lock lives on a dedicated pooled connection and is
// released by the server if that connection dies, so no stale reclaim is
// needed.
type PostgresLocker struct {
	pool   *pgxpool.Pool
	key    int64
	cfg    LockConfig
	logger *zap.Logger
}

// NewPostgresLocker returns a PostgresLocker for the ledger identified by name.
func NewPostgresLocker(pool *pgxpool.Pool, name string, cfg LockConfig, logger *zap.Logger) *PostgresLocker {
	return &PostgresLocker{
		pool:   pool,
		key:    AdvisoryKey(name),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// AdvisoryKey derives a stable advisory lock key from a ledger name. All
// processes sharing a ledger must use the same name.
func AdvisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("auditledger:" + name))
	return int64(h.Sum64())
}

// Acquire implements Locker.
func (l *PostgresLocker) Acquire(ctx context.Context) (Lease, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire postgres connection: %w", err)
	}

	lease, err := acquireWithRetry(ctx, l.cfg, func() (Lease, error) {
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("try advisory lock: %w", err))
		}
		if !ok {
			return nil, errLockHeld
		}
		return &pgLease{conn: conn, key: l.key, logger: l.logger}, nil
	})
	if err != nil {
		conn.Release()
		return nil, err
	}
	return lease, nil
}

type pgLease struct {
	conn   *pgxpool.Conn
	key    int64
	logger *zap.Logger
	once   sync.Once
	err    error
}

// Release unlocks the advisory lock and returns the connection to the pool.
// A failed unlock destroys the connection, which drops the lock server-side.
func (p *pgLease) Release() error {
	p.once.Do(func() {
		var ok bool
		err := p.conn.QueryRow(context.Background(), "SELECT pg_advisory_unlock($1)", p.key).Scan(&ok)
		switch {
		case err != nil:
			p.err = fmt.Errorf("advisory unlock: %w", err)
		case !ok:
			p.err = ErrLockLost
		}
		if p.err != nil {
			p.logger.Warn("advisory unlock failed; closing connection", zap.Error(p.err))
			if cerr := p.conn.Conn().Close(context.Background()); cerr != nil {
				p.err = errors.Join(p.err, cerr)
			}
		}
		p.conn.Release()
	})
	return p.err
}

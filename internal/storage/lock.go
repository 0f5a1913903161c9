package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrLockTimeout is returned when the ledger lock could not be acquired within
// the configured retries. It is transient; callers may retry the operation.
var ErrLockTimeout = errors.New("storage: timed out acquiring ledger lock")

// ErrLockLost is returned by Release when the lock was reclaimed by another
// holder while it was held.
var ErrLockLost = errors.New("storage: ledger lock lost")

// errLockHeld signals a retryable contention on the lock.
var errLockHeld = errors.New("storage: lock held by another owner")

// Locker provides exclusive access to a ledger across processes.
type Locker interface {
	// Acquire blocks until the lock is held, the retries are exhausted
	// (ErrLockTimeout), or ctx is done.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release() error
}

// LockConfig bounds lock acquisition.
type LockConfig struct {
	MaxRetries    int
	RetryInterval time.Duration
	MaxInterval   time.Duration
	// StaleTimeout is the age after which a lock file is considered abandoned
	// by a crashed holder. It must exceed the longest append.
	StaleTimeout time.Duration
}

func (c LockConfig) withDefaults() LockConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = time.Second
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	return c
}

// acquireWithRetry runs try with exponential backoff until it succeeds, fails
// permanently, or MaxRetries retries have been spent.
func acquireWithRetry(ctx context.Context, cfg LockConfig, try func() (Lease, error)) (Lease, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	lease, err := backoff.Retry(ctx, try,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
	)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	return lease, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockFileName is the lock file created inside a ledger directory.
const LockFileName = ".ledger.lock"

// lockOwner is the content of a lock file.
type lockOwner struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLocker is a Locker backed by an exclusively created lock file. Locks
// older than StaleTimeout are reclaimed, so a crashed holder cannot wedge the
// ledger.
type FileLocker struct {
	path   string
	cfg    LockConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewFileLocker returns a FileLocker guarding dir.
func NewFileLocker(dir string, cfg LockConfig, logger *zap.Logger) *FileLocker {
	return &FileLocker{
		path:   filepath.Join(dir, LockFileName),
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Path returns the lock file path.
func (l *FileLocker) Path() string { return l.path }

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context) (Lease, error) {
	return acquireWithRetry(ctx, l.cfg, l.tryAcquire)
}

func (l *FileLocker) tryAcquire() (Lease, error) {
	lease, err := l.create()
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, backoff.Permanent(fmt.Errorf("acquire lock file: %w", err))
	}

	key, modTime, err := l.identify()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Released between our create and stat.
			return nil, errLockHeld
		}
		return nil, backoff.Permanent(fmt.Errorf("stat lock file: %w", err))
	}

	if age := l.now().Sub(modTime); age > l.cfg.StaleTimeout && l.reclaim(key) {
		l.logger.Warn("reclaimed stale ledger lock",
			zap.String("path", l.path),
			zap.Duration("age", age),
		)
		if lease, err := l.create(); err == nil {
			return lease, nil
		}
	}
	return nil, errLockHeld
}

func (l *FileLocker) create() (Lease, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	owner := lockOwner{
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: l.now().UTC(),
	}
	b, _ := json.Marshal(owner)
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(l.path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &fileLease{path: l.path, token: owner.Token}, nil
}

// identify returns a key naming the current lock file and its mtime. The key
// is the owner token, or the mtime when a holder crashed before writing one.
func (l *FileLocker) identify() (string, time.Time, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return "", time.Time{}, err
	}
	var owner lockOwner
	if err := ReadJSON(l.path, &owner); err == nil && owner.Token != "" {
		return owner.Token, info.ModTime(), nil
	}
	return fmt.Sprintf("mtime-%d", info.ModTime().UnixNano()), info.ModTime(), nil
}

// reclaim removes the stale lock identified by key. Reclaimers of one lock
// serialize on an exclusively created claim file named after key, and the
// lock file is removed only while it still carries key. A claim left by a
// crashed reclaimer expires after StaleTimeout.
func (l *FileLocker) reclaim(key string) bool {
	claim := l.path + staleMarker + key
	f, err := os.OpenFile(claim, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if info, serr := os.Stat(claim); serr == nil && l.now().Sub(info.ModTime()) > l.cfg.StaleTimeout {
			_ = os.Remove(claim)
		}
		return false
	}
	_ = f.Close()
	defer os.Remove(claim) //nolint:errcheck

	current, _, err := l.identify()
	if err != nil || current != key {
		return false
	}
	return os.Remove(l.path) == nil
}

type fileLease struct {
	path  string
	token string
	once  sync.Once
	err   error
}

// Release removes the lock file if it still belongs to this lease.
func (f *fileLease) Release() error {
	f.once.Do(func() {
		var owner lockOwner
		if err := ReadJSON(f.path, &owner); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				f.err = ErrLockLost
				return
			}
			f.err = fmt.Errorf("read lock file: %w", err)
			return
		}
		if owner.Token != f.token {
			f.err = ErrLockLost
			return
		}
		if err := os.Remove(f.path); err != nil {
			f.err = fmt.Errorf("remove lock file: %w", err)
		}
	})
	return f.err
}

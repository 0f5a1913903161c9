// Package keyring owns the ledger's signing keys: the registry that mints
// the active signer and keeps the previous key through its grace window,
// and the publisher that exposes the verification keys as a JWK set.
package keyring

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/signer"
	"github.com/jmerrifield20/auditledger/internal/storage"
)

const (
	rotationFile = "rotation.json"

	// DefaultGracePeriod is how long the previous key keeps verifying.
	DefaultGracePeriod = 48 * time.Hour
)

// ErrNotInitialized is returned before Initialize succeeds.
var ErrNotInitialized = errors.New("key registry not initialized")

// RegistryConfig tunes key lifecycle.
type RegistryConfig struct {
	GracePeriod time.Duration
	MaxKeyAge   time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxKeyAge <= 0 {
		c.MaxKeyAge = signer.DefaultMaxKeyAge
	}
	return c
}

// RotationStatus summarises the key lifecycle for operators.
type RotationStatus struct {
	CurrentKID     string     `json:"current_kid"`
	Algorithm      string     `json:"algorithm"`
	Fingerprint    string     `json:"fingerprint"`
	CreatedAt      time.Time  `json:"created_at"`
	AgeDays        int        `json:"age_days"`
	MaxAgeDays     int        `json:"max_age_days"`
	NeedsRotation  bool       `json:"needs_rotation"`
	PreviousKID    string     `json:"previous_kid,omitempty"`
	RotatedAt      *time.Time `json:"rotated_at,omitempty"`
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
	InGracePeriod  bool       `json:"in_grace_period"`
	ActiveKIDs     []string   `json:"active_kids"`
}

type rotationRecord struct {
	PreviousKID       string    `json:"previous_kid"`
	PreviousPublicKey string    `json:"previous_public_key"`
	PreviousCreatedAt time.Time `json:"previous_created_at"`
	RotatedAt         time.Time `json:"rotated_at"`
}

// Registry is the only component that constructs signers. It holds exactly
// one active signer and, after a rotation, the previous signer for
// verification until the grace period ends.
type Registry struct {
	dir    string
	cfg    RegistryConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	current   *signer.Signer
	previous  *signer.Signer
	rotatedAt time.Time
}

// NewRegistry returns a Registry keeping its key material in dir.
func NewRegistry(dir string, cfg RegistryConfig, logger *zap.Logger) *Registry {
	return &Registry{dir: dir, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	if r.current != nil {
		r.current.SetClock(now)
	}
}

// Initialize loads or creates the active key and restores any rotation
// record. Calling it again is a no-op.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return nil
	}
	if err := r.loadLocked(); err != nil {
		return err
	}
	r.logger.Info("key registry initialized",
		zap.String("kid", r.current.KeyID()),
		zap.Bool("in_grace_period", r.inGraceLocked()),
	)
	return nil
}

// Refresh reloads the key material when another process has rotated the
// key on disk, and reports whether the active key changed. Callers hold the
// ledger lock so the key files are never observed mid-rotation.
func (r *Registry) Refresh() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false, ErrNotInitialized
	}
	kid, err := signer.StoredKeyID(r.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Lost metadata is rebuilt by the reload below.
	case err != nil:
		return false, err
	case kid == r.current.KeyID():
		return false, nil
	}

	previous := r.current.KeyID()
	if err := r.loadLocked(); err != nil {
		return false, err
	}
	if r.current.KeyID() == previous {
		return false, nil
	}
	r.logger.Info("signing key changed on disk, reloaded",
		zap.String("previous_kid", previous),
		zap.String("kid", r.current.KeyID()),
	)
	return true, nil
}

// loadLocked replaces the registry state with what is on disk. On error the
// existing state is kept.
func (r *Registry) loadLocked() error {
	s := signer.New(r.dir, r.logger)
	s.SetClock(r.now)
	if err := s.Initialize(); err != nil {
		return fmt.Errorf("initialize signer: %w", err)
	}

	var (
		prev      *signer.Signer
		rotatedAt time.Time
		rec       rotationRecord
	)
	switch err := storage.ReadJSON(filepath.Join(r.dir, rotationFile), &rec); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("load rotation record: %w", err)
	case rec.PreviousKID != "" && rec.PreviousKID != s.KeyID():
		p, err := restorePrevious(rec)
		if err != nil {
			return fmt.Errorf("load rotation record: %w", err)
		}
		prev, rotatedAt = p, rec.RotatedAt
	}

	r.current, r.previous, r.rotatedAt = s, prev, rotatedAt
	return nil
}

func restorePrevious(rec rotationRecord) (*signer.Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(rec.PreviousPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode previous public key: %w", err)
	}
	prev, err := signer.FromPublicKey(ed25519.PublicKey(raw), rec.PreviousCreatedAt)
	if err != nil {
		return nil, err
	}
	if prev.KeyID() != rec.PreviousKID {
		return nil, fmt.Errorf("previous kid %q does not match its key: %w", rec.PreviousKID, signer.ErrKeyIDMismatch)
	}
	return prev, nil
}

// ActiveSigner returns the signer for new signatures.
func (r *Registry) ActiveSigner() (*signer.Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil, ErrNotInitialized
	}
	return r.current, nil
}

// VerificationSigners returns the active signer followed by the previous
// signer while it is inside the grace period.
func (r *Registry) VerificationSigners() []*signer.Signer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return nil
	}
	out := []*signer.Signer{r.current}
	if r.inGraceLocked() {
		out = append(out, r.previous)
	}
	return out
}

func (r *Registry) inGraceLocked() bool {
	return r.previous != nil && r.now().Sub(r.rotatedAt) < r.cfg.GracePeriod
}

// RotateKeys replaces the active key. The outgoing key verifies for the
// grace period; the rotation record is persisted so the window survives a
// restart.
func (r *Registry) RotateKeys() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", ErrNotInitialized
	}

	prev, err := signer.FromPublicKey(r.current.PublicKey(), r.current.CreatedAt())
	if err != nil {
		return "", err
	}
	kid, err := r.current.RotateKeys()
	if err != nil {
		return "", fmt.Errorf("rotate signer: %w", err)
	}
	rotatedAt := r.now().UTC()

	rec := rotationRecord{
		PreviousKID:       prev.KeyID(),
		PreviousPublicKey: base64.StdEncoding.EncodeToString(prev.PublicKey()),
		PreviousCreatedAt: prev.CreatedAt(),
		RotatedAt:         rotatedAt,
	}
	r.previous, r.rotatedAt = prev, rotatedAt
	if err := storage.WriteJSONAtomic(filepath.Join(r.dir, rotationFile), rec, 0o644); err != nil {
		// The new key is already live; only the restart grace window is lost.
		r.logger.Warn("persist rotation record failed", zap.Error(err))
	}

	r.logger.Info("signing key rotated",
		zap.String("previous_kid", prev.KeyID()),
		zap.String("kid", kid),
		zap.Duration("grace_period", r.cfg.GracePeriod),
	)
	return kid, nil
}

// CurrentKID returns the active key id, or "" before Initialize.
func (r *Registry) CurrentKID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return ""
	}
	return r.current.KeyID()
}

// ActiveKIDs returns the ids of all keys that currently verify.
func (r *Registry) ActiveKIDs() []string {
	signers := r.VerificationSigners()
	kids := make([]string, 0, len(signers))
	for _, s := range signers {
		kids = append(kids, s.KeyID())
	}
	return kids
}

// RotationStatus reports key age, rotation advice and grace state.
func (r *Registry) RotationStatus() (RotationStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return RotationStatus{}, ErrNotInitialized
	}

	now := r.now()
	created := r.current.CreatedAt()
	st := RotationStatus{
		CurrentKID:    r.current.KeyID(),
		Algorithm:     signer.Algorithm,
		Fingerprint:   r.current.Fingerprint(),
		CreatedAt:     created,
		AgeDays:       int(now.Sub(created) / (24 * time.Hour)),
		MaxAgeDays:    int(r.cfg.MaxKeyAge / (24 * time.Hour)),
		NeedsRotation: r.current.NeedsRotation(r.cfg.MaxKeyAge),
		ActiveKIDs:    []string{r.current.KeyID()},
	}
	if r.previous != nil {
		rotated := r.rotatedAt
		expires := rotated.Add(r.cfg.GracePeriod)
		st.PreviousKID = r.previous.KeyID()
		st.RotatedAt = &rotated
		st.GraceExpiresAt = &expires
		st.InGracePeriod = r.inGraceLocked()
		if st.InGracePeriod {
			st.ActiveKIDs = append(st.ActiveKIDs, st.PreviousKID)
		}
	}
	return st, nil
}

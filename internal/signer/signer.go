// Package signer manages the ledger's Ed25519 signing key on disk and
// produces and checks receipt signatures with it.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/jmerrifield20/auditledger/internal/storage"
)

const (
	// Algorithm is the signature algorithm recorded on every signature.
	Algorithm = "Ed25519"
	// JoseAlg is the JOSE name of Algorithm.
	JoseAlg = "EdDSA"

	keyFile      = "ledger-signing.key"
	pubFile      = "ledger-signing.pub"
	metaFile     = "ledger-signing.json"
	archiveStamp = "20060102T150405.000000000Z"

	// DefaultMaxKeyAge is the key age after which rotation is recommended.
	DefaultMaxKeyAge = 90 * 24 * time.Hour
)

var (
	// ErrNotInitialized is returned by Sign before Initialize succeeds.
	ErrNotInitialized = errors.New("signer not initialized")
	// ErrVerifyOnly is returned when a public-key-only signer is asked to sign.
	ErrVerifyOnly = errors.New("signer holds no private key")
	// ErrKeyIDMismatch means the persisted key metadata names another key.
	ErrKeyIDMismatch = errors.New("key metadata does not match key material")
)

// Signature is a detached signature over a payload string.
type Signature struct {
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	JoseAlg   string `json:"jose_alg"`
	Timestamp string `json:"timestamp"`
}

// VerifyResult is the outcome of Verify. Failures are reported here, never
// as errors.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	KeyID   string `json:"key_id"`
	Message string `json:"message,omitempty"`
}

type keyMeta struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	CreatedAt time.Time `json:"created_at"`
}

// Signer holds one Ed25519 keypair. A Signer created with New persists its
// key under dir; one created with FromPublicKey can only verify.
type Signer struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	kid       string
	createdAt time.Time
}

// New returns an uninitialized Signer storing its key files in dir.
func New(dir string, logger *zap.Logger) *Signer {
	return &Signer{dir: dir, logger: logger, now: time.Now}
}

// FromPublicKey returns a verify-only Signer for pub.
func FromPublicKey(pub ed25519.PublicKey, createdAt time.Time) (*Signer, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length: got %d want %d", len(pub), ed25519.PublicKeySize)
	}
	kid, err := Thumbprint(pub)
	if err != nil {
		return nil, err
	}
	return &Signer{
		logger:    zap.NewNop(),
		now:       time.Now,
		pub:       append(ed25519.PublicKey(nil), pub...),
		kid:       kid,
		createdAt: createdAt,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (s *Signer) SetClock(now func() time.Time) { s.now = now }

// Initialize loads the keypair from disk, or generates and persists a new
// one when none exists.
func (s *Signer) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := s.create(); err != nil {
		return err
	}
	s.logger.Info("generated ledger signing key", zap.String("kid", s.kid))
	return nil
}

// StoredKeyID returns the kid recorded in the key metadata under dir.
func StoredKeyID(dir string) (string, error) {
	var meta keyMeta
	if err := storage.ReadJSON(filepath.Join(dir, metaFile), &meta); err != nil {
		return "", fmt.Errorf("read key metadata: %w", err)
	}
	return meta.KeyID, nil
}

func (s *Signer) load() error {
	keyPEM, err := os.ReadFile(filepath.Join(s.dir, keyFile))
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return fmt.Errorf("decode signing key: no PRIVATE KEY block in %s", keyFile)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("parse signing key: %T is not an Ed25519 key", parsed)
	}
	pub := priv.Public().(ed25519.PublicKey)

	if pubPEM, err := os.ReadFile(filepath.Join(s.dir, pubFile)); err == nil {
		stored, err := decodePublicKey(pubPEM)
		if err != nil {
			return err
		}
		if !stored.Equal(pub) {
			return fmt.Errorf("%s does not match %s: %w", pubFile, keyFile, ErrKeyIDMismatch)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read public key: %w", err)
	}

	kid, err := Thumbprint(pub)
	if err != nil {
		return err
	}

	var meta keyMeta
	switch err := storage.ReadJSON(filepath.Join(s.dir, metaFile), &meta); {
	case err == nil:
		if meta.KeyID != kid {
			return fmt.Errorf("kid %q in %s, computed %q: %w", meta.KeyID, metaFile, kid, ErrKeyIDMismatch)
		}
	case errors.Is(err, fs.ErrNotExist):
		// Metadata lost; fall back to the key file's age.
		info, statErr := os.Stat(filepath.Join(s.dir, keyFile))
		if statErr != nil {
			return fmt.Errorf("stat signing key: %w", statErr)
		}
		meta = keyMeta{KeyID: kid, Algorithm: Algorithm, CreatedAt: info.ModTime().UTC()}
		if err := s.writeFiles(priv, meta); err != nil {
			return err
		}
	default:
		return err
	}

	s.priv, s.pub, s.kid, s.createdAt = priv, pub, kid, meta.CreatedAt
	return nil
}

func (s *Signer) create() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", s.dir, err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	kid, err := Thumbprint(pub)
	if err != nil {
		return err
	}
	meta := keyMeta{KeyID: kid, Algorithm: Algorithm, CreatedAt: s.now().UTC()}
	if err := s.writeFiles(priv, meta); err != nil {
		return err
	}
	s.priv, s.pub, s.kid, s.createdAt = priv, pub, kid, meta.CreatedAt
	return nil
}

func (s *Signer) writeFiles(priv ed25519.PrivateKey, meta keyMeta) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal signing key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := storage.WriteFileAtomic(filepath.Join(s.dir, keyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	if err := storage.WriteFileAtomic(filepath.Join(s.dir, pubFile), pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := storage.WriteJSONAtomic(filepath.Join(s.dir, metaFile), meta, 0o644); err != nil {
		return fmt.Errorf("write key metadata: %w", err)
	}
	return nil
}

func decodePublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("decode public key: no PUBLIC KEY block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: %T is not an Ed25519 key", parsed)
	}
	return pub, nil
}

// Sign signs payload with the active private key.
func (s *Signer) Sign(payload string) (Signature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pub == nil {
		return Signature{}, ErrNotInitialized
	}
	if s.priv == nil {
		return Signature{}, ErrVerifyOnly
	}
	raw, err := jwt.SigningMethodEdDSA.Sign(payload, s.priv)
	if err != nil {
		return Signature{}, fmt.Errorf("sign payload: %w", err)
	}
	return Signature{
		Signature: base64.StdEncoding.EncodeToString(raw),
		Algorithm: Algorithm,
		KeyID:     s.kid,
		JoseAlg:   JoseAlg,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Verify checks sig against payload using this signer's public key.
func (s *Signer) Verify(payload string, sig Signature) VerifyResult {
	s.mu.RLock()
	pub, kid := s.pub, s.kid
	s.mu.RUnlock()

	res := VerifyResult{KeyID: sig.KeyID}
	switch {
	case pub == nil:
		res.Message = ErrNotInitialized.Error()
	case sig.KeyID != kid:
		res.Message = fmt.Sprintf("key id %q does not match %q", sig.KeyID, kid)
	case sig.Algorithm != "" && sig.Algorithm != Algorithm:
		res.Message = fmt.Sprintf("unsupported algorithm %q", sig.Algorithm)
	case sig.JoseAlg != "" && sig.JoseAlg != JoseAlg:
		res.Message = fmt.Sprintf("unsupported jose alg %q", sig.JoseAlg)
	default:
		raw, err := base64.StdEncoding.DecodeString(sig.Signature)
		if err != nil {
			res.Message = "signature is not valid base64"
			return res
		}
		if err := jwt.SigningMethodEdDSA.Verify(payload, raw, pub); err != nil {
			res.Message = "signature verification failed"
			return res
		}
		res.Valid = true
	}
	return res
}

// RotateKeys archives the current key files under a timestamp suffix,
// generates a new keypair and returns its kid. Archived files are kept.
func (s *Signer) RotateKeys() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub == nil {
		return "", ErrNotInitialized
	}
	if s.priv == nil {
		return "", ErrVerifyOnly
	}

	suffix := "." + s.now().UTC().Format(archiveStamp)
	for _, name := range []string{keyFile, pubFile, metaFile} {
		src := filepath.Join(s.dir, name)
		if err := os.Rename(src, src+suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("archive %s: %w", name, err)
		}
	}
	old := s.kid
	if err := s.create(); err != nil {
		return "", err
	}
	s.logger.Info("rotated ledger signing key", zap.String("previous_kid", old), zap.String("kid", s.kid))
	return s.kid, nil
}

// NeedsRotation reports whether the key is older than maxAge or its key
// file is missing. A non-positive maxAge selects DefaultMaxKeyAge.
func (s *Signer) NeedsRotation(maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxKeyAge
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pub == nil {
		return true
	}
	if s.priv != nil {
		if _, err := os.Stat(filepath.Join(s.dir, keyFile)); err != nil {
			return true
		}
	}
	return s.now().Sub(s.createdAt) > maxAge
}

// KeyID returns the JWK thumbprint of the public key.
func (s *Signer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kid
}

// CreatedAt returns when the current key was generated.
func (s *Signer) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// PublicKey returns a copy of the public key, or nil before Initialize.
func (s *Signer) PublicKey() ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pub == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), s.pub...)
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of the public key.
func (s *Signer) Fingerprint() string {
	pub := s.PublicKey()
	if pub == nil {
		return ""
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}

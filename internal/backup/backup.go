// Package backup ships ledger export bundles to durable storage outside the
// ledger directory.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/storage"
)

// Store persists an export bundle and returns where it was written.
type Store interface {
	Put(ctx context.Context, bundle *ledger.ExportBundle) (string, error)
}

// ObjectKey returns the storage key for a bundle exported at t:
//
//	<prefix>/ledger/YYYY/MM/DD/export-<unix>.json
func ObjectKey(prefix string, t time.Time) string {
	t = t.UTC()
	year, month, day := t.Date()
	return path.Join(prefix, "ledger",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("export-%d.json", t.Unix()),
	)
}

// Encode returns the canonical JSON of bundle.
func Encode(bundle *ledger.ExportBundle) ([]byte, error) {
	if bundle == nil {
		return nil, errors.New("nil export bundle")
	}
	b, err := canonical.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode export bundle: %w", err)
	}
	return b, nil
}

// FileStore writes bundles under a local directory using the object key
// layout.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Put implements Store.
func (f *FileStore) Put(_ context.Context, bundle *ledger.ExportBundle) (string, error) {
	b, err := Encode(bundle)
	if err != nil {
		return "", err
	}
	p := filepath.Join(f.dir, filepath.FromSlash(ObjectKey("", bundle.ExportedAt)))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	if err := storage.WriteFileAtomic(p, b, 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return p, nil
}

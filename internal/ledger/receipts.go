package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/storage"
)

// ValidReceiptID reports whether id has the rcpt_<uuid> form. Only such ids
// are ever turned into file paths.
func ValidReceiptID(id string) bool {
	rest, ok := strings.CutPrefix(id, receiptPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil && len(rest) == 36
}

func (s *Sink) receiptPath(id string) string {
	return filepath.Join(s.receiptsDir, id+".json")
}

// GetReceipt loads a stored receipt.
func (s *Sink) GetReceipt(id string) (*Receipt, error) {
	if !s.Ready() {
		return nil, ErrNotInitialized
	}
	if !ValidReceiptID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReceiptID, id)
	}
	var r Receipt
	if err := storage.ReadJSON(s.receiptPath(id), &r); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

// ListReceipts returns up to limit receipts, newest first. A non-positive
// limit returns all of them.
func (s *Sink) ListReceipts(limit int) ([]Receipt, error) {
	if !s.Ready() {
		return nil, ErrNotInitialized
	}
	receipts, err := s.readReceipts()
	if err != nil {
		return nil, err
	}
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].Merkle.Index > receipts[j].Merkle.Index
	})
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}

// readReceipts loads every receipt file in no particular order.
func (s *Sink) readReceipts() ([]Receipt, error) {
	entries, err := os.ReadDir(s.receiptsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read receipts dir: %w", err)
	}
	out := make([]Receipt, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if e.IsDir() || !ok || !ValidReceiptID(id) {
			continue
		}
		var r Receipt
		if err := storage.ReadJSON(filepath.Join(s.receiptsDir, e.Name()), &r); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ExportLedger returns the durable state, all committed receipts in chain
// order and the current key set. Appends committed by other processes are
// included.
func (s *Sink) ExportLedger(ctx context.Context) (*ExportBundle, error) {
	_, span := tracer.Start(ctx, "ledger.ExportLedger")
	defer span.End()

	if !s.Ready() {
		return nil, ErrNotInitialized
	}
	s.mu.RLock()
	chain, st := s.chain, s.meta
	s.mu.RUnlock()
	chain, st = s.durableView(chain, st)
	st.Chain = chain.Export()
	st.LedgerHeight = st.Chain.Size

	receipts, err := s.readReceipts()
	if err != nil {
		return nil, err
	}
	committed := receipts[:0]
	for _, r := range receipts {
		if r.Merkle.Index < st.Chain.Size {
			committed = append(committed, r)
		}
	}
	sort.Slice(committed, func(i, j int) bool {
		return committed[i].Merkle.Index < committed[j].Merkle.Index
	})

	bundle := &ExportBundle{
		ExportedAt: s.now().UTC(),
		RootHash:   st.Chain.Root,
		Height:     st.Chain.Size,
		State:      st,
		Receipts:   committed,
		KeySet:     s.KeySet(),
	}
	s.logger.Info("ledger exported",
		zap.Int("height", bundle.Height),
		zap.Int("receipts", len(bundle.Receipts)),
	)
	return bundle, nil
}

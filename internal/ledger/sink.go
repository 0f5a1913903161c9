// Package ledger records events in a durable, hash-chained log and issues
// signed receipts for them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/canonical"
	"github.com/jmerrifield20/auditledger/internal/hashchain"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/storage"
)

const (
	// StateFile holds the durable chain and its metadata.
	StateFile = "ledger_state.json"
	// ReceiptsDir holds one file per receipt.
	ReceiptsDir = "receipts"
	// KeysDir holds the signing key material.
	KeysDir = "keys"

	receiptPrefix = "rcpt_"
)

var (
	// ErrNotInitialized is returned by operations on a sink that is not ready.
	ErrNotInitialized = errors.New("ledger not initialized")
	// ErrLockTimeout means the ledger lock could not be acquired in time.
	// The append did not happen and may be retried.
	ErrLockTimeout = storage.ErrLockTimeout
	// ErrReceiptNotFound is returned by GetReceipt for an unknown id.
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrInvalidReceiptID is returned for ids that are not rcpt_<uuid>.
	ErrInvalidReceiptID = errors.New("invalid receipt id")
	// ErrInvalidEvent is returned by Append for events without an id.
	ErrInvalidEvent = errors.New("event_id is required")
)

var tracer = otel.Tracer("github.com/jmerrifield20/auditledger/internal/ledger")

// ReceiptPublisher receives every committed receipt. Delivery is best
// effort; failures are logged and never undo the append.
type ReceiptPublisher interface {
	PublishReceipt(ctx context.Context, r *Receipt) error
}

// Options configures a Sink. The zero value selects a lock file in the
// ledger directory and no publisher.
type Options struct {
	Locker    storage.Locker
	Publisher ReceiptPublisher
	Clock     func() time.Time
}

type status int

const (
	statusUninitialized status = iota
	statusInitializing
	statusReady
	statusFailed
)

func (s status) String() string {
	switch s {
	case statusInitializing:
		return "initializing"
	case statusReady:
		return "ready"
	case statusFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Sink is the ledger engine. One Sink per process and ledger directory;
// other processes sharing the directory are serialised by the Locker.
type Sink struct {
	dir         string
	receiptsDir string
	statePath   string
	registry    *keyring.Registry
	keys        *keyring.Publisher
	locker      storage.Locker
	publisher   ReceiptPublisher
	logger      *zap.Logger
	now         func() time.Time

	// appendMu queues in-process writers ahead of the cross-process lock.
	appendMu sync.Mutex

	mu     sync.RWMutex
	status status
	chain  *hashchain.Chain
	meta   State // everything but Chain
	stale  bool  // a failed commit may have partly reached disk
}

// NewSink returns an uninitialized Sink over dir. registry must manage the
// keys under dir/keys.
func NewSink(dir string, registry *keyring.Registry, opts Options, logger *zap.Logger) *Sink {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Locker == nil {
		opts.Locker = storage.NewFileLocker(dir, storage.LockConfig{}, logger)
	}
	return &Sink{
		dir:         dir,
		receiptsDir: filepath.Join(dir, ReceiptsDir),
		statePath:   filepath.Join(dir, StateFile),
		registry:    registry,
		keys:        keyring.NewPublisher(registry),
		locker:      opts.Locker,
		publisher:   opts.Publisher,
		logger:      logger,
		now:         opts.Clock,
		chain:       hashchain.New(),
	}
}

// Initialize prepares the sink: keys, crash-residue cleanup and recovery of
// the persisted chain. A chain that fails verification is fatal and leaves
// the sink failed; the returned error wraps *hashchain.CorruptionError.
func (s *Sink) Initialize(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "ledger.Initialize")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == statusReady {
		return nil
	}
	s.status = statusInitializing
	defer func() {
		if err != nil {
			s.status = statusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	for _, d := range []string{s.dir, s.receiptsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}

	// Residue is only orphaned while no other process is mid-append, and a
	// first key must not be generated by two processes at once.
	lease, err := s.locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			s.logger.Warn("release ledger lock", zap.Error(rerr))
		}
	}()

	if err := s.registry.Initialize(); err != nil {
		return fmt.Errorf("initialize keys: %w", err)
	}
	if _, err := s.registry.ActiveSigner(); err != nil {
		return fmt.Errorf("initialize keys: %w", err)
	}

	for _, d := range []string{s.dir, s.receiptsDir} {
		removed, err := storage.RemoveOrphans(d)
		for _, p := range removed {
			s.logger.Info("removed orphaned temp file", zap.String("path", p))
		}
		orphansRemovedTotal.Add(float64(len(removed)))
		if err != nil {
			return fmt.Errorf("clean orphans in %s: %w", d, err)
		}
	}

	var st State
	switch err := storage.ReadJSON(s.statePath, &st); {
	case errors.Is(err, fs.ErrNotExist):
		now := s.now().UTC()
		s.meta = State{CreatedAt: now, UpdatedAt: now}
		s.logger.Info("starting empty ledger", zap.String("dir", s.dir))
	case err != nil:
		return fmt.Errorf("load ledger state: %w", err)
	default:
		chain := hashchain.New()
		if err := chain.Import(st.Chain); err != nil {
			return fmt.Errorf("load ledger state: %w", err)
		}
		s.chain = chain
		st.Chain = hashchain.Export{}
		s.meta = st
		s.logger.Info("ledger chain verified",
			zap.Int("height", chain.Height()),
			zap.String("root", chain.Root()),
		)
	}

	if err := s.removeUncommittedReceipts(s.chain.Height()); err != nil {
		return err
	}

	heightGauge.Set(float64(s.chain.Height()))
	span.SetAttributes(attribute.Int("ledger.height", s.chain.Height()))
	s.status = statusReady
	return nil
}

// removeUncommittedReceipts deletes receipts written by an append whose
// state commit never happened. Such receipts were never returned to a caller.
func (s *Sink) removeUncommittedReceipts(height int) error {
	receipts, err := s.readReceipts()
	if err != nil {
		return err
	}
	for _, r := range receipts {
		if r.Merkle.Index < height {
			continue
		}
		p := s.receiptPath(r.ReceiptID)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove uncommitted receipt: %w", err)
		}
		orphansRemovedTotal.Inc()
		s.logger.Warn("removed uncommitted receipt",
			zap.String("receipt_id", r.ReceiptID),
			zap.Int("index", r.Merkle.Index),
			zap.Int("height", height),
		)
	}
	return nil
}

// Status returns the lifecycle state name.
func (s *Sink) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.String()
}

// Ready reports whether the sink accepts operations.
func (s *Sink) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == statusReady
}

func (s *Sink) snapshot() (*hashchain.Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != statusReady {
		return nil, ErrNotInitialized
	}
	return s.chain, nil
}

// Append records ev and returns its signed receipt. A zero timestamp is
// replaced by the current UTC time. ErrLockTimeout means nothing was written.
func (s *Sink) Append(ctx context.Context, ev Event) (_ *Receipt, err error) {
	ctx, span := tracer.Start(ctx, "ledger.Append")
	defer span.End()
	start := time.Now()
	defer func() {
		appendsTotal.WithLabelValues(resultLabel(err == nil)).Inc()
		appendDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !s.Ready() {
		return nil, ErrNotInitialized
	}
	if ev.EventID == "" {
		return nil, ErrInvalidEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	span.SetAttributes(
		attribute.String("ledger.event_id", ev.EventID),
		attribute.String("ledger.event_type", ev.EventType),
	)

	rcpt, err := s.appendLocked(ctx, ev)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("ledger.receipt_id", rcpt.ReceiptID),
		attribute.Int("ledger.index", rcpt.Merkle.Index),
	)

	if s.publisher != nil {
		if err := s.publisher.PublishReceipt(ctx, rcpt); err != nil {
			s.logger.Warn("publish receipt failed",
				zap.String("receipt_id", rcpt.ReceiptID),
				zap.Error(err),
			)
		}
	}
	return rcpt, nil
}

func (s *Sink) appendLocked(ctx context.Context, ev Event) (_ *Receipt, err error) {
	data, err := canonical.MarshalString(ev)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	waitStart := time.Now()
	lease, err := s.locker.Acquire(ctx)
	lockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			s.logger.Warn("release ledger lock", zap.Error(rerr))
		}
	}()

	if err := s.syncFromDisk(); err != nil {
		return nil, err
	}
	if _, err := s.registry.Refresh(); err != nil {
		return nil, fmt.Errorf("refresh signing key: %w", err)
	}
	active, err := s.registry.ActiveSigner()
	if err != nil {
		return nil, err
	}

	// Readers keep seeing the committed chain until the state file lands.
	s.mu.RLock()
	chain, meta := s.chain.Clone(), s.meta
	s.mu.RUnlock()

	node, proof, err := chain.Append(data)
	if err != nil {
		return nil, fmt.Errorf("append to chain: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		}
	}()

	digest, err := SigningPayload(proof.RootHash, node.Hash, ev)
	if err != nil {
		return nil, err
	}
	sig, err := active.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}

	now := s.now().UTC()
	height := chain.Height()
	rcpt := &Receipt{
		ReceiptID: receiptPrefix + uuid.NewString(),
		Event:     ev,
		Merkle: MerkleInfo{
			LeafHash: node.Hash,
			RootHash: proof.RootHash,
			Proof:    proof,
			Index:    node.Index,
		},
		Signature:     sig,
		LedgerHeight:  height,
		SchemaVersion: ev.SchemaVersion,
		PolicyVersion: ev.PolicyVersion,
		ConsentScope:  ev.ConsentScope,
		IssuedAt:      now,
	}
	if rcpt.SchemaVersion == "" {
		rcpt.SchemaVersion = DefaultSchemaVersion
	}

	receiptPath := s.receiptPath(rcpt.ReceiptID)
	if err := storage.WriteJSONAtomic(receiptPath, rcpt, 0o644); err != nil {
		return nil, fmt.Errorf("persist receipt: %w", err)
	}

	meta.LastEventID = ev.EventID
	meta.LastReceiptID = rcpt.ReceiptID
	meta.LedgerHeight = height
	meta.UpdatedAt = now
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	st := meta
	st.Chain = chain.Export()
	if err := storage.WriteJSONAtomic(s.statePath, st, 0o644); err != nil {
		if rerr := os.Remove(receiptPath); rerr != nil {
			s.logger.Error("remove receipt after failed state commit", zap.String("path", receiptPath), zap.Error(rerr))
		}
		return nil, fmt.Errorf("persist ledger state: %w", err)
	}
	committed = true

	s.mu.Lock()
	s.chain, s.meta = chain, meta
	s.mu.Unlock()
	heightGauge.Set(float64(height))

	s.logger.Debug("ledger event appended",
		zap.Int("index", node.Index),
		zap.String("event_id", ev.EventID),
		zap.String("receipt_id", rcpt.ReceiptID),
	)
	return rcpt, nil
}

// syncFromDisk reloads the chain when another process advanced the durable
// state or a failed append may have left disk out of step with memory.
// Caller holds the lock.
func (s *Sink) syncFromDisk() error {
	s.mu.RLock()
	chain, stale := s.chain, s.stale
	s.mu.RUnlock()

	var st State
	err := storage.ReadJSON(s.statePath, &st)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if chain.Height() > 0 {
			return fmt.Errorf("load ledger state: %s disappeared with %d nodes in memory", StateFile, chain.Height())
		}
		s.mu.Lock()
		s.stale = false
		s.mu.Unlock()
		return nil
	case err != nil:
		return fmt.Errorf("load ledger state: %w", err)
	}

	if !stale && st.LedgerHeight == chain.Height() && st.Chain.Root == chain.Root() {
		return nil
	}
	fresh := hashchain.New()
	if err := fresh.Import(st.Chain); err != nil {
		return fmt.Errorf("load ledger state: %w", err)
	}
	st.Chain = hashchain.Export{}

	s.mu.Lock()
	s.chain, s.meta, s.stale = fresh, st, false
	s.mu.Unlock()
	heightGauge.Set(float64(fresh.Height()))
	s.logger.Info("ledger state reloaded from disk",
		zap.Int("height", fresh.Height()),
		zap.Bool("after_failure", stale),
	)
	return nil
}

// SigningPayload is the canonical document a receipt signature covers. Offline
// verifiers rebuild it from the receipt and check it against the published key.
func SigningPayload(root, leaf string, ev Event) (string, error) {
	p, err := canonical.MarshalString(map[string]string{
		"root":      root,
		"leaf":      leaf,
		"event_id":  ev.EventID,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize signing payload: %w", err)
	}
	return p, nil
}

// VerifyChain audits the durable chain, falling back to memory before the
// first append has been persisted.
func (s *Sink) VerifyChain(ctx context.Context) (hashchain.Report, error) {
	_, span := tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	chain, err := s.snapshot()
	if err != nil {
		return hashchain.Report{}, err
	}
	var st State
	switch err := storage.ReadJSON(s.statePath, &st); {
	case errors.Is(err, fs.ErrNotExist):
		return chain.VerifyChain(), nil
	case err != nil:
		return hashchain.Report{}, fmt.Errorf("load ledger state: %w", err)
	}
	report := hashchain.VerifyExport(st.Chain)
	span.SetAttributes(attribute.Bool("ledger.chain_valid", report.Valid))
	return report, nil
}

// VerifyReceipt checks the receipt's inclusion proof against the chain and
// its signature against every key still accepted. Problems are reported in
// the result, never as an error.
func (s *Sink) VerifyReceipt(ctx context.Context, r Receipt) VerificationResult {
	_, span := tracer.Start(ctx, "ledger.VerifyReceipt")
	defer span.End()

	res := s.verifyReceipt(r)
	verificationsTotal.WithLabelValues(validLabel(res.Valid)).Inc()
	span.SetAttributes(
		attribute.String("ledger.receipt_id", r.ReceiptID),
		attribute.Bool("ledger.receipt_valid", res.Valid),
	)
	return res
}

func (s *Sink) verifyReceipt(r Receipt) VerificationResult {
	res := VerificationResult{KeyID: r.Signature.KeyID}
	chain, err := s.snapshot()
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if r.Merkle.Index >= chain.Height() {
		chain = s.refreshForRead(chain)
	}

	data, err := canonical.MarshalString(r.Event)
	if err != nil {
		res.Message = fmt.Sprintf("canonicalize event: %v", err)
		return res
	}
	p := r.Merkle.Proof
	res.MerkleValid = p.Index == r.Merkle.Index &&
		p.LeafHash == r.Merkle.LeafHash &&
		p.RootHash == r.Merkle.RootHash &&
		chain.VerifyProof(p, data)

	digest, err := SigningPayload(r.Merkle.RootHash, r.Merkle.LeafHash, r.Event)
	if err == nil {
		for _, v := range s.registry.VerificationSigners() {
			if v.Verify(digest, r.Signature).Valid {
				res.SignatureValid = true
				break
			}
		}
	}

	res.Valid = res.MerkleValid && res.SignatureValid
	switch {
	case res.Valid:
		res.Message = "receipt verified"
	case !res.MerkleValid && !res.SignatureValid:
		res.Message = "inclusion proof and signature are invalid"
	case !res.MerkleValid:
		res.Message = "inclusion proof does not match the ledger"
	default:
		res.Message = fmt.Sprintf("signature not valid for any active key (key_id %q)", r.Signature.KeyID)
	}
	return res
}

// refreshForRead loads newer durable state without taking the lock. Writes
// are atomic renames, so the file read is always a complete state.
func (s *Sink) refreshForRead(current *hashchain.Chain) *hashchain.Chain {
	chain, _ := s.durableView(current, State{})
	return chain
}

// durableView returns the state file's chain and metadata when another
// process has advanced it past current, and current with meta otherwise.
func (s *Sink) durableView(current *hashchain.Chain, meta State) (*hashchain.Chain, State) {
	var st State
	if err := storage.ReadJSON(s.statePath, &st); err != nil || st.LedgerHeight <= current.Height() {
		return current, meta
	}
	fresh := hashchain.New()
	if err := fresh.Import(st.Chain); err != nil {
		s.logger.Warn("refresh ledger state for read", zap.Error(err))
		return current, meta
	}
	st.Chain = hashchain.Export{}
	return fresh, st
}

// RootHash returns the root of the latest committed chain, including
// appends made by other processes sharing the directory.
func (s *Sink) RootHash() (string, error) {
	chain, err := s.snapshot()
	if err != nil {
		return "", err
	}
	return s.refreshForRead(chain).Root(), nil
}

// Height returns the number of committed events.
func (s *Sink) Height() (int, error) {
	chain, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	return s.refreshForRead(chain).Height(), nil
}

// KeyRotationStatus reports the signing key lifecycle.
func (s *Sink) KeyRotationStatus() (keyring.RotationStatus, error) {
	if !s.Ready() {
		return keyring.RotationStatus{}, ErrNotInitialized
	}
	return s.registry.RotationStatus()
}

// RotateKeys replaces the signing key. It holds the ledger lock, so no
// append in any process signs while the key files are being replaced.
func (s *Sink) RotateKeys(ctx context.Context) (string, error) {
	if !s.Ready() {
		return "", ErrNotInitialized
	}
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	lease, err := s.locker.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			s.logger.Warn("release ledger lock", zap.Error(rerr))
		}
	}()

	if _, err := s.registry.Refresh(); err != nil {
		return "", fmt.Errorf("refresh signing key: %w", err)
	}
	kid, err := s.registry.RotateKeys()
	if err != nil {
		return "", err
	}
	keyRotationsTotal.Inc()
	return kid, nil
}

// KeySet returns the published verification keys.
func (s *Sink) KeySet() keyring.JWKSet {
	return s.keys.KeySet()
}

// SigningKeyID returns the kid new receipts are signed with.
func (s *Sink) SigningKeyID() string {
	signer, err := s.registry.ActiveSigner()
	if err != nil {
		return ""
	}
	return signer.KeyID()
}

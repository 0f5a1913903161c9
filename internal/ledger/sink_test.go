package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/hashchain"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/internal/storage"
)

var ctx = context.Background()

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	dir      string
	sink     *ledger.Sink
	registry *keyring.Registry
	clock    *testClock
}

func newFixture(t *testing.T, dir string, opts ledger.Options) *fixture {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	reg := keyring.NewRegistry(filepath.Join(dir, ledger.KeysDir), keyring.RegistryConfig{}, zap.NewNop())
	reg.SetClock(clock.now)
	if opts.Locker == nil {
		opts.Locker = storage.NewFileLocker(dir, storage.LockConfig{
			MaxRetries:    200,
			RetryInterval: time.Millisecond,
			MaxInterval:   10 * time.Millisecond,
		}, zap.NewNop())
	}
	sink := ledger.NewSink(dir, reg, opts, zap.NewNop())
	require.NoError(t, sink.Initialize(ctx))
	return &fixture{dir: dir, sink: sink, registry: reg, clock: clock}
}

func event(id string) ledger.Event {
	return ledger.Event{
		EventID:   id,
		Timestamp: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		EventType: "memory.write",
		Operation: "create",
		Payload:   json.RawMessage(`{"record":"r-1"}`),
		ActorID:   "user-1",
	}
}

func appendN(t *testing.T, s *ledger.Sink, n int) []*ledger.Receipt {
	t.Helper()
	out := make([]*ledger.Receipt, 0, n)
	for i := 0; i < n; i++ {
		r, err := s.Append(ctx, event(fmt.Sprintf("e%d", i+1)))
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestSink_notInitialized(t *testing.T) {
	dir := t.TempDir()
	reg := keyring.NewRegistry(filepath.Join(dir, ledger.KeysDir), keyring.RegistryConfig{}, zap.NewNop())
	s := ledger.NewSink(dir, reg, ledger.Options{}, zap.NewNop())

	_, err := s.Append(ctx, event("e1"))
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
	_, err = s.Height()
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
	_, err = s.GetReceipt("rcpt_00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
	assert.Equal(t, "uninitialized", s.Status())
	assert.False(t, s.VerifyReceipt(ctx, ledger.Receipt{}).Valid)
}

func TestSink_emptyLedger(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	root, err := f.sink.RootHash()
	require.NoError(t, err)
	assert.Equal(t, hashchain.GenesisHash, root)

	report, err := f.sink.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, "ready", f.sink.Status())
}

func TestAppend_concreteScenario(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})

	r1, err := f.sink.Append(ctx, event("e1"))
	require.NoError(t, err)
	assert.Equal(t, 0, r1.Merkle.Index)
	assert.Equal(t, 1, r1.LedgerHeight)
	assert.Equal(t, r1.Merkle.LeafHash, r1.Merkle.RootHash, "single node: root is the leaf")
	assert.Empty(t, r1.Merkle.Proof.Siblings)

	r2, err := f.sink.Append(ctx, event("e2"))
	require.NoError(t, err)
	assert.Equal(t, 1, r2.Merkle.Index)
	assert.Equal(t, 2, r2.LedgerHeight)
	assert.Equal(t, []string{r1.Merkle.LeafHash}, r2.Merkle.Proof.Siblings)
	assert.Equal(t, r2.Merkle.LeafHash, r2.Merkle.RootHash)

	root, err := f.sink.RootHash()
	require.NoError(t, err)
	assert.Equal(t, r2.Merkle.LeafHash, root)

	assert.True(t, f.sink.VerifyReceipt(ctx, *r1).Valid, "e1 receipt must survive e2")
	assert.True(t, f.sink.VerifyReceipt(ctx, *r2).Valid)
	assert.Equal(t, f.sink.SigningKeyID(), r2.Signature.KeyID)
	assert.Equal(t, ledger.DefaultSchemaVersion, r2.SchemaVersion)
}

func TestAppend_fillsMissingTimestamp(t *testing.T) {
	now := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	f := newFixture(t, t.TempDir(), ledger.Options{Clock: func() time.Time { return now }})
	ev := event("e1")
	ev.Timestamp = time.Time{}
	r, err := f.sink.Append(ctx, ev)
	require.NoError(t, err)
	assert.True(t, r.Event.Timestamp.Equal(now))
}

func TestAppend_rejectsEventWithoutID(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	_, err := f.sink.Append(ctx, ledger.Event{EventType: "x"})
	assert.ErrorIs(t, err, ledger.ErrInvalidEvent)
	h, _ := f.sink.Height()
	assert.Zero(t, h)
}

func TestAppend_manyThenVerify(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	receipts := appendN(t, f.sink, 25)

	h, err := f.sink.Height()
	require.NoError(t, err)
	assert.Equal(t, 25, h)

	report, err := f.sink.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Message)

	for _, r := range receipts {
		res := f.sink.VerifyReceipt(ctx, *r)
		assert.True(t, res.Valid, "receipt %d: %s", r.Merkle.Index, res.Message)
	}
}

func TestSink_restartContinuesChain(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, ledger.Options{})
	first := appendN(t, f.sink, 3)

	g := newFixture(t, dir, ledger.Options{})
	h, err := g.sink.Height()
	require.NoError(t, err)
	assert.Equal(t, 3, h)
	assert.Equal(t, f.sink.SigningKeyID(), g.sink.SigningKeyID())
	assert.True(t, g.sink.VerifyReceipt(ctx, *first[0]).Valid)

	r, err := g.sink.Append(ctx, event("e4"))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Merkle.Index)
}

func tamperState(t *testing.T, dir string, index int) {
	t.Helper()
	path := filepath.Join(dir, ledger.StateFile)
	var st ledger.State
	require.NoError(t, storage.ReadJSON(path, &st))
	st.Chain.Nodes[index].Data = `{"event_id":"forged"}`
	require.NoError(t, storage.WriteJSONAtomic(path, st, 0o644))
}

func TestSink_detectsOnDiskTamper(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, ledger.Options{})
	appendN(t, f.sink, 6)
	tamperState(t, dir, 3)

	report, err := f.sink.VerifyChain(ctx)
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.NotNil(t, report.BrokenAt)
	assert.Equal(t, 3, *report.BrokenAt)

	reg := keyring.NewRegistry(filepath.Join(dir, ledger.KeysDir), keyring.RegistryConfig{}, zap.NewNop())
	restarted := ledger.NewSink(dir, reg, ledger.Options{}, zap.NewNop())
	err = restarted.Initialize(ctx)
	var corrupt *hashchain.CorruptionError
	require.True(t, errors.As(err, &corrupt), "want CorruptionError, got %v", err)
	assert.Equal(t, 3, corrupt.BrokenAt)
	assert.Equal(t, "failed", restarted.Status())

	_, err = restarted.Append(ctx, event("e7"))
	assert.ErrorIs(t, err, ledger.ErrNotInitialized)
}

func TestVerifyReceipt_detectsTampering(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	r := appendN(t, f.sink, 3)[1]

	forged := *r
	forged.Event.Payload = json.RawMessage(`{"record":"r-2"}`)
	res := f.sink.VerifyReceipt(ctx, forged)
	assert.False(t, res.Valid)
	assert.False(t, res.MerkleValid)

	badSig := *r
	badSig.Signature.Signature = "AAAA" + badSig.Signature.Signature[4:]
	res = f.sink.VerifyReceipt(ctx, badSig)
	assert.False(t, res.Valid)
	assert.True(t, res.MerkleValid)
	assert.False(t, res.SignatureValid)

	wrongRoot := *r
	wrongRoot.Merkle.RootHash = hashchain.GenesisHash
	assert.False(t, f.sink.VerifyReceipt(ctx, wrongRoot).Valid)
}

func TestVerifyReceipt_graceWindow(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	old := appendN(t, f.sink, 2)[0]

	oldKID := f.sink.SigningKeyID()
	newKID, err := f.sink.RotateKeys(ctx)
	require.NoError(t, err)
	require.NotEqual(t, oldKID, newKID)

	fresh, err := f.sink.Append(ctx, event("after-rotation"))
	require.NoError(t, err)
	assert.Equal(t, newKID, fresh.Signature.KeyID)

	f.clock.advance(47 * time.Hour)
	assert.True(t, f.sink.VerifyReceipt(ctx, *old).Valid, "old key verifies inside the grace window")
	assert.Len(t, f.sink.KeySet().Keys, 2)

	f.clock.advance(2 * time.Hour)
	res := f.sink.VerifyReceipt(ctx, *old)
	assert.False(t, res.Valid, "old key must stop verifying after the grace window")
	assert.True(t, res.MerkleValid)
	assert.False(t, res.SignatureValid)
	assert.True(t, f.sink.VerifyReceipt(ctx, *fresh).Valid)

	st, err := f.sink.KeyRotationStatus()
	require.NoError(t, err)
	assert.Equal(t, newKID, st.CurrentKID)
	assert.Equal(t, oldKID, st.PreviousKID)
	assert.False(t, st.InGracePeriod)
}

func TestAppend_concurrentInProcess(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})

	const n = 20
	var wg sync.WaitGroup
	results := make(chan *ledger.Receipt, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.sink.Append(ctx, event(fmt.Sprintf("c%d", i)))
			if assert.NoError(t, err) {
				results <- r
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for r := range results {
		assert.False(t, seen[r.Merkle.Index], "index %d issued twice", r.Merkle.Index)
		seen[r.Merkle.Index] = true
	}
	assert.Len(t, seen, n)

	report, err := f.sink.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestAppend_concurrentSinksShareDirectory(t *testing.T) {
	dir := t.TempDir()
	a := newFixture(t, dir, ledger.Options{})
	b := newFixture(t, dir, ledger.Options{})

	var wg sync.WaitGroup
	for _, s := range []*ledger.Sink{a.sink, b.sink} {
		wg.Add(1)
		go func(s *ledger.Sink) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.Append(ctx, event(fmt.Sprintf("x%d", i)))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	c := newFixture(t, dir, ledger.Options{})
	h, err := c.sink.Height()
	require.NoError(t, err)
	assert.Equal(t, 20, h)

	receipts, err := c.sink.ListReceipts(0)
	require.NoError(t, err)
	require.Len(t, receipts, 20)
	for _, r := range receipts {
		assert.True(t, c.sink.VerifyReceipt(ctx, r).Valid, "receipt %s", r.ReceiptID)
	}
}

func TestAppend_failedWriteLeavesLedgerUnchanged(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, ledger.Options{})
	first := appendN(t, f.sink, 1)[0]

	// Receipt writes fail while the receipts directory is a regular file.
	receiptsDir := filepath.Join(dir, ledger.ReceiptsDir)
	aside := receiptsDir + ".aside"
	require.NoError(t, os.Rename(receiptsDir, aside))
	require.NoError(t, os.WriteFile(receiptsDir, []byte("not a directory"), 0o644))

	_, err := f.sink.Append(ctx, event("e2"))
	require.Error(t, err)

	h, err := f.sink.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h)
	root, err := f.sink.RootHash()
	require.NoError(t, err)
	assert.Equal(t, first.Merkle.RootHash, root)
	assert.NoFileExists(t, filepath.Join(dir, storage.LockFileName), "lock must be released after a failed append")

	bundle, err := f.sink.ExportLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.Height)
	assert.Equal(t, first.Merkle.RootHash, bundle.RootHash)
	report, err := f.sink.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Message)

	require.NoError(t, os.Remove(receiptsDir))
	require.NoError(t, os.Rename(aside, receiptsDir))

	second, err := f.sink.Append(ctx, event("e2"))
	require.NoError(t, err)
	assert.Equal(t, 1, second.Merkle.Index)
	assert.Equal(t, 2, second.LedgerHeight)
	assert.True(t, f.sink.VerifyReceipt(ctx, *second).Valid)
}

func TestSink_readsSeeOtherProcessAppends(t *testing.T) {
	dir := t.TempDir()
	a := newFixture(t, dir, ledger.Options{})
	b := newFixture(t, dir, ledger.Options{})

	appendN(t, a.sink, 1)
	fromB, err := b.sink.Append(ctx, event("from-b"))
	require.NoError(t, err)

	h, err := a.sink.Height()
	require.NoError(t, err)
	assert.Equal(t, 2, h)
	root, err := a.sink.RootHash()
	require.NoError(t, err)
	assert.Equal(t, fromB.Merkle.RootHash, root)

	bundle, err := a.sink.ExportLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, bundle.Height)
	assert.Equal(t, fromB.Merkle.RootHash, bundle.RootHash)
	assert.Equal(t, "from-b", bundle.State.LastEventID)
	require.Len(t, bundle.Receipts, 2)
	assert.Equal(t, fromB.ReceiptID, bundle.Receipts[1].ReceiptID)
	assert.True(t, hashchain.VerifyExport(bundle.State.Chain).Valid)
}

func TestAppend_lockTimeout(t *testing.T) {
	dir := t.TempDir()
	holder := storage.NewFileLocker(dir, storage.LockConfig{}, zap.NewNop())
	f := newFixture(t, dir, ledger.Options{
		Locker: storage.NewFileLocker(dir, storage.LockConfig{
			MaxRetries:    2,
			RetryInterval: time.Millisecond,
			MaxInterval:   2 * time.Millisecond,
		}, zap.NewNop()),
	})

	lease, err := holder.Acquire(ctx)
	require.NoError(t, err)
	_, err = f.sink.Append(ctx, event("blocked"))
	assert.ErrorIs(t, err, ledger.ErrLockTimeout)
	h, _ := f.sink.Height()
	assert.Zero(t, h)

	require.NoError(t, lease.Release())
	_, err = f.sink.Append(ctx, event("unblocked"))
	require.NoError(t, err)
}

func TestRotateKeys_seenByOtherSink(t *testing.T) {
	dir := t.TempDir()
	a := newFixture(t, dir, ledger.Options{})
	b := newFixture(t, dir, ledger.Options{})
	before := appendN(t, a.sink, 1)[0]

	newKID, err := b.sink.RotateKeys(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before.Signature.KeyID, newKID)

	after, err := a.sink.Append(ctx, event("after-rotation"))
	require.NoError(t, err)
	assert.Equal(t, newKID, after.Signature.KeyID, "append reloads a key rotated by another process")
	assert.Equal(t, newKID, a.sink.SigningKeyID())
	assert.ElementsMatch(t, []string{newKID, before.Signature.KeyID}, a.registry.ActiveKIDs())

	assert.True(t, b.sink.VerifyReceipt(ctx, *after).Valid)
	assert.True(t, a.sink.VerifyReceipt(ctx, *before).Valid)
}

func TestInitialize_removesCrashResidue(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, dir, ledger.Options{})
	kept := appendN(t, f.sink, 2)

	// Simulate a crash mid-write: temp files and a receipt whose state
	// commit never happened.
	stateTmp := filepath.Join(dir, ledger.StateFile+".991."+"tmp")
	receiptTmp := filepath.Join(dir, ledger.ReceiptsDir, "rcpt_x.json.17.tmp")
	require.NoError(t, os.WriteFile(stateTmp, []byte("{partial"), 0o644))
	require.NoError(t, os.WriteFile(receiptTmp, []byte("{partial"), 0o644))

	uncommitted := *kept[1]
	uncommitted.ReceiptID = "rcpt_11111111-2222-3333-4444-555555555555"
	uncommitted.Merkle.Index = 2
	uncommittedPath := filepath.Join(dir, ledger.ReceiptsDir, uncommitted.ReceiptID+".json")
	require.NoError(t, storage.WriteJSONAtomic(uncommittedPath, uncommitted, 0o644))

	g := newFixture(t, dir, ledger.Options{})
	assert.NoFileExists(t, stateTmp)
	assert.NoFileExists(t, receiptTmp)
	assert.NoFileExists(t, uncommittedPath)

	receipts, err := g.sink.ListReceipts(0)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
	h, _ := g.sink.Height()
	assert.Equal(t, 2, h)
}

func TestGetReceipt(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	r := appendN(t, f.sink, 1)[0]

	got, err := f.sink.GetReceipt(r.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, r.Merkle, got.Merkle)
	assert.True(t, f.sink.VerifyReceipt(ctx, *got).Valid, "receipt read back from disk must verify")

	_, err = f.sink.GetReceipt("rcpt_00000000-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, ledger.ErrReceiptNotFound)

	for _, id := range []string{"../ledger_state", "rcpt_../../x", "", "receipt-1"} {
		_, err = f.sink.GetReceipt(id)
		assert.ErrorIs(t, err, ledger.ErrInvalidReceiptID, id)
	}
}

func TestListReceipts_newestFirst(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	appendN(t, f.sink, 5)

	got, err := f.sink.ListReceipts(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{4, 3, 2}, []int{got[0].Merkle.Index, got[1].Merkle.Index, got[2].Merkle.Index})
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) PublishReceipt(_ context.Context, r *ledger.Receipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, r.ReceiptID)
	return p.err
}

func TestAppend_publishesReceipts(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	f := newFixture(t, t.TempDir(), ledger.Options{Publisher: pub})

	r, err := f.sink.Append(ctx, event("e1"))
	require.NoError(t, err, "publisher failures must not fail the append")
	assert.Equal(t, []string{r.ReceiptID}, pub.ids)
}

func TestExportLedger(t *testing.T) {
	f := newFixture(t, t.TempDir(), ledger.Options{})
	receipts := appendN(t, f.sink, 3)

	bundle, err := f.sink.ExportLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, bundle.Height)
	assert.Equal(t, receipts[2].Merkle.RootHash, bundle.RootHash)
	assert.Equal(t, "e3", bundle.State.LastEventID)
	assert.Equal(t, receipts[2].ReceiptID, bundle.State.LastReceiptID)
	require.Len(t, bundle.Receipts, 3)
	assert.Equal(t, receipts[0].ReceiptID, bundle.Receipts[0].ReceiptID)
	require.Len(t, bundle.KeySet.Keys, 1)
	assert.Equal(t, f.sink.SigningKeyID(), bundle.KeySet.Keys[0].Kid)
	assert.True(t, hashchain.VerifyExport(bundle.State.Chain).Valid)
}

func TestValidReceiptID(t *testing.T) {
	assert.True(t, ledger.ValidReceiptID("rcpt_3f1c2d9e-8b7a-4c6d-9e0f-112233445566"))
	assert.False(t, ledger.ValidReceiptID("rcpt_{3f1c2d9e-8b7a-4c6d-9e0f-112233445566}"))
	assert.False(t, ledger.ValidReceiptID("3f1c2d9e-8b7a-4c6d-9e0f-112233445566"))
}

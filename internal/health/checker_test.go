package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/hashchain"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/signer"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubLedger struct {
	ready         bool
	chainValid    bool
	chainErr      error
	signingKID    string
	publishedKIDs []string
	needsRotation bool
}

func (s *stubLedger) Ready() bool               { return s.ready }
func (s *stubLedger) Height() (int, error)      { return 7, nil }
func (s *stubLedger) RootHash() (string, error) { return "root", nil }
func (s *stubLedger) SigningKeyID() string      { return s.signingKID }

func (s *stubLedger) VerifyChain(context.Context) (hashchain.Report, error) {
	return hashchain.Report{Valid: s.chainValid}, s.chainErr
}

func (s *stubLedger) KeySet() keyring.JWKSet {
	set := keyring.JWKSet{}
	for _, kid := range s.publishedKIDs {
		set.Keys = append(set.Keys, signer.JWK{Kid: kid})
	}
	return set
}

func (s *stubLedger) KeyRotationStatus() (keyring.RotationStatus, error) {
	return keyring.RotationStatus{NeedsRotation: s.needsRotation}, nil
}

func healthy() *stubLedger {
	return &stubLedger{ready: true, chainValid: true, signingKID: "k1", publishedKIDs: []string{"k1", "k0"}}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*stubLedger)
		want   string
	}{
		{"healthy", func(*stubLedger) {}, StatusOK},
		{"not ready", func(s *stubLedger) { s.ready = false }, StatusUnhealthy},
		{"broken chain", func(s *stubLedger) { s.chainValid = false }, StatusUnhealthy},
		{"chain unreadable", func(s *stubLedger) { s.chainErr = errors.New("disk") }, StatusUnhealthy},
		{"signing kid not published", func(s *stubLedger) { s.publishedKIDs = []string{"k0"} }, StatusUnhealthy},
		{"old key", func(s *stubLedger) { s.needsRotation = true }, StatusDegraded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := healthy()
			tc.mutate(l)
			r := New(l, Config{}, zap.NewNop()).Check(context.Background())
			if r.Status != tc.want {
				t.Errorf("Status = %q, want %q (report %+v)", r.Status, tc.want, r)
			}
		})
	}
}

func TestCheck_reportsKeyConsistency(t *testing.T) {
	r := New(healthy(), Config{}, zap.NewNop()).Check(context.Background())
	if !r.KIDConsistent || r.SigningKID != "k1" {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.LedgerHeight != 7 || r.RootHash != "root" {
		t.Errorf("height/root not reported: %+v", r)
	}
}

func TestLast(t *testing.T) {
	c := New(healthy(), Config{}, zap.NewNop())
	if _, ok := c.Last(); ok {
		t.Fatal("Last() before any check should report false")
	}
	c.Check(context.Background())
	r, ok := c.Last()
	if !ok || r.Status != StatusOK {
		t.Errorf("Last() = %+v, %v", r, ok)
	}
}

func TestStart_stopsOnQuit(t *testing.T) {
	c := New(healthy(), Config{CheckInterval: 5 * time.Millisecond}, zap.NewNop())
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.Start(quit)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	close(quit)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after quit")
	}
	if _, ok := c.Last(); !ok {
		t.Error("expected at least one periodic check")
	}
}

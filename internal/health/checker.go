// Package health evaluates whether the ledger is fit to serve: chain
// integrity, signing key consistency with the published key set, and key age.
package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/hashchain"
	"github.com/jmerrifield20/auditledger/internal/keyring"
)

// Status values reported by Check.
const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_health_checks_total",
	Help: "Total ledger health checks by resulting status.",
}, []string{"status"})

// Ledger is the subset of the ledger sink the checker reads.
type Ledger interface {
	Ready() bool
	Height() (int, error)
	RootHash() (string, error)
	VerifyChain(ctx context.Context) (hashchain.Report, error)
	SigningKeyID() string
	KeySet() keyring.JWKSet
	KeyRotationStatus() (keyring.RotationStatus, error)
}

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
}

// Report is the outcome of one check.
type Report struct {
	Status        string    `json:"status"`
	LedgerReady   bool      `json:"ledger_ready"`
	LedgerHeight  int       `json:"ledger_height"`
	RootHash      string    `json:"root_hash,omitempty"`
	ChainValid    bool      `json:"chain_valid"`
	ChainMessage  string    `json:"chain_message,omitempty"`
	SigningKID    string    `json:"signing_kid,omitempty"`
	PublishedKIDs []string  `json:"published_kids"`
	KIDConsistent bool      `json:"kid_consistent"`
	NeedsRotation bool      `json:"needs_rotation"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Checker runs ledger health checks on demand and periodically.
type Checker struct {
	ledger Ledger
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Report
}

// New creates a new Checker.
func New(l Ledger, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	return &Checker{ledger: l, cfg: cfg, logger: logger, now: time.Now}
}

// Check evaluates the ledger now.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Status:        StatusOK,
		LedgerReady:   c.ledger.Ready(),
		PublishedKIDs: []string{},
		CheckedAt:     c.now().UTC(),
	}
	if !r.LedgerReady {
		r.Status = StatusUnhealthy
		return c.record(r)
	}

	r.LedgerHeight, _ = c.ledger.Height()
	r.RootHash, _ = c.ledger.RootHash()

	if report, err := c.ledger.VerifyChain(ctx); err != nil {
		r.ChainMessage = err.Error()
	} else {
		r.ChainValid = report.Valid
		r.ChainMessage = report.Message
	}

	r.SigningKID = c.ledger.SigningKeyID()
	for _, k := range c.ledger.KeySet().Keys {
		r.PublishedKIDs = append(r.PublishedKIDs, k.Kid)
	}
	r.KIDConsistent = r.SigningKID != "" && slices.Contains(r.PublishedKIDs, r.SigningKID)

	if st, err := c.ledger.KeyRotationStatus(); err == nil {
		r.NeedsRotation = st.NeedsRotation
	}

	switch {
	case !r.ChainValid || !r.KIDConsistent:
		r.Status = StatusUnhealthy
	case r.NeedsRotation:
		r.Status = StatusDegraded
	}
	return c.record(r)
}

// record stores r as the latest report and logs status transitions.
func (c *Checker) record(r Report) Report {
	healthChecksTotal.WithLabelValues(r.Status).Inc()

	c.mu.Lock()
	prev := c.last
	c.last = &r
	c.mu.Unlock()

	if prev == nil || prev.Status != r.Status {
		fields := []zap.Field{
			zap.String("status", r.Status),
			zap.Bool("chain_valid", r.ChainValid),
			zap.Bool("kid_consistent", r.KIDConsistent),
			zap.Bool("needs_rotation", r.NeedsRotation),
		}
		if prev != nil {
			fields = append(fields, zap.String("previous", prev.Status))
		}
		if r.Status == StatusOK {
			c.logger.Info("health: status", fields...)
		} else {
			c.logger.Warn("health: status", fields...)
		}
	}
	return r
}

// Last returns the most recent report, if any.
func (c *Checker) Last() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

// Start runs the check loop until quit is closed.
func (c *Checker) Start(quit <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CheckInterval)
			c.Check(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

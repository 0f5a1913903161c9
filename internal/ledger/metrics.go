package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Total ledger appends by result.",
	}, []string{"result"})

	appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_append_duration_seconds",
		Help:    "Append latency including lock wait and durable writes.",
		Buckets: prometheus.DefBuckets,
	})

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_lock_wait_seconds",
		Help:    "Time spent acquiring the cross-process ledger lock.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	heightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_height",
		Help: "Number of nodes in the hash chain.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_receipt_verifications_total",
		Help: "Total receipt verifications by result.",
	}, []string{"result"})

	orphansRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_orphans_removed_total",
		Help: "Temporary files and uncommitted receipts removed at startup.",
	})

	keyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_key_rotations_total",
		Help: "Total signing key rotations.",
	})
)

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func validLabel(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalid"
}

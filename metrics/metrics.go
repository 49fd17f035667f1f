// Package metrics defines the Prometheus metrics exported by the TC
// forwarder and adapts them to the tc.Metrics sink the forwarding engine
// reports through.
package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FollowUpsTotal counts corrected FOLLOW_UP messages transmitted.
	FollowUpsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tc_followups_total",
			Help: "Number of corrected FOLLOW_UP messages transmitted.",
		},
	)

	// ParkedTotal counts descriptors parked awaiting their pair.
	ParkedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tc_parked_total",
			Help: "Number of TX descriptors parked awaiting a matching SYNC or FOLLOW_UP.",
		},
	)

	// MatchedTotal counts completed SYNC/FOLLOW_UP pairings, regardless of
	// whether the resulting send succeeded.
	MatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tc_matched_total",
			Help: "Number of SYNC/FOLLOW_UP pairs matched.",
		},
	)

	// PrunedTotal counts descriptors removed for aging out of the pending
	// queue before their pair arrived.
	PrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tc_pruned_total",
			Help: "Number of TX descriptors pruned for exceeding the one-second pairing window.",
		},
	)

	// PoolSize reports the free-list pool size observed after the last
	// park operation.
	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tc_pool_size",
			Help: "Number of Txd descriptors currently sitting in the free-list pool.",
		},
	)

	// FaultsTotal counts FAULT_DETECTED dispatches that moved a port into
	// FAULTY, labeled by port number.
	FaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tc_faults_total",
			Help: "Number of FAULT_DETECTED events that moved a port into FAULTY, by port.",
		}, []string{"port"})

	// ResidenceSeconds tracks the distribution of computed residence
	// times for matched SYNC/FOLLOW_UP pairs.
	ResidenceSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tc_residence_seconds",
			Help:    "Residence time distribution for forwarded event messages.",
			Buckets: prometheus.ExponentialBuckets(1e-7, 2, 20),
		},
	)
)

func init() {
	log.Println("Prometheus metrics in tcd.metrics are registered.")
}

// Sink adapts the package-level Prometheus collectors to tc.Metrics.
type Sink struct{}

func (Sink) FollowUpSent()  { FollowUpsTotal.Inc() }
func (Sink) Parked()        { ParkedTotal.Inc() }
func (Sink) Matched()       { MatchedTotal.Inc() }
func (Sink) Pruned(n int)   { PrunedTotal.Add(float64(n)) }
func (Sink) PoolSize(n int) { PoolSize.Set(float64(n)) }

func (Sink) Residence(d time.Duration) { ResidenceSeconds.Observe(d.Seconds()) }

// Fault records a FAULT_DETECTED transition for the named port. The daemon
// calls it from the port's OnFault hook rather than through tc.Metrics,
// since faults originate at the port-dispatch layer, not inside the
// forwarding engine.
func Fault(port uint16) {
	FaultsTotal.WithLabelValues(itoa(port)).Inc()
}

// itoa avoids a strconv import for the one tiny conversion this package
// needs on its hot fault path.
func itoa(n uint16) string {
	if n == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pendingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "request_queue_pending",
		Help: "Number of requests waiting for admission.",
	}, []string{"queue"})

	activeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "request_queue_active",
		Help: "Number of requests currently executing.",
	}, []string{"queue"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "request_queue_requests_total",
		Help: "Settled requests by terminal state.",
	}, []string{"queue", "state"})

	dedupedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "request_queue_deduplicated_total",
		Help: "Requests collapsed into an identical in-flight one.",
	}, []string{"queue"})

	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_queue_wait_seconds",
		Help:    "Time between enqueueing and admission.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
	}, []string{"queue"})
)

// Snapshot is a point-in-time view of the queue recomputed from the
// internal counters on demand.
type Snapshot struct {
	Pending   int
	Active    int
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Expired   uint64
	Deduped   uint64
}

// Metrics returns the current queue state.
func (q *RequestQueue) Metrics() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Snapshot{
		Pending:   q.npend,
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Cancelled: q.cancelled,
		Expired:   q.expired,
		Deduped:   q.deduped,
	}
}

// syncGauges pushes the pending/active counts to prometheus. Callers must
// hold q.mu.
func (q *RequestQueue) syncGauges() {
	pendingGauge.WithLabelValues(q.cfg.Name).Set(float64(q.npend))
	activeGauge.WithLabelValues(q.cfg.Name).Set(float64(q.active))
}

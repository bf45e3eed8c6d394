package transport

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metrics for outgoing requests
	responseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backend_response_time_seconds",
		Help:    "Backend request response time.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .5, 1, 2.5, 5, 10, 30},
	}, []string{"path", "status"})
)

func trackResponseDuration(start time.Time, r *Request, status int) {
	responseDuration.
		WithLabelValues(r.Path, strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
}

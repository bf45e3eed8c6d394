package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	cfg "github.com/chainfolio/apiqueue/config"
)

var (
	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Number of requests.",
	}, []string{"path"})

	requestsDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_time_seconds",
		Help:    "Response time.",
		Buckets: []float64{.5, 1, 2.5, 5},
	}, []string{"path"})
)

type Metrics struct {
	server *http.Server
	path   string
}

func NewMetrics(config *cfg.Config) *Metrics {
	m := &Metrics{path: config.Metrics.Path}

	m.server = &http.Server{
		Addr:         config.Metrics.Bind,
		Handler:      m,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return m
}

func (m *Metrics) ListenAndServe() error {
	return m.server.ListenAndServe()
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.WithFields(log.Fields{
		"ip":  r.RemoteAddr,
		"uri": r.RequestURI,
	}).Debug("metrics check")

	if r.URL.Path != m.path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	promhttp.Handler().ServeHTTP(w, r)
}

func trackRequest(r *http.Request) {
	requestsCounter.WithLabelValues(r.URL.Path).Inc()
}

func trackRequestDuration(start time.Time, r *http.Request) {
	requestsDuration.
		WithLabelValues(r.URL.Path).
		Observe(time.Since(start).Seconds())
}

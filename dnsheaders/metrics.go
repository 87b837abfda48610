package dnsheaders

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	client "github.com/shruggr/go-dns-headers-client"
)

// Metrics counts header lookups by outcome. A nil *Metrics records nothing.
type Metrics struct {
	queries  *prometheus.CounterVec
	duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dnsheaders",
			Name:      "queries_total",
			Help:      "Header lookups by result (ok, no_data, bogus).",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dnsheaders",
			Name:      "query_duration_seconds",
			Help:      "Time spent resolving and decoding one header.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queries, m.duration)
	}
	return m
}

func (m *Metrics) observe(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(elapsed.Seconds())
	m.queries.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, client.ErrBogusData):
		return "bogus"
	default:
		return "no_data"
	}
}

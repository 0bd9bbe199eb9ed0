// Package metrics counts answered queries for the prometheus endpoint.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"

	"github.com/meshns/meshns/config"
	"github.com/meshns/meshns/middleware"
)

// Metrics type
type Metrics struct {
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New return new metrics
func New(cfg *config.Config) *Metrics {
	m := &Metrics{
		queries: Register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshns",
				Name:      "dns_queries_total",
				Help:      "How many DNS queries processed",
			},
			[]string{"qtype", "rcode", "proto", "authoritative"},
		)),
		duration: Register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "meshns",
				Name:      "dns_query_duration_seconds",
				Help:      "Time spent answering DNS queries",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2, 5},
			},
			[]string{"proto"},
		)),
	}

	return m
}

// Register adds c to the default registry. When an equal collector is
// already registered the existing one is returned.
func Register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}

		zlog.Warn("Metric register failed", "error", err.Error())
	}

	return c
}

// Name return middleware name
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handle interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	start := time.Now()

	ch.Next(ctx)

	w := ch.Writer
	if !w.Written() || w.Internal() || len(ch.Request.Question) == 0 {
		return
	}

	authoritative := "false"
	if msg := w.Msg(); msg != nil && msg.Authoritative {
		authoritative = "true"
	}

	m.queries.WithLabelValues(
		dns.TypeToString[ch.Request.Question[0].Qtype],
		dns.RcodeToString[w.Rcode()],
		w.Proto(),
		authoritative,
	).Inc()

	m.duration.WithLabelValues(w.Proto()).Observe(time.Since(start).Seconds())
}

const name = "metrics"

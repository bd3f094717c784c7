package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records provider traffic. Outcome is "ok" or an error kind.
type Metrics interface {
	IncGenerations(provider, outcome string)
	ObserveGeneration(provider string, durationSeconds float64)
	IncRateLimited(provider string)
	SetQuotaRemaining(provider, dimension string, remaining float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncGenerations(string, string)             {}
func (Noop) ObserveGeneration(string, float64)         {}
func (Noop) IncRateLimited(string)                     {}
func (Noop) SetQuotaRemaining(string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	generations    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
	quotaRemaining *prometheus.GaugeVec
}

// NewProm registers the collectors on the default registerer.
func NewProm(namespace string) *Prom {
	return NewPromWith(prometheus.DefaultRegisterer, namespace)
}

// NewPromWith registers the collectors on reg. Building a second Prom for the
// same registerer and namespace reuses the collectors already registered.
func NewPromWith(reg prometheus.Registerer, namespace string) *Prom {
	p := &Prom{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Duration of a generation by provider, through the end of the response or stream",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Generations rejected locally by the rate limiter",
		}, []string{"provider"}),
		quotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Remaining quota reported by the backend",
		}, []string{"provider", "dimension"}),
	}
	p.generations = register(reg, p.generations)
	p.latency = register(reg, p.latency)
	p.rateLimited = register(reg, p.rateLimited)
	p.quotaRemaining = register(reg, p.quotaRemaining)
	return p
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (p *Prom) IncGenerations(provider, outcome string) {
	p.generations.WithLabelValues(provider, outcome).Inc()
}

func (p *Prom) ObserveGeneration(provider string, durationSeconds float64) {
	p.latency.WithLabelValues(provider).Observe(durationSeconds)
}

func (p *Prom) IncRateLimited(provider string) {
	p.rateLimited.WithLabelValues(provider).Inc()
}

func (p *Prom) SetQuotaRemaining(provider, dimension string, remaining float64) {
	p.quotaRemaining.WithLabelValues(provider, dimension).Set(remaining)
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors of a security context.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sessionkit"

// Outcome labels.
const (
	OutcomeValid         = "valid"
	OutcomeInvalid       = "invalid"
	OutcomeNoCredentials = "no_credentials"
	OutcomeUndetermined  = "undetermined"

	ResultSuccess = "success"
	ResultFailure = "failure"

	LookupHit  = "hit"
	LookupMiss = "miss"
)

type Metrics struct {
	sessionInits    *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	csrfFetches     *prometheus.CounterVec
	permLookups     *prometheus.CounterVec
	retries         prometheus.Counter
	authenticated   prometheus.Gauge
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionInits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_init_total",
				Help:      "Session initializations by outcome.",
			},
			[]string{"outcome"},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Refresh token exchanges by result.",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_refresh_duration_seconds",
			Help:      "Latency of refresh token exchanges.",
			Buckets:   prometheus.DefBuckets,
		}),
		csrfFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csrf_fetch_total",
				Help:      "CSRF token fetches by result.",
			},
			[]string{"result"},
		),
		permLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permission_cache_lookups_total",
				Help:      "Permission cache lookups by hit or miss.",
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Requests replayed after a token refresh.",
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authenticated",
			Help:      "1 while the session holds a valid access token.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessionInits,
			m.refreshes,
			m.refreshDuration,
			m.csrfFetches,
			m.permLookups,
			m.retries,
			m.authenticated,
		)
	}
	return m
}

func (m *Metrics) SessionInit(outcome string) {
	if m == nil {
		return
	}
	m.sessionInits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result(err)).Inc()
	m.refreshDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) CSRFFetch(err error) {
	if m == nil {
		return
	}
	m.csrfFetches.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) PermissionLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.permLookups.WithLabelValues(LookupHit).Inc()
	} else {
		m.permLookups.WithLabelValues(LookupMiss).Inc()
	}
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) SetAuthenticated(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.authenticated.Set(1)
	} else {
		m.authenticated.Set(0)
	}
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

package http

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sentinel-Gate/governor/internal/domain/governance"
	"github.com/Sentinel-Gate/governor/internal/domain/ledger"
	"github.com/Sentinel-Gate/governor/internal/domain/policy"
	"github.com/Sentinel-Gate/governor/internal/domain/routing"
	"github.com/Sentinel-Gate/governor/internal/service"
)

// Metrics holds all Prometheus metrics for the governor.
// It implements service.DecisionObserver and subscribes to committed ledger entries.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	DecisionsTotal     *prometheus.CounterVec
	DecisionDuration   prometheus.Histogram
	ErrorsTotal        *prometheus.CounterVec
	ReplayRejections   prometheus.Counter
	ShortCircuitsTotal prometheus.Counter
	OverridesTotal     prometheus.Counter

	LedgerAppendDuration *prometheus.HistogramVec
	LedgerLength         prometheus.Gauge
	LedgerEntriesTotal   *prometheus.CounterVec
	EventDropsTotal      prometheus.CounterFunc
}

// NewMetrics creates and registers all metrics with the given registry.
// dropped may be nil when no event bus is running.
func NewMetrics(reg prometheus.Registerer, dropped func() int64) *Metrics {
	if dropped == nil {
		dropped = func() int64 { return 0 }
	}
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "http_requests_total",
				Help:      "Total number of ops HTTP requests",
			},
			[]string{"route", "status"}, // status=2xx/3xx/4xx/5xx
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "http_request_duration_seconds",
				Help:      "Ops HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "decisions_total",
				Help:      "Committed governance decisions",
			},
			[]string{"decision", "risk_grade"},
		),
		DecisionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "decision_duration_seconds",
				Help:      "Evaluate latency including the ledger write",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		ErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "errors_total",
				Help:      "Rejected or failed evaluations by error code",
			},
			[]string{"code"},
		),
		ReplayRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "replay_rejections_total",
				Help:      "Evaluations rejected as nonce or request replays",
			},
		),
		ShortCircuitsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "router_short_circuits_total",
				Help:      "Low-risk decisions answered from the router cache",
			},
		),
		OverridesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "router_risk_overrides_total",
				Help:      "Policy verdicts tightened by high risk",
			},
		),
		LedgerAppendDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "governor",
				Name:      "ledger_append_duration_seconds",
				Help:      "Durable ledger write latency",
				Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .5, 1, 5},
			},
			[]string{"status"},
		),
		LedgerLength: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "governor",
				Name:      "ledger_length",
				Help:      "Number of committed ledger entries",
			},
		),
		LedgerEntriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "ledger_entries_total",
				Help:      "Committed ledger entries by payload kind",
			},
			[]string{"kind"},
		),
		EventDropsTotal: promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "governor",
				Name:      "event_drops_total",
				Help:      "Ledger events not delivered to subscribers due to backpressure",
			},
			func() float64 { return float64(dropped()) },
		),
	}
}

// ObserveDecision records one committed decision.
func (m *Metrics) ObserveDecision(decision policy.Decision, grade routing.RiskGrade, shortCircuit, overridden bool, elapsed time.Duration) {
	m.DecisionsTotal.WithLabelValues(decision.String(), grade.String()).Inc()
	m.DecisionDuration.Observe(elapsed.Seconds())
	if shortCircuit {
		m.ShortCircuitsTotal.Inc()
	}
	if overridden {
		m.OverridesTotal.Inc()
	}
}

// ObserveError records one failed evaluation.
func (m *Metrics) ObserveError(code governance.Code) {
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
	if code == governance.CodeReplay {
		m.ReplayRejections.Inc()
	}
}

// ObserveLedgerAppend matches service.WithAppendObserver.
func (m *Metrics) ObserveLedgerAppend(d time.Duration, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	default:
		status = "error"
	}
	m.LedgerAppendDuration.WithLabelValues(status).Observe(d.Seconds())
}

// OnEntry is an event bus subscriber tracking the committed ledger.
func (m *Metrics) OnEntry(_ context.Context, e ledger.Entry) {
	m.LedgerLength.Set(float64(e.Sequence + 1))
	kind := "unknown"
	if p, err := e.Decode(); err == nil {
		kind = string(p.Kind)
	}
	m.LedgerEntriesTotal.WithLabelValues(kind).Inc()
}

var _ service.DecisionObserver = (*Metrics)(nil)

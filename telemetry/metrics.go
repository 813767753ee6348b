package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments. A nil *Metrics is valid and
// records nothing, so engines and tests can run without a registry.
type Metrics struct {
	entriesRecorded *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	settledAmount   *prometheus.CounterVec
	settleFailures  *prometheus.CounterVec
	reversals       *prometheus.CounterVec
	partialWrites   *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers every instrument. A nil registerer
// selects prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer, env string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	env = strings.TrimSpace(env)
	if env == "" {
		env = "unknown"
	}
	constLabels := prometheus.Labels{"service": "commission-engine", "env": env}

	m := &Metrics{
		entriesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "commission_entries_recorded_total",
			Help:        "Ledger entries recorded by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "commission_settlements_total",
			Help:        "Completed settlements by funding source.",
			ConstLabels: constLabels,
		}, []string{"funding_source"}),
		settledAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "commission_settled_amount_total",
			Help:        "Sum of settled net amounts by funding source.",
			ConstLabels: constLabels,
		}, []string{"funding_source"}),
		settleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "commission_settlement_failures_total",
			Help:        "Settlements that did not complete, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}), // nothing_to_settle | precondition | store
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "commission_reversals_total",
			Help:        "Payout reversals by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}), // completed | noop | partial | failed
		partialWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "commission_partial_writes_total",
			Help:        "Multi-step writes left incomplete. Each one needs reconciliation.",
			ConstLabels: constLabels,
		}, []string{"op"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "commission_http_request_duration_seconds",
			Help:        "HTTP request latency by route and status.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
	}

	registerer.MustRegister(
		m.entriesRecorded,
		m.settlements,
		m.settledAmount,
		m.settleFailures,
		m.reversals,
		m.partialWrites,
		m.httpDuration,
	)
	return m
}

// =============================================================================
// ledger.Recorder
// =============================================================================

func (m *Metrics) EntryRecorded(kind string) {
	if m == nil {
		return
	}
	m.entriesRecorded.WithLabelValues(kind).Inc()
}

func (m *Metrics) Settled(source string, amount float64) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(source).Inc()
	m.settledAmount.WithLabelValues(source).Add(amount)
}

func (m *Metrics) SettleFailed(reason string) {
	if m == nil {
		return
	}
	m.settleFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reversed(outcome string) {
	if m == nil {
		return
	}
	m.reversals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PartialWrite(op string) {
	if m == nil {
		return
	}
	m.partialWrites.WithLabelValues(op).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware observes request latency labelled by the chi route pattern,
// so ids in paths do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

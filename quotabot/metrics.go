package quotabot

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "quotabot"

// Metrics holds the bot's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	storeOpDuration  *prometheus.HistogramVec
	storeErrors      *prometheus.CounterVec
	compacted        prometheus.Counter
	resets           *prometheus.CounterVec
	commands         *prometheus.CounterVec
	policyReloads    *prometheus.CounterVec
	policyCategories prometheus.Gauge
}

// NewMetrics registers all collectors on a new registry, along with the
// go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limit decisions, by category and result.",
			},
			[]string{"category", "result"},
		),
		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "quota_store_operation_duration_seconds",
				Help:      "Latency of quota store operations.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "quota_store_errors_total",
				Help:      "Failed quota store operations.",
			},
			[]string{"op"},
		),
		compacted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "quota_records_compacted_total",
				Help:      "Expired usage records removed by compaction.",
			},
		),
		resets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "admin_resets_total",
				Help:      "Admin quota resets, by scope.",
			},
			[]string{"scope"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Metered commands, by command and outcome.",
			},
			[]string{"command", "outcome"},
		),
		policyReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "policy_reloads_total",
				Help:      "Policy table reloads, by result.",
			},
			[]string{"result"},
		),
		policyCategories: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "policy_categories",
				Help:      "Number of categories in the active policy table.",
			},
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.storeOpDuration,
		m.storeErrors,
		m.compacted,
		m.resets,
		m.commands,
		m.policyReloads,
		m.policyCategories,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeDecision(d Decision) {
	if m == nil {
		return
	}
	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	m.decisions.WithLabelValues(d.Category, result).Inc()
}

func (m *Metrics) observeStoreOp(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.storeOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) observeCompacted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.compacted.Add(float64(n))
}

func (m *Metrics) observeReset(scope string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(scope).Inc()
}

func (m *Metrics) observeCommand(command string, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) observePolicyReload(table PolicyTable, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.policyReloads.WithLabelValues("error").Inc()
		return
	}
	m.policyReloads.WithLabelValues("ok").Inc()
	m.policyCategories.Set(float64(len(table)))
}

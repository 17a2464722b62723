package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	MetricsNamespace         = "mcp_aggregator"
	MetricsSubsystemSystem   = "system"
	MetricsSubsystemDispatch = "dispatch"
	MetricsSubsystemSessions = "sessions"
	MetricsSubsystemUpstream = "upstream"
	MetricsSubsystemCatalog  = "catalog"

	MetricsVersionLabel = "version"
)

type Metrics interface {
	GetRegistry() *prometheus.Registry

	ObserveDispatch(method, outcome string, elapsed float64)
	SetPendingRequests(n int)

	IncrementSessions(transport string)
	DecrementSessions(transport string)
	IncrementFramingErrors(transport string)

	SetUpstreamReady(server string, ready bool)
	IncrementUpstreamTransitions(server, to string)

	SetCatalogEntries(kind string, count int)
}

type InstanceInfo struct {
	Name    string
	Version string
}

// metrics holds the prometheus collectors behind Metrics.
type metrics struct {
	registry *prometheus.Registry

	startTime prometheus.Gauge
	info      prometheus.Gauge

	dispatchTime *prometheus.HistogramVec
	pending      prometheus.Gauge

	sessionsActive *prometheus.GaugeVec
	framingErrors  *prometheus.CounterVec

	upstreamReady       *prometheus.GaugeVec
	upstreamTransitions *prometheus.CounterVec

	catalogEntries *prometheus.GaugeVec
}

// NewMetrics registers the gateway collectors on a fresh registry.
func NewMetrics(info InstanceInfo) Metrics {
	m := &metrics{}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: MetricsNamespace,
	}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.startTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSystem,
		Name:      "start_timestamp_seconds",
		Help:      "The time the gateway started.",
	})
	m.startTime.SetToCurrentTime()
	m.registry.MustRegister(m.startTime)

	m.info = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSystem,
		Name:      "info",
		Help:      "The gateway name and version.",
		ConstLabels: map[string]string{
			"name":              info.Name,
			MetricsVersionLabel: info.Version,
		},
	})
	m.info.Set(1)
	m.registry.MustRegister(m.info)

	m.dispatchTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystemDispatch,
			Name:      "time_seconds",
			Help:      "Time to answer a client request, by method and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		},
		[]string{"method", "outcome"},
	)
	m.registry.MustRegister(m.dispatchTime)

	m.pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemDispatch,
		Name:      "pending_requests",
		Help:      "Requests forwarded upstream and not yet answered.",
	})
	m.registry.MustRegister(m.pending)

	m.sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSessions,
		Name:      "active",
		Help:      "Open client sessions.",
	}, []string{"transport"})
	m.registry.MustRegister(m.sessionsActive)

	m.framingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemSessions,
		Name:      "framing_errors_total",
		Help:      "Malformed inbound messages.",
	}, []string{"transport"})
	m.registry.MustRegister(m.framingErrors)

	m.upstreamReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemUpstream,
		Name:      "ready",
		Help:      "1 when the upstream session is ready, else 0.",
	}, []string{"server"})
	m.registry.MustRegister(m.upstreamReady)

	m.upstreamTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemUpstream,
		Name:      "transitions_total",
		Help:      "Upstream state transitions, by target state.",
	}, []string{"server", "to"})
	m.registry.MustRegister(m.upstreamTransitions)

	m.catalogEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Subsystem: MetricsSubsystemCatalog,
		Name:      "entries",
		Help:      "Aggregated capabilities exposed to clients, by kind.",
	}, []string{"kind"})
	m.registry.MustRegister(m.catalogEntries)

	return m
}

func (m *metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *metrics) ObserveDispatch(method, outcome string, elapsed float64) {
	m.dispatchTime.With(prometheus.Labels{"method": method, "outcome": outcome}).Observe(elapsed)
}

func (m *metrics) SetPendingRequests(n int) {
	m.pending.Set(float64(n))
}

func (m *metrics) IncrementSessions(transport string) {
	m.sessionsActive.WithLabelValues(transport).Inc()
}

func (m *metrics) DecrementSessions(transport string) {
	m.sessionsActive.WithLabelValues(transport).Dec()
}

func (m *metrics) IncrementFramingErrors(transport string) {
	m.framingErrors.WithLabelValues(transport).Inc()
}

func (m *metrics) SetUpstreamReady(server string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	m.upstreamReady.WithLabelValues(server).Set(v)
}

func (m *metrics) IncrementUpstreamTransitions(server, to string) {
	m.upstreamTransitions.WithLabelValues(server, to).Inc()
}

func (m *metrics) SetCatalogEntries(kind string, count int) {
	m.catalogEntries.WithLabelValues(kind).Set(float64(count))
}

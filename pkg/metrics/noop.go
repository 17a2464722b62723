package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NoopMetrics is a no-operation implementation of the Metrics interface.
type NoopMetrics struct{}

// NewNoopMetrics creates a new instance of NoopMetrics.
func NewNoopMetrics() Metrics {
	return &NoopMetrics{}
}

// GetRegistry returns a new empty registry.
func (m *NoopMetrics) GetRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func (m *NoopMetrics) ObserveDispatch(method, outcome string, elapsed float64) {}
func (m *NoopMetrics) SetPendingRequests(n int)                                  {}
func (m *NoopMetrics) IncrementSessions(transport string)                        {}
func (m *NoopMetrics) DecrementSessions(transport string)                        {}
func (m *NoopMetrics) IncrementFramingErrors(transport string)                   {}
func (m *NoopMetrics) SetUpstreamReady(server string, ready bool)                {}
func (m *NoopMetrics) IncrementUpstreamTransitions(server, to string)            {}
func (m *NoopMetrics) SetCatalogEntries(kind string, count int)                  {}

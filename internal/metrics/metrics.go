// Package metrics exposes Prometheus instrumentation for the harness. A
// Registry is passed explicitly (no package-level default) so tests can
// register fresh collectors per case.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every harness collector.
type Metrics struct {
	ModelCalls    *prometheus.CounterVec
	ModelErrors   *prometheus.CounterVec
	TokensUsed    *prometheus.CounterVec
	ToolDispatch  *prometheus.CounterVec
	HandlerFires  *prometheus.CounterVec
	ModelDuration *prometheus.HistogramVec
}

// New creates and registers the harness collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ModelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_model_calls_total",
			Help: "Model round-trips per provider.",
		}, []string{"provider"}),
		ModelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_model_errors_total",
			Help: "Failed model calls per provider and error kind.",
		}, []string{"provider", "kind"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_tokens_total",
			Help: "Token usage per provider and direction.",
		}, []string{"provider", "direction"}),
		ToolDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_tool_dispatch_total",
			Help: "Action-deck dispatches per tool name.",
		}, []string{"tool"}),
		HandlerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gambit_handler_fires_total",
			Help: "Busy/idle/error handler invocations.",
		}, []string{"handler"}),
		ModelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gambit_model_call_seconds",
			Help:    "Model call latency per provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.ModelCalls, m.ModelErrors, m.TokensUsed,
		m.ToolDispatch, m.HandlerFires, m.ModelDuration,
	)
	return m
}

// NewNop returns collectors registered on a throwaway registry, for callers
// that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Package observability holds the Prometheus instrumentation shared by
// the memory subsystem and the admin server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the memory subsystem counters. A nil *Metrics is
// valid everywhere and records nothing.
type Metrics struct {
	MessagesIngested  prometheus.Counter
	SummarizePasses   prometheus.Counter
	SummarizeFailures prometheus.Counter
	ContextAssemblies prometheus.Counter
	TierErrors        *prometheus.CounterVec
}

// New registers the counters on the given registerer under the
// configured namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "koto"
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "messages_ingested_total",
			Help:      "Messages accepted into the short-term buffer.",
		}),
		SummarizePasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "summarize_passes_total",
			Help:      "Summarization passes triggered by the message cadence.",
		}),
		SummarizeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "summarize_failures_total",
			Help:      "Summarization passes that failed and were dropped.",
		}),
		ContextAssemblies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "context_assemblies_total",
			Help:      "Context strings assembled for generation calls.",
		}),
		TierErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "tier_errors_total",
			Help:      "Errors from a memory tier, swallowed by the coordinator.",
		}, []string{"tier"}),
	}
}

func (m *Metrics) IncIngested() {
	if m != nil {
		m.MessagesIngested.Inc()
	}
}

func (m *Metrics) IncSummarizePass() {
	if m != nil {
		m.SummarizePasses.Inc()
	}
}

func (m *Metrics) IncSummarizeFailure() {
	if m != nil {
		m.SummarizeFailures.Inc()
	}
}

func (m *Metrics) IncContextAssembly() {
	if m != nil {
		m.ContextAssemblies.Inc()
	}
}

func (m *Metrics) IncTierError(tier string) {
	if m != nil {
		m.TierErrors.WithLabelValues(tier).Inc()
	}
}

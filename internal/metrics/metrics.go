// Package metrics exposes Prometheus instrumentation for the engine and
// implements the observer hooks of the credential store, the SOAP client
// and the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/facturalink/sri-engine/internal/pipeline"
)

// Metrics collects engine counters. It satisfies credential.Observer,
// sri.Observer and pipeline.Observer.
type Metrics struct {
	credentialCacheOps *prometheus.CounterVec
	credentialLoads    *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	authorizations     *prometheus.CounterVec
	transitions        *prometheus.CounterVec
}

// New creates the metric set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		credentialCacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_credential_cache_ops_total",
			Help: "Credential cache hits, misses and evictions.",
		}, []string{"op"}),
		credentialLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_credential_loads_total",
			Help: "Credential container loads by outcome.",
		}, []string{"outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_submissions_total",
			Help: "Document submissions by reception outcome.",
		}, []string{"outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_authorization_queries_total",
			Help: "Authorization queries by authority code.",
		}, []string{"code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sri_pipeline_transitions_total",
			Help: "Pipeline state transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(
		m.credentialCacheOps,
		m.credentialLoads,
		m.submissions,
		m.authorizations,
		m.transitions,
	)
	return m
}

// CredentialCacheHit implements credential.Observer.
func (m *Metrics) CredentialCacheHit() {
	m.credentialCacheOps.WithLabelValues("hit").Inc()
}

// CredentialCacheMiss implements credential.Observer.
func (m *Metrics) CredentialCacheMiss() {
	m.credentialCacheOps.WithLabelValues("miss").Inc()
}

// CredentialEviction implements credential.Observer.
func (m *Metrics) CredentialEviction() {
	m.credentialCacheOps.WithLabelValues("eviction").Inc()
}

// CredentialLoad implements credential.Observer.
func (m *Metrics) CredentialLoad(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.credentialLoads.WithLabelValues(outcome).Inc()
}

// SubmissionOutcome implements sri.Observer.
func (m *Metrics) SubmissionOutcome(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

// AuthorizationOutcome implements sri.Observer.
func (m *Metrics) AuthorizationOutcome(code string) {
	m.authorizations.WithLabelValues(code).Inc()
}

// PipelineTransition implements pipeline.Observer.
func (m *Metrics) PipelineTransition(from, to pipeline.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

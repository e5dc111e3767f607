package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	BillingOutcomeBilled        = "billed"
	BillingOutcomeAlreadyBilled = "already_billed"
	BillingOutcomeRaceLost      = "race_lost"
	BillingOutcomeError         = "error"
)

// EngineMetrics are the Prometheus signals of the job lifecycle and billing path.
type EngineMetrics struct {
	jobTransitions   *prometheus.CounterVec
	billingOutcomes  *prometheus.CounterVec
	billedCents      *prometheus.CounterVec
	artifactFailures *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	inconsistencies  prometheus.Counter
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the process-wide engine metrics registered on the default registerer.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = NewEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// NewEngineMetrics registers a fresh set of collectors; tests pass their own registry.
func NewEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	m := &EngineMetrics{
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "genledger_job_transitions_total",
			Help:        "Job status transitions committed by the completion resolver.",
			ConstLabels: constLabels,
		}, []string{"from", "to", "trigger"}),
		billingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "genledger_billing_outcomes_total",
			Help:        "Billing reconciler outcomes by trigger.",
			ConstLabels: constLabels,
		}, []string{"trigger", "outcome"}),
		billedCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "genledger_billed_cents_total",
			Help:        "Amount charged to owner balances, in cents.",
			ConstLabels: constLabels,
		}, []string{"capability"}),
		artifactFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "genledger_artifact_failures_total",
			Help:        "Artifact slots left as placeholders by stage.",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "genledger_provider_errors_total",
			Help:        "Inference provider call failures by operation.",
			ConstLabels: constLabels,
		}, []string{"provider", "operation"}),
		inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "genledger_billing_inconsistencies_total",
			Help:        "Ledger transactions found without a matching balance application.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.jobTransitions,
		m.billingOutcomes,
		m.billedCents,
		m.artifactFailures,
		m.providerErrors,
		m.inconsistencies,
	)
	return m
}

func (m *EngineMetrics) IncJobTransition(from, to, trigger string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(from, to, trigger).Inc()
}

func (m *EngineMetrics) IncBillingOutcome(trigger, outcome string) {
	if m == nil {
		return
	}
	m.billingOutcomes.WithLabelValues(trigger, outcome).Inc()
}

func (m *EngineMetrics) AddBilledCents(capability string, cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.billedCents.WithLabelValues(capability).Add(float64(cents))
}

func (m *EngineMetrics) AddArtifactFailures(stage string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.artifactFailures.WithLabelValues(stage).Add(float64(count))
}

func (m *EngineMetrics) IncProviderError(provider, operation string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

func (m *EngineMetrics) AddInconsistencies(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.inconsistencies.Add(float64(count))
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "genledger"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{"service": serviceName, "env": environment}
}

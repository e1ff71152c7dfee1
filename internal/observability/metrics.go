package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the workflow core.
type Metrics struct {
	WorkflowsStarted  *prometheus.CounterVec
	WorkflowsFinished *prometheus.CounterVec
	ActiveInstances   *prometheus.GaugeVec
	StepDuration      *prometheus.HistogramVec
	ActivityAttempts  *prometheus.CounterVec
	ActivityRetries   *prometheus.CounterVec
	Compensations     *prometheus.CounterVec
	SignalsReceived   *prometheus.CounterVec
}

// NewMetrics creates and registers all workflow metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on an explicit registerer so tests can isolate.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_workflows_started_total",
			Help: "Workflow instances started, by kind",
		}, []string{"kind"}),
		WorkflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_workflows_finished_total",
			Help: "Workflow instances reaching a terminal status, by kind and status",
		}, []string{"kind", "status"}),
		ActiveInstances: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "veriflow_active_instances",
			Help: "Workflow instances currently in flight, by kind",
		}, []string{"kind"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veriflow_step_duration_seconds",
			Help:    "Wall-clock duration of workflow steps",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"kind", "step"}),
		ActivityAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_activity_attempts_total",
			Help: "Activity invocations, by activity name and outcome",
		}, []string{"activity", "outcome"}),
		ActivityRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_activity_retries_total",
			Help: "Activity retry sleeps performed, by activity name",
		}, []string{"activity"}),
		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_compensations_total",
			Help: "Compensation actions executed, by result",
		}, []string{"result"}),
		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veriflow_signals_received_total",
			Help: "Signals delivered to workflow instances, by signal name",
		}, []string{"signal"}),
	}
}

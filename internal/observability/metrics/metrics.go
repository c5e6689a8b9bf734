package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantforge_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantforge_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	provisionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantforge_provision_duration_seconds",
		Help:    "Duration of tenant provisioning workflows",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"result"})

	provisionStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantforge_provision_step_failures_total",
		Help: "Count of provisioning workflow failures by step",
	}, []string{"step"})

	teardownOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantforge_teardown_operations_total",
		Help: "Count of tenant teardown attempts by result",
	}, []string{"result"})

	activeTenants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantforge_active_tenants",
		Help: "Number of tenants in ACTIVE status",
	})

	dnsChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantforge_dns_changes_total",
		Help: "Count of Route53 change submissions by action and result",
	}, []string{"action", "result"})

	jobWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantforge_job_wait_duration_seconds",
		Help:    "Time spent waiting for one-shot jobs to complete",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	}, []string{"job", "result"})

	abandonedWorkflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantforge_abandoned_workflows_total",
		Help: "Count of provisioning workflows marked abandoned by the janitor",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveProvision records the duration of a provisioning workflow with a result label.
func ObserveProvision(result string, duration time.Duration) {
	provisionDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveProvisionStepFailure increments the failure counter for a workflow step.
func ObserveProvisionStepFailure(step string) {
	provisionStepFailures.WithLabelValues(step).Inc()
}

// ObserveTeardown increments the teardown counter for the given result.
func ObserveTeardown(result string) {
	teardownOperations.WithLabelValues(result).Inc()
}

// ObserveDNSChange increments the DNS change counter.
func ObserveDNSChange(action, result string) {
	dnsChanges.WithLabelValues(action, result).Inc()
}

// ObserveJobWait records the time spent waiting for a job.
func ObserveJobWait(job, result string, duration time.Duration) {
	jobWaits.WithLabelValues(job, result).Observe(duration.Seconds())
}

// ObserveAbandonedWorkflow counts a workflow closed as abandoned.
func ObserveAbandonedWorkflow() {
	abandonedWorkflows.Inc()
}

// IncrementActive increments the active tenant gauge.
func IncrementActive() {
	activeTenants.Inc()
}

// DecrementActive decrements the active tenant gauge.
func DecrementActive() {
	activeTenants.Dec()
}

// SetActive sets the active tenant gauge to a specific count.
func SetActive(count int) {
	if count < 0 {
		count = 0
	}
	activeTenants.Set(float64(count))
}

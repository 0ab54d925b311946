// Package metrics provides Prometheus metrics for the worldsim service.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Impact ledger
	impactsRecorded *prometheus.CounterVec
	impactsRejected *prometheus.CounterVec
	impactsDecayed  prometheus.Counter
	impactStatus    *prometheus.CounterVec

	// Crisis engine
	crisisTransitions *prometheus.CounterVec
	openCrises        prometheus.Gauge

	// Control arbiter
	controlShifts      *prometheus.CounterVec
	ownershipTransfers prometheus.Counter
	arbitrationLatency prometheus.Histogram
	controlShiftRate   prometheus.Gauge

	// Fatigue
	xpGains             *prometheus.CounterVec
	fatigueOverflowRate prometheus.Gauge

	// Recalculation
	jobsSubmitted    prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	unitFailures     prometheus.Counter
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	workerCount      prometheus.Gauge

	// Concurrency
	lockContention *prometheus.CounterVec

	// Alerts
	alertsRaised prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // process-wide registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager registered on the configured registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "worldsim",
		subsystem:        "core",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets, ConstLabels: m.constLabels}
}

func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	auto := promauto.With(m.registry)

	m.impactsRecorded = auto.NewCounterVec(m.counterOpts("impacts_recorded_total", "Impacts appended to the ledger by effect type"), []string{"effect_type", "severity"})
	m.impactsRejected = auto.NewCounterVec(m.counterOpts("impacts_rejected_total", "Impacts rejected at the ledger boundary"), []string{"reason"})
	m.impactsDecayed = auto.NewCounter(m.counterOpts("impacts_decayed_total", "Impacts resolved by the decay sweep"))
	m.impactStatus = auto.NewCounterVec(m.counterOpts("impact_status_transitions_total", "Impact status transitions"), []string{"to"})

	m.crisisTransitions = auto.NewCounterVec(m.counterOpts("crisis_transitions_total", "Crisis state transitions"), []string{"to"})
	m.openCrises = auto.NewGauge(m.gaugeOpts("open_crises", "Crises currently active, escalating or mitigated"))

	m.controlShifts = auto.NewCounterVec(m.counterOpts("control_shifts_total", "Control shift proposals by outcome"), []string{"outcome", "trigger"})
	m.ownershipTransfers = auto.NewCounter(m.counterOpts("ownership_transfers_total", "Region ownership transfers"))
	m.arbitrationLatency = auto.NewHistogram(m.histogramOpts("arbitration_latency_seconds", "Time spent arbitrating a control shift"))
	m.controlShiftRate = auto.NewGauge(m.gaugeOpts("control_shift_rate", "Accepted shifts in the current window divided by the configured limit"))

	m.xpGains = auto.NewCounterVec(m.counterOpts("xp_gains_total", "Experience gains by resulting fatigue state"), []string{"state"})
	m.fatigueOverflowRate = auto.NewGauge(m.gaugeOpts("fatigue_overflow_rate", "Fraction of fatigue rows at or beyond the soft cap"))

	m.jobsSubmitted = auto.NewCounter(m.counterOpts("recalc_jobs_submitted_total", "Recalculation jobs submitted"))
	m.jobsFinished = auto.NewCounterVec(m.counterOpts("recalc_jobs_finished_total", "Recalculation jobs by terminal status"), []string{"status"})
	m.jobDuration = auto.NewHistogram(m.histogramOpts("recalc_job_duration_seconds", "Wall time of recalculation jobs"))
	m.unitFailures = auto.NewCounter(m.counterOpts("recalc_unit_failures_total", "Recalculation units that failed after retries"))
	m.queueSize = auto.NewGauge(m.gaugeOpts("recalc_queue_size", "Jobs waiting in the recalculation queue"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("recalc_queue_capacity", "Capacity of the recalculation queue"))
	m.queueUtilization = auto.NewGauge(m.gaugeOpts("recalc_queue_utilization", "Queue size divided by capacity"))
	m.workerCount = auto.NewGauge(m.gaugeOpts("recalc_worker_count", "Recalculation workers running"))

	m.lockContention = auto.NewCounterVec(m.counterOpts("lock_contention_total", "Per-key lock acquisitions that timed out"), []string{"scope"})

	m.alertsRaised = auto.NewGauge(m.gaugeOpts("alerts_active", "Alerts produced by the last summary"))

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "HTTP requests by route, method and status"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_seconds", "HTTP request duration"), []string{"endpoint", "method", "status_code"})
}

// RecordImpact counts an accepted impact.
func RecordImpact(effectType, severity string) {
	globalManager.impactsRecorded.WithLabelValues(effectType, severity).Inc()
}

// RecordImpactRejected counts an impact refused at validation.
func RecordImpactRejected(reason string) {
	globalManager.impactsRejected.WithLabelValues(reason).Inc()
}

// RecordImpactDecayed counts impacts resolved by the sweep.
func RecordImpactDecayed(n int) {
	globalManager.impactsDecayed.Add(float64(n))
}

// RecordImpactStatus counts a status transition.
func RecordImpactStatus(to string) {
	globalManager.impactStatus.WithLabelValues(to).Inc()
}

// RecordCrisisTransition counts a crisis entering a state.
func RecordCrisisTransition(to string) {
	globalManager.crisisTransitions.WithLabelValues(to).Inc()
}

// UpdateOpenCrises sets the number of open crises.
func UpdateOpenCrises(n int) {
	globalManager.openCrises.Set(float64(n))
}

// RecordControlShift counts a proposal outcome ("accepted" or a rejection reason).
func RecordControlShift(outcome, trigger string) {
	globalManager.controlShifts.WithLabelValues(outcome, trigger).Inc()
}

// RecordOwnershipTransfer counts an ownership change.
func RecordOwnershipTransfer() {
	globalManager.ownershipTransfers.Inc()
}

// RecordArbitrationLatency records arbitration time in seconds.
func RecordArbitrationLatency(seconds float64) {
	globalManager.arbitrationLatency.Observe(seconds)
}

// UpdateControlShiftRate sets the windowed shift rate.
func UpdateControlShiftRate(rate float64) {
	globalManager.controlShiftRate.Set(rate)
}

// RecordXPGain counts a gain by the resulting fatigue state.
func RecordXPGain(state string) {
	globalManager.xpGains.WithLabelValues(state).Inc()
}

// UpdateFatigueOverflowRate sets the overflow fraction.
func UpdateFatigueOverflowRate(rate float64) {
	globalManager.fatigueOverflowRate.Set(rate)
}

// RecordJobSubmitted counts a submitted recalculation job.
func RecordJobSubmitted() {
	globalManager.jobsSubmitted.Inc()
}

// RecordJobFinished counts a job reaching a terminal status and its duration.
func RecordJobFinished(status string, seconds float64) {
	globalManager.jobsFinished.WithLabelValues(status).Inc()
	if seconds >= 0 {
		globalManager.jobDuration.Observe(seconds)
	}
}

// RecordUnitFailure counts a failed recalculation unit.
func RecordUnitFailure() {
	globalManager.unitFailures.Inc()
}

// UpdateQueueSize sets the current queue length.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets size/capacity.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// UpdateWorkerCount sets the number of running workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordLockContention counts a lock acquisition timeout for a scope (city, region, fatigue, impact).
func RecordLockContention(scope string) {
	globalManager.lockContention.WithLabelValues(scope).Inc()
}

// UpdateAlertsActive sets the number of alerts in the last report.
func UpdateAlertsActive(n int) {
	globalManager.alertsRaised.Set(float64(n))
}

// RecordHTTPRequest records one HTTP request and its duration in seconds.
func RecordHTTPRequest(endpoint, method, statusCode string, seconds float64) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(seconds)
}

// GetRegistry returns the registry all collectors are registered on.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// Totals gathers the registry and returns, per metric family, the sum of all
// counter and gauge samples. Used by the stats endpoint.
func Totals() (map[string]float64, error) {
	families, err := customRegistry.Gather()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGatherFailed, err)
	}
	out := make(map[string]float64, len(families))
	for _, fam := range families {
		var sum float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
		out[fam.GetName()] = sum
	}
	return out, nil
}

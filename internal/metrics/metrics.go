// Package metrics records Prometheus counters for authentication, session
// renewal and secret engine operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authAttemptsTotal *prometheus.CounterVec
	renewalsTotal     *prometheus.CounterVec
	engineOpsTotal    *prometheus.CounterVec
	engineOpDuration  *prometheus.HistogramVec
	retriedCallsTotal *prometheus.CounterVec

	metricsOnce       sync.Once
	metricsRegistered bool
)

// Renewal triggers.
const (
	TriggerInitial   = "initial"
	TriggerExpiry    = "expiry"
	TriggerForbidden = "forbidden"
)

// Operation results.
const (
	ResultSuccess  = "success"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// Recorder provides methods to record client metrics. A nil *Recorder is
// valid and records nothing.
type Recorder struct{}

// NewRecorder registers the collectors and returns a recorder.
func NewRecorder() *Recorder {
	InitMetrics()
	return &Recorder{}
}

// InitMetrics initializes all Prometheus metrics against the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		authAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultkit_auth_attempts_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"scheme", "result"},
		)

		renewalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultkit_session_renewals_total",
				Help: "Total number of session renewals by trigger",
			},
			[]string{"trigger"},
		)

		engineOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultkit_engine_operations_total",
				Help: "Total number of secret engine operations",
			},
			[]string{"engine", "operation", "result"},
		)

		engineOpDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vaultkit_engine_operation_duration_seconds",
				Help:    "Duration of secret engine operations in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"engine", "operation"},
		)

		retriedCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vaultkit_forbidden_retries_total",
				Help: "Calls retried after an authorization failure",
			},
			[]string{"operation", "result"},
		)

		metricsRegistered = true
	})
}

// RecordAuth records one authentication attempt.
func (r *Recorder) RecordAuth(scheme string, success bool) {
	if r == nil || !metricsRegistered || authAttemptsTotal == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	authAttemptsTotal.WithLabelValues(scheme, result).Inc()
}

// RecordRenewal records a session renewal.
func (r *Recorder) RecordRenewal(trigger string) {
	if r == nil || !metricsRegistered || renewalsTotal == nil {
		return
	}
	renewalsTotal.WithLabelValues(trigger).Inc()
}

// RecordRetry records the outcome of a call retried after renewal.
func (r *Recorder) RecordRetry(operation string, success bool) {
	if r == nil || !metricsRegistered || retriedCallsTotal == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultError
	}
	retriedCallsTotal.WithLabelValues(operation, result).Inc()
}

// RecordOperation records an engine operation and its duration.
func (r *Recorder) RecordOperation(engine, operation, result string, elapsed time.Duration) {
	if r == nil || !metricsRegistered {
		return
	}

	if engineOpsTotal != nil {
		engineOpsTotal.WithLabelValues(engine, operation, result).Inc()
	}

	if engineOpDuration != nil {
		engineOpDuration.WithLabelValues(engine, operation).Observe(elapsed.Seconds())
	}
}

// GetAuthAttemptsTotal returns the auth counter for testing.
func GetAuthAttemptsTotal() *prometheus.CounterVec {
	return authAttemptsTotal
}

// GetRenewalsTotal returns the renewal counter for testing.
func GetRenewalsTotal() *prometheus.CounterVec {
	return renewalsTotal
}

// GetEngineOpsTotal returns the engine operation counter for testing.
func GetEngineOpsTotal() *prometheus.CounterVec {
	return engineOpsTotal
}

// GetEngineOpDuration returns the engine duration histogram for testing.
func GetEngineOpDuration() *prometheus.HistogramVec {
	return engineOpDuration
}

// GetRetriedCallsTotal returns the retry counter for testing.
func GetRetriedCallsTotal() *prometheus.CounterVec {
	return retriedCallsTotal
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}

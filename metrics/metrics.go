// Package metrics exposes engine counters to Prometheus.
//
// Every method is safe on a nil *Metrics, so packages and tests can run
// without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/commitment-engine/core"
)

const namespace = "commitment"

type Metrics struct {
	penaltiesCreated   *prometheus.CounterVec
	penaltyTransitions *prometheus.CounterVec
	evaluationFailures prometheus.Counter
	autoAcceptFailures prometheus.Counter
	recoveryDays       *prometheus.CounterVec
	flexGrants         *prometheus.CounterVec
	notifyFailures     prometheus.Counter
	checkRuns          *prometheus.CounterVec
	checkDuration      prometheus.Histogram
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		penaltiesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "penalties_created_total",
			Help:      "Pending penalties created for missed days.",
		}, []string{"group"}),
		penaltyTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "penalty_transitions_total",
			Help:      "Penalty status transitions by target status and actor.",
		}, []string{"status", "by"}),
		evaluationFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_failures_total",
			Help:      "Penalty evaluations that failed on a collaborator.",
		}),
		autoAcceptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_accept_failures_total",
			Help:      "Expired penalties that could not be auto-accepted.",
		}),
		recoveryDays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_days_total",
			Help:      "Recovery day lifecycle events.",
		}, []string{"event"}),
		flexGrants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flex_rest_days_total",
			Help:      "Flexible rest day grants earned and used.",
		}, []string{"event"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Announcements that could not be posted.",
		}),
		checkRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_checks_total",
			Help:      "Group-wide penalty checks by outcome.",
		}, []string{"status"}),
		checkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_check_duration_seconds",
			Help:      "Time spent running one group-wide penalty check.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) PenaltyCreated(group core.GroupID) {
	if m == nil {
		return
	}
	m.penaltiesCreated.WithLabelValues(string(group)).Inc()
}

func (m *Metrics) PenaltyTransition(status core.PenaltyStatus, by core.Resolution) {
	if m == nil {
		return
	}
	m.penaltyTransitions.WithLabelValues(string(status), string(by)).Inc()
}

func (m *Metrics) EvaluationFailed() {
	if m == nil {
		return
	}
	m.evaluationFailures.Inc()
}

func (m *Metrics) AutoAcceptFailed() {
	if m == nil {
		return
	}
	m.autoAcceptFailures.Inc()
}

// RecoveryDay counts "activated", "completed" and "cancelled".
func (m *Metrics) RecoveryDay(event string) {
	if m == nil {
		return
	}
	m.recoveryDays.WithLabelValues(event).Inc()
}

// FlexGrant counts "earned" and "used".
func (m *Metrics) FlexGrant(event string) {
	if m == nil {
		return
	}
	m.flexGrants.WithLabelValues(event).Inc()
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

// CheckRun records one group check outcome and how long it took.
func (m *Metrics) CheckRun(status core.CheckRunStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.checkRuns.WithLabelValues(string(status)).Inc()
	m.checkDuration.Observe(took.Seconds())
}

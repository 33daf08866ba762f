// Package metrics exposes the engine's Prometheus collectors.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
)

const namespace = "gitsync"

// Metrics holds the engine's collectors, registered on one registry.
type Metrics struct {
	reconcileActions    *prometheus.CounterVec
	identityResolutions *prometheus.CounterVec
	linkAttempts        *prometheus.CounterVec
	queueTasks          *prometheus.CounterVec
	queueTaskDuration   *prometheus.HistogramVec
	httpRequests        *prometheus.CounterVec
}

var _ workqueue.Observer = (*Metrics)(nil)

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reconcileActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_actions_total",
				Help:      "Membership reconciler actions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		identityResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_resolutions_total",
				Help:      "Identity resolutions by the method that produced the result",
			},
			[]string{"method"},
		),
		linkAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_link_attempts_total",
				Help:      "Repository link attempts by outcome",
			},
			[]string{"outcome"},
		),
		queueTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_tasks_total",
				Help:      "Finished work queue task attempts by kind and status",
			},
			[]string{"kind", "status"},
		),
		queueTaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_task_duration_seconds",
				Help:      "Duration of work queue task attempts",
				Buckets: []float64{
					0.01, // cache hits
					0.1,
					0.5,
					1,
					5,
					30, // hosting call timeout
					60,
				},
			},
			[]string{"kind"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route pattern and status code",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveReconcile counts one reconciler action. outcome is the reconcile outcome or "error".
func (m *Metrics) ObserveReconcile(action, outcome string) {
	if m == nil {
		return
	}
	m.reconcileActions.WithLabelValues(action, outcome).Inc()
}

// ObserveIdentityResolution counts a resolution. method is a match method,
// "cache" for a cache hit, or "unresolved".
func (m *Metrics) ObserveIdentityResolution(method string) {
	if m == nil {
		return
	}
	m.identityResolutions.WithLabelValues(method).Inc()
}

// ObserveLinkAttempt counts a repository link attempt. outcome is "linked", "not_ready" or "error".
func (m *Metrics) ObserveLinkAttempt(outcome string) {
	if m == nil {
		return
	}
	m.linkAttempts.WithLabelValues(outcome).Inc()
}

// TaskFinished implements workqueue.Observer.
func (m *Metrics) TaskFinished(kind string, status workqueue.TaskStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queueTasks.WithLabelValues(kind, string(status)).Inc()
	m.queueTaskDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest counts one served request. route is the mux pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

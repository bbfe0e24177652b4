// Package metrics exposes the engine's Prometheus instruments. A nil *Recorder
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "labtrack"

// Recorder groups the collectors used across packages.
type Recorder struct {
	lockWait     *prometheus.HistogramVec
	lockTimeouts *prometheus.CounterVec
	retries      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	sweepClosed  prometheus.Counter
	events       *prometheus.CounterVec
	pushes       *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "row_lock_wait_seconds",
			Help:      "Time spent acquiring a row lock, by resource.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"resource"}),
		lockTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_lock_timeouts_total",
			Help:      "Row lock acquisitions abandoned after the timeout.",
		}, []string{"resource"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_retries_total",
			Help:      "Transactions retried after a transient failure, by operation.",
		}, []string{"operation"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Lifecycle operation outcomes by operation and result.",
		}, []string{"operation", "result"}),
		sweepClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_closed_sessions_total",
			Help:      "Sessions force-closed by the expiry sweep.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events handed to the broker, by result.",
		}, []string{"result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Web push deliveries, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(r.lockWait, r.lockTimeouts, r.retries, r.outcomes, r.sweepClosed, r.events, r.pushes)
	return r
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (r *Recorder) LockAcquired(resource string, wait time.Duration) {
	if r == nil {
		return
	}
	r.lockWait.WithLabelValues(resource).Observe(wait.Seconds())
}

func (r *Recorder) LockTimedOut(resource string) {
	if r == nil {
		return
	}
	r.lockTimeouts.WithLabelValues(resource).Inc()
}

func (r *Recorder) Retried(operation string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(operation).Inc()
}

// Outcome counts one finished operation. result is "ok" or an error kind.
func (r *Recorder) Outcome(operation, result string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(operation, result).Inc()
}

func (r *Recorder) SweepClosed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweepClosed.Add(float64(n))
}

func (r *Recorder) EventPublished(ok bool) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(result(ok)).Inc()
}

func (r *Recorder) PushSent(ok bool) {
	if r == nil {
		return
	}
	r.pushes.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valter-silva-au/teamwork-delegator/internal/core"
	"github.com/valter-silva-au/teamwork-delegator/pkg/models"
)

const metricsNamespace = "twd"

// PromMetrics exposes delegation counters to Prometheus. It implements
// core.DispatchMetrics; a nil *PromMetrics records nothing.
type PromMetrics struct {
	tasksFetched prometheus.Counter
	claims       prometheus.Counter
	spawned      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	remoteCalls  *prometheus.CounterVec
	inFlight     prometheus.GaugeFunc
}

var _ core.DispatchMetrics = (*PromMetrics)(nil)

// MustNewMetrics registers the collectors with reg and panics on a
// registration conflict. inFlight, when non-nil, backs the in-flight gauge.
func MustNewMetrics(reg prometheus.Registerer, inFlight func() int) *PromMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PromMetrics{
		tasksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_fetched_total",
			Help:      "Candidate tasks returned by the tracker.",
		}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_claims_total",
			Help:      "Tasks successfully claimed.",
		}),
		spawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_spawned_total",
			Help:      "Executions started, by workflow and model.",
		}, []string{"workflow", "model"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_failures_total",
			Help:      "Delegation attempts that failed, by error kind.",
		}, []string{"kind"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "remote_calls_total",
			Help:      "Tracker API calls, by operation and result.",
		}, []string{"op", "result"}),
	}

	collectors := []prometheus.Collector{m.tasksFetched, m.claims, m.spawned, m.failures, m.remoteCalls}
	if inFlight != nil {
		m.inFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_in_flight",
			Help:      "Dispatches between claim and spawn.",
		}, func() float64 { return float64(inFlight()) })
		collectors = append(collectors, m.inFlight)
	}
	reg.MustRegister(collectors...)
	return m
}

func (m *PromMetrics) TaskFetched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksFetched.Add(float64(n))
}

func (m *PromMetrics) DispatchClaimed() {
	if m == nil {
		return
	}
	m.claims.Inc()
}

func (m *PromMetrics) DispatchSpawned(workflow models.WorkflowVariant, model models.ModelTier) {
	if m == nil {
		return
	}
	m.spawned.WithLabelValues(string(workflow), string(model)).Inc()
}

func (m *PromMetrics) DispatchFailed(kind core.ErrorKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(kind)).Inc()
}

func (m *PromMetrics) RemoteCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteCalls.WithLabelValues(op, result).Inc()
}

// MetricsHandler serves the collectors gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	laneDepth     *prometheus.GaugeVec
	publishTotal  *prometheus.CounterVec
	dropTotal     *prometheus.CounterVec
	deliverTotal  *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	turnTotal     *prometheus.CounterVec
	toolCallTotal *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec

	sessionAppendDuration prometheus.Histogram
	sessionLoadDuration   prometheus.Histogram
	activeSessions        prometheus.Gauge

	taskFireTotal   *prometheus.CounterVec
	scheduledTasks  prometheus.Gauge
	subagentRuns    *prometheus.CounterVec
	providerRetries prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "bus_lane_depth",
					Help: "Queued inbound messages by session lane.",
				},
				[]string{"lane"},
			),
			publishTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bus_publish_total",
					Help: "Total inbound publishes by lane.",
				},
				[]string{"lane"},
			),
			dropTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bus_drop_total",
					Help: "Inbound messages rejected by backpressure, by lane.",
				},
				[]string{"lane"},
			),
			deliverTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bus_deliver_total",
					Help: "Outbound deliveries by channel and status.",
				},
				[]string{"channel", "status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by terminal state.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"state"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Completed agent turns by terminal state.",
				},
				[]string{"state"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Tool dispatches by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool invocation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sessionAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_append_duration_seconds",
					Help:    "Session turn append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Session files currently on disk.",
				},
			),
			taskFireTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_fire_total",
					Help: "Background task firings by delivery mode and status.",
				},
				[]string{"mode", "status"},
			),
			scheduledTasks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "scheduled_tasks",
					Help: "Tasks currently registered with the task manager.",
				},
			),
			subagentRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "subagent_run_total",
					Help: "Subagent runs by terminal status.",
				},
				[]string{"status"},
			),
			providerRetries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "provider_retry_total",
					Help: "Completion call retries after transient failures.",
				},
			),
		}

		prometheus.MustRegister(
			m.laneDepth, m.publishTotal, m.dropTotal, m.deliverTotal,
			m.turnDuration, m.turnTotal, m.toolCallTotal, m.toolDuration,
			m.sessionAppendDuration, m.sessionLoadDuration, m.activeSessions,
			m.taskFireTotal, m.scheduledTasks, m.subagentRuns, m.providerRetries,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any package;
// registration happens exactly once.
func EnsureRegistered() {
	getMetrics()
}

// RecordPublish records an accepted inbound publish and the resulting lane depth.
func RecordPublish(lane string, depth int) {
	m := getMetrics()
	m.publishTotal.WithLabelValues(lane).Inc()
	m.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordDrop records an inbound publish rejected by backpressure.
func RecordDrop(lane string) {
	getMetrics().dropTotal.WithLabelValues(lane).Inc()
}

// SetLaneDepth updates the queued-message gauge for a lane.
func SetLaneDepth(lane string, depth int) {
	getMetrics().laneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordDelivery records an outbound delivery attempt.
func RecordDelivery(channel string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	getMetrics().deliverTotal.WithLabelValues(channel, status).Inc()
}

// RecordTurn records a finished agent turn.
func RecordTurn(state string, d time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(state).Inc()
	m.turnDuration.WithLabelValues(state).Observe(d.Seconds())
}

// RecordToolCall records a tool dispatch.
func RecordToolCall(tool string, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m := getMetrics()
	m.toolCallTotal.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordSessionAppend records a session append duration.
func RecordSessionAppend(d time.Duration) {
	getMetrics().sessionAppendDuration.Observe(d.Seconds())
}

// RecordSessionLoad records a session load duration.
func RecordSessionLoad(d time.Duration) {
	getMetrics().sessionLoadDuration.Observe(d.Seconds())
}

// SetActiveSessions updates the session file count gauge.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordTaskFire records a background task firing.
func RecordTaskFire(mode string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	getMetrics().taskFireTotal.WithLabelValues(mode, status).Inc()
}

// SetScheduledTasks updates the registered-task gauge.
func SetScheduledTasks(n int) {
	getMetrics().scheduledTasks.Set(float64(n))
}

// RecordSubagentRun records a subagent run outcome.
func RecordSubagentRun(status string) {
	getMetrics().subagentRuns.WithLabelValues(status).Inc()
}

// RecordProviderRetry counts a retried completion call.
func RecordProviderRetry() {
	getMetrics().providerRetries.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline's Prometheus instruments.
type Collector struct {
	TasksProcessed *prometheus.CounterVec
	TaskFailures   *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	Publishes      *prometheus.CounterVec
	Heartbeats     prometheus.Counter
	Escalations    prometheus.Counter
}

// New registers the pipeline collectors on reg (the default registerer when
// nil) and returns them.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		TasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_tasks_processed_total",
				Help: "Tasks processed by type and final status",
			},
			[]string{"type", "status"},
		),
		TaskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_task_failures_total",
				Help: "Task failures by type and error class",
			},
			[]string{"type", "class"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentpipe_queue_depth",
				Help: "Scheduled posts waiting per platform",
			},
			[]string{"platform"},
		),
		Publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpipe_publishes_total",
				Help: "Platform publish attempts by outcome",
			},
			[]string{"platform", "outcome"},
		),
		Heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpipe_heartbeats_total",
				Help: "Heartbeats written to the registry",
			},
		),
		Escalations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpipe_escalations_total",
				Help: "Escalation events raised",
			},
		),
	}

	reg.MustRegister(
		c.TasksProcessed,
		c.TaskFailures,
		c.QueueDepth,
		c.Publishes,
		c.Heartbeats,
		c.Escalations,
	)
	return c
}

// Handler exposes the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

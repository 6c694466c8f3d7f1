// Package metrics exports run, node, and batch activity as Prometheus
// metrics by implementing the engine's callback interfaces.
package metrics

import (
	"context"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements stategraph.ExecutionCallbacks and
// stategraph.BatchCallbacks. It is safe for concurrent use.
type Collector struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	nodeAttemptsTotal *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec

	batchesTotal      *prometheus.CounterVec
	batchDuration     *prometheus.HistogramVec
	batchItemsTotal   *prometheus.CounterVec
	batchItemsRunning *prometheus.GaugeVec
	batchMeanScore    *prometheus.GaugeVec
}

var (
	_ stategraph.ExecutionCallbacks = (*Collector)(nil)
	_ stategraph.BatchCallbacks     = (*Collector)(nil)
)

// NewCollector registers the metrics with reg, or with the default
// registerer when reg is nil.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs",
			},
			[]string{"graph", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"graph"},
		),
		nodeAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_attempts_total",
				Help:      "Total number of node step invocations",
			},
			[]string{"graph", "node", "outcome"}, // outcome: success, failure
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_attempt_duration_seconds",
				Help:      "Node attempt duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"graph", "node"},
		),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of finished batches",
			},
			[]string{"graph"},
		),
		batchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Batch duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"graph"},
		),
		batchItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Total number of finished batch items",
			},
			[]string{"graph", "status"},
		),
		batchItemsRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_items_in_flight",
				Help:      "Batch items currently running",
			},
			[]string{"graph"},
		),
		batchMeanScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_mean_score",
				Help:      "Mean score of the most recent batch",
			},
			[]string{"graph"},
		),
	}
}

func (c *Collector) BeforeRun(ctx context.Context, event *stategraph.RunEvent) {}

func (c *Collector) AfterRun(ctx context.Context, event *stategraph.RunEvent) {
	c.runsTotal.WithLabelValues(event.GraphName, string(event.Status)).Inc()
	c.runDuration.WithLabelValues(event.GraphName).Observe(event.Duration.Seconds())
}

func (c *Collector) BeforeNode(ctx context.Context, event *stategraph.NodeEvent) {}

func (c *Collector) AfterNode(ctx context.Context, event *stategraph.NodeEvent) {
	outcome := "success"
	if event.Error != nil {
		outcome = "failure"
	}
	c.nodeAttemptsTotal.WithLabelValues(event.GraphName, event.Node, outcome).Inc()
	c.nodeDuration.WithLabelValues(event.GraphName, event.Node).Observe(event.Duration.Seconds())
}

func (c *Collector) BeforeBatch(ctx context.Context, event *stategraph.BatchEvent) {}

func (c *Collector) AfterBatch(ctx context.Context, event *stategraph.BatchEvent) {
	c.batchesTotal.WithLabelValues(event.GraphName).Inc()
	if event.Result == nil {
		return
	}
	c.batchDuration.WithLabelValues(event.GraphName).Observe(event.Result.Duration.Seconds())
	if event.Result.Score.Count > 0 {
		c.batchMeanScore.WithLabelValues(event.GraphName).Set(event.Result.Score.Mean)
	}
}

func (c *Collector) BeforeItem(ctx context.Context, event *stategraph.ItemEvent) {
	c.batchItemsRunning.WithLabelValues(event.GraphName).Inc()
}

func (c *Collector) AfterItem(ctx context.Context, event *stategraph.ItemEvent) {
	c.batchItemsRunning.WithLabelValues(event.GraphName).Dec()
	c.batchItemsTotal.WithLabelValues(event.GraphName, string(event.Status)).Inc()
}

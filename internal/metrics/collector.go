// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 编排指标收集器，实现 orchestrator.MetricsRecorder
type Collector struct {
	runsStarted        prometheus.Counter
	runsFinished       *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	slotOutcomes       *prometheus.CounterVec
	generationDuration prometheus.Histogram
	speakingGini       prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到给定 registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_started_total",
		Help:      "Total number of response runs started",
	})

	c.runsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of response runs reaching a terminal phase",
		},
		[]string{"phase"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "End-to-end response run duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)

	c.slotOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_outcomes_total",
			Help:      "Per-responder slot outcomes",
		},
		[]string{"status"},
	)

	c.generationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "generation_duration_seconds",
		Help:      "Backend generation call duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	c.speakingGini = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "speaking_gini",
		Help:      "Gini coefficient of the speaking distribution (0 = even)",
	})

	return c
}

// RunStarted 记录 Run 启动
func (c *Collector) RunStarted() {
	c.runsStarted.Inc()
}

// RunFinished 记录 Run 终结
func (c *Collector) RunFinished(phase types.RunPhase, duration time.Duration) {
	c.runsFinished.WithLabelValues(string(phase)).Inc()
	c.runDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

// SlotOutcome 记录槽位终结状态
func (c *Collector) SlotOutcome(status types.SlotStatus) {
	c.slotOutcomes.WithLabelValues(string(status)).Inc()
}

// ObserveGeneration 记录一次生成调用耗时
func (c *Collector) ObserveGeneration(duration time.Duration) {
	c.generationDuration.Observe(duration.Seconds())
}

// SetDistribution 更新发言分布基尼系数
func (c *Collector) SetDistribution(gini float64) {
	c.speakingGini.Set(gini)
}

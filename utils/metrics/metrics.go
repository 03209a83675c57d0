package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

var (
	registry  = prometheus.NewRegistry()
	logger    *zap.Logger
	reportCfg MetricsConfig
)

type MetricsConfig struct {
	ReportInterval time.Duration
	LogMetrics     bool
}

func Initialize(cfg *MetricsConfig, log *zap.Logger) {
	logger = log
	if cfg != nil {
		reportCfg = *cfg
	}
	prometheus.DefaultRegisterer = registry
}

// StartReporter logs a snapshot of every registered counter and gauge each
// ReportInterval until ctx ends. No-op unless Initialize enabled metric
// logging.
func StartReporter(ctx context.Context) {
	if !reportCfg.LogMetrics || reportCfg.ReportInterval <= 0 || logger == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(reportCfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("metrics report", snapshotFields()...)
			}
		}
	}()
}

// snapshotFields flattens the registry's counters and gauges into log
// fields, summing across label sets. Histograms are served over the scrape
// endpoint only.
func snapshotFields() []zap.Field {
	families, err := registry.Gather()
	if err != nil {
		return []zap.Field{zap.Error(err)}
	}
	fields := make([]zap.Field, 0, len(families))
	for _, family := range families {
		var total float64
		var scalar bool
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
				scalar = true
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
				scalar = true
			}
		}
		if scalar {
			fields = append(fields, zap.Float64(family.GetName(), total))
		}
	}
	return fields
}

// counterValue reads the current value of a counter through its wire
// representation.
func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// ProtectionMetrics covers the execution engine: save attempts, their
// outcomes by failure kind and the sizes involved.
type ProtectionMetrics struct {
	Attempts          prometheus.Counter
	Successes         prometheus.Counter
	Failures          prometheus.Counter
	ThresholdRejected prometheus.Counter
	SolverRejected    prometheus.Counter
	GoalMissed        prometheus.Counter
	SuccessRate       prometheus.Gauge
	ExecutionTime     prometheus.Histogram
	DeleverageValue   prometheus.Histogram
	FeesCollected     prometheus.Counter
}

func NewProtectionMetrics(namespace string) *ProtectionMetrics {
	return &ProtectionMetrics{
		Attempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_attempts_total",
			Help:      "Total number of save attempts",
		}),
		Successes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_successes_total",
			Help:      "Total number of successful saves",
		}),
		Failures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_failures_total",
			Help:      "Total number of failed saves",
		}),
		ThresholdRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_rejections_total",
			Help:      "Saves rejected because the health factor was above threshold",
		}),
		SolverRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solver_rejections_total",
			Help:      "Saves rejected by the deleverage solver",
		}),
		GoalMissed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goal_missed_total",
			Help:      "Saves rolled back because the post health factor missed the target",
		}),
		SuccessRate: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "save_success_rate",
			Help:      "Ratio of successful saves to attempts",
		}),
		ExecutionTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_time_seconds",
			Help:      "Time taken to execute a save",
			Buckets:   prometheus.DefBuckets,
		}),
		DeleverageValue: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deleverage_value",
			Help:      "Anchor value deleveraged per save",
			Buckets:   prometheus.ExponentialBuckets(1e15, 4, 12),
		}),
		FeesCollected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_total",
			Help:      "Total protection fees collected in collateral smallest units",
		}),
	}
}

// UpdateSuccessRate recomputes the success-rate gauge from the counters.
func (m *ProtectionMetrics) UpdateSuccessRate() {
	attempts := counterValue(m.Attempts)
	if attempts == 0 {
		return
	}
	m.SuccessRate.Set(counterValue(m.Successes) / attempts)
}

// KeeperMetrics covers the polling daemon.
type KeeperMetrics struct {
	Polls           prometheus.Counter
	PollErrors      prometheus.Counter
	Triggers        prometheus.Counter
	DuplicateSkips  prometheus.Counter
	Executions      prometheus.Counter
	ExecErrors      prometheus.Counter
	PollLatency     prometheus.Histogram
	TrackedAccounts prometheus.Gauge
}

func NewKeeperMetrics(namespace string) *KeeperMetrics {
	return &KeeperMetrics{
		Polls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of polling rounds",
		}),
		PollErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total number of polling rounds that failed",
		}),
		Triggers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Total number of trigger conditions observed",
		}),
		DuplicateSkips: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_skips_total",
			Help:      "Triggers skipped because the same payload was already dispatched",
		}),
		Executions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of dispatched executions",
		}),
		ExecErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_errors_total",
			Help:      "Total number of failed dispatches",
		}),
		PollLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_latency_seconds",
			Help:      "Time taken per polling round",
			Buckets:   prometheus.DefBuckets,
		}),
		TrackedAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_accounts",
			Help:      "Number of borrower accounts currently tracked",
		}),
	}
}

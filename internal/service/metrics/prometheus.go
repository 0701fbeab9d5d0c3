package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"secret-rotator/internal/models"
	"secret-rotator/internal/service/rotation"
	"secret-rotator/pkg/log"
)

const (
	namespace = "secret_rotator"

	resultSuccess = "success"
	resultFailure = "failure"

	defaultCollectTimeout = 5 * time.Second
)

// Recorder counts rotation lifecycle events. It satisfies rotation.Recorder and its
// ObserveSync method can be handed to sync.WithObserver.
type Recorder struct {
	requested  prometheus.Counter
	finished   *prometheus.CounterVec
	duration   prometheus.Histogram
	rollbacks  *prometheus.CounterVec
	syncPush   *prometheus.CounterVec
	validation *prometheus.CounterVec
}

var _ rotation.Recorder = (*Recorder)(nil)

func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_requested_total",
			Help:      "Total number of accepted rotation requests",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_finished_total",
			Help:      "Total number of rotation jobs that reached completed or failed",
		}, []string{"status"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_duration_seconds",
			Help:      "Time from job start to completion or failure",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollbacks by vault restore result",
		}, []string{"result"}),
		syncPush: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_push_total",
			Help:      "Total number of sync pushes by target and result",
		}, []string{"target", "result"}),
		validation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_total",
			Help:      "Total number of validation probe runs by result",
		}, []string{"result"}),
	}
}

func (r *Recorder) RotationRequested(string) {
	r.requested.Inc()
}

func (r *Recorder) RotationFinished(status models.JobStatus, duration time.Duration) {
	r.finished.WithLabelValues(status.String()).Inc()
	r.duration.Observe(duration.Seconds())
}

func (r *Recorder) RollbackRecorded(restored bool) {
	r.rollbacks.WithLabelValues(result(restored)).Inc()
}

func (r *Recorder) ValidationRecorded(passed bool) {
	r.validation.WithLabelValues(result(passed)).Inc()
}

func (r *Recorder) ObserveSync(target string, err error) {
	r.syncPush.WithLabelValues(target, result(err == nil)).Inc()
}

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}

// ComplianceCollector computes a fresh snapshot on every scrape.
type ComplianceCollector struct {
	aggregator *Aggregator
	timeout    time.Duration
	logger     zerolog.Logger

	totalSecrets     *prometheus.Desc
	pending          *prometheus.Desc
	overdue          *prometheus.Desc
	failed24h        *prometheus.Desc
	averageMinutes   *prometheus.Desc
	dualAcceptActive *prometheus.Desc
	score            *prometheus.Desc
}

var _ prometheus.Collector = (*ComplianceCollector)(nil)

func NewComplianceCollector(aggregator *Aggregator) *ComplianceCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &ComplianceCollector{
		aggregator:       aggregator,
		timeout:          defaultCollectTimeout,
		logger:           log.Logger.With().Str("component", "compliance_collector").Logger(),
		totalSecrets:     desc("secrets_total", "Number of managed secrets"),
		pending:          desc("pending_rotations", "Number of rotation jobs that are not terminal"),
		overdue:          desc("overdue_rotations", "Number of secrets past their rotation due date"),
		failed24h:        desc("failed_rotations_24h", "Jobs created in the last 24h that failed or had a sync failure"),
		averageMinutes:   desc("average_rotation_time_minutes", "Mean duration of recent completed rotations"),
		dualAcceptActive: desc("dual_accept_active", "Number of jobs inside their dual-accept window"),
		score:            desc("compliance_score", "Percentage of secrets within their rotation schedule"),
	}
}

func (c *ComplianceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSecrets
	ch <- c.pending
	ch <- c.overdue
	ch <- c.failed24h
	ch <- c.averageMinutes
	ch <- c.dualAcceptActive
	ch <- c.score
}

func (c *ComplianceCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	snapshot, err := c.aggregator.ComputeMetrics(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to compute compliance snapshot")
		ch <- prometheus.NewInvalidMetric(c.score, err)
		return
	}

	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}
	gauge(c.totalSecrets, float64(snapshot.TotalSecrets))
	gauge(c.pending, float64(snapshot.PendingRotations))
	gauge(c.overdue, float64(snapshot.OverdueRotations))
	gauge(c.failed24h, float64(snapshot.FailedRotations24h))
	gauge(c.averageMinutes, snapshot.AverageRotationTimeMinutes)
	gauge(c.dualAcceptActive, float64(snapshot.DualAcceptActive))
	gauge(c.score, float64(snapshot.ComplianceScore))
}

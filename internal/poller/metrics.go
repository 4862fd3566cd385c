package poller

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/snapcrafters/snapwatcher/internal/logfields"
)

const metricNamespace = "snapwatcher_poller"

const (
	checkedReposMetricName  = "checked_repositories_total"
	buildRequestsMetricName = "build_requests_total"
	passDurationMetricName  = "pass_duration_seconds"
	trackedReposGaugeName   = "tracked_repositories_count"
)

const (
	repositoryLabel = "repository"
	resultLabel     = "result"
)

type checkResultVal string

const (
	checkResultSkipped   checkResultVal = "skipped"
	checkResultUnchanged checkResultVal = "unchanged"
	checkResultChanged   checkResultVal = "changed"
	checkResultErrored   checkResultVal = "errored"
)

type metricCollector struct {
	logger        *zap.Logger
	checkedRepos  *prometheus.CounterVec
	buildRequests *prometheus.CounterVec
	passDuration  prometheus.Histogram
	trackedRepos  prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		checkedRepos: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      checkedReposMetricName,
				Help:      "count of processed repositories per check result",
			},
			[]string{resultLabel},
		),
		buildRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      buildRequestsMetricName,
				Help:      "count of build requests sent to the build service",
			},
			[]string{repositoryLabel},
		),
		passDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Name:      passDurationMetricName,
				Help:      "duration of a full poll pass",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		trackedRepos: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      trackedReposGaugeName,
				Help:      "count of tracked repositories in the last poll pass",
			},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) CheckedRepoInc(result checkResultVal) {
	cnt, err := m.checkedRepos.GetMetricWith(prometheus.Labels{
		resultLabel: string(result),
	})
	if err != nil {
		m.logGetMetricFailed(checkedReposMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) BuildRequestsInc(owner, name string) {
	cnt, err := m.buildRequests.GetMetricWith(prometheus.Labels{
		repositoryLabel: fmt.Sprintf("%s/%s", owner, name),
	})
	if err != nil {
		m.logGetMetricFailed(buildRequestsMetricName, err)
		return
	}

	cnt.Inc()
}

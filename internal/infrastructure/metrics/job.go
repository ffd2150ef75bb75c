package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semmidev/custos/internal/domain"
)

type StatusSource interface {
	Status() domain.Status
}

var states = []domain.State{
	domain.StateActive,
	domain.StateFinished,
	domain.StateFailed,
	domain.StateAborted,
	domain.StateKilled,
}

var (
	stateDesc = prometheus.NewDesc(
		prometheus.BuildFQName("custos", "backup", "state"),
		"The reported state of the backup job, 1 for the current state.",
		[]string{"state"}, nil,
	)
	totalDesc = prometheus.NewDesc(
		prometheus.BuildFQName("custos", "backup", "total_bytes"),
		"The number of bytes the current or last run has to copy.",
		nil, nil,
	)
	doneDesc = prometheus.NewDesc(
		prometheus.BuildFQName("custos", "backup", "done_bytes"),
		"The number of bytes the current or last run has copied.",
		nil, nil,
	)
)

// JobCollector exports the backup job status snapshot.
type JobCollector struct {
	source StatusSource
}

func NewJobCollector(source StatusSource) *JobCollector {
	return &JobCollector{source: source}
}

// Describe implements prometheus.Collector.
func (c *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- totalDesc
	ch <- doneDesc
}

// Collect implements prometheus.Collector.
func (c *JobCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.source.Status()

	for _, s := range states {
		var v float64
		if status.State == s {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, s.String())
	}

	ch <- prometheus.MustNewConstMetric(totalDesc, prometheus.GaugeValue, float64(status.TotalSize))
	ch <- prometheus.MustNewConstMetric(doneDesc, prometheus.GaugeValue, float64(status.DoneSize))
}

// check interfaces
var (
	_ prometheus.Collector = (*JobCollector)(nil)
)

// Package coordinator keeps online backups and structural changes apart.
//
// A backup announces its intent with AcquireBackupIntent. From then on no new DDL
// statement is admitted, and the backup waits until the statements already in flight
// have drained. DDL statements never wait: they are rejected while an intent is held.
package coordinator

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Coordinator struct {
	mu       sync.Mutex
	pending  uint
	active   uint
	drained  chan struct{} // closed while active == 0
	rejected uint64
}

type Stats struct {
	PendingBackups uint
	ActiveDDL      uint
	RejectedDDL    uint64
}

func New() *Coordinator {
	drained := make(chan struct{})
	close(drained)

	return &Coordinator{drained: drained}
}

// AcquireBackupIntent blocks until no DDL statement is in flight. If ctx is done
// first, the intent is withdrawn and ctx.Err() is returned.
func (c *Coordinator) AcquireBackupIntent(ctx context.Context) error {
	c.mu.Lock()
	c.pending++
	if c.active == 0 {
		c.mu.Unlock()
		return nil
	}
	drained := c.drained
	c.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		c.ReleaseBackupIntent()
		return ctx.Err()
	}
}

func (c *Coordinator) ReleaseBackupIntent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending > 0 {
		c.pending--
	}
}

// TryBeginDDL admits a DDL statement unless a backup intent is held.
// Every admitted statement must be paired with EndDDL.
func (c *Coordinator) TryBeginDDL() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending > 0 {
		c.rejected++
		return false
	}

	c.active++
	if c.active == 1 {
		c.drained = make(chan struct{})
	}
	return true
}

func (c *Coordinator) EndDDL() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == 0 {
		return
	}
	c.active--
	if c.active == 0 {
		close(c.drained)
	}
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		PendingBackups: c.pending,
		ActiveDDL:      c.active,
		RejectedDDL:    c.rejected,
	}
}

var (
	pendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName("custos", "coordinator", "pending_backups"),
		"The current number of backup intents held.",
		nil, nil,
	)
	activeDesc = prometheus.NewDesc(
		prometheus.BuildFQName("custos", "coordinator", "active_ddl"),
		"The current number of DDL statements in flight.",
		nil, nil,
	)
	rejectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName("custos", "coordinator", "rejected_ddl_total"),
		"The total number of DDL statements rejected while a backup was pending.",
		nil, nil,
	)
)

// Describe implements prometheus.Collector.
func (c *Coordinator) Describe(ch chan<- *prometheus.Desc) {
	ch <- pendingDesc
	ch <- activeDesc
	ch <- rejectedDesc
}

// Collect implements prometheus.Collector.
func (c *Coordinator) Collect(ch chan<- prometheus.Metric) {
	stats := c.Stats()

	ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(stats.PendingBackups))
	ch <- prometheus.MustNewConstMetric(activeDesc, prometheus.GaugeValue, float64(stats.ActiveDDL))
	ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(stats.RejectedDDL))
}

// check interfaces
var (
	_ prometheus.Collector = (*Coordinator)(nil)
)

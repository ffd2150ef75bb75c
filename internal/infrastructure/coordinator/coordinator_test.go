package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCoordinator(t *testing.T) {
	Convey("Given a fresh coordinator", t, func() {
		c := New()
		ctx := context.Background()

		Convey("DDL is admitted while no backup is pending", func() {
			So(c.TryBeginDDL(), ShouldBeTrue)
			So(c.TryBeginDDL(), ShouldBeTrue)
			So(c.Stats().ActiveDDL, ShouldEqual, 2)

			c.EndDDL()
			c.EndDDL()
			So(c.Stats().ActiveDDL, ShouldEqual, 0)
		})

		Convey("DDL is rejected while a backup intent is held", func() {
			So(c.AcquireBackupIntent(ctx), ShouldBeNil)
			So(c.TryBeginDDL(), ShouldBeFalse)
			So(c.Stats().ActiveDDL, ShouldEqual, 0)
			So(c.Stats().RejectedDDL, ShouldEqual, 1)

			c.ReleaseBackupIntent()
			So(c.TryBeginDDL(), ShouldBeTrue)
			c.EndDDL()
		})

		Convey("Several intents may be held at once", func() {
			So(c.AcquireBackupIntent(ctx), ShouldBeNil)
			So(c.AcquireBackupIntent(ctx), ShouldBeNil)
			So(c.Stats().PendingBackups, ShouldEqual, 2)

			c.ReleaseBackupIntent()
			So(c.TryBeginDDL(), ShouldBeFalse)

			c.ReleaseBackupIntent()
			So(c.TryBeginDDL(), ShouldBeTrue)
			c.EndDDL()
		})

		Convey("Counters never go below zero", func() {
			c.ReleaseBackupIntent()
			c.EndDDL()
			stats := c.Stats()
			So(stats.PendingBackups, ShouldEqual, 0)
			So(stats.ActiveDDL, ShouldEqual, 0)
		})

		Convey("Acquiring waits for in-flight DDL to drain", func() {
			So(c.TryBeginDDL(), ShouldBeTrue)

			acquired := make(chan error, 1)
			go func() {
				acquired <- c.AcquireBackupIntent(ctx)
			}()

			// the intent is visible before the drain completes
			So(waitFor(func() bool { return c.Stats().PendingBackups == 1 }), ShouldBeTrue)
			So(c.TryBeginDDL(), ShouldBeFalse)

			select {
			case <-acquired:
				t.Fatal("acquired while DDL in flight")
			case <-time.After(50 * time.Millisecond):
			}

			c.EndDDL()

			select {
			case err := <-acquired:
				So(err, ShouldBeNil)
			case <-time.After(time.Second):
				t.Fatal("acquire did not return after drain")
			}

			So(c.Stats().ActiveDDL, ShouldEqual, 0)
			c.ReleaseBackupIntent()
		})

		Convey("A cancelled acquire withdraws its intent", func() {
			So(c.TryBeginDDL(), ShouldBeTrue)

			cctx, cancel := context.WithCancel(ctx)
			acquired := make(chan error, 1)
			go func() {
				acquired <- c.AcquireBackupIntent(cctx)
			}()

			So(waitFor(func() bool { return c.Stats().PendingBackups == 1 }), ShouldBeTrue)
			cancel()

			select {
			case err := <-acquired:
				So(err, ShouldEqual, context.Canceled)
			case <-time.After(time.Second):
				t.Fatal("acquire ignored cancellation")
			}

			So(c.Stats().PendingBackups, ShouldEqual, 0)
			c.EndDDL()
			So(c.TryBeginDDL(), ShouldBeTrue)
			c.EndDDL()
		})

		Convey("The drain event is re-armed for each DDL burst", func() {
			So(c.TryBeginDDL(), ShouldBeTrue)
			c.EndDDL()
			So(c.TryBeginDDL(), ShouldBeTrue)

			acquired := make(chan error, 1)
			go func() {
				acquired <- c.AcquireBackupIntent(ctx)
			}()

			select {
			case <-acquired:
				t.Fatal("acquired against a stale drain event")
			case <-time.After(50 * time.Millisecond):
			}

			c.EndDDL()
			So(<-acquired, ShouldBeNil)
			c.ReleaseBackupIntent()
		})

		Convey("DDL and backups never overlap under contention", func() {
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				inDDL    int
				inBackup int
				overlap  bool
				failed   error
			)

			for i := 0; i < 8; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					for j := 0; j < 50; j++ {
						if !c.TryBeginDDL() {
							continue
						}
						mu.Lock()
						inDDL++
						if inBackup > 0 {
							overlap = true
						}
						mu.Unlock()

						mu.Lock()
						inDDL--
						mu.Unlock()
						c.EndDDL()
					}
				}()
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						if err := c.AcquireBackupIntent(ctx); err != nil {
							mu.Lock()
							failed = err
							mu.Unlock()
							return
						}
						mu.Lock()
						inBackup++
						if inDDL > 0 {
							overlap = true
						}
						mu.Unlock()

						mu.Lock()
						inBackup--
						mu.Unlock()
						c.ReleaseBackupIntent()
					}
				}()
			}
			wg.Wait()

			So(failed, ShouldBeNil)
			So(overlap, ShouldBeFalse)
			So(c.Stats().PendingBackups, ShouldEqual, 0)
			So(c.Stats().ActiveDDL, ShouldEqual, 0)
		})

		Convey("The collector exports the counters", func() {
			So(c.AcquireBackupIntent(ctx), ShouldBeNil)
			So(c.TryBeginDDL(), ShouldBeFalse)

			reg := prometheus.NewPedanticRegistry()
			So(reg.Register(c), ShouldBeNil)

			families, err := reg.Gather()
			So(err, ShouldBeNil)
			So(families, ShouldHaveLength, 3)

			values := make(map[string]float64)
			for _, f := range families {
				m := f.GetMetric()[0]
				if m.GetGauge() != nil {
					values[f.GetName()] = m.GetGauge().GetValue()
				} else {
					values[f.GetName()] = m.GetCounter().GetValue()
				}
			}
			So(values["custos_coordinator_pending_backups"], ShouldEqual, 1)
			So(values["custos_coordinator_active_ddl"], ShouldEqual, 0)
			So(values["custos_coordinator_rejected_ddl_total"], ShouldEqual, 1)

			c.ReleaseBackupIntent()
		})
	})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

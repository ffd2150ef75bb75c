package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/custos/internal/config"
	"github.com/semmidev/custos/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	root := t.TempDir()
	return &config.Config{
		App: config.AppConfig{Name: "custos", LogLevel: "error"},
		Server: config.ServerConfig{
			DataDir:    filepath.Join(root, "data"),
			EngineFile: "custos.db",
			AdminAddr:  "127.0.0.1:0",
			StateDir:   filepath.Join(root, "state"),
		},
		Backup: config.BackupConfig{
			DefaultDir:        filepath.Join(root, "backup"),
			ReservedDatabases: []string{"mysql"},
			PollInterval:      10 * time.Millisecond,
			StepPages:         16,
			CopyBufferSize:    4096,
			Archive: config.ArchiveConfig{
				Enabled:          true,
				Dir:              filepath.Join(root, "archives"),
				CompressionLevel: -1,
			},
		},
	}
}

func TestApp(t *testing.T) {
	Convey("Given an application over a fresh data directory", t, func() {
		ctx := context.Background()
		cfg := testConfig(t)
		So(os.MkdirAll(cfg.Backup.DefaultDir, 0o755), ShouldBeNil)

		a, err := New(ctx, cfg)
		So(err, ShouldBeNil)
		defer a.Shutdown()

		Convey("When tables are created and a backup runs to completion", func() {
			_, err := a.Execute(ctx, "create table shop.orders")
			So(err, ShouldBeNil)
			_, err = a.Execute(ctx, "create table shop.legacy engine=myisam")
			So(err, ShouldBeNil)

			res, err := a.Execute(ctx, "backup -MYISAM")
			So(err, ShouldBeNil)
			So(res.Status.Directory, ShouldEqual, cfg.Backup.DefaultDir)

			res, err = a.Execute(ctx, "backup -WAIT")
			So(err, ShouldBeNil)

			Convey("It should report FINISHED with everything copied", func() {
				So(res.Status.Status, ShouldEqual, "FINISHED")
				So(res.Status.PercentDone, ShouldEqual, 100)
			})

			Convey("It should lay out the backup directory", func() {
				dest := cfg.Backup.DefaultDir
				for _, name := range []string{
					"custos.db",
					"manifest",
					filepath.Join("shop", "orders.schema"),
					filepath.Join("shop", "legacy.frm"),
					filepath.Join("shop", "legacy.MYD"),
				} {
					_, err := os.Stat(filepath.Join(dest, name))
					So(err, ShouldBeNil)
				}

				manifest, err := os.ReadFile(filepath.Join(dest, "manifest"))
				So(err, ShouldBeNil)
				So(strings.TrimSpace(string(manifest)), ShouldEqual, "shop.legacy")
			})

			Convey("It should ship an archive and record the run", func() {
				entries, err := os.ReadDir(cfg.Backup.Archive.Dir)
				So(err, ShouldBeNil)
				So(entries, ShouldHaveLength, 1)
				So(entries[0].Name(), ShouldEndWith, ".tar.gz")

				So(waitFor(func() bool {
					res, err := a.Execute(ctx, "history")
					return err == nil && len(res.Runs) == 1
				}), ShouldBeTrue)
			})
		})

		Convey("When the backup directory lies inside the data directory", func() {
			inside := filepath.Join(cfg.Server.DataDir, "dump")
			So(os.MkdirAll(inside, 0o755), ShouldBeNil)

			_, err := a.Execute(ctx, `backup -DIR="`+inside+`"`)

			Convey("It should be rejected before anything starts", func() {
				So(err, ShouldNotBeNil)
				So(domain.KindOf(err), ShouldEqual, domain.KindConfiguration)

				res, err := a.Execute(ctx, "backup -STATUS")
				So(err, ShouldBeNil)
				So(res.Status.Status, ShouldEqual, "FINISHED")
				So(res.Status.TotalSize, ShouldEqual, 0)
			})
		})

		Convey("When the engine is checkpointed", func() {
			res, err := a.Execute(ctx, "checkpoint")

			Convey("It should succeed", func() {
				So(err, ShouldBeNil)
				So(res.Message, ShouldEqual, "checkpoint complete")
			})
		})
	})
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

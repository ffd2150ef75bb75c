package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/adapter/scanner"
	"github.com/semmidev/custos/internal/domain"
	"github.com/semmidev/custos/internal/infrastructure/coordinator"
	"github.com/semmidev/custos/internal/infrastructure/tablelock"
)

type recordingEngine struct {
	fakeEngine
	calls []string
}

func (e *recordingEngine) CreateTable(ctx context.Context, db, table string) error {
	e.calls = append(e.calls, "create "+db+"."+table)
	return nil
}

func (e *recordingEngine) DropTable(ctx context.Context, db, table string) error {
	e.calls = append(e.calls, "drop "+db+"."+table)
	return nil
}

func (e *recordingEngine) RenameTable(ctx context.Context, db, from, to string) error {
	e.calls = append(e.calls, "rename "+db+"."+from+" "+to)
	return nil
}

func TestSchema(t *testing.T) {
	Convey("Given an empty data directory", t, func() {
		ctx := context.Background()
		fs := afero.NewMemMapFs()
		mustMkdir(fs, dataDir)

		coord := coordinator.New()
		locker := tablelock.New()
		eng := &recordingEngine{}
		s := NewSchema(fs, dataDir, eng, coord, locker, testLogger)

		exists := func(parts ...string) bool {
			ok, _ := afero.Exists(fs, filepath.Join(append([]string{dataDir}, parts...)...))
			return ok
		}

		Convey("CreateTable writes a descriptor the scanner understands", func() {
			So(s.CreateTable(ctx, "shop", "orders", "native"), ShouldBeNil)
			So(s.CreateTable(ctx, "shop", "logs", "myisam"), ShouldBeNil)

			So(exists("shop", "db.opt"), ShouldBeTrue)
			So(exists("shop", "logs.MYD"), ShouldBeTrue)
			So(exists("shop", "logs.MYI"), ShouldBeTrue)
			So(eng.calls, ShouldResemble, []string{"create shop.orders"})

			data, err := afero.ReadFile(fs, filepath.Join(dataDir, "shop", "orders.frm"))
			So(err, ShouldBeNil)
			var desc domain.Descriptor
			So(json.Unmarshal(data, &desc), ShouldBeNil)
			So(desc.Engine, ShouldEqual, domain.NativeEngine)
			So(desc.Table, ShouldEqual, "orders")

			sc := scanner.New(fs, &fakeEngine{}, nil, testLogger)
			cat, err := sc.Scan(ctx, dataDir, domain.Options{IncludeForeign: true})
			So(err, ShouldBeNil)
			So(cat.Databases, ShouldHaveLength, 1)
			kinds := map[string]domain.Kind{}
			for _, tbl := range cat.Databases[0].Tables {
				kinds[tbl.Name] = tbl.Kind
			}
			So(kinds, ShouldResemble, map[string]domain.Kind{
				"logs":   domain.KindForeignFile,
				"orders": domain.KindEngineNative,
			})
		})

		Convey("CreateTable refuses duplicates, bad names and unknown engines", func() {
			So(s.CreateTable(ctx, "shop", "orders", ""), ShouldBeNil)

			err := s.CreateTable(ctx, "shop", "orders", "")
			So(errors.Is(err, domain.ErrTableExists), ShouldBeTrue)

			So(domain.KindOf(s.CreateTable(ctx, "shop", "../etc", "")), ShouldEqual, domain.KindInvalid)
			So(domain.KindOf(s.CreateTable(ctx, "shop", "t2", "blackhole")), ShouldEqual, domain.KindInvalid)
			So(coord.Stats().ActiveDDL, ShouldEqual, 0)
		})

		Convey("DDL is rejected while a backup is pending", func() {
			So(coord.AcquireBackupIntent(ctx), ShouldBeNil)

			err := s.CreateTable(ctx, "shop", "orders", "")
			So(errors.Is(err, domain.ErrDDLRejected), ShouldBeTrue)
			So(domain.KindOf(err), ShouldEqual, domain.KindRejectedAdmission)

			var de *domain.Error
			So(errors.As(err, &de), ShouldBeTrue)
			So(de.Code(), ShouldEqual, 1205)

			So(exists("shop"), ShouldBeFalse)
			So(eng.calls, ShouldBeEmpty)

			err = s.DropTrigger(ctx, "shop", "audit")
			So(domain.KindOf(err), ShouldEqual, domain.KindRejectedAdmission)

			coord.ReleaseBackupIntent()
			So(s.CreateTable(ctx, "shop", "orders", ""), ShouldBeNil)
		})

		Convey("Foreign DDL waits for readers of the table", func() {
			So(s.CreateTable(ctx, "shop", "logs", "myisam"), ShouldBeNil)

			unlock, err := locker.RLock(ctx, "shop", "logs")
			So(err, ShouldBeNil)

			tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			err = s.DropTable(tctx, "shop", "logs")
			So(domain.KindOf(err), ShouldEqual, domain.KindCancelled)
			So(exists("shop", "logs.frm"), ShouldBeTrue)

			unlock()
			So(s.DropTable(ctx, "shop", "logs"), ShouldBeNil)
			So(exists("shop", "logs.frm"), ShouldBeFalse)
			So(coord.Stats().ActiveDDL, ShouldEqual, 0)
		})

		Convey("Partition files move and go with their table", func() {
			So(s.CreateTable(ctx, "shop", "sales", "myisam"), ShouldBeNil)
			mustWrite(fs, filepath.Join(dataDir, "shop", "sales#P#p0.MYD"), []byte("rows"))
			mustWrite(fs, filepath.Join(dataDir, "shop", "sales#P#p0.MYI"), []byte("idx"))

			So(s.RenameTable(ctx, "shop", "sales", "archive"), ShouldBeNil)
			So(exists("shop", "sales#P#p0.MYD"), ShouldBeFalse)
			So(exists("shop", "archive#P#p0.MYD"), ShouldBeTrue)
			So(exists("shop", "archive#P#p0.MYI"), ShouldBeTrue)

			So(s.DropTable(ctx, "shop", "archive"), ShouldBeNil)
			So(exists("shop", "archive#P#p0.MYD"), ShouldBeFalse)
			So(exists("shop", "archive.frm"), ShouldBeFalse)
		})

		Convey("Triggers follow their table", func() {
			So(s.CreateTable(ctx, "shop", "logs", "myisam"), ShouldBeNil)
			So(s.CreateTrigger(ctx, "shop", "audit", "logs"), ShouldBeNil)
			So(s.CreateTrigger(ctx, "shop", "stamp", "logs"), ShouldBeNil)

			err := s.CreateTrigger(ctx, "shop", "audit", "logs")
			So(errors.Is(err, domain.ErrTriggerExists), ShouldBeTrue)
			err = s.CreateTrigger(ctx, "shop", "other", "missing")
			So(errors.Is(err, domain.ErrTableNotFound), ShouldBeTrue)

			trg, err := afero.ReadFile(fs, filepath.Join(dataDir, "shop", "logs.TRG"))
			So(err, ShouldBeNil)
			So(domain.TableTriggers(trg), ShouldResemble, []string{"audit", "stamp"})

			Convey("rename retargets them", func() {
				So(s.RenameTable(ctx, "shop", "logs", "events"), ShouldBeNil)

				So(exists("shop", "logs.frm"), ShouldBeFalse)
				So(exists("shop", "events.frm"), ShouldBeTrue)
				So(exists("shop", "events.MYD"), ShouldBeTrue)
				So(exists("shop", "events.TRG"), ShouldBeTrue)

				trn, err := afero.ReadFile(fs, filepath.Join(dataDir, "shop", "audit.TRN"))
				So(err, ShouldBeNil)
				So(domain.TriggerTable(trn), ShouldEqual, "events")

				data, err := afero.ReadFile(fs, filepath.Join(dataDir, "shop", "events.frm"))
				So(err, ShouldBeNil)
				var desc domain.Descriptor
				So(json.Unmarshal(data, &desc), ShouldBeNil)
				So(desc.Table, ShouldEqual, "events")
			})

			Convey("dropping one keeps the other", func() {
				So(s.DropTrigger(ctx, "shop", "audit"), ShouldBeNil)
				So(exists("shop", "audit.TRN"), ShouldBeFalse)

				trg, err := afero.ReadFile(fs, filepath.Join(dataDir, "shop", "logs.TRG"))
				So(err, ShouldBeNil)
				So(domain.TableTriggers(trg), ShouldResemble, []string{"stamp"})

				err = s.DropTrigger(ctx, "shop", "audit")
				So(errors.Is(err, domain.ErrTriggerNotFound), ShouldBeTrue)

				So(s.DropTrigger(ctx, "shop", "stamp"), ShouldBeNil)
				So(exists("shop", "logs.TRG"), ShouldBeFalse)
			})

			Convey("a drop waiting on the table follows a concurrent retarget", func() {
				unlock, err := locker.Lock(ctx, "shop", "logs")
				So(err, ShouldBeNil)

				dropped := make(chan error, 1)
				go func() {
					dropped <- s.DropTrigger(ctx, "shop", "audit")
				}()
				So(waitUntil(func() bool { return coord.Stats().ActiveDDL == 1 }), ShouldBeTrue)
				time.Sleep(20 * time.Millisecond)

				for _, trn := range []string{"audit.TRN", "stamp.TRN"} {
					mustWrite(fs, filepath.Join(dataDir, "shop", trn), domain.FormatTriggerName("events"))
				}
				So(fs.Rename(filepath.Join(dataDir, "shop", "logs.TRG"), filepath.Join(dataDir, "shop", "events.TRG")), ShouldBeNil)
				unlock()

				So(<-dropped, ShouldBeNil)
				So(exists("shop", "audit.TRN"), ShouldBeFalse)
				So(exists("shop", "logs.TRG"), ShouldBeFalse)

				trg, err := afero.ReadFile(fs, filepath.Join(dataDir, "shop", "events.TRG"))
				So(err, ShouldBeNil)
				So(domain.TableTriggers(trg), ShouldResemble, []string{"stamp"})
				So(coord.Stats().ActiveDDL, ShouldEqual, 0)
			})

			Convey("dropping the table removes them", func() {
				So(s.DropTable(ctx, "shop", "logs"), ShouldBeNil)
				So(exists("shop", "audit.TRN"), ShouldBeFalse)
				So(exists("shop", "stamp.TRN"), ShouldBeFalse)
				So(exists("shop", "logs.TRG"), ShouldBeFalse)
				So(exists("shop", "logs.MYD"), ShouldBeFalse)
				So(exists("shop", "db.opt"), ShouldBeTrue)
			})
		})

		Convey("Native tables are renamed and dropped in the engine", func() {
			So(s.CreateTable(ctx, "shop", "orders", "native"), ShouldBeNil)
			So(s.RenameTable(ctx, "shop", "orders", "sales"), ShouldBeNil)
			So(s.DropTable(ctx, "shop", "sales"), ShouldBeNil)

			So(eng.calls, ShouldResemble, []string{
				"create shop.orders",
				"rename shop.orders sales",
				"drop shop.sales",
			})

			err := s.DropTable(ctx, "shop", "sales")
			So(errors.Is(err, domain.ErrTableNotFound), ShouldBeTrue)
		})
	})
}

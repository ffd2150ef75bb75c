package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/domain"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_$]{1,64}$`)

type DDLAdmitter interface {
	TryBeginDDL() bool
	EndDDL()
}

// Schema applies the structural changes the host server runs against this
// storage adapter. Every statement is refused while a backup is pending.
type Schema struct {
	fs      afero.Fs
	dataDir string
	engine  domain.EngineSchema
	coord   DDLAdmitter
	locker  domain.TableLocker
	logger  Logger
}

func NewSchema(
	fs afero.Fs,
	dataDir string,
	engine domain.EngineSchema,
	coord DDLAdmitter,
	locker domain.TableLocker,
	logger Logger,
) *Schema {
	return &Schema{
		fs:      fs,
		dataDir: dataDir,
		engine:  engine,
		coord:   coord,
		locker:  locker,
		logger:  logger,
	}
}

// CreateTable creates db.table stored by engine ("native" selects the embedded engine).
func (s *Schema) CreateTable(ctx context.Context, db, table, engine string) error {
	const op = "create table"

	if strings.EqualFold(engine, "native") || engine == "" {
		engine = domain.NativeEngine
	}
	engine = strings.ToUpper(engine)
	kind := domain.KindOfEngine(engine)

	if err := validNames(op, db, table); err != nil {
		return err
	}
	if kind == domain.KindUnknown {
		return domain.Errorf(domain.KindInvalid, op, "unsupported engine %q", engine)
	}

	return s.statement(ctx, op, db, []string{table}, func() error {
		dbDir := filepath.Join(s.dataDir, db)
		if err := s.ensureDatabase(dbDir); err != nil {
			return err
		}

		frm := filepath.Join(dbDir, table+".frm")
		if exists, _ := afero.Exists(s.fs, frm); exists {
			return &domain.Error{Kind: domain.KindInvalid, Op: op, Table: db + "." + table, Err: domain.ErrTableExists}
		}

		if kind == domain.KindEngineNative {
			if err := s.engine.CreateTable(ctx, db, table); err != nil {
				return domain.NewError(domain.KindEngine, op, err)
			}
		} else {
			for _, ext := range []string{".MYD", ".MYI"} {
				if err := afero.WriteFile(s.fs, filepath.Join(dbDir, table+ext), nil, 0o644); err != nil {
					return domain.NewError(domain.KindIO, op, err)
				}
			}
		}

		return s.writeDescriptor(frm, domain.Descriptor{
			Engine:   engine,
			Database: db,
			Table:    table,
			Created:  time.Now().UTC(),
		})
	})
}

func (s *Schema) DropTable(ctx context.Context, db, table string) error {
	const op = "drop table"

	if err := validNames(op, db, table); err != nil {
		return err
	}

	return s.statement(ctx, op, db, []string{table}, func() error {
		dbDir := filepath.Join(s.dataDir, db)
		desc, err := s.readDescriptor(op, dbDir, db, table)
		if err != nil {
			return err
		}

		if domain.KindOfEngine(desc.Engine) == domain.KindEngineNative {
			if err := s.engine.DropTable(ctx, db, table); err != nil {
				return domain.NewError(domain.KindEngine, op, err)
			}
		}

		triggers, err := s.triggersOf(dbDir, table)
		if err != nil {
			return err
		}
		for _, trn := range triggers {
			if err := s.fs.Remove(filepath.Join(dbDir, trn)); err != nil {
				return domain.NewError(domain.KindIO, op, err)
			}
		}

		files, err := s.tableFiles(dbDir, table)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := s.fs.Remove(filepath.Join(dbDir, f)); err != nil {
				return domain.NewError(domain.KindIO, op, err)
			}
		}

		return nil
	})
}

func (s *Schema) RenameTable(ctx context.Context, db, from, to string) error {
	const op = "rename table"

	if err := validNames(op, db, from, to); err != nil {
		return err
	}

	return s.statement(ctx, op, db, []string{from, to}, func() error {
		dbDir := filepath.Join(s.dataDir, db)
		desc, err := s.readDescriptor(op, dbDir, db, from)
		if err != nil {
			return err
		}
		if exists, _ := afero.Exists(s.fs, filepath.Join(dbDir, to+".frm")); exists {
			return &domain.Error{Kind: domain.KindInvalid, Op: op, Table: db + "." + to, Err: domain.ErrTableExists}
		}

		if domain.KindOfEngine(desc.Engine) == domain.KindEngineNative {
			if err := s.engine.RenameTable(ctx, db, from, to); err != nil {
				return domain.NewError(domain.KindEngine, op, err)
			}
		}

		triggers, err := s.triggersOf(dbDir, from)
		if err != nil {
			return err
		}
		for _, trn := range triggers {
			if err := afero.WriteFile(s.fs, filepath.Join(dbDir, trn), domain.FormatTriggerName(to), 0o644); err != nil {
				return domain.NewError(domain.KindIO, op, err)
			}
		}

		files, err := s.tableFiles(dbDir, from)
		if err != nil {
			return err
		}
		for _, f := range files {
			target := to + strings.TrimPrefix(f, from)
			if err := s.fs.Rename(filepath.Join(dbDir, f), filepath.Join(dbDir, target)); err != nil {
				return domain.NewError(domain.KindIO, op, err)
			}
		}

		desc.Table = to
		return s.writeDescriptor(filepath.Join(dbDir, to+".frm"), desc)
	})
}

func (s *Schema) CreateTrigger(ctx context.Context, db, trigger, table string) error {
	const op = "create trigger"

	if err := validNames(op, db, trigger, table); err != nil {
		return err
	}

	return s.statement(ctx, op, db, []string{table}, func() error {
		dbDir := filepath.Join(s.dataDir, db)
		if _, err := s.readDescriptor(op, dbDir, db, table); err != nil {
			return err
		}

		trn := filepath.Join(dbDir, trigger+".TRN")
		if exists, _ := afero.Exists(s.fs, trn); exists {
			return domain.Errorf(domain.KindInvalid, op, "%s.%s: %w", db, trigger, domain.ErrTriggerExists)
		}

		names, err := s.readTableTriggers(dbDir, table)
		if err != nil {
			return err
		}
		names = append(names, trigger)

		if err := afero.WriteFile(s.fs, trn, domain.FormatTriggerName(table), 0o644); err != nil {
			return domain.NewError(domain.KindIO, op, err)
		}
		return s.writeTableTriggers(dbDir, table, names)
	})
}

func (s *Schema) DropTrigger(ctx context.Context, db, trigger string) error {
	const op = "drop trigger"

	if err := validNames(op, db, trigger); err != nil {
		return err
	}

	done, err := s.admit(op, db)
	if err != nil {
		return err
	}
	defer done()

	dbDir := filepath.Join(s.dataDir, db)
	trn := filepath.Join(dbDir, trigger+".TRN")

	// The owning table is read again under its lock: a concurrent rename
	// may have retargeted the trigger while we waited.
	for {
		table, err := s.triggerOwner(op, trn, db, trigger)
		if err != nil {
			return err
		}

		unlock, err := s.locker.Lock(ctx, db, table)
		if err != nil {
			return domain.NewError(domain.KindCancelled, op, err)
		}

		owner, err := s.triggerOwner(op, trn, db, trigger)
		if err == nil && owner != table {
			unlock()
			continue
		}
		if err == nil {
			err = s.removeTrigger(op, dbDir, trn, trigger, table)
		}
		unlock()

		if err != nil {
			return err
		}
		s.logger.Infof("Executed %s %s.%s", op, db, trigger)
		return nil
	}
}

func (s *Schema) triggerOwner(op, trn, db, trigger string) (string, error) {
	data, err := afero.ReadFile(s.fs, trn)
	if errors.Is(err, os.ErrNotExist) {
		return "", domain.Errorf(domain.KindInvalid, op, "%s.%s: %w", db, trigger, domain.ErrTriggerNotFound)
	}
	if err != nil {
		return "", domain.NewError(domain.KindIO, op, err)
	}
	return domain.TriggerTable(data), nil
}

func (s *Schema) removeTrigger(op, dbDir, trn, trigger, table string) error {
	if err := s.fs.Remove(trn); err != nil {
		return domain.NewError(domain.KindIO, op, err)
	}
	if table == "" {
		return nil
	}

	names, err := s.readTableTriggers(dbDir, table)
	if err != nil {
		return err
	}
	names = slices.DeleteFunc(names, func(n string) bool { return n == trigger })
	return s.writeTableTriggers(dbDir, table, names)
}

// admit brackets a DDL statement with the coordinator. The returned func ends it.
func (s *Schema) admit(op, db string) (func(), error) {
	if !s.coord.TryBeginDDL() {
		s.logger.Warnf("Rejected %s in %s: backup in progress", op, db)
		return nil, domain.NewError(domain.KindRejectedAdmission, op, domain.ErrDDLRejected)
	}
	return s.coord.EndDDL, nil
}

// statement admits a DDL statement, write-locks its tables and runs fn.
func (s *Schema) statement(ctx context.Context, op, db string, tables []string, fn func() error) error {
	done, err := s.admit(op, db)
	if err != nil {
		return err
	}
	defer done()

	sorted := slices.Clone(tables)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, t := range sorted {
		if t == "" {
			continue
		}
		unlock, err := s.locker.Lock(ctx, db, t)
		if err != nil {
			return domain.NewError(domain.KindCancelled, op, err)
		}
		defer unlock()
	}

	if err := fn(); err != nil {
		return err
	}

	s.logger.Infof("Executed %s %s.%s", op, db, strings.Join(tables, ", "))
	return nil
}

func (s *Schema) ensureDatabase(dbDir string) error {
	if err := s.fs.MkdirAll(dbDir, 0o755); err != nil {
		return domain.NewError(domain.KindIO, "create database", err)
	}

	opt := filepath.Join(dbDir, "db.opt")
	if exists, _ := afero.Exists(s.fs, opt); exists {
		return nil
	}
	if err := afero.WriteFile(s.fs, opt, []byte("default-character-set=utf8mb4\n"), 0o644); err != nil {
		return domain.NewError(domain.KindIO, "create database", err)
	}
	return nil
}

func (s *Schema) readDescriptor(op, dbDir, db, table string) (domain.Descriptor, error) {
	var desc domain.Descriptor

	data, err := afero.ReadFile(s.fs, filepath.Join(dbDir, table+".frm"))
	if errors.Is(err, os.ErrNotExist) {
		return desc, &domain.Error{Kind: domain.KindInvalid, Op: op, Table: db + "." + table, Err: domain.ErrTableNotFound}
	}
	if err != nil {
		return desc, domain.NewError(domain.KindIO, op, err)
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, domain.Errorf(domain.KindIO, op, "descriptor of %s.%s: %w", db, table, err)
	}
	return desc, nil
}

func (s *Schema) writeDescriptor(path string, desc domain.Descriptor) error {
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return domain.NewError(domain.KindInternal, "encode descriptor", err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return domain.NewError(domain.KindIO, "write descriptor", err)
	}
	return nil
}

// tableFiles lists <table>.<ext> files in dbDir.
func (s *Schema) tableFiles(dbDir, table string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dbDir)
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "list table files", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		if !e.IsDir() && !strings.EqualFold(ext, ".trn") && domain.PartitionTable(strings.TrimSuffix(name, ext)) == table {
			files = append(files, name)
		}
	}
	return files, nil
}

// triggersOf lists the .TRN files that name table.
func (s *Schema) triggersOf(dbDir, table string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dbDir)
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "list triggers", err)
	}

	var trns []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".trn") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(dbDir, e.Name()))
		if err != nil {
			return nil, domain.NewError(domain.KindIO, "read trigger", err)
		}
		if domain.TriggerTable(data) == table {
			trns = append(trns, e.Name())
		}
	}
	return trns, nil
}

func (s *Schema) readTableTriggers(dbDir, table string) ([]string, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(dbDir, table+".TRG"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "read triggers", err)
	}
	return domain.TableTriggers(data), nil
}

func (s *Schema) writeTableTriggers(dbDir, table string, names []string) error {
	path := filepath.Join(dbDir, table+".TRG")

	if len(names) == 0 {
		if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return domain.NewError(domain.KindIO, "remove triggers", err)
		}
		return nil
	}

	if err := afero.WriteFile(s.fs, path, domain.FormatTableTriggers(names), 0o644); err != nil {
		return domain.NewError(domain.KindIO, "write triggers", err)
	}
	return nil
}

func validNames(op string, names ...string) error {
	for _, n := range names {
		if !identPattern.MatchString(n) {
			return domain.Errorf(domain.KindInvalid, op, "invalid identifier %q", n)
		}
	}
	return nil
}

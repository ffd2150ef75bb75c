// Package scanner walks the host server's data directory and builds the
// catalog of tables to back up.
package scanner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/domain"
)

const (
	descriptorExt  = ".frm"
	tableTrigExt   = ".trg"
	triggerNameExt = ".trn"
	dbOptFile      = "db.opt"
	tempTablePrefx = "#sql"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

type Footprinter interface {
	Footprint() (uint64, error)
}

type Scanner struct {
	fs       afero.Fs
	engine   Footprinter
	reserved map[string]struct{}
	logger   Logger
}

func New(fs afero.Fs, engine Footprinter, reserved []string, logger Logger) *Scanner {
	r := make(map[string]struct{}, len(reserved))
	for _, name := range reserved {
		r[strings.ToLower(name)] = struct{}{}
	}

	return &Scanner{
		fs:       fs,
		engine:   engine,
		reserved: r,
		logger:   logger,
	}
}

// Scan builds the catalog for root according to opts.
func (s *Scanner) Scan(ctx context.Context, root string, opts domain.Options) (*domain.Catalog, error) {
	entries, err := afero.ReadDir(s.fs, root)
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "read data directory", err)
	}

	catalog := &domain.Catalog{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewError(domain.KindCancelled, "scan", err)
		}

		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, ok := s.reserved[strings.ToLower(name)]; ok && !opts.IncludeSystem {
			s.logger.Debugf("[scan] Skipping system database %s", name)
			continue
		}

		dbPath := filepath.Join(root, name)
		ok, err := s.isDatabaseDir(dbPath)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		db, err := s.scanDatabase(dbPath, name, opts)
		if err != nil {
			return nil, err
		}
		if len(db.Tables) == 0 {
			continue
		}

		catalog.Databases = append(catalog.Databases, db)
		catalog.TotalBytes += db.Bytes
	}

	footprint, err := s.engine.Footprint()
	if err != nil {
		return nil, domain.NewError(domain.KindEngine, "engine footprint", err)
	}
	catalog.EngineBytes = footprint
	catalog.TotalBytes += footprint

	return catalog, nil
}

// isDatabaseDir reports whether dir holds a db.opt file or at least one descriptor.
func (s *Scanner) isDatabaseDir(dir string) (bool, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return false, domain.NewError(domain.KindIO, "read database directory", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == dbOptFile || strings.EqualFold(filepath.Ext(e.Name()), descriptorExt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scanner) scanDatabase(dir, name string, opts domain.Options) (*domain.Database, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, domain.NewError(domain.KindIO, "read database directory", err)
	}

	tables := make(map[string]*domain.Table)
	var order []string
	var triggerNames []os.FileInfo
	sizes := make(map[string]uint64, len(entries))

	table := func(base string) *domain.Table {
		t, ok := tables[base]
		if !ok {
			t = &domain.Table{Database: name, Name: base}
			tables[base] = t
			order = append(order, base)
		}
		return t
	}

	for _, e := range entries {
		fileName := e.Name()
		if e.IsDir() || fileName == dbOptFile || strings.HasPrefix(fileName, tempTablePrefx) {
			continue
		}

		sizes[fileName] = uint64(e.Size())

		ext := filepath.Ext(fileName)
		base := strings.TrimSuffix(fileName, ext)
		if base == "" {
			continue
		}

		switch strings.ToLower(ext) {
		case triggerNameExt:
			triggerNames = append(triggerNames, e)
		case tableTrigExt:
			t := table(base)
			t.TriggerFiles = append(t.TriggerFiles, fileName)
			t.Bytes += uint64(e.Size())
		case descriptorExt:
			t := table(base)
			t.Descriptor = fileName
			t.Files = append(t.Files, fileName)
			t.Bytes += uint64(e.Size())

			kind, err := s.kindOf(filepath.Join(dir, fileName))
			if err != nil {
				return nil, err
			}
			t.Kind = kind
		default:
			t := table(domain.PartitionTable(base))
			t.Files = append(t.Files, fileName)
			t.Bytes += uint64(e.Size())
		}
	}

	for _, e := range triggerNames {
		owner, err := s.triggerTable(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		t, ok := tables[owner]
		if !ok {
			s.logger.Warnf("[scan] Trigger %s/%s refers to missing table %q", name, e.Name(), owner)
			continue
		}
		t.TriggerFiles = append(t.TriggerFiles, e.Name())
		t.Bytes += uint64(e.Size())
	}

	db := &domain.Database{Name: name}
	for _, base := range order {
		t := tables[base]
		if !s.selected(t, opts, sizes) {
			continue
		}
		if t.Bytes == 0 {
			continue
		}
		sort.Strings(t.TriggerFiles)
		db.Tables = append(db.Tables, t)
		db.Bytes += t.Bytes
	}

	return db, nil
}

func (s *Scanner) selected(t *domain.Table, opts domain.Options, sizes map[string]uint64) bool {
	switch t.Kind {
	case domain.KindEngineNative:
		// rows live in the engine; only the descriptor and trigger definitions are on disk
		t.Files = []string{t.Descriptor}
		t.Bytes = sizes[t.Descriptor]
		for _, f := range t.TriggerFiles {
			t.Bytes += sizes[f]
		}
		return true
	case domain.KindForeignFile:
		return opts.IncludeForeign
	default:
		s.logger.Warnf("[scan] Skipping table %s of unknown kind", t.FullName())
		return false
	}
}

func (s *Scanner) kindOf(path string) (domain.Kind, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return domain.KindUnknown, domain.NewError(domain.KindIO, "read descriptor", err)
	}

	var desc domain.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		s.logger.Warnf("[scan] Malformed descriptor %s: %v", path, err)
		return domain.KindUnknown, nil
	}

	return domain.KindOfEngine(desc.Engine), nil
}

func (s *Scanner) triggerTable(path string) (string, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return "", domain.NewError(domain.KindIO, "read trigger file", err)
	}
	return domain.TriggerTable(data), nil
}

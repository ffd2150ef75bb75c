// Package engine adapts the embedded SQLite database that stores the rows of
// native tables.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"modernc.org/sqlite"

	"github.com/semmidev/custos/internal/domain"
)

type SQLite struct {
	db   *sql.DB
	dir  string
	file string
}

// Open opens (or creates) the engine database dir/file in WAL mode.
func Open(ctx context.Context, dir, file string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create engine directory: %w", err)
	}

	path := filepath.Join(dir, file)
	values := url.Values{}
	values.Add("_pragma", "busy_timeout(10000)")
	values.Add("_pragma", "journal_mode(wal)")
	uri := "file:" + path + "?" + values.Encode()

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping engine: %w", err)
	}

	return &SQLite{db: db, dir: dir, file: file}, nil
}

func (s *SQLite) FileName() string {
	return s.file
}

func (s *SQLite) Path() string {
	return filepath.Join(s.dir, s.file)
}

// Footprint is the on-disk size of the database file and its write-ahead log.
func (s *SQLite) Footprint() (uint64, error) {
	var total uint64
	for _, path := range []string{s.Path(), s.Path() + "-wal"} {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		total += uint64(fi.Size())
	}
	return total, nil
}

// Checkpoint moves every WAL frame into the database file and truncates the log.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	row := s.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("wal checkpoint: database busy (%d/%d frames)", checkpointed, logFrames)
	}
	return nil
}

type backuper interface {
	NewBackup(dstUri string) (*sqlite.Backup, error)
}

func (s *SQLite) BeginBackup(ctx context.Context, destPath string) (domain.EngineBackup, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine connection: %w", err)
	}

	var pageSize uint64
	if err := conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("page size: %w", err)
	}

	var bck *sqlite.Backup
	err = conn.Raw(func(driverConn any) error {
		b, ok := driverConn.(backuper)
		if !ok {
			return fmt.Errorf("driver connection %T does not support online backup", driverConn)
		}

		var err error
		bck, err = b.NewBackup(destPath)
		return err
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("begin backup: %w", err)
	}

	return &backup{conn: conn, bck: bck, pageSize: pageSize}, nil
}

func (s *SQLite) CreateTable(ctx context.Context, db, table string) error {
	q := "CREATE TABLE " + quoteIdent(db+"."+table) + " (_id INTEGER PRIMARY KEY, _row BLOB NOT NULL)"
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create table %s.%s: %w", db, table, err)
	}
	return nil
}

func (s *SQLite) DropTable(ctx context.Context, db, table string) error {
	q := "DROP TABLE IF EXISTS " + quoteIdent(db+"."+table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("drop table %s.%s: %w", db, table, err)
	}
	return nil
}

func (s *SQLite) RenameTable(ctx context.Context, db, from, to string) error {
	q := "ALTER TABLE " + quoteIdent(db+"."+from) + " RENAME TO " + quoteIdent(db+"."+to)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("rename table %s.%s: %w", db, from, err)
	}
	return nil
}

// Exec runs a statement against the engine. Used to load rows.
func (s *SQLite) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type backup struct {
	conn     *sql.Conn
	bck      *sqlite.Backup
	pageSize uint64

	once sync.Once
	err  error
}

func (b *backup) Step(ctx context.Context, pages int) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	more, err := b.bck.Step(int32(pages))
	if err != nil {
		return 0, false, fmt.Errorf("backup step: %w", err)
	}

	return uint64(pages) * b.pageSize, more, nil
}

func (b *backup) Close() error {
	b.once.Do(func() {
		b.err = b.bck.Finish()
		if err := b.conn.Close(); err != nil && b.err == nil {
			b.err = err
		}
	})
	return b.err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// check interfaces
var (
	_ domain.Engine       = (*SQLite)(nil)
	_ domain.EngineSchema = (*SQLite)(nil)
)

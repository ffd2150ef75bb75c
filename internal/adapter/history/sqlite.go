// Package history keeps one row per finished backup run in a small SQLite
// database under the server state directory.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/semmidev/custos/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL,
	state        TEXT NOT NULL,
	directory    TEXT NOT NULL,
	total        INTEGER NOT NULL,
	done         INTEGER NOT NULL,
	failed_table TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
`

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	values := url.Values{}
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "journal_mode(wal)")
	values.Add("_pragma", "synchronous(normal)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+values.Encode())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	// a single writer keeps SQLITE_BUSY out of the picture
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) SaveRun(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs
			(id, started_at, finished_at, state, directory, total, done, failed_table, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UnixMicro(),
		run.FinishedAt.UnixMicro(),
		run.State.String(),
		run.Directory,
		int64(run.TotalBytes),
		int64(run.DoneBytes),
		run.FailedTable,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, state, directory, total, done, failed_table, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var (
			run               domain.Run
			started, finished int64
			state             string
			total, done       int64
		)
		if err := rows.Scan(
			&run.ID, &started, &finished, &state, &run.Directory,
			&total, &done, &run.FailedTable, &run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		run.StartedAt = time.UnixMicro(started)
		run.FinishedAt = time.UnixMicro(finished)
		run.State = domain.ParseState(state)
		run.Status = state
		run.TotalBytes = uint64(total)
		run.DoneBytes = uint64(done)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	return runs, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

package domain

import "context"

// Engine is the embedded storage engine holding the rows of native tables.
type Engine interface {
	FileName() string
	Footprint() (uint64, error)
	Checkpoint(ctx context.Context) error
	BeginBackup(ctx context.Context, destPath string) (EngineBackup, error)
}

// EngineBackup copies the engine database a few pages at a time.
// Step reports the bytes copied and whether pages remain. Close is idempotent.
type EngineBackup interface {
	Step(ctx context.Context, pages int) (copied uint64, more bool, err error)
	Close() error
}

type EngineSchema interface {
	CreateTable(ctx context.Context, db, table string) error
	DropTable(ctx context.Context, db, table string) error
	RenameTable(ctx context.Context, db, from, to string) error
}

type TableLocker interface {
	RLock(ctx context.Context, db, table string) (func(), error)
	Lock(ctx context.Context, db, table string) (func(), error)
}

package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/semmidev/custos/internal/adapter/scanner"
	"github.com/semmidev/custos/internal/domain"
	"github.com/semmidev/custos/internal/infrastructure/coordinator"
	"github.com/semmidev/custos/internal/infrastructure/tablelock"
)

const (
	dataDir   = "/data"
	backupDir = "/backup"
	pageSize  = 1024
)

var testLogger = zap.NewNop().Sugar()

type fakeEngine struct {
	fs        afero.Fs
	footprint uint64

	mu            sync.Mutex
	gate          chan struct{}
	stepErr       error
	checkpointErr error
	checkpoints   int
	steps         int
	closed        int
}

func (e *fakeEngine) FileName() string {
	return "custos.db"
}

func (e *fakeEngine) Footprint() (uint64, error) {
	return e.footprint, nil
}

func (e *fakeEngine) Checkpoint(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkpoints++
	return e.checkpointErr
}

func (e *fakeEngine) BeginBackup(ctx context.Context, destPath string) (domain.EngineBackup, error) {
	pages := (e.footprint + pageSize - 1) / pageSize
	return &fakeBackup{e: e, dest: destPath, remaining: pages}, nil
}

func (e *fakeEngine) CreateTable(ctx context.Context, db, table string) error { return nil }
func (e *fakeEngine) DropTable(ctx context.Context, db, table string) error   { return nil }
func (e *fakeEngine) RenameTable(ctx context.Context, db, from, to string) error {
	return nil
}

func (e *fakeEngine) stats() (checkpoints, steps, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.checkpoints, e.steps, e.closed
}

type fakeBackup struct {
	e         *fakeEngine
	dest      string
	remaining uint64
	once      sync.Once
}

func (b *fakeBackup) Step(ctx context.Context, pages int) (uint64, bool, error) {
	if b.e.gate != nil {
		select {
		case <-b.e.gate:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}

	b.e.mu.Lock()
	defer b.e.mu.Unlock()

	b.e.steps++
	if b.e.stepErr != nil {
		return 0, false, b.e.stepErr
	}

	n := min(uint64(pages), b.remaining)
	b.remaining -= n
	return n * pageSize, b.remaining > 0, nil
}

func (b *fakeBackup) Close() error {
	b.once.Do(func() {
		b.e.mu.Lock()
		b.e.closed++
		b.e.mu.Unlock()
		_ = afero.WriteFile(b.e.fs, b.dest, []byte("engine"), 0o644)
	})
	return nil
}

type failingExecutor struct{}

func (failingExecutor) Backup(ctx context.Context, srcDir, dstDir string, t *domain.Table) error {
	return domain.NewError(domain.KindIO, "copy", errors.New("disk on fire"))
}

// flakyExecutor fails the table backup at call index failAt.
type flakyExecutor struct {
	next   TableExecutor
	failAt int
	calls  int
}

func (e *flakyExecutor) Backup(ctx context.Context, srcDir, dstDir string, t *domain.Table) error {
	call := e.calls
	e.calls++
	if call == e.failAt {
		return domain.NewError(domain.KindIO, "copy", errTest)
	}
	return e.next.Backup(ctx, srcDir, dstDir, t)
}

type fakeShipper struct {
	mu   sync.Mutex
	dirs []string
	err  error
}

func (s *fakeShipper) Ship(ctx context.Context, dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirs = append(s.dirs, dir)
	return s.err
}

func (s *fakeShipper) shipped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.dirs...)
}

type memRuns struct {
	mu   sync.Mutex
	runs []domain.Run
}

func (m *memRuns) SaveRun(ctx context.Context, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Run
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *memRuns) RunFinished(ctx context.Context, run domain.Run) {
	_ = m.SaveRun(ctx, run)
}

func (m *memRuns) all() []domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.Run(nil), m.runs...)
}

type fixture struct {
	fs      afero.Fs
	coord   *coordinator.Coordinator
	locker  *tablelock.Locker
	engine  *fakeEngine
	shipper *fakeShipper
	runs    *memRuns
	job     *BackupJob
}

type fixtureOption func(*fixture, *JobConfig, map[domain.Kind]TableExecutor)

func newFixture(opts ...fixtureOption) *fixture {
	fs := afero.NewMemMapFs()
	f := &fixture{
		fs:      fs,
		coord:   coordinator.New(),
		locker:  tablelock.New(),
		engine:  &fakeEngine{fs: fs, footprint: 8 * pageSize},
		shipper: &fakeShipper{},
		runs:    &memRuns{},
	}

	mustMkdir(fs, dataDir)
	mustMkdir(fs, backupDir)

	cfg := JobConfig{
		DataDir:      dataDir,
		PollInterval: 5 * time.Millisecond,
		StepPages:    2,
		ConfigFile:   "/etc/custos/custos.yaml",
	}
	executors := map[domain.Kind]TableExecutor{
		domain.KindForeignFile:  NewForeignFileExecutor(fs, f.locker, 64),
		domain.KindEngineNative: NewEngineNativeExecutor(fs),
	}
	for _, o := range opts {
		o(f, &cfg, executors)
	}

	sc := scanner.New(fs, f.engine, []string{"mysql"}, testLogger)
	f.job = NewBackupJob(cfg, fs, sc, f.coord, f.engine, executors, f.shipper, testLogger, f.runs)

	return f
}

func withGate() fixtureOption {
	return func(f *fixture, _ *JobConfig, _ map[domain.Kind]TableExecutor) {
		f.engine.gate = make(chan struct{})
	}
}

func mustMkdir(fs afero.Fs, dir string) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}
}

func mustWrite(fs afero.Fs, path string, data []byte) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		panic(err)
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		panic(err)
	}
}

func descriptorBytes(engine string) []byte {
	data, err := json.Marshal(domain.Descriptor{Engine: engine})
	if err != nil {
		panic(err)
	}
	return data
}

// addForeignTable writes a MyISAM table whose files add up to size bytes.
func addForeignTable(fs afero.Fs, db, table string, size int) {
	desc := descriptorBytes("MyISAM")
	myd := size - len(desc) - 16
	mustWrite(fs, filepath.Join(dataDir, db, table+".frm"), desc)
	mustWrite(fs, filepath.Join(dataDir, db, table+".MYD"), make([]byte, myd))
	mustWrite(fs, filepath.Join(dataDir, db, table+".MYI"), make([]byte, 16))
}

func addNativeTable(fs afero.Fs, db, table string) int {
	desc := descriptorBytes(domain.NativeEngine)
	mustWrite(fs, filepath.Join(dataDir, db, table+".frm"), desc)
	return len(desc)
}

func listTree(fs afero.Fs, root string) []string {
	var out []string
	_ = afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err == nil {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

var errTest = errors.New("test failure")

package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/domain"
)

const manifestFile = "manifest"

var ErrJobClosed = errors.New("backup job is shut down")

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

type CatalogScanner interface {
	Scan(ctx context.Context, root string, opts domain.Options) (*domain.Catalog, error)
}

type IntentCoordinator interface {
	AcquireBackupIntent(ctx context.Context) error
	ReleaseBackupIntent()
}

type TableExecutor interface {
	Backup(ctx context.Context, srcDir, dstDir string, t *domain.Table) error
}

// Shipper packs and uploads a completed backup directory.
type Shipper interface {
	Ship(ctx context.Context, dir string) error
}

type RunObserver interface {
	RunFinished(ctx context.Context, run domain.Run)
}

type FreeSpaceFunc func(path string) (uint64, error)

type JobConfig struct {
	DataDir      string
	DefaultDir   string
	ConfigFile   string
	PollInterval time.Duration
	StepPages    int
	FreeSpace    FreeSpaceFunc
}

// BackupJob runs at most one online backup at a time in a background goroutine.
type BackupJob struct {
	cfg       JobConfig
	fs        afero.Fs
	scanner   CatalogScanner
	coord     IntentCoordinator
	engine    domain.Engine
	executors map[domain.Kind]TableExecutor
	shipper   Shipper
	observers []RunObserver
	logger    Logger

	mu             sync.Mutex
	state          domain.State
	starting       bool
	closed         bool
	opts           domain.Options
	runID          string
	startedAt      time.Time
	totalBytes     uint64
	doneBytes      uint64
	abortRequested bool
	killRequested  bool
	failedTable    string
	lastErr        error
	cancel         context.CancelFunc

	workers sync.WaitGroup
}

func NewBackupJob(
	cfg JobConfig,
	fs afero.Fs,
	scanner CatalogScanner,
	coord IntentCoordinator,
	engine domain.Engine,
	executors map[domain.Kind]TableExecutor,
	shipper Shipper,
	logger Logger,
	observers ...RunObserver,
) *BackupJob {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.StepPages <= 0 {
		cfg.StepPages = 64
	}

	return &BackupJob{
		cfg:       cfg,
		fs:        fs,
		scanner:   scanner,
		coord:     coord,
		engine:    engine,
		executors: executors,
		shipper:   shipper,
		observers: observers,
		logger:    logger,
	}
}

// Start validates opts, waits for in-flight DDL to drain and launches the worker.
// It returns as soon as the worker is running.
func (j *BackupJob) Start(ctx context.Context, opts domain.Options) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return domain.NewError(domain.KindCancelled, "start backup", ErrJobClosed)
	}
	if j.state == domain.StateActive || j.starting {
		j.mu.Unlock()
		return domain.NewError(domain.KindInvalid, "start backup", domain.ErrAlreadyActive)
	}
	j.starting = true
	j.mu.Unlock()

	started := false
	defer func() {
		if !started {
			j.mu.Lock()
			j.starting = false
			j.mu.Unlock()
		}
	}()

	opts, err := j.prepareDestination(opts)
	if err != nil {
		return err
	}

	if err := j.coord.AcquireBackupIntent(ctx); err != nil {
		return domain.NewError(domain.KindCancelled, "acquire backup intent", err)
	}

	catalog, err := j.scanner.Scan(ctx, j.cfg.DataDir, opts)
	if err == nil {
		err = j.checkFreeSpace(opts.Dir, catalog.TotalBytes)
	}
	if err != nil {
		j.coord.ReleaseBackupIntent()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		cancel()
		j.coord.ReleaseBackupIntent()
		return domain.NewError(domain.KindCancelled, "start backup", ErrJobClosed)
	}
	j.state = domain.StateActive
	j.starting = false
	j.opts = opts
	j.runID = runID
	j.startedAt = time.Now()
	j.totalBytes = catalog.TotalBytes
	j.doneBytes = 0
	j.abortRequested = false
	j.killRequested = false
	j.failedTable = ""
	j.lastErr = nil
	j.cancel = cancel
	j.workers.Add(1)
	j.mu.Unlock()
	started = true

	j.logger.Infof("[%s] Backup started: %d table(s), %s to %s",
		runID, catalog.TableCount(), humanize.IBytes(catalog.TotalBytes), opts.Dir)

	go j.run(runCtx, catalog, opts)

	return nil
}

// Abort asks the running backup to stop and waits until it has.
// Without a running backup it returns the last state right away.
func (j *BackupJob) Abort(ctx context.Context) (domain.State, error) {
	j.mu.Lock()
	if j.state != domain.StateActive {
		state := j.state.Reported()
		j.mu.Unlock()
		return state, nil
	}
	j.abortRequested = true
	j.cancel()
	runID := j.runID
	j.mu.Unlock()

	j.logger.Infof("[%s] Abort requested", runID)

	return j.Wait(ctx)
}

// Wait blocks until no backup is running and returns the last state.
func (j *BackupJob) Wait(ctx context.Context) (domain.State, error) {
	ticker := time.NewTicker(j.cfg.PollInterval)
	defer ticker.Stop()

	for {
		j.mu.Lock()
		state := j.state
		j.mu.Unlock()

		if state != domain.StateActive {
			return state.Reported(), nil
		}

		select {
		case <-ctx.Done():
			return state, domain.NewError(domain.KindCancelled, "wait for backup", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Kill stops the running backup on behalf of the server, for example on shutdown.
func (j *BackupJob) Kill() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != domain.StateActive {
		return
	}
	j.killRequested = true
	j.cancel()
}

// Shutdown kills the running backup and waits for its worker, observers
// included, to return. Starts still in progress fail once it has been called.
func (j *BackupJob) Shutdown(ctx context.Context) error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()

	j.Kill()

	done := make(chan struct{})
	go func() {
		j.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return domain.NewError(domain.KindCancelled, "shutdown backup", ctx.Err())
	}
}

func (j *BackupJob) Status() domain.Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	state := j.state.Reported()
	status := domain.Status{
		State:     state,
		Status:    state.String(),
		RunID:     j.runID,
		TotalSize: j.totalBytes,
		DoneSize:  j.doneBytes,
		Directory: j.opts.Dir,
		EmptyDir:  domain.Switch(j.opts.EmptyDir),
		MyISAM:    domain.Switch(j.opts.IncludeForeign),
		System:    domain.Switch(j.opts.IncludeSystem),
		Config:    domain.Switch(j.opts.IncludeConfig),
	}
	if j.totalBytes > 0 {
		status.PercentDone = uint32(j.doneBytes * 100 / j.totalBytes)
	}
	if j.state == domain.StateFailed {
		status.FailedTable = j.failedTable
		if j.lastErr != nil {
			status.Error = j.lastErr.Error()
		}
	}

	return status
}

func (j *BackupJob) prepareDestination(opts domain.Options) (domain.Options, error) {
	const op = "backup directory"

	if opts.Dir == "" {
		opts.Dir = j.cfg.DefaultDir
	}
	if opts.Dir == "" {
		return opts, domain.Errorf(domain.KindConfiguration, op, "no directory given and no default configured")
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return opts, domain.NewError(domain.KindConfiguration, op, err)
	}
	opts.Dir = dir

	fi, err := j.fs.Stat(dir)
	if err != nil {
		return opts, domain.Errorf(domain.KindConfiguration, op, "%s: %w", dir, err)
	}
	if !fi.IsDir() {
		return opts, domain.Errorf(domain.KindConfiguration, op, "%s is not a directory", dir)
	}

	dataDir, err := filepath.Abs(j.cfg.DataDir)
	if err != nil {
		return opts, domain.NewError(domain.KindConfiguration, op, err)
	}
	if within(dir, dataDir) || within(dataDir, dir) {
		return opts, domain.Errorf(domain.KindConfiguration, op, "%s overlaps the data directory %s", dir, dataDir)
	}

	if opts.IncludeConfig && j.cfg.ConfigFile == "" {
		return opts, domain.Errorf(domain.KindConfiguration, op, "no configuration file to include")
	}

	entries, err := afero.ReadDir(j.fs, dir)
	if err != nil {
		return opts, domain.NewError(domain.KindIO, op, err)
	}
	if len(entries) == 0 {
		return opts, nil
	}
	if !opts.EmptyDir {
		return opts, domain.Errorf(domain.KindConfiguration, op, "%s is not empty", dir)
	}

	for _, e := range entries {
		if err := j.fs.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return opts, domain.NewError(domain.KindIO, "empty backup directory", err)
		}
	}
	j.logger.Infof("Emptied backup directory %s (%d entries)", dir, len(entries))

	return opts, nil
}

func (j *BackupJob) checkFreeSpace(dir string, need uint64) error {
	if j.cfg.FreeSpace == nil {
		return nil
	}

	free, err := j.cfg.FreeSpace(dir)
	if err != nil {
		j.logger.Warnf("Could not check free space on %s: %v", dir, err)
		return nil
	}
	if free < need {
		return domain.Errorf(domain.KindConfiguration, "backup directory",
			"%s has %s free, backup needs %s", dir, humanize.IBytes(free), humanize.IBytes(need))
	}
	return nil
}

func (j *BackupJob) run(ctx context.Context, catalog *domain.Catalog, opts domain.Options) {
	defer j.workers.Done()
	start := time.Now()

	err := j.execute(ctx, catalog, opts)
	if err == nil && j.shipper != nil {
		if serr := j.shipper.Ship(ctx, opts.Dir); serr != nil {
			if ctx.Err() != nil {
				err = domain.NewError(domain.KindCancelled, "ship backup", serr)
			} else {
				j.logger.Errorf("Shipping %s failed: %v", opts.Dir, serr)
			}
		}
	}

	run := j.finish(err)

	switch run.State {
	case domain.StateFinished:
		j.logger.Infof("[%s] Backup finished in %s: %s", run.ID,
			time.Since(start).Round(time.Millisecond), humanize.IBytes(run.DoneBytes))
	case domain.StateFailed:
		j.logger.Errorf("[%s] Backup failed: %v", run.ID, err)
	default:
		j.logger.Warnf("[%s] Backup %s after %s", run.ID, strings.ToLower(run.Status), humanize.IBytes(run.DoneBytes))
	}

	for _, o := range j.observers {
		o.RunFinished(context.Background(), run)
	}
}

func (j *BackupJob) execute(ctx context.Context, catalog *domain.Catalog, opts domain.Options) error {
	defer j.coord.ReleaseBackupIntent()

	for _, db := range catalog.Databases {
		srcDir := filepath.Join(j.cfg.DataDir, db.Name)
		dstDir := filepath.Join(opts.Dir, db.Name)

		if err := j.fs.MkdirAll(dstDir, 0o755); err != nil {
			return domain.NewError(domain.KindIO, "create database directory", err)
		}

		for _, t := range db.Tables {
			if t.Bytes == 0 {
				continue
			}
			if err := j.interrupted(ctx); err != nil {
				return err
			}

			if err := j.backupTable(ctx, srcDir, dstDir, t); err != nil {
				return err
			}
		}
	}

	if err := j.backupEngine(ctx, catalog, opts.Dir); err != nil {
		return err
	}

	if opts.IncludeConfig {
		dst := filepath.Join(opts.Dir, filepath.Base(j.cfg.ConfigFile))
		if err := copyFile(ctx, j.fs, j.cfg.ConfigFile, dst, make([]byte, 32*1024)); err != nil {
			return fmt.Errorf("copy configuration: %w", err)
		}
	}

	return j.writeManifest(catalog, opts.Dir)
}

func (j *BackupJob) backupTable(ctx context.Context, srcDir, dstDir string, t *domain.Table) error {
	var err error
	if exec, ok := j.executors[t.Kind]; ok {
		err = exec.Backup(ctx, srcDir, dstDir, t)
	} else {
		err = fmt.Errorf("no executor for %s tables", t.Kind)
	}

	j.addDone(t.Bytes)

	if err == nil {
		j.logger.Debugf("Copied %s (%s)", t.FullName(), humanize.IBytes(t.Bytes))
		return nil
	}

	t.Failed = true
	kind := domain.KindOf(err)
	if kind != domain.KindCancelled {
		j.mu.Lock()
		j.failedTable = t.FullName()
		j.mu.Unlock()
	}

	return &domain.Error{Kind: kind, Op: "backup table", Table: t.FullName(), Err: err}
}

func (j *BackupJob) backupEngine(ctx context.Context, catalog *domain.Catalog, dir string) error {
	if err := j.engine.Checkpoint(ctx); err != nil {
		return engineError(ctx, "engine checkpoint", err)
	}

	b, err := j.engine.BeginBackup(ctx, filepath.Join(dir, j.engine.FileName()))
	if err != nil {
		return engineError(ctx, "begin engine backup", err)
	}
	defer b.Close()

	remaining := catalog.EngineBytes
	for {
		if err := j.interrupted(ctx); err != nil {
			return err
		}

		copied, more, err := b.Step(ctx, j.cfg.StepPages)
		if err != nil {
			return engineError(ctx, "engine backup step", err)
		}

		n := min(copied, remaining)
		remaining -= n
		j.addDone(n)

		if !more {
			break
		}
	}

	if err := b.Close(); err != nil {
		return engineError(ctx, "finish engine backup", err)
	}
	j.addDone(remaining)

	return nil
}

func (j *BackupJob) writeManifest(catalog *domain.Catalog, dir string) error {
	var sb strings.Builder
	for _, db := range catalog.Databases {
		for _, t := range db.Tables {
			if t.Kind == domain.KindForeignFile {
				sb.WriteString(t.FullName())
				sb.WriteByte('\n')
			}
		}
	}

	if err := afero.WriteFile(j.fs, filepath.Join(dir, manifestFile), []byte(sb.String()), 0o644); err != nil {
		return domain.NewError(domain.KindIO, "write manifest", err)
	}
	return nil
}

// interrupted reports a pending abort or kill.
func (j *BackupJob) interrupted(ctx context.Context) error {
	j.mu.Lock()
	stop := j.abortRequested || j.killRequested
	j.mu.Unlock()

	if stop {
		return domain.NewError(domain.KindCancelled, "backup", domain.ErrInterrupted)
	}
	if err := ctx.Err(); err != nil {
		return domain.NewError(domain.KindCancelled, "backup", err)
	}
	return nil
}

func (j *BackupJob) addDone(n uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.doneBytes = min(j.doneBytes+n, j.totalBytes)
}

func (j *BackupJob) finish(err error) domain.Run {
	j.mu.Lock()
	defer j.mu.Unlock()

	cancelled := domain.KindOf(err) == domain.KindCancelled
	switch {
	case err == nil:
		j.state = domain.StateFinished
	case cancelled && j.killRequested:
		j.state = domain.StateKilled
	case cancelled && j.abortRequested:
		j.state = domain.StateAborted
	default:
		j.state = domain.StateFailed
		j.lastErr = err
	}
	j.cancel()

	run := domain.Run{
		ID:         j.runID,
		StartedAt:  j.startedAt,
		FinishedAt: time.Now(),
		State:      j.state,
		Status:     j.state.String(),
		Directory:  j.opts.Dir,
		TotalBytes: j.totalBytes,
		DoneBytes:  j.doneBytes,
	}
	if j.state == domain.StateFailed {
		run.FailedTable = j.failedTable
		run.Error = err.Error()
	}

	return run
}

func engineError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return domain.NewError(domain.KindCancelled, op, err)
	}
	return domain.NewError(domain.KindEngine, op, err)
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/domain"
)

// ScheduledBackup starts a backup into a fresh timestamped directory and waits for it.
type ScheduledBackup struct {
	job      *BackupJob
	fs       afero.Fs
	runsDir  string
	defaults domain.Options
	logger   Logger
}

func NewScheduledBackup(job *BackupJob, fs afero.Fs, runsDir string, defaults domain.Options, logger Logger) *ScheduledBackup {
	return &ScheduledBackup{
		job:      job,
		fs:       fs,
		runsDir:  runsDir,
		defaults: defaults,
		logger:   logger,
	}
}

func (uc *ScheduledBackup) Execute(ctx context.Context) error {
	dir := filepath.Join(uc.runsDir, time.Now().Format(timestampLayout))
	if err := uc.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}

	opts := uc.defaults
	opts.Dir = dir
	opts.EmptyDir = false

	if err := uc.job.Start(ctx, opts); err != nil {
		if rerr := uc.fs.Remove(dir); rerr != nil {
			uc.logger.Warnf("Could not remove unused run directory %s: %v", dir, rerr)
		}
		if errors.Is(err, domain.ErrAlreadyActive) {
			uc.logger.Warnf("Skipping scheduled backup: %v", err)
			return nil
		}
		return fmt.Errorf("start scheduled backup: %w", err)
	}

	state, err := uc.job.Wait(ctx)
	if err != nil {
		return err
	}
	if state != domain.StateFinished {
		return fmt.Errorf("scheduled backup ended %s", state)
	}
	return nil
}

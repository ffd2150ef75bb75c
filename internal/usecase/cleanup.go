package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Cleanup enforces the retention period on shipped archives and on the
// directories of scheduled runs.
type Cleanup struct {
	fs            afero.Fs
	uploadTargets []UploadTarget
	runsDir       string
	logger        Logger
	retentionDays int
}

func NewCleanup(
	fs afero.Fs,
	uploadTargets []UploadTarget,
	runsDir string,
	logger Logger,
	retentionDays int,
) *Cleanup {
	return &Cleanup{
		fs:            fs,
		uploadTargets: uploadTargets,
		runsDir:       runsDir,
		logger:        logger,
		retentionDays: retentionDays,
	}
}

func (uc *Cleanup) Execute(ctx context.Context) error {
	uc.logger.Infof("Starting cleanup, retention: %d days", uc.retentionDays)

	cutoff := time.Now().AddDate(0, 0, -uc.retentionDays)

	var errs []error
	if len(uc.uploadTargets) > 0 {
		errs = append(errs, uc.cleanupTargets(ctx, cutoff))
	}
	if uc.runsDir != "" {
		errs = append(errs, uc.cleanupRuns(ctx, cutoff))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	uc.logger.Infof("Cleanup completed")
	return nil
}

// cleanupTargets prunes every target concurrently; one failing target does
// not stop the others.
func (uc *Cleanup) cleanupTargets(ctx context.Context, cutoff time.Time) error {
	var g errgroup.Group
	errs := make([]error, len(uc.uploadTargets))

	for i, target := range uc.uploadTargets {
		g.Go(func() error {
			if err := uc.cleanupTarget(ctx, target, cutoff); err != nil {
				uc.logger.Errorf("Cleanup failed for %s: %v", target.Name, err)
				errs[i] = fmt.Errorf("%s: %w", target.Name, err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

func (uc *Cleanup) cleanupTarget(ctx context.Context, target UploadTarget, cutoff time.Time) error {
	files, err := target.Storage.GetOldFiles(ctx, cutoff)
	if err != nil {
		uc.logger.Warnf("Listing old files on %s failed, falling back to names: %v", target.Name, err)
		if files, err = uc.fallbackListFiles(ctx, target, cutoff); err != nil {
			return err
		}
	}

	failed := 0
	for _, filename := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := target.Storage.Delete(ctx, filename); err != nil {
			uc.logger.Errorf("Failed to delete %s from %s: %v", filename, target.Name, err)
			failed++
			continue
		}
		uc.logger.Debugf("Deleted old archive %s from %s", filename, target.Name)
	}

	uc.logger.Infof("Deleted %d of %d old archive(s) from %s", len(files)-failed, len(files), target.Name)
	if failed > 0 {
		return fmt.Errorf("%d archive(s) could not be deleted", failed)
	}
	return nil
}

func (uc *Cleanup) fallbackListFiles(ctx context.Context, target UploadTarget, cutoff time.Time) ([]string, error) {
	files, err := target.Storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	oldFiles := make([]string, 0)
	for _, filename := range files {
		timestamp, err := extractTimestamp(filename)
		if err != nil {
			uc.logger.Warnf("Could not parse timestamp from %s: %v", filename, err)
			continue
		}

		if timestamp.Before(cutoff) {
			oldFiles = append(oldFiles, filename)
		}
	}

	return oldFiles, nil
}

// cleanupRuns removes scheduled run directories named after a timestamp older than cutoff.
func (uc *Cleanup) cleanupRuns(ctx context.Context, cutoff time.Time) error {
	entries, err := afero.ReadDir(uc.fs, uc.runsDir)
	if err != nil {
		return fmt.Errorf("list run directories: %w", err)
	}

	deleted := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.IsDir() {
			continue
		}

		timestamp, err := extractTimestamp(e.Name())
		if err != nil || !timestamp.Before(cutoff) {
			continue
		}

		if err := uc.fs.RemoveAll(filepath.Join(uc.runsDir, e.Name())); err != nil {
			uc.logger.Errorf("Failed to delete run directory %s: %v", e.Name(), err)
			continue
		}
		deleted++
	}

	uc.logger.Infof("Deleted %d old run director(ies) from %s", deleted, uc.runsDir)
	return nil
}

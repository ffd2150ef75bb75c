package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/semmidev/custos/internal/domain"
)

type UploadTarget struct {
	Name    string
	Storage domain.Storage
}

type LocalStorage interface {
	domain.Storage
	GetPath(filename string) string
}

// Shipment packs a finished backup directory into one archive, keeps it in
// local archive storage and uploads it to every configured target.
type Shipment struct {
	prefix         string
	archiveStorage LocalStorage
	uploadTargets  []UploadTarget
	archiver       domain.Archiver
	logger         Logger
}

func NewShipment(
	prefix string,
	archiveStorage LocalStorage,
	uploadTargets []UploadTarget,
	archiver domain.Archiver,
	logger Logger,
) *Shipment {
	return &Shipment{
		prefix:         prefix,
		archiveStorage: archiveStorage,
		uploadTargets:  uploadTargets,
		archiver:       archiver,
		logger:         logger,
	}
}

func (uc *Shipment) Ship(ctx context.Context, dir string) error {
	start := time.Now()
	filename := uc.generateFilename(start)
	tempPath := filepath.Join(os.TempDir(), filename)

	uc.logger.Infof("[ship] Archiving %s to %s", dir, tempPath)
	if err := uc.archiver.Archive(ctx, dir, tempPath); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer os.Remove(tempPath)

	fileInfo, err := os.Stat(tempPath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	uc.logger.Infof("[ship] Archive created, size: %s", humanize.IBytes(uint64(fileInfo.Size())))

	if err := uc.upload(ctx, tempPath, filename); err != nil {
		return err
	}

	uc.logger.Infof("[ship] Shipped %s in %s", filename, time.Since(start).Round(time.Millisecond))
	return nil
}

func (uc *Shipment) generateFilename(now time.Time) string {
	return fmt.Sprintf("%s_%s%s", uc.prefix, now.Format(timestampLayout), uc.archiver.Extension())
}

func (uc *Shipment) upload(ctx context.Context, filePath, filename string) error {
	if uc.archiveStorage != nil {
		if err := uc.archiveStorage.Upload(ctx, filePath, filename); err != nil {
			return fmt.Errorf("local upload: %w", err)
		}
		uc.logger.Infof("[ship] Stored %s", uc.archiveStorage.GetPath(filename))
	}

	if len(uc.uploadTargets) > 0 {
		uc.uploadToTargets(ctx, filePath, filename)
	}

	return ctx.Err()
}

func (uc *Shipment) uploadToTargets(ctx context.Context, filePath, filename string) {
	var wg sync.WaitGroup

	for _, target := range uc.uploadTargets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			uc.logger.Infof("[ship] Uploading to %s...", t.Name)
			if err := t.Storage.Upload(ctx, filePath, filename); err != nil {
				uc.logger.Errorf("[ship] Failed to upload to %s: %v", t.Name, err)
			} else {
				uc.logger.Infof("[ship] Successfully uploaded to %s", t.Name)
			}
		}(target)
	}

	wg.Wait()
}

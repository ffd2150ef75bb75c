package domain

import (
	"context"
	"time"
)

// Archiver packs a finished backup directory into a single file.
type Archiver interface {
	Archive(ctx context.Context, sourceDir, destPath string) error
	Extract(ctx context.Context, archivePath, destDir string) error
	Extension() string
}

// Storage is a place finished run archives are shipped to. Names are flat
// archive file names, never paths.
type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}

// Notifier delivers a run report to a human.
type Notifier interface {
	SendNotification(message string) error
}

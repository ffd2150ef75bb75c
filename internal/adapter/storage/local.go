package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const partialSuffix = ".part"

// LocalStorage keeps shipped archives in a directory on the host.
type LocalStorage struct {
	basePath string
}

func NewLocal(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies localPath under the base path. The copy is written next to
// its final name and renamed once complete, so List never sees half a file.
func (l *LocalStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	source, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer source.Close()

	destPath := l.GetPath(remoteName)
	partPath := destPath + partialSuffix

	dest, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create dest: %w", err)
	}

	if _, err := io.Copy(dest, source); err != nil {
		dest.Close()
		os.Remove(partPath)
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err := dest.Sync(); err != nil {
		dest.Close()
		os.Remove(partPath)
		return fmt.Errorf("failed to sync: %w", err)
	}
	if err := dest.Close(); err != nil {
		os.Remove(partPath)
		return fmt.Errorf("failed to close dest: %w", err)
	}

	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return fmt.Errorf("failed to publish %s: %w", remoteName, err)
	}

	return nil
}

func (l *LocalStorage) List(ctx context.Context) ([]string, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	return files, nil
}

func (l *LocalStorage) Delete(ctx context.Context, remoteName string) error {
	if err := os.Remove(l.GetPath(remoteName)); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (l *LocalStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return nil, err
	}

	var oldFiles []string
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to get file info for %s: %w", entry.Name(), err)
		}
		if info.ModTime().Before(cutoffTime) {
			oldFiles = append(oldFiles, entry.Name())
		}
	}

	return oldFiles, nil
}

func (l *LocalStorage) GetPath(filename string) string {
	return filepath.Join(l.basePath, filename)
}

// entries returns the published archives sorted by name.
func (l *LocalStorage) entries(ctx context.Context) ([]os.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	entries = slices.DeleteFunc(entries, func(e os.DirEntry) bool {
		return e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix)
	})
	return entries, nil
}

package usecase

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/semmidev/custos/internal/domain"
)

const (
	schemaExt         = ".schema"
	defaultBufferSize = 1 << 20
)

// ForeignFileExecutor copies the files of a table stored outside the engine,
// holding the table's read lock for the duration of the copy.
type ForeignFileExecutor struct {
	fs         afero.Fs
	locker     domain.TableLocker
	bufferSize int
}

func NewForeignFileExecutor(fs afero.Fs, locker domain.TableLocker, bufferSize int) *ForeignFileExecutor {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &ForeignFileExecutor{fs: fs, locker: locker, bufferSize: bufferSize}
}

func (e *ForeignFileExecutor) Backup(ctx context.Context, srcDir, dstDir string, t *domain.Table) error {
	unlock, err := e.locker.RLock(ctx, t.Database, t.Name)
	if err != nil {
		return domain.NewError(domain.KindCancelled, "lock table", err)
	}
	defer unlock()

	buf := make([]byte, e.bufferSize)
	for _, name := range append(append([]string(nil), t.Files...), t.TriggerFiles...) {
		if err := copyFile(ctx, e.fs, filepath.Join(srcDir, name), filepath.Join(dstDir, name), buf); err != nil {
			return err
		}
	}

	return nil
}

// EngineNativeExecutor copies only the descriptor of a native table, and its
// trigger definitions. The rows travel with the engine database copy.
type EngineNativeExecutor struct {
	fs afero.Fs
}

func NewEngineNativeExecutor(fs afero.Fs) *EngineNativeExecutor {
	return &EngineNativeExecutor{fs: fs}
}

func (e *EngineNativeExecutor) Backup(ctx context.Context, srcDir, dstDir string, t *domain.Table) error {
	buf := make([]byte, 32*1024)

	if t.Descriptor == "" {
		return domain.Errorf(domain.KindIO, "copy descriptor", "%s has no descriptor", t.FullName())
	}
	dst := filepath.Join(dstDir, strings.TrimSuffix(t.Descriptor, filepath.Ext(t.Descriptor))+schemaExt)
	if err := copyFile(ctx, e.fs, filepath.Join(srcDir, t.Descriptor), dst, buf); err != nil {
		return err
	}

	for _, name := range t.TriggerFiles {
		if err := copyFile(ctx, e.fs, filepath.Join(srcDir, name), filepath.Join(dstDir, name), buf); err != nil {
			return err
		}
	}

	return nil
}

// copyFile copies src to dst through buf, checking ctx between chunks.
func copyFile(ctx context.Context, fs afero.Fs, src, dst string, buf []byte) error {
	in, err := fs.Open(src)
	if err != nil {
		return domain.NewError(domain.KindIO, "open "+src, err)
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return domain.NewError(domain.KindIO, "create "+dst, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return domain.NewError(domain.KindCancelled, "copy "+src, err)
		}

		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				_ = out.Close()
				return domain.NewError(domain.KindIO, "write "+dst, werr)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = out.Close()
			return domain.NewError(domain.KindIO, "read "+src, rerr)
		}
	}

	if err := out.Close(); err != nil {
		return domain.NewError(domain.KindIO, "close "+dst, err)
	}
	return nil
}

// check interfaces
var (
	_ TableExecutor = (*ForeignFileExecutor)(nil)
	_ TableExecutor = (*EngineNativeExecutor)(nil)
)

// Package copier copies images onto mounted partitions in fixed size blocks.
package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/kriansa/ventoy-writer/internal/log"
	"github.com/kriansa/ventoy-writer/internal/size"
)

// BlockSize is the amount of data copied between progress reports
const BlockSize = 1024 * 1024

// ErrCopyFailed is returned when a file cannot be copied
var ErrCopyFailed = errors.New("failed to copy file")

// ProgressFunc receives the percentage of the current file copied so far
type ProgressFunc func(percent int)

// Source is an opened file to copy
type Source struct {
	// Name is the base name the file gets at the destination
	Name string
	// Size is the total size, zero when unknown or empty
	Size   int64
	Reader io.Reader
}

// CopyFile copies the local file at source into destDir, replacing any file
// with the same name
func CopyFile(ctx context.Context, source, destDir string, onProgress ProgressFunc) error {
	f, err := os.Open(source)
	if err != nil {
		log.Error("unable to open source", "path", source, "error", err)
		return fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopyFailed, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrCopyFailed, source)
	}

	return Copy(ctx, Source{Name: filepath.Base(source), Size: info.Size(), Reader: f}, destDir, onProgress)
}

// Copy writes src into destDir in BlockSize chunks, reporting progress after
// every chunk. The context is checked between chunks.
func Copy(ctx context.Context, src Source, destDir string, onProgress ProgressFunc) error {
	dest := filepath.Join(destDir, filepath.Base(src.Name))
	log.Info("copying file", "name", src.Name, "size", size.Format(uint64(max(src.Size, 0))), "dest", dest)

	if err := copyTo(ctx, src, dest, onProgress); err != nil {
		log.Error("copy failed", "name", src.Name, "dest", dest, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrCopyFailed, src.Name, err)
	}

	log.Info("copied file", "name", src.Name, "dest", dest)
	return nil
}

func copyTo(ctx context.Context, src Source, dest string, onProgress ProgressFunc) error {
	// Overwrite: stale images are replaced, never appended to
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing file: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if err := copyBlocks(ctx, src, out, onProgress); err != nil {
		out.Close()
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	return out.Close()
}

func copyBlocks(ctx context.Context, src Source, out io.Writer, onProgress ProgressFunc) error {
	buf := make([]byte, BlockSize)
	var copied int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(src.Reader, buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
			copied += int64(n)

			// An empty or unsized source reports no percentage
			if onProgress != nil && src.Size > 0 {
				onProgress(int(min(copied, src.Size) * 100 / src.Size))
			}
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("read: %w", readErr)
		}
	}
}

// AvailableSpace returns the bytes an unprivileged user can still write to
// the filesystem holding dir
func AvailableSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

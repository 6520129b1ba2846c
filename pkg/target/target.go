// Package target provides the write surface the installer streams into,
// independent of whether it is a mapped block device or a plain file.
package target

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

// WriteTarget is where payload and scratch bytes are written. Write either
// writes all of p or fails.
type WriteTarget interface {
	io.WriteCloser
	// Flush makes everything written so far durable.
	Flush() error
	// Size is the usable length of the target in bytes.
	Size() uint64
	// Path is the file or device node behind the target.
	Path() string
}

// File is a WriteTarget over an open descriptor. Writes are sequential from
// offset zero.
type File struct {
	f       *os.File
	size    uint64
	written uint64
	onClose func() error
}

// OpenFile opens path for writing without truncating it. The target size is
// the current length of the file, or of the device for block nodes.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to size %s", path)
	}

	slog.Debug("write_target_opened", "path", path, "size", size)
	return &File{f: f, size: uint64(size)}, nil
}

// OnClose registers fn to run after the descriptor is closed.
func (t *File) OnClose(fn func() error) {
	t.onClose = fn
}

func (t *File) Write(p []byte) (int, error) {
	if t.written+uint64(len(p)) > t.size {
		return 0, fmt.Errorf("write of %d bytes at offset %d passes end of %s (%d bytes): %w",
			len(p), t.written, t.f.Name(), t.size, errors.ErrInvalidArgument)
	}
	n, err := t.f.Write(p)
	t.written += uint64(n)
	if err != nil {
		return n, errors.Wrapf(err, "write to %s failed", t.f.Name())
	}
	return n, nil
}

func (t *File) Flush() error {
	if err := t.f.Sync(); err != nil {
		return errors.Wrapf(err, "fsync %s failed", t.f.Name())
	}
	return nil
}

func (t *File) Size() uint64 {
	return t.size
}

func (t *File) Path() string {
	return t.f.Name()
}

// Close closes the descriptor and then runs the OnClose hook, if any.
func (t *File) Close() error {
	err := t.f.Close()
	if t.onClose != nil {
		if hookErr := t.onClose(); hookErr != nil && err == nil {
			err = hookErr
		}
		t.onClose = nil
	}
	return err
}

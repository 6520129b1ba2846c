// Package fiemap allocates backing files for virtual partitions and discovers
// the physical extents the filesystem placed them on.
package fiemap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

const (
	// DefaultMaxExtents is the fragmentation ceiling for a single backing file.
	DefaultMaxExtents = 512

	imageSuffix   = ".img"
	zeroChunkSize = 1 << 20
)

// Extent is a contiguous physical allocation, in bytes.
type Extent struct {
	Logical  uint64
	Physical uint64
	Length   uint64
}

// BackingImage is the storage behind one named virtual partition.
type BackingImage struct {
	Name          string
	Path          string
	Size          uint64
	AllocatedSize uint64
	BlockSize     uint64
	ReadOnly      bool
	Extents       []Extent
}

// ExtentMapper reports the physical extents covering [0, length) of f.
// Implementations fail with errors.ErrTooFragmented once more than limit
// extents are found.
type ExtentMapper interface {
	MapExtents(f *os.File, length uint64, limit int) ([]Extent, error)
}

// ProgressFunc is called while zero-filling a new image. Returning false
// cancels the allocation.
type ProgressFunc func(done, total uint64) bool

// CreateOptions tweak Create.
type CreateOptions struct {
	ReadOnly bool
	ZeroFill bool
}

// Allocator manages backing files inside a single directory.
type Allocator struct {
	dir        string
	maxExtents int
	mapper     ExtentMapper
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithExtentMapper replaces the platform extent mapper.
func WithExtentMapper(m ExtentMapper) Option {
	return func(a *Allocator) { a.mapper = m }
}

// NewAllocator creates an allocator for backing files under dir.
func NewAllocator(dir string, maxExtents int, opts ...Option) *Allocator {
	if maxExtents <= 0 {
		maxExtents = DefaultMaxExtents
	}
	a := &Allocator{
		dir:        dir,
		maxExtents: maxExtents,
		mapper:     platformMapper{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dir returns the directory holding the backing files.
func (a *Allocator) Dir() string {
	return a.dir
}

// Path returns the backing file path for name.
func (a *Allocator) Path(name string) string {
	return filepath.Join(a.dir, name+imageSuffix)
}

// Exists reports whether a backing file for name is present.
func (a *Allocator) Exists(name string) bool {
	_, err := os.Stat(a.Path(name))
	return err == nil
}

// Remove deletes the backing file for name. A missing file is not an error.
func (a *Allocator) Remove(name string) error {
	path := a.Path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("backing_image_remove_failed", "name", name, "path", path, "error", err)
		return errors.Wrapf(err, "failed to remove backing image %s", name)
	}
	slog.Debug("backing_image_removed", "name", name, "path", path)
	return nil
}

// Create allocates a new backing file of size bytes and maps its extents.
// The file must not already exist.
func (a *Allocator) Create(ctx context.Context, name string, size uint64, opts CreateOptions, progress ProgressFunc) (*BackingImage, error) {
	if size == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "backing image %s has zero size", name)
	}

	path := a.Path(name)
	slog.Info("backing_image_create_start", "name", name, "path", path, "size", size, "zero_fill", opts.ZeroFill)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		slog.Error("backing_image_open_failed", "name", name, "path", path, "error", err)
		return nil, errors.Wrapf(err, "failed to create backing image %s", name)
	}

	img, err := a.create(ctx, f, name, size, opts, progress)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "failed to close backing image")
	}
	if err != nil {
		slog.Error("backing_image_create_failed", "name", name, "path", path, "error", err)
		os.Remove(path)
		return nil, err
	}

	slog.Info("backing_image_create_complete",
		"name", name,
		"allocated_size", img.AllocatedSize,
		"block_size", img.BlockSize,
		"extents", len(img.Extents),
	)
	return img, nil
}

func (a *Allocator) create(ctx context.Context, f *os.File, name string, size uint64, opts CreateOptions, progress ProgressFunc) (*BackingImage, error) {
	blockSize, err := fsBlockSize(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read filesystem block size")
	}
	allocated := roundUp(size, blockSize)

	if err := allocate(f, allocated); err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes", allocated)
	}

	if opts.ZeroFill {
		if err := zeroFill(ctx, f, allocated, progress); err != nil {
			return nil, err
		}
	}

	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync backing image")
	}

	extents, err := a.mapper.MapExtents(f, allocated, a.maxExtents)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map extents of %s", name)
	}
	extents = coalesce(extents, allocated)

	return &BackingImage{
		Name:          name,
		Path:          f.Name(),
		Size:          size,
		AllocatedSize: allocated,
		BlockSize:     blockSize,
		ReadOnly:      opts.ReadOnly,
		Extents:       extents,
	}, nil
}

// Open reopens an existing backing file without resizing it. A zero size
// means the file's current length.
func (a *Allocator) Open(name string, size uint64) (*BackingImage, error) {
	path := a.Path(name)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotInstalled, "backing image %s", name)
		}
		return nil, errors.Wrapf(err, "failed to open backing image %s", name)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat backing image %s", name)
	}
	if size == 0 {
		size = uint64(st.Size())
	}
	if size == 0 {
		return nil, errors.Wrapf(errors.ErrCorrupt, "backing image %s is empty", name)
	}

	blockSize, err := fsBlockSize(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read filesystem block size")
	}
	allocated := roundUp(size, blockSize)
	if uint64(st.Size()) < allocated {
		return nil, errors.Wrapf(errors.ErrCorrupt, "backing image %s is %d bytes, expected %d", name, st.Size(), allocated)
	}

	extents, err := a.mapper.MapExtents(f, allocated, a.maxExtents)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map extents of %s", name)
	}
	extents = coalesce(extents, allocated)

	slog.Info("backing_image_opened", "name", name, "size", size, "extents", len(extents))
	return &BackingImage{
		Name:          name,
		Path:          path,
		Size:          size,
		AllocatedSize: allocated,
		BlockSize:     blockSize,
		Extents:       extents,
	}, nil
}

// Verify checks that img still sits on the extents recorded for it.
func (a *Allocator) Verify(img *BackingImage) error {
	f, err := os.Open(img.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to open backing image %s", img.Name)
	}
	defer f.Close()

	current, err := a.mapper.MapExtents(f, img.AllocatedSize, a.maxExtents)
	if err != nil {
		return errors.Wrapf(err, "failed to map extents of %s", img.Name)
	}

	// Writes into unwritten extents split or merge the reported records
	// without moving any blocks, so only the coalesced layout is compared.
	current = coalesce(current, img.AllocatedSize)
	recorded := coalesce(img.Extents, img.AllocatedSize)

	if len(current) != len(recorded) {
		slog.Error("backing_image_extents_moved", "name", img.Name, "recorded", len(recorded), "current", len(current))
		return errors.Wrapf(errors.ErrCorrupt, "extents of %s changed from %d to %d", img.Name, len(recorded), len(current))
	}
	for i := range current {
		if current[i] != recorded[i] {
			slog.Error("backing_image_extents_moved", "name", img.Name, "index", i)
			return errors.Wrapf(errors.ErrCorrupt, "extent %d of %s moved", i, img.Name)
		}
	}
	return nil
}

// coalesce clips extents to [0, length) and merges neighbours that are
// contiguous both logically and physically.
func coalesce(extents []Extent, length uint64) []Extent {
	out := make([]Extent, 0, len(extents))
	for _, ext := range extents {
		if ext.Logical >= length || ext.Length == 0 {
			continue
		}
		ext.Length = min(ext.Length, length-ext.Logical)

		if n := len(out); n > 0 {
			prev := &out[n-1]
			if prev.Logical+prev.Length == ext.Logical && prev.Physical+prev.Length == ext.Physical {
				prev.Length += ext.Length
				continue
			}
		}
		out = append(out, ext)
	}
	return out
}

func zeroFill(ctx context.Context, f *os.File, size uint64, progress ProgressFunc) error {
	buf := make([]byte, zeroChunkSize)
	var done uint64
	for done < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(uint64(len(buf)), size-done)
		if _, err := f.WriteAt(buf[:n], int64(done)); err != nil {
			return errors.Wrap(err, "failed to zero backing image")
		}
		done += n
		if progress != nil && !progress(done, size) {
			return fmt.Errorf("zero fill stopped at %d bytes: %w", done, errors.ErrCancelled)
		}
	}
	return nil
}

func roundUp(n, align uint64) uint64 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}

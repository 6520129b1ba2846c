//go:build linux

package fiemap

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"golang.org/x/sys/unix"
)

// struct fiemap / struct fiemap_extent from linux/fiemap.h
const (
	fsIocFiemap = 0xc020660b

	fiemapHeaderSize = 32
	fiemapExtentSize = 56
	fiemapBatch      = 64

	fiemapFlagSync = 0x1

	fiemapExtentLast          = 0x1
	fiemapExtentUnknown       = 0x2
	fiemapExtentDelalloc      = 0x4
	fiemapExtentEncoded       = 0x8
	fiemapExtentDataEncrypted = 0x80
	fiemapExtentNotAligned    = 0x100
	fiemapExtentDataInline    = 0x200
	fiemapExtentDataTail      = 0x400

	// Extents carrying these flags have no stable physical location.
	fiemapExtentUnusable = fiemapExtentUnknown | fiemapExtentDelalloc | fiemapExtentEncoded |
		fiemapExtentDataEncrypted | fiemapExtentNotAligned | fiemapExtentDataInline | fiemapExtentDataTail
)

type platformMapper struct{}

func (platformMapper) MapExtents(f *os.File, length uint64, limit int) ([]Extent, error) {
	ne := binary.NativeEndian
	buf := make([]byte, fiemapHeaderSize+fiemapBatch*fiemapExtentSize)

	var extents []Extent
	start := uint64(0)
	for start < length {
		clear(buf)
		ne.PutUint64(buf[0:], start)
		ne.PutUint64(buf[8:], length-start)
		ne.PutUint32(buf[16:], fiemapFlagSync)
		ne.PutUint32(buf[24:], fiemapBatch)

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), fsIocFiemap, uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			if errno == unix.EOPNOTSUPP || errno == unix.ENOTTY {
				return nil, errors.ErrExtentsUnsupported
			}
			return nil, os.NewSyscallError("ioctl FS_IOC_FIEMAP", errno)
		}

		mapped := ne.Uint32(buf[20:])
		if mapped == 0 {
			break
		}

		last := false
		for i := uint32(0); i < mapped; i++ {
			rec := buf[fiemapHeaderSize+int(i)*fiemapExtentSize:]
			ext := Extent{
				Logical:  ne.Uint64(rec[0:]),
				Physical: ne.Uint64(rec[8:]),
				Length:   ne.Uint64(rec[16:]),
			}
			flags := ne.Uint32(rec[40:])
			if flags&fiemapExtentUnusable != 0 {
				return nil, fmt.Errorf("extent at logical offset %d has unusable flags %#x", ext.Logical, flags)
			}

			extents = append(extents, ext)
			if len(extents) > limit {
				return nil, fmt.Errorf("more than %d extents: %w", limit, errors.ErrTooFragmented)
			}

			start = ext.Logical + ext.Length
			if flags&fiemapExtentLast != 0 {
				last = true
			}
		}
		if last {
			break
		}
	}
	return extents, nil
}

func allocate(f *os.File, size uint64) error {
	for {
		err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
		if err == unix.EINTR {
			continue
		}
		if err == unix.ENOSPC {
			return fmt.Errorf("%w: %w", errors.ErrNoSpace, err)
		}
		return err
	}
}

func fsBlockSize(f *os.File) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &st); err != nil {
		return 0, os.NewSyscallError("fstatfs", err)
	}
	if st.Bsize <= 0 {
		return 4096, nil
	}
	return uint64(st.Bsize), nil
}

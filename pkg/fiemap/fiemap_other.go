//go:build !linux

package fiemap

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

type platformMapper struct{}

func (platformMapper) MapExtents(f *os.File, length uint64, limit int) ([]Extent, error) {
	return nil, fmt.Errorf("%w on %s", errors.ErrExtentsUnsupported, runtime.GOOS)
}

func allocate(f *os.File, size uint64) error {
	return f.Truncate(int64(size))
}

func fsBlockSize(f *os.File) (uint64, error) {
	return 4096, nil
}

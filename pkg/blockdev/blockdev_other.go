//go:build !linux

package blockdev

import (
	"fmt"
	"runtime"
)

func (p *Prober) StatFS(dir string) (FSStats, error) {
	return FSStats{}, fmt.Errorf("filesystem stats not supported on %s", runtime.GOOS)
}

func (p *Prober) Probe(path string) (Device, error) {
	return Device{}, fmt.Errorf("block device probing not supported on %s", runtime.GOOS)
}

// Package blockdev answers questions about the filesystem and block device
// underneath a directory.
package blockdev

import "fmt"

// FSStats is the space picture of a filesystem.
type FSStats struct {
	FreeBytes  uint64
	TotalBytes uint64
	BlockSize  uint64
}

// FreePercent is the free share of the filesystem, 0 to 100.
func (s FSStats) FreePercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.FreeBytes) / float64(s.TotalBytes) * 100
}

// Device is the block device holding a path.
type Device struct {
	Path              string
	Major             uint32
	Minor             uint32
	LogicalBlockSize  uint32
	PhysicalBlockSize uint32
	Size              uint64
	DeviceMapper      bool
	DeviceMapperName  string
}

// ID is the major:minor pair.
func (d Device) ID() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

const defaultSysfsRoot = "/sys"

// Prober reads filesystem and device details from the running kernel.
type Prober struct {
	sysfsRoot string
}

// NewProber returns a prober reading sysfs under root ("" means /sys).
func NewProber(root string) *Prober {
	if root == "" {
		root = defaultSysfsRoot
	}
	return &Prober{sysfsRoot: root}
}

// Package metadata describes backing images as logical partitions on a
// physical block device and serializes that description.
package metadata

import (
	"fmt"
	"log/slog"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
)

const (
	// SectorSize is the unit of every offset and length in a Table.
	SectorSize = 512

	// MaxNameLength bounds partition and device names.
	MaxNameLength = 36
)

// Attr holds per-partition flags.
type Attr uint32

const (
	AttrNone     Attr = 0
	AttrReadOnly Attr = 1 << 0
)

// BlockDevice identifies the physical device every extent points into.
type BlockDevice struct {
	Name       string
	Major      uint32
	Minor      uint32
	SectorSize uint32
	Alignment  uint32
	Size       uint64
}

// Target is the major:minor form device-mapper tables accept.
func (d BlockDevice) Target() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// LinearExtent maps NumSectors partition sectors starting at LogicalSector
// onto the device starting at PhysicalSector.
type LinearExtent struct {
	LogicalSector  uint64
	NumSectors     uint64
	PhysicalSector uint64
}

// Partition is one logical partition.
type Partition struct {
	Name       string
	Attributes Attr
	Extents    []LinearExtent
}

// NumSectors is the partition length in sectors.
func (p *Partition) NumSectors() uint64 {
	var n uint64
	for _, e := range p.Extents {
		n += e.NumSectors
	}
	return n
}

// Size is the partition length in bytes.
func (p *Partition) Size() uint64 {
	return p.NumSectors() * SectorSize
}

// ReadOnly reports whether the partition is flagged read-only.
func (p *Partition) ReadOnly() bool {
	return p.Attributes&AttrReadOnly != 0
}

// Table is the synthesized partition table.
type Table struct {
	Device     BlockDevice
	Partitions []Partition
}

// Find returns the partition called name, or nil.
func (t *Table) Find(name string) *Partition {
	for i := range t.Partitions {
		if t.Partitions[i].Name == name {
			return &t.Partitions[i]
		}
	}
	return nil
}

// Build converts the extents of each image into linear partition extents on dev.
func Build(images []*fiemap.BackingImage, dev BlockDevice) (*Table, error) {
	if err := checkName(dev.Name); err != nil {
		return nil, errors.Wrap(err, "invalid block device")
	}

	table := &Table{Device: dev}
	for _, img := range images {
		part, err := buildPartition(img)
		if err != nil {
			slog.Error("partition_build_failed", "name", img.Name, "error", err)
			return nil, errors.Wrapf(err, "failed to build partition %s", img.Name)
		}
		if table.Find(part.Name) != nil {
			return nil, errors.Wrapf(errors.ErrInvalidArgument, "duplicate partition %s", part.Name)
		}
		table.Partitions = append(table.Partitions, part)
	}

	slog.Debug("partition_table_built", "device", dev.Name, "partitions", len(table.Partitions))
	return table, nil
}

func buildPartition(img *fiemap.BackingImage) (Partition, error) {
	if err := checkName(img.Name); err != nil {
		return Partition{}, err
	}
	if img.AllocatedSize%SectorSize != 0 {
		return Partition{}, fmt.Errorf("allocated size %d: %w", img.AllocatedSize, errors.ErrUnaligned)
	}

	part := Partition{Name: img.Name}
	if img.ReadOnly {
		part.Attributes |= AttrReadOnly
	}

	needed := img.AllocatedSize / SectorSize
	var mapped uint64
	for i, ext := range img.Extents {
		if ext.Physical%SectorSize != 0 || ext.Length%SectorSize != 0 {
			return Partition{}, fmt.Errorf("extent %d (physical %d, length %d): %w", i, ext.Physical, ext.Length, errors.ErrUnaligned)
		}
		if mapped == needed {
			break
		}
		if ext.Logical != mapped*SectorSize {
			return Partition{}, fmt.Errorf("extent %d starts at %d, expected %d: %w", i, ext.Logical, mapped*SectorSize, errors.ErrInvalidArgument)
		}

		// The filesystem may hand out more than was asked for in the final extent.
		sectors := min(ext.Length/SectorSize, needed-mapped)
		part.Extents = append(part.Extents, LinearExtent{
			LogicalSector:  mapped,
			NumSectors:     sectors,
			PhysicalSector: ext.Physical / SectorSize,
		})
		mapped += sectors
	}

	if mapped != needed {
		return Partition{}, fmt.Errorf("extents map %d of %d sectors: %w", mapped, needed, errors.ErrInvalidArgument)
	}
	return part, nil
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", errors.ErrInvalidArgument)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name %q longer than %d bytes: %w", name, MaxNameLength, errors.ErrInvalidArgument)
	}
	return nil
}

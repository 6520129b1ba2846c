package devicemapper

import (
	"fmt"
	"strings"

	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/target"
)

// LinearTable renders part as a device-mapper table, one linear target per extent.
func LinearTable(part *metadata.Partition, dev metadata.BlockDevice) string {
	var b strings.Builder
	for _, e := range part.Extents {
		fmt.Fprintf(&b, "%d %d linear %s %d\n", e.LogicalSector, e.NumSectors, dev.Target(), e.PhysicalSector)
	}
	return b.String()
}

// BindDirect wraps a backing file in a WriteTarget for direct I/O.
func BindDirect(path string) (target.WriteTarget, error) {
	return target.OpenFile(path)
}

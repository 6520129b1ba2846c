package devicemapper

import (
	"context"
	"time"

	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/target"
)

// DeviceInfo describes a bound node.
type DeviceInfo struct {
	Name       string
	DevicePath string
	Size       int64
}

// Manager turns logical partitions into kernel block devices.
type Manager interface {
	// Bind creates a node for the named partition of table and opens it for
	// writing. Closing the returned target unbinds the node.
	Bind(ctx context.Context, table *metadata.Table, name string, timeout time.Duration) (target.WriteTarget, error)

	// Unbind removes the node for name. A missing node is not an error.
	Unbind(ctx context.Context, name string) error

	// IsBound reports whether a node for name exists.
	IsBound(name string) bool

	// List returns the nodes this manager owns.
	List(ctx context.Context) ([]*DeviceInfo, error)

	// Close cleans up resources
	Close() error
}

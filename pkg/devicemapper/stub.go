//go:build !linux

package devicemapper

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/target"
)

// StubManager is a no-op devicemapper for non-Linux systems
type StubManager struct{}

// NewManager creates a stub manager on non-Linux systems
func NewManager(prefix string) (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) Bind(ctx context.Context, table *metadata.Table, name string, timeout time.Duration) (target.WriteTarget, error) {
	return nil, fmt.Errorf("devicemapper not supported on %s", runtime.GOOS)
}

// Unbind succeeds: nothing can be bound here.
func (m *StubManager) Unbind(ctx context.Context, name string) error {
	return nil
}

func (m *StubManager) IsBound(name string) bool {
	return false
}

func (m *StubManager) List(ctx context.Context) ([]*DeviceInfo, error) {
	return nil, fmt.Errorf("devicemapper not supported on %s", runtime.GOOS)
}

func (m *StubManager) Close() error {
	return nil
}

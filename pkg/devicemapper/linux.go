//go:build linux

package devicemapper

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/target"
)

// Runner executes dmsetup with args, feeding stdin when non-empty.
type Runner func(ctx context.Context, stdin string, args ...string) ([]byte, error)

// LinuxManager implements devicemapper on Linux
type LinuxManager struct {
	prefix    string
	mapperDir string
	run       Runner
}

// Option configures a LinuxManager.
type Option func(*LinuxManager)

// WithMapperDir overrides where nodes are expected to appear.
func WithMapperDir(dir string) Option {
	return func(m *LinuxManager) { m.mapperDir = dir }
}

// WithRunner replaces the dmsetup invocation.
func WithRunner(r Runner) Option {
	return func(m *LinuxManager) { m.run = r }
}

// NewManager creates a Linux devicemapper manager
func NewManager(prefix string, opts ...Option) (Manager, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	m := &LinuxManager{
		prefix:    prefix,
		mapperDir: DefaultMapperDir,
		run:       runDmsetup,
	}
	for _, opt := range opts {
		opt(m)
	}

	slog.Debug("devicemapper_init", "prefix", m.prefix, "mapper_dir", m.mapperDir, "platform", "linux")
	return m, nil
}

func (m *LinuxManager) Bind(ctx context.Context, table *metadata.Table, name string, timeout time.Duration) (target.WriteTarget, error) {
	part := table.Find(name)
	if part == nil {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "no partition named %s", name)
	}

	deviceName := m.deviceName(name)
	devicePath := m.devicePath(name)
	slog.Info("bind_device_start", "partition", name, "device_name", deviceName, "extents", len(part.Extents))

	if m.IsBound(name) {
		slog.Warn("stale_mapping_found", "device_name", deviceName)
		if err := m.Unbind(ctx, name); err != nil {
			return nil, errors.Wrap(err, "failed to remove stale mapping")
		}
	}

	tableSpec := LinearTable(part, table.Device)
	if _, err := m.run(ctx, tableSpec, "create", deviceName); err != nil {
		slog.Error("device_activation_failed", "device_name", deviceName, "error", err)
		return nil, errors.Wrap(err, "failed to activate device")
	}

	if err := waitForPath(ctx, devicePath, timeout); err != nil {
		slog.Error("device_wait_failed", "device_path", devicePath, "timeout", timeout, "error", err)
		m.Unbind(context.Background(), name)
		return nil, err
	}

	t, err := target.OpenFile(devicePath)
	if err != nil {
		slog.Error("device_open_failed", "device_path", devicePath, "error", err)
		m.Unbind(context.Background(), name)
		return nil, errors.Wrap(err, "failed to open mapped device")
	}
	t.OnClose(func() error {
		return m.Unbind(context.Background(), name)
	})

	slog.Info("bind_device_complete", "partition", name, "device_path", devicePath, "size_mb", t.Size()/1024/1024)
	return t, nil
}

func (m *LinuxManager) Unbind(ctx context.Context, name string) error {
	deviceName := m.deviceName(name)
	if !m.IsBound(name) {
		slog.Debug("unbind_device_absent", "device_name", deviceName)
		return nil
	}

	slog.Info("unbind_device", "device_name", deviceName)
	if _, err := m.run(ctx, "", "remove", deviceName); err != nil {
		slog.Error("device_deletion_failed", "device_name", deviceName, "error", err)
		return errors.Wrap(err, "failed to remove device")
	}

	slog.Info("device_unbound", "device_name", deviceName)
	return nil
}

func (m *LinuxManager) IsBound(name string) bool {
	_, err := os.Stat(m.devicePath(name))
	return err == nil
}

func (m *LinuxManager) List(ctx context.Context) ([]*DeviceInfo, error) {
	out, err := m.run(ctx, "", "ls")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list devices")
	}

	var devices []*DeviceInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], m.prefix) {
			continue
		}
		info := &DeviceInfo{
			Name:       strings.TrimPrefix(fields[0], m.prefix),
			DevicePath: filepath.Join(m.mapperDir, fields[0]),
		}
		if st, err := os.Stat(info.DevicePath); err == nil {
			info.Size = st.Size()
		}
		devices = append(devices, info)
	}
	return devices, scanner.Err()
}

func (m *LinuxManager) Close() error {
	return nil
}

func (m *LinuxManager) deviceName(name string) string {
	return m.prefix + name
}

func (m *LinuxManager) devicePath(name string) string {
	return filepath.Join(m.mapperDir, m.deviceName(name))
}

// waitForPath polls for path until it exists or timeout passes. A zero
// timeout checks exactly once.
func waitForPath(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("waiting %s for %s: %w", timeout, path, errors.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func runDmsetup(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "dmsetup", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("dmsetup %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

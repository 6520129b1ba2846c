//go:build linux

package blockdev

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"golang.org/x/sys/unix"
)

// StatFS reports space on the filesystem holding dir.
func (p *Prober) StatFS(dir string) (FSStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		slog.Error("statfs_failed", "path", dir, "error", err)
		return FSStats{}, errors.Wrapf(os.NewSyscallError("statfs", err), "failed to stat filesystem of %s", dir)
	}

	frsize := uint64(st.Frsize)
	if frsize == 0 {
		frsize = uint64(st.Bsize)
	}
	return FSStats{
		FreeBytes:  st.Bavail * frsize,
		TotalBytes: st.Blocks * frsize,
		BlockSize:  uint64(st.Bsize),
	}, nil
}

// Probe identifies the block device holding path.
func (p *Prober) Probe(path string) (Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Device{}, errors.Wrapf(os.NewSyscallError("stat", err), "failed to stat %s", path)
	}

	dev := Device{
		Major:             unix.Major(uint64(st.Dev)),
		Minor:             unix.Minor(uint64(st.Dev)),
		LogicalBlockSize:  512,
		PhysicalBlockSize: 512,
	}
	dev.Path = "/dev/block/" + dev.ID()

	sysdir := filepath.Join(p.sysfsRoot, "dev", "block", dev.ID())
	if _, err := os.Stat(sysdir); err != nil {
		return Device{}, errors.Wrapf(err, "no sysfs entry for device %s", dev.ID())
	}

	if sectors, err := readUint(filepath.Join(sysdir, "size")); err == nil {
		dev.Size = sectors * 512
	}
	// Partitions keep their queue attributes on the parent disk.
	queues := []string{filepath.Join(sysdir, "queue")}
	if real, err := filepath.EvalSymlinks(sysdir); err == nil {
		queues = append(queues, filepath.Join(filepath.Dir(real), "queue"))
	}
	for _, queue := range queues {
		if v, err := readUint(filepath.Join(queue, "logical_block_size")); err == nil {
			dev.LogicalBlockSize = uint32(v)
			if v, err := readUint(filepath.Join(queue, "physical_block_size")); err == nil {
				dev.PhysicalBlockSize = uint32(v)
			}
			break
		}
	}

	if name, err := os.ReadFile(filepath.Join(sysdir, "dm", "name")); err == nil {
		dev.DeviceMapper = true
		dev.DeviceMapperName = strings.TrimSpace(string(name))
	}

	slog.Debug("block_device_probed",
		"path", path,
		"device", dev.ID(),
		"size", dev.Size,
		"logical_block_size", dev.LogicalBlockSize,
		"device_mapper", dev.DeviceMapper,
	)
	return dev, nil
}

func readUint(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

// Package mkfs formats the scratch partition once it is reachable as a
// device path.
package mkfs

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

// DefaultCommand formats ext4.
const DefaultCommand = "mkfs.ext4"

// Ext4 runs an mke2fs style formatter.
type Ext4 struct {
	command string
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New returns a formatter invoking command ("" means mkfs.ext4).
func New(command string) *Ext4 {
	if command == "" {
		command = DefaultCommand
	}
	return &Ext4{command: command, run: runCommand}
}

// Args returns the formatter arguments for device.
func (e *Ext4) Args(device string, blockSize uint64) []string {
	args := []string{"-F", "-q"}
	if blockSize > 0 {
		args = append(args, "-b", strconv.FormatUint(blockSize, 10))
	}
	return append(args, device)
}

// Format creates a filesystem on device.
func (e *Ext4) Format(ctx context.Context, device string, blockSize uint64) error {
	args := e.Args(device, blockSize)
	slog.Info("format_device", "device_path", device, "command", e.command, "block_size", blockSize)

	if out, err := e.run(ctx, e.command, args...); err != nil {
		slog.Error("device_format_failed", "device_path", device, "error", err, "output", strings.TrimSpace(string(out)))
		return errors.Wrap(err, "failed to format device")
	}

	slog.Info("format_complete", "device_path", device)
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

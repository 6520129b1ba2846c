package installer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
	"github.com/fly-io/dsu-installer/pkg/markers"
	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/hashicorp/go-multierror"
)

// Finalize makes a fully streamed installation bootable. The activation
// marker is written last; a failure before it leaves nothing bootable.
func (i *Installer) Finalize(ctx context.Context, oneShot bool) error {
	if i.state != StateStreaming {
		return fmt.Errorf("finalize in state %s: %w", i.state, errors.ErrInvalidState)
	}
	if !i.budget.Done() {
		slog.Error("finalize_incomplete", "committed", i.budget.Committed(), "total", i.payloadSize)
		return fmt.Errorf("%d of %d payload bytes committed: %w",
			i.budget.Committed(), i.payloadSize, errors.ErrInvalidState)
	}

	if err := i.payload.Flush(); err != nil {
		return err
	}
	err := i.payload.Close()
	i.payload = nil
	if err != nil {
		i.state = StateAborted
		return errors.Wrap(err, "failed to release payload partition")
	}

	// The payload is released, so any failure from here on ends the session.
	for _, img := range i.images {
		if err := i.opts.Allocator.Verify(img); err != nil {
			i.state = StateAborted
			return errors.Wrapf(err, "backing image %s is no longer pinned", img.Name)
		}
	}

	if err := i.persist(oneShot); err != nil {
		i.state = StateAborted
		return err
	}

	i.succeeded = true
	i.state = StateBootable
	slog.Info("install_finalized", "install_dir", i.dir, "one_shot", oneShot)
	return nil
}

// persist writes the partition table and the markers, activation last.
func (i *Installer) persist(oneShot bool) error {
	blob, err := metadata.Export(i.table)
	if err != nil {
		return err
	}
	m := i.opts.Markers
	if err := m.WriteMetadata(blob); err != nil {
		return err
	}
	if err := m.SaveInstallDir(i.dir); err != nil {
		return err
	}
	return activate(m, oneShot)
}

func activate(m *markers.Store, oneShot bool) error {
	if err := m.SetBootMode(oneShot); err != nil {
		return err
	}
	return m.WriteInstallStatus(markers.StatusOK)
}

// Reenable reactivates a disabled installation.
func (i *Installer) Reenable(ctx context.Context, oneShot bool) error {
	if i.state != StateBootable {
		return fmt.Errorf("reenable in state %s: %w", i.state, errors.ErrInvalidState)
	}
	i.state = StateReenabling
	defer func() { i.state = StateBootable }()

	m := i.opts.Markers
	if m.IsRunning() {
		slog.Info("reenable_markers_only", "reason", "running_from_installed_image")
		return activate(m, oneShot)
	}

	if err := i.rediscover(); err != nil {
		return err
	}
	blob, err := metadata.Export(i.table)
	if err != nil {
		return err
	}
	if err := m.WriteMetadata(blob); err != nil {
		return err
	}
	if err := activate(m, oneShot); err != nil {
		return err
	}

	slog.Info("install_reenabled", "install_dir", i.dir, "one_shot", oneShot)
	return nil
}

// rediscover reopens the backing images at the sizes recorded in the
// persisted table and rebuilds the table from their current extents.
func (i *Installer) rediscover() error {
	blob, err := i.opts.Markers.ReadMetadata()
	if err != nil {
		return err
	}
	persisted, err := metadata.Import(blob)
	if err != nil {
		return err
	}

	i.images = i.images[:0]
	for _, name := range []string{PayloadName, ScratchName} {
		part := persisted.Find(name)
		if part == nil {
			return fmt.Errorf("partition %s missing from persisted table: %w", name, errors.ErrCorrupt)
		}
		img, err := i.opts.Allocator.Open(name, part.Size())
		if err != nil {
			return err
		}
		img.ReadOnly = part.ReadOnly()
		i.images = append(i.images, img)
	}
	return i.buildTable()
}

// WipeScratch zeroes the start of the scratch partition so the next boot
// formats it afresh. The payload is not touched.
func (i *Installer) WipeScratch(ctx context.Context) error {
	if i.state != StateBootable {
		return fmt.Errorf("wipe in state %s: %w", i.state, errors.ErrInvalidState)
	}
	i.state = StateWiping
	defer func() { i.state = StateBootable }()

	if err := i.rediscover(); err != nil {
		return err
	}
	strategy, err := i.selectStrategy()
	if err != nil {
		return err
	}
	i.strategy = strategy

	t, err := i.bind(ctx, ScratchName)
	if err != nil {
		return errors.Wrap(err, "failed to bind scratch partition")
	}

	n := min(uint64(wipeSize), t.Size())
	err = writeZeros(t, n)
	if err == nil {
		err = t.Flush()
	}
	if closeErr := t.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		slog.Error("scratch_wipe_failed", "error", err)
		return errors.Wrap(err, "failed to wipe scratch partition")
	}

	slog.Info("scratch_wiped", "bytes", n, "strategy", i.strategy.String())
	return nil
}

// Abort releases everything the session holds. Unless the install reached
// Bootable, its backing files and markers are deleted. Calling it again, or
// on a session that never started, succeeds without effect.
func (i *Installer) Abort(ctx context.Context) error {
	var result *multierror.Error

	if i.payload != nil {
		if err := i.payload.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		i.payload = nil
	}
	if i.opts.Binder != nil {
		for _, name := range []string{PayloadName, ScratchName} {
			if err := i.opts.Binder.Unbind(ctx, name); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if i.allocated && !i.succeeded {
		slog.Info("install_rollback", "install_dir", i.dir, "state", i.state.String())
		for _, name := range []string{PayloadName, ScratchName} {
			if err := i.opts.Allocator.Remove(name); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := i.opts.Markers.RemoveAll(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if !i.succeeded {
		i.state = StateAborted
	}
	i.opts.Progress.ClearAbort()
	return result.ErrorOrNil()
}

// Images returns the backing images of the session.
func (i *Installer) Images() []*fiemap.BackingImage {
	return i.images
}

// Package installer drives a single system image installation from space
// checks through streaming to activation, and reverses it on failure.
package installer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fly-io/dsu-installer/pkg/blockdev"
	"github.com/fly-io/dsu-installer/pkg/devicemapper"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/progress"
	"github.com/fly-io/dsu-installer/pkg/target"
	"github.com/fly-io/dsu-installer/pkg/validate"
)

// Installer is one install session. It is not safe for concurrent use; the
// owner serializes calls, except for the progress channel.
type Installer struct {
	opts   Options
	params Params

	dir         string
	payloadSize uint64
	scratchSize uint64

	state    State
	strategy Strategy
	device   blockdev.Device
	images   []*fiemap.BackingImage
	table    *metadata.Table

	freshScratch bool
	payload      target.WriteTarget
	budget       *validate.Budget
	blockSize    uint64
	lastPermille uint64
	streaming    bool

	allocated bool
	succeeded bool

	// failure is the error of the stage that stopped the pipeline.
	failure error
}

// New prepares an install session. Nothing touches disk until Start.
func New(opts Options, params Params) *Installer {
	opts.setDefaults()
	return &Installer{
		opts:   opts,
		params: params,
		dir:    params.InstallDir,
		state:  StateIdle,
	}
}

// Open attaches to an existing installation in dir for Reenable or
// WipeScratch.
func Open(opts Options, dir string) *Installer {
	opts.setDefaults()
	return &Installer{
		opts:      opts,
		dir:       dir,
		state:     StateBootable,
		succeeded: true,
	}
}

func (i *Installer) State() State {
	return i.state
}

func (i *Installer) Strategy() Strategy {
	return i.strategy
}

func (i *Installer) Dir() string {
	return i.dir
}

func (i *Installer) Table() *metadata.Table {
	return i.table
}

// Progress returns the channel shared with pollers.
func (i *Installer) Progress() *progress.Channel {
	return i.opts.Progress
}

// Start runs the setup stages. On failure everything the session allocated
// is rolled back before the error is returned.
func (i *Installer) Start(ctx context.Context) error {
	if i.state != StateIdle {
		return fmt.Errorf("start in state %s: %w", i.state, errors.ErrInvalidState)
	}

	slog.Info("install_start",
		"install_dir", i.params.InstallDir,
		"payload_size", i.params.PayloadSize,
		"scratch_size", i.params.ScratchSize,
		"wipe_scratch", i.params.WipeScratch,
	)

	if err := i.opts.Pipeline.Run(ctx, i); err != nil {
		if i.failure != nil {
			err = i.failure
		}
		slog.Error("install_start_failed", "state", i.state.String(), "error", err)
		if abortErr := i.Abort(ctx); abortErr != nil {
			slog.Warn("install_rollback_incomplete", "error", abortErr)
		}
		return err
	}

	slog.Info("install_streaming",
		"install_dir", i.dir,
		"strategy", i.strategy.String(),
		"block_size", i.blockSize,
	)
	return nil
}

type stage struct {
	name string
	run  func(ctx context.Context) error
}

// Stage names, in execution order.
const (
	StageSanityCheck    = "sanity_check"
	StagePreallocate    = "preallocate"
	StageChooseStrategy = "choose_strategy"
	StageFormatScratch  = "format_scratch"
	StageOpenPayload    = "open_payload"
)

func (i *Installer) stages() []stage {
	return []stage{
		{StageSanityCheck, i.sanityCheck},
		{StagePreallocate, i.preallocate},
		{StageChooseStrategy, i.chooseStrategy},
		{StageFormatScratch, i.formatScratch},
		{StageOpenPayload, i.openPayload},
	}
}

func (i *Installer) runStage(ctx context.Context, name string) error {
	for _, s := range i.stages() {
		if s.name == name {
			if err := s.run(ctx); err != nil {
				i.failure = err
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("unknown stage %s: %w", name, errors.ErrInvalidArgument)
}

func (i *Installer) sanityCheck(ctx context.Context) error {
	if err := i.opts.Validator.ValidateSizes(i.params.PayloadSize, i.params.ScratchSize); err != nil {
		return err
	}
	if i.opts.Markers.IsRunning() {
		slog.Error("install_refused", "reason", "running_from_installed_image")
		return fmt.Errorf("cannot install while running from the installed image: %w", errors.ErrInvalidState)
	}

	dir, err := i.opts.Validator.ValidateInstallDir(i.params.InstallDir)
	if err != nil {
		return err
	}
	i.dir = dir
	if filepath.Clean(i.opts.Allocator.Dir()) != dir {
		return fmt.Errorf("allocator serves %s, not %s: %w", i.opts.Allocator.Dir(), dir, errors.ErrInvalidArgument)
	}

	i.payloadSize = uint64(i.params.PayloadSize)
	i.scratchSize = uint64(i.params.ScratchSize)
	if i.scratchSize == 0 {
		i.scratchSize = i.opts.DefaultScratchSize
	}

	stats, err := i.opts.Prober.StatFS(i.dir)
	if err != nil {
		return err
	}
	requested := i.payloadSize + i.scratchSize
	if stats.FreeBytes <= requested {
		slog.Error("insufficient_space",
			"install_dir", i.dir,
			"free_bytes", stats.FreeBytes,
			"requested_bytes", requested,
		)
		return fmt.Errorf("%d bytes free, %d requested: %w", stats.FreeBytes, requested, errors.ErrNoSpace)
	}
	if pct := stats.FreePercent(); pct < i.opts.MinFreePercent {
		slog.Error("filesystem_cluttered",
			"install_dir", i.dir,
			"free_percent", pct,
			"min_free_percent", i.opts.MinFreePercent,
		)
		return fmt.Errorf("%.1f%% free, %.0f%% required: %w", pct, i.opts.MinFreePercent, errors.ErrCluttered)
	}

	i.state = StateSanityChecked
	return nil
}

func (i *Installer) preallocate(ctx context.Context) error {
	i.allocated = true

	// A previous installation stops existing before its files are touched.
	if err := i.opts.Markers.Uninstall(); err != nil {
		return err
	}
	if err := i.opts.Allocator.Remove(PayloadName); err != nil {
		return err
	}
	if i.params.WipeScratch {
		if err := i.opts.Allocator.Remove(ScratchName); err != nil {
			return err
		}
	}
	// Recorded early so start-up recovery can find the files of a crashed install.
	if err := i.opts.Markers.SaveInstallDir(i.dir); err != nil {
		return err
	}

	scratch, err := i.prepareScratch(ctx)
	if err != nil {
		return err
	}
	payload, err := i.createImage(ctx, PayloadName, i.payloadSize, true)
	if err != nil {
		return err
	}
	i.images = []*fiemap.BackingImage{payload, scratch}

	if err := i.buildTable(); err != nil {
		return err
	}

	i.state = StatePreallocated
	return nil
}

// prepareScratch reuses an existing scratch image unless a wipe was asked for.
func (i *Installer) prepareScratch(ctx context.Context) (*fiemap.BackingImage, error) {
	if i.opts.Allocator.Exists(ScratchName) {
		img, err := i.opts.Allocator.Open(ScratchName, i.scratchSize)
		if err == nil {
			slog.Info("scratch_reused", "size", img.Size, "extents", len(img.Extents))
			return img, nil
		}
		slog.Warn("scratch_reuse_failed", "error", err)
		if err := i.opts.Allocator.Remove(ScratchName); err != nil {
			return nil, err
		}
	}

	img, err := i.createImage(ctx, ScratchName, i.scratchSize, false)
	if err != nil {
		return nil, err
	}
	i.freshScratch = true
	return img, nil
}

func (i *Installer) createImage(ctx context.Context, name string, size uint64, readOnly bool) (*fiemap.BackingImage, error) {
	ch := i.opts.Progress
	ch.StartAsyncOperation("create "+name, size)

	img, err := i.opts.Allocator.Create(ctx, name, size, fiemap.CreateOptions{
		ReadOnly: readOnly,
		ZeroFill: i.opts.ZeroFill,
	}, func(done, total uint64) bool {
		ch.Update(progress.StatusWorking, done)
		return !ch.ShouldAbort()
	})
	if err != nil {
		return nil, err
	}

	ch.Update(progress.StatusComplete, size)
	return img, nil
}

func (i *Installer) buildTable() error {
	dev, err := i.opts.Prober.Probe(i.dir)
	if err != nil {
		return errors.Wrap(err, "failed to identify block device")
	}
	i.device = dev

	table, err := metadata.Build(i.images, blockDevice(dev))
	if err != nil {
		return err
	}
	i.table = table
	return nil
}

func blockDevice(dev blockdev.Device) metadata.BlockDevice {
	name := dev.DeviceMapperName
	if name == "" {
		name = filepath.Base(dev.Path)
	}
	return metadata.BlockDevice{
		Name:       name,
		Major:      dev.Major,
		Minor:      dev.Minor,
		SectorSize: dev.LogicalBlockSize,
		Alignment:  dev.PhysicalBlockSize,
		Size:       dev.Size,
	}
}

// chooseStrategy stacks a device-mapper node when the data directory already
// sits on one. Outside the default location that is refused outright.
func (i *Installer) chooseStrategy(ctx context.Context) error {
	strategy, err := i.selectStrategy()
	if err != nil {
		return err
	}
	i.strategy = strategy
	i.state = StateStrategyChosen
	return nil
}

func (i *Installer) selectStrategy() (Strategy, error) {
	canUseDM := i.device.DeviceMapper
	if !i.opts.Validator.IsDefaultDir(i.dir) {
		if canUseDM {
			slog.Error("strategy_refused", "install_dir", i.dir, "device", i.device.DeviceMapperName)
			return 0, fmt.Errorf("%s is backed by device-mapper node %s outside the default install location",
				i.dir, i.device.DeviceMapperName)
		}
		return StrategyDirectFile, nil
	}
	if canUseDM {
		if i.opts.Binder == nil {
			return 0, errors.New("device-mapper backed install without a binder")
		}
		return StrategyDeviceMapper, nil
	}
	return StrategyDirectFile, nil
}

func (i *Installer) bind(ctx context.Context, name string) (target.WriteTarget, error) {
	if i.strategy == StrategyDeviceMapper {
		return i.opts.Binder.Bind(ctx, i.table, name, i.opts.MapTimeout)
	}
	return devicemapper.BindDirect(i.opts.Allocator.Path(name))
}

// formatScratch clears the start of a freshly created scratch partition and
// hands it to the formatter, if one is configured.
func (i *Installer) formatScratch(ctx context.Context) error {
	if !i.freshScratch {
		slog.Info("scratch_format_skipped", "reason", "reused")
		i.state = StateFormatted
		return nil
	}

	t, err := i.bind(ctx, ScratchName)
	if err != nil {
		return errors.Wrap(err, "failed to bind scratch partition")
	}

	err = i.formatTarget(ctx, t)
	if closeErr := t.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(closeErr, "failed to release scratch partition")
	}
	if err != nil {
		return err
	}

	i.state = StateFormatted
	return nil
}

func (i *Installer) formatTarget(ctx context.Context, t target.WriteTarget) error {
	if err := writeZeros(t, min(zeroPageSize, t.Size())); err != nil {
		return errors.Wrap(err, "failed to clear scratch partition")
	}
	if err := t.Flush(); err != nil {
		return err
	}
	if i.opts.Formatter == nil {
		return nil
	}
	return i.opts.Formatter.Format(ctx, t.Path(), i.images[1].BlockSize)
}

func (i *Installer) openPayload(ctx context.Context) error {
	t, err := i.bind(ctx, PayloadName)
	if err != nil {
		return errors.Wrap(err, "failed to bind payload partition")
	}

	i.payload = t
	i.budget = validate.NewBudget(i.payloadSize)
	i.blockSize = i.images[0].BlockSize
	if i.blockSize == 0 {
		i.blockSize = zeroPageSize
	}
	i.opts.Progress.Reset()

	i.state = StateStreaming
	return nil
}

func writeZeros(t target.WriteTarget, n uint64) error {
	buf := make([]byte, zeroPageSize)
	for n > 0 {
		chunk := min(uint64(len(buf)), n)
		if _, err := t.Write(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

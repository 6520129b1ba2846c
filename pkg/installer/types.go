package installer

import (
	"context"
	"time"

	"github.com/fly-io/dsu-installer/pkg/blockdev"
	"github.com/fly-io/dsu-installer/pkg/devicemapper"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
	"github.com/fly-io/dsu-installer/pkg/markers"
	"github.com/fly-io/dsu-installer/pkg/progress"
	"github.com/fly-io/dsu-installer/pkg/validate"
)

// Partition names
const (
	PayloadName = "payload"
	ScratchName = "scratch"
)

// Defaults
const (
	DefaultMinFreePercent = 40
	DefaultScratchSize    = 2 << 30

	zeroPageSize = 4096
	wipeSize     = 1 << 20
)

// State of an installation.
type State int

const (
	StateIdle State = iota
	StateSanityChecked
	StatePreallocated
	StateStrategyChosen
	StateFormatted
	StateStreaming
	StateBootable
	StateAborted
	StateReenabling
	StateWiping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSanityChecked:
		return "sanity_checked"
	case StatePreallocated:
		return "preallocated"
	case StateStrategyChosen:
		return "strategy_chosen"
	case StateFormatted:
		return "formatted"
	case StateStreaming:
		return "streaming"
	case StateBootable:
		return "bootable"
	case StateAborted:
		return "aborted"
	case StateReenabling:
		return "reenabling"
	case StateWiping:
		return "wiping"
	default:
		return "unknown"
	}
}

// Strategy is how partitions are reached for writing.
type Strategy int

const (
	StrategyDirectFile Strategy = iota
	StrategyDeviceMapper
)

func (s Strategy) String() string {
	if s == StrategyDeviceMapper {
		return "device_mapper"
	}
	return "direct_file"
}

// Params describe one install request. A zero ScratchSize selects
// Options.DefaultScratchSize; an empty InstallDir the validator's default.
type Params struct {
	InstallDir  string
	PayloadSize int64
	ScratchSize int64
	WipeScratch bool
}

// Allocator creates and rediscovers backing images.
type Allocator interface {
	Dir() string
	Path(name string) string
	Exists(name string) bool
	Remove(name string) error
	Create(ctx context.Context, name string, size uint64, opts fiemap.CreateOptions, progress fiemap.ProgressFunc) (*fiemap.BackingImage, error)
	Open(name string, size uint64) (*fiemap.BackingImage, error)
	Verify(img *fiemap.BackingImage) error
}

// Prober answers space and device questions about the install directory.
type Prober interface {
	StatFS(dir string) (blockdev.FSStats, error)
	Probe(path string) (blockdev.Device, error)
}

// Formatter puts a filesystem on the scratch partition.
type Formatter interface {
	Format(ctx context.Context, device string, blockSize uint64) error
}

// Options wire an Installer to its collaborators.
type Options struct {
	Allocator Allocator
	Binder    devicemapper.Manager
	Prober    Prober
	Formatter Formatter
	Markers   *markers.Store
	Validator *validate.Validator
	Progress  *progress.Channel
	Pipeline  Pipeline

	MinFreePercent     float64
	DefaultScratchSize uint64
	MapTimeout         time.Duration
	ZeroFill           bool
}

func (o *Options) setDefaults() {
	if o.MinFreePercent == 0 {
		o.MinFreePercent = DefaultMinFreePercent
	}
	if o.DefaultScratchSize == 0 {
		o.DefaultScratchSize = DefaultScratchSize
	}
	if o.MapTimeout == 0 {
		o.MapTimeout = devicemapper.DefaultMapTimeout
	}
	if o.Progress == nil {
		o.Progress = progress.New()
	}
	if o.Pipeline == nil {
		o.Pipeline = Sequential{}
	}
}

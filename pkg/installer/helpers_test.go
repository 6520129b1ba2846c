package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fly-io/dsu-installer/pkg/blockdev"
	"github.com/fly-io/dsu-installer/pkg/devicemapper"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
	"github.com/fly-io/dsu-installer/pkg/markers"
	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/progress"
	"github.com/fly-io/dsu-installer/pkg/target"
	"github.com/fly-io/dsu-installer/pkg/validate"
)

// fileMapper places every file in a single extent, 1 GiB apart. Setting
// shift simulates the filesystem relocating the files.
type fileMapper struct {
	mu    sync.Mutex
	bases map[string]uint64
	shift uint64
}

func (m *fileMapper) MapExtents(f *os.File, length uint64, limit int) ([]fiemap.Extent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bases == nil {
		m.bases = make(map[string]uint64)
	}
	base, ok := m.bases[f.Name()]
	if !ok {
		base = uint64(len(m.bases)+1) << 30
		m.bases[f.Name()] = base
	}
	return []fiemap.Extent{{Logical: 0, Physical: base + m.shift, Length: length}}, nil
}

type fakeProber struct {
	stats blockdev.FSStats
	dev   blockdev.Device
}

func (p *fakeProber) StatFS(dir string) (blockdev.FSStats, error) { return p.stats, nil }

func (p *fakeProber) Probe(path string) (blockdev.Device, error) { return p.dev, nil }

// memTarget stands in for a mapped node.
type memTarget struct {
	name    string
	size    uint64
	data    []byte
	onClose func()
}

func (t *memTarget) Write(p []byte) (int, error) {
	if uint64(len(t.data)+len(p)) > t.size {
		return 0, fmt.Errorf("write past end of %s: %w", t.name, errors.ErrInvalidArgument)
	}
	t.data = append(t.data, p...)
	return len(p), nil
}

func (t *memTarget) Flush() error { return nil }
func (t *memTarget) Size() uint64 { return t.size }
func (t *memTarget) Path() string { return "/dev/mapper/dsu-" + t.name }
func (t *memTarget) Close() error {
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}

type fakeBinder struct {
	mu      sync.Mutex
	bound   map[string]bool
	binds   []string
	targets map[string]*memTarget
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{bound: map[string]bool{}, targets: map[string]*memTarget{}}
}

func (b *fakeBinder) Bind(ctx context.Context, table *metadata.Table, name string, timeout time.Duration) (target.WriteTarget, error) {
	part := table.Find(name)
	if part == nil {
		return nil, fmt.Errorf("no partition %s: %w", name, errors.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound[name] = true
	b.binds = append(b.binds, name)
	t := &memTarget{name: name, size: part.Size()}
	t.onClose = func() { b.Unbind(context.Background(), name) }
	b.targets[name] = t
	return t, nil
}

func (b *fakeBinder) Unbind(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bound, name)
	return nil
}

func (b *fakeBinder) IsBound(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound[name]
}

func (b *fakeBinder) List(ctx context.Context) ([]*devicemapper.DeviceInfo, error) { return nil, nil }

func (b *fakeBinder) Close() error { return nil }

type fakeFormatter struct {
	calls     int
	device    string
	blockSize uint64
}

func (f *fakeFormatter) Format(ctx context.Context, device string, blockSize uint64) error {
	f.calls++
	f.device = device
	f.blockSize = blockSize
	return nil
}

// testEnv is an install directory, a metadata directory and fakes for
// everything below the allocator.
type testEnv struct {
	dir     string
	meta    string
	mapper  *fileMapper
	prober  *fakeProber
	binder  *fakeBinder
	markers *markers.Store
	opts    Options
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "data", "gsi", "dsu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	meta := filepath.Join(root, "metadata", "gsi", "dsu")

	e := &testEnv{
		dir:    dir,
		meta:   meta,
		mapper: &fileMapper{},
		prober: &fakeProber{
			stats: blockdev.FSStats{FreeBytes: 10 << 30, TotalBytes: 11 << 30, BlockSize: 4096},
			dev: blockdev.Device{
				Path:              "/dev/block/259:3",
				Major:             259,
				Minor:             3,
				LogicalBlockSize:  512,
				PhysicalBlockSize: 4096,
				Size:              64 << 30,
			},
		},
		binder:  newFakeBinder(),
		markers: markers.NewStore(meta, ""),
	}
	e.opts = Options{
		Allocator:          fiemap.NewAllocator(dir, 0, fiemap.WithExtentMapper(e.mapper)),
		Binder:             e.binder,
		Prober:             e.prober,
		Markers:            e.markers,
		Validator:          validate.NewValidator(dir, ""),
		Progress:           progress.New(),
		DefaultScratchSize: 1 << 20,
	}
	return e
}

func (e *testEnv) start(t *testing.T, params Params) *Installer {
	t.Helper()
	inst := New(e.opts, params)
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return inst
}

// install runs a complete install of payload.
func (e *testEnv) install(t *testing.T, payload []byte, scratchSize int64) *Installer {
	t.Helper()
	inst := e.start(t, Params{PayloadSize: int64(len(payload)), ScratchSize: scratchSize})
	if err := inst.CommitBuffer(context.Background(), payload); err != nil {
		t.Fatalf("CommitBuffer() error = %v", err)
	}
	if err := inst.Finalize(context.Background(), false); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	return inst
}

func (e *testEnv) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*31 + 7)
	}
	return p
}

// memAllocator hands out synthetic images without touching disk.
type memAllocator struct {
	dir string
}

func (a *memAllocator) Dir() string                       { return a.dir }
func (a *memAllocator) Path(name string) string           { return filepath.Join(a.dir, name+".img") }
func (a *memAllocator) Exists(name string) bool           { return false }
func (a *memAllocator) Remove(name string) error          { return nil }
func (a *memAllocator) Verify(*fiemap.BackingImage) error { return nil }

func (a *memAllocator) Open(name string, size uint64) (*fiemap.BackingImage, error) {
	return nil, errors.ErrNotInstalled
}

func (a *memAllocator) Create(ctx context.Context, name string, size uint64, opts fiemap.CreateOptions, progress fiemap.ProgressFunc) (*fiemap.BackingImage, error) {
	const block = 4096
	allocated := (size + block - 1) / block * block
	base := uint64(1 << 30)
	if name == ScratchName {
		base = 8 << 30
	}
	// Two extents, the second over-allocated past the file end.
	half := allocated / 2 / block * block
	return &fiemap.BackingImage{
		Name:          name,
		Path:          a.Path(name),
		Size:          size,
		AllocatedSize: allocated,
		BlockSize:     block,
		ReadOnly:      opts.ReadOnly,
		Extents: []fiemap.Extent{
			{Logical: 0, Physical: base, Length: half},
			{Logical: half, Physical: base + (1 << 30), Length: allocated - half + block},
		},
	}, nil
}

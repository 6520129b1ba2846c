package installer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/fly-io/dsu-installer/pkg/blockdev"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
	"github.com/fly-io/dsu-installer/pkg/markers"
	"github.com/fly-io/dsu-installer/pkg/metadata"
	"github.com/fly-io/dsu-installer/pkg/progress"
	"github.com/fly-io/dsu-installer/pkg/validate"
	"github.com/google/go-cmp/cmp"
)

func TestStartInstallTwoGiB(t *testing.T) {
	e := newTestEnv(t)
	e.prober.dev.DeviceMapper = true
	e.prober.dev.DeviceMapperName = "userdata"
	e.opts.Allocator = &memAllocator{dir: e.dir}
	e.opts.DefaultScratchSize = DefaultScratchSize

	inst := e.start(t, Params{PayloadSize: 2 << 30})

	if inst.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", inst.State())
	}
	if inst.Strategy() != StrategyDeviceMapper {
		t.Errorf("strategy = %s, want device_mapper", inst.Strategy())
	}

	table := inst.Table()
	var names []string
	var sectors uint64
	for _, p := range table.Partitions {
		names = append(names, p.Name)
		sectors += p.NumSectors()
	}
	if diff := cmp.Diff([]string{PayloadName, ScratchName}, names); diff != "" {
		t.Errorf("partitions mismatch (-want +got):\n%s", diff)
	}
	if sectors*metadata.SectorSize < 4<<30 {
		t.Errorf("partitions cover %d bytes, want at least 4 GiB", sectors*metadata.SectorSize)
	}
	if !table.Find(PayloadName).ReadOnly() || table.Find(ScratchName).ReadOnly() {
		t.Error("only the payload partition should be read-only")
	}
	if table.Device.Name != "userdata" || table.Device.Target() != "259:3" {
		t.Errorf("device = %+v", table.Device)
	}

	// Scratch was bound, zeroed and released; payload stays bound for streaming.
	if diff := cmp.Diff([]string{ScratchName, PayloadName}, e.binder.binds); diff != "" {
		t.Errorf("bind order mismatch (-want +got):\n%s", diff)
	}
	if e.binder.IsBound(ScratchName) || !e.binder.IsBound(PayloadName) {
		t.Errorf("bound = %v", e.binder.bound)
	}
	if got := e.binder.targets[ScratchName].data; len(got) != zeroPageSize || !bytes.Equal(got, make([]byte, zeroPageSize)) {
		t.Errorf("scratch zero page is %d bytes", len(got))
	}
}

func TestSpaceChecks(t *testing.T) {
	const payload, scratch = 64 << 10, 64 << 10

	tests := []struct {
		name  string
		stats blockdev.FSStats
		want  error
		code  errors.InstallCode
	}{
		{
			name:  "free below request",
			stats: blockdev.FSStats{FreeBytes: 100 << 10, TotalBytes: 200 << 10},
			want:  errors.ErrNoSpace,
			code:  errors.InstallErrorNoSpace,
		},
		{
			name:  "free equals request",
			stats: blockdev.FSStats{FreeBytes: payload + scratch, TotalBytes: payload + scratch},
			want:  errors.ErrNoSpace,
			code:  errors.InstallErrorNoSpace,
		},
		{
			name:  "enough bytes but cluttered",
			stats: blockdev.FSStats{FreeBytes: 39 << 30, TotalBytes: 100 << 30},
			want:  errors.ErrCluttered,
			code:  errors.InstallErrorFileSystemCluttered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.prober.stats = tt.stats

			err := New(e.opts, Params{PayloadSize: payload, ScratchSize: scratch}).Start(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
			if got := errors.Code(err); got != tt.code {
				t.Errorf("Code() = %s, want %s", got, tt.code)
			}
			if files := e.files(t); len(files) != 0 {
				t.Errorf("backing files created: %v", files)
			}
		})
	}
}

func TestSanityCheckFailureKeepsExistingInstall(t *testing.T) {
	e := newTestEnv(t)
	e.install(t, pattern(8192), 0)

	e.prober.stats.FreeBytes = 1
	if err := New(e.opts, Params{PayloadSize: 8192}).Start(context.Background()); !errors.Is(err, errors.ErrNoSpace) {
		t.Fatalf("Start() error = %v, want ErrNoSpace", err)
	}
	if !e.markers.IsInstalled() {
		t.Error("failed sanity check removed the existing installation")
	}
	if len(e.files(t)) != 2 {
		t.Errorf("backing files = %v", e.files(t))
	}
}

func TestStartRejects(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		setup  func(t *testing.T, e *testEnv)
		want   error
	}{
		{"zero payload", Params{PayloadSize: 0}, nil, errors.ErrInvalidArgument},
		{"negative payload", Params{PayloadSize: -4096}, nil, errors.ErrInvalidArgument},
		{"negative scratch", Params{PayloadSize: 4096, ScratchSize: -1}, nil, errors.ErrInvalidArgument},
		{
			name:   "running from installed image",
			params: Params{PayloadSize: 4096},
			setup: func(t *testing.T, e *testEnv) {
				os.MkdirAll(e.meta, 0755)
				if err := os.WriteFile(filepath.Join(e.meta, markers.BootedFile), nil, 0644); err != nil {
					t.Fatal(err)
				}
			},
			want: errors.ErrInvalidState,
		},
		{"directory not allowed", Params{PayloadSize: 4096, InstallDir: os.TempDir()}, nil, errors.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(t, e)
			}
			inst := New(e.opts, tt.params)
			if err := inst.Start(context.Background()); !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
			if inst.State() != StateAborted {
				t.Errorf("state = %s, want aborted", inst.State())
			}
		})
	}
}

func TestExternalDirectoryRefusesDeviceMapper(t *testing.T) {
	e := newTestEnv(t)
	media := filepath.Join(resolvedTempDir(t), "media")
	card := filepath.Join(media, "card")
	if err := os.MkdirAll(card, 0755); err != nil {
		t.Fatal(err)
	}
	e.opts.Validator = validate.NewValidator(e.dir, media+"/")
	e.opts.Allocator = fiemap.NewAllocator(card, 0, fiemap.WithExtentMapper(e.mapper))
	e.prober.dev.DeviceMapper = true
	e.prober.dev.DeviceMapperName = "sdcard"

	inst := New(e.opts, Params{InstallDir: card, PayloadSize: 8192})
	err := inst.Start(context.Background())
	if err == nil {
		t.Fatal("expected device-mapper outside the default directory to fail")
	}
	if errors.Code(err) != errors.InstallErrorGeneric {
		t.Errorf("Code() = %s, want generic", errors.Code(err))
	}
	if e.markers.IsInstalled() {
		t.Error("refused install left an activation marker")
	}
	if _, err := e.markers.InstallDir(); !errors.Is(err, errors.ErrNotInstalled) {
		t.Errorf("install dir marker left behind: %v", err)
	}
	if len(e.binder.binds) != 0 {
		t.Errorf("binder used: %v", e.binder.binds)
	}
}

func TestExternalDirectoryUsesDirectFile(t *testing.T) {
	e := newTestEnv(t)
	media := filepath.Join(resolvedTempDir(t), "media")
	card := filepath.Join(media, "card")
	if err := os.MkdirAll(card, 0755); err != nil {
		t.Fatal(err)
	}
	e.opts.Validator = validate.NewValidator(e.dir, media+"/")
	e.opts.Allocator = fiemap.NewAllocator(card, 0, fiemap.WithExtentMapper(e.mapper))

	inst := New(e.opts, Params{InstallDir: card, PayloadSize: 8192})
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer inst.Abort(context.Background())

	if inst.Strategy() != StrategyDirectFile {
		t.Errorf("strategy = %s, want direct_file", inst.Strategy())
	}
	if inst.Dir() != card {
		t.Errorf("Dir() = %s, want %s", inst.Dir(), card)
	}
}

func TestScratchReuse(t *testing.T) {
	e := newTestEnv(t)
	formatter := &fakeFormatter{}
	e.opts.Formatter = formatter
	e.install(t, pattern(8192), 0)

	if formatter.calls != 1 || formatter.device != filepath.Join(e.dir, "scratch.img") {
		t.Fatalf("formatter calls = %d, device = %s", formatter.calls, formatter.device)
	}

	scratch := filepath.Join(e.dir, "scratch.img")
	stamp := bytes.Repeat([]byte{0xab}, 512)
	f, err := os.OpenFile(scratch, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt(stamp, 0)
	f.Close()

	// Reinstall keeping the scratch data.
	e.install(t, pattern(8192), 0)
	got, _ := os.ReadFile(scratch)
	if !bytes.Equal(got[:512], stamp) {
		t.Error("scratch contents lost without wipe")
	}
	if formatter.calls != 1 {
		t.Errorf("reused scratch was formatted")
	}

	// Reinstall with a wipe.
	inst := e.start(t, Params{PayloadSize: 8192, WipeScratch: true})
	defer inst.Abort(context.Background())
	got, _ = os.ReadFile(scratch)
	if !bytes.Equal(got[:zeroPageSize], make([]byte, zeroPageSize)) {
		t.Error("wiped scratch does not start with a zero page")
	}
	if formatter.calls != 2 {
		t.Errorf("formatter calls = %d, want 2", formatter.calls)
	}
}

func resolvedTempDir(t *testing.T) string {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

// chunkSizes returns count sizes of irregular length summing to total.
func chunkSizes(total, count int) []int {
	sizes := make([]int, count)
	sum := 0
	for i := 0; i < count-1; i++ {
		sizes[i] = (i*7919)%50000 + 1
		sum += sizes[i]
	}
	sizes[count-1] = total - sum
	return sizes
}

func TestCommitIrregularChunks(t *testing.T) {
	const total = 2 << 20

	t.Run("exact total", func(t *testing.T) {
		e := newTestEnv(t)
		payload := pattern(total)
		inst := e.start(t, Params{PayloadSize: total})

		off := 0
		for i, n := range chunkSizes(total, 37) {
			if err := inst.CommitFrom(context.Background(), bytes.NewReader(payload[off:off+n]), uint64(n)); err != nil {
				t.Fatalf("chunk %d (%d bytes) error = %v", i, n, err)
			}
			off += n
		}

		p := e.opts.Progress.Snapshot()
		if p.Status != progress.StatusComplete || p.BytesProcessed != total || p.Step != writeStep {
			t.Errorf("progress = %+v", p)
		}

		if err := inst.Finalize(context.Background(), false); err != nil {
			t.Fatalf("Finalize() error = %v", err)
		}
		written, err := os.ReadFile(filepath.Join(e.dir, "payload.img"))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(written[:total], payload) {
			t.Error("payload contents differ")
		}
		if st, _ := e.markers.InstallStatus(); st != markers.StatusOK {
			t.Errorf("install status = %s, want ok", st)
		}
	})

	t.Run("one byte over", func(t *testing.T) {
		e := newTestEnv(t)
		payload := pattern(total + 1)
		inst := e.start(t, Params{PayloadSize: total})
		defer inst.Abort(context.Background())

		sizes := chunkSizes(total, 37)
		sizes[len(sizes)-1]++
		off := 0
		for i, n := range sizes {
			err := inst.CommitFrom(context.Background(), bytes.NewReader(payload[off:off+n]), uint64(n))
			if i < len(sizes)-1 {
				if err != nil {
					t.Fatalf("chunk %d error = %v", i, err)
				}
				off += n
				continue
			}
			if !errors.Is(err, errors.ErrInvalidArgument) {
				t.Fatalf("final chunk error = %v, want ErrInvalidArgument", err)
			}
		}
		if inst.Committed() != uint64(off) {
			t.Errorf("committed = %d, want %d", inst.Committed(), off)
		}
		if err := inst.Finalize(context.Background(), false); !errors.Is(err, errors.ErrInvalidState) {
			t.Errorf("Finalize() error = %v, want ErrInvalidState", err)
		}
	})
}

func TestCommitShortReads(t *testing.T) {
	e := newTestEnv(t)
	payload := pattern(100000)
	inst := e.start(t, Params{PayloadSize: int64(len(payload))})

	if err := inst.CommitFrom(context.Background(), iotest.HalfReader(bytes.NewReader(payload)), uint64(len(payload))); err != nil {
		t.Fatalf("CommitFrom() error = %v", err)
	}
	if err := inst.Finalize(context.Background(), true); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !e.markers.IsOneShot() {
		t.Error("one-shot marker missing")
	}
}

func TestCommitStreamEndedEarly(t *testing.T) {
	e := newTestEnv(t)
	inst := e.start(t, Params{PayloadSize: 8192})
	defer inst.Abort(context.Background())

	err := inst.CommitFrom(context.Background(), bytes.NewReader(pattern(1000)), 4096)
	if !errors.Is(err, errors.ErrStreamEnded) {
		t.Fatalf("CommitFrom() error = %v, want ErrStreamEnded", err)
	}
	if inst.Committed() != 1000 {
		t.Errorf("committed = %d, want 1000", inst.Committed())
	}
}

func TestCommitCancelled(t *testing.T) {
	e := newTestEnv(t)
	inst := e.start(t, Params{PayloadSize: 64 << 10})

	if err := inst.CommitBuffer(context.Background(), pattern(4096)); err != nil {
		t.Fatal(err)
	}
	e.opts.Progress.RequestAbort()
	if err := inst.CommitBuffer(context.Background(), pattern(8192)); !errors.Is(err, errors.ErrCancelled) {
		t.Fatalf("CommitBuffer() error = %v, want ErrCancelled", err)
	}
	if inst.Committed() != 4096 {
		t.Errorf("committed = %d, want 4096", inst.Committed())
	}

	if err := inst.Abort(context.Background()); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if e.opts.Progress.ShouldAbort() {
		t.Error("abort flag still set after Abort()")
	}
}

func TestCommitOutsideStreaming(t *testing.T) {
	e := newTestEnv(t)
	inst := New(e.opts, Params{PayloadSize: 4096})
	if err := inst.CommitBuffer(context.Background(), pattern(10)); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("CommitBuffer() error = %v, want ErrInvalidState", err)
	}
	if err := inst.Finalize(context.Background(), false); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("Finalize() error = %v, want ErrInvalidState", err)
	}
}

func TestFinalizeDetectsMovedExtents(t *testing.T) {
	e := newTestEnv(t)
	inst := e.start(t, Params{PayloadSize: 8192})
	if err := inst.CommitBuffer(context.Background(), pattern(8192)); err != nil {
		t.Fatal(err)
	}

	e.mapper.mu.Lock()
	e.mapper.shift = 4096
	e.mapper.mu.Unlock()

	if err := inst.Finalize(context.Background(), false); !errors.Is(err, errors.ErrCorrupt) {
		t.Fatalf("Finalize() error = %v, want ErrCorrupt", err)
	}
	if e.markers.IsInstalled() {
		t.Error("activation marker written for moved extents")
	}
	if _, err := e.markers.ReadMetadata(); !errors.Is(err, errors.ErrNotInstalled) {
		t.Errorf("partition table persisted: %v", err)
	}
	if inst.State() != StateAborted {
		t.Errorf("state = %s, want aborted", inst.State())
	}

	// The payload was released by the failed attempt.
	if err := inst.Finalize(context.Background(), false); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("second Finalize() error = %v, want ErrInvalidState", err)
	}
	if err := inst.CommitBuffer(context.Background(), pattern(4096)); !errors.Is(err, errors.ErrInvalidState) {
		t.Errorf("CommitBuffer() after failed finalize error = %v, want ErrInvalidState", err)
	}
	if err := inst.Abort(context.Background()); err != nil {
		t.Errorf("Abort() error = %v", err)
	}
	if e.opts.Allocator.Exists(PayloadName) {
		t.Error("payload backing file survived abort")
	}
}

func TestActivationMarkerWrittenLast(t *testing.T) {
	e := newTestEnv(t)
	inst := e.start(t, Params{PayloadSize: 8192})
	if err := inst.CommitBuffer(context.Background(), pattern(8192)); err != nil {
		t.Fatal(err)
	}

	// A directory in place of the one-shot marker makes the boot mode write
	// fail after the partition table and install dir were written.
	if err := os.MkdirAll(filepath.Join(e.meta, markers.OneShotBootFile, "x"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := inst.Finalize(context.Background(), true); err == nil {
		t.Fatal("expected Finalize() to fail")
	}
	if _, err := e.markers.ReadMetadata(); err != nil {
		t.Errorf("partition table not written before boot mode: %v", err)
	}
	if e.markers.IsInstalled() {
		t.Error("installation reported installed without a complete finalize")
	}
	if st, _ := e.markers.InstallStatus(); st != markers.StatusNone {
		t.Errorf("install status = %s, want none", st)
	}
}

func TestAbortIdempotent(t *testing.T) {
	t.Run("after start", func(t *testing.T) {
		e := newTestEnv(t)
		inst := e.start(t, Params{PayloadSize: 8192})
		if err := inst.CommitBuffer(context.Background(), pattern(4096)); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 2; i++ {
			if err := inst.Abort(context.Background()); err != nil {
				t.Fatalf("Abort() #%d error = %v", i, err)
			}
		}
		if files := e.files(t); len(files) != 0 {
			t.Errorf("backing files left: %v", files)
		}
		if _, err := e.markers.InstallDir(); !errors.Is(err, errors.ErrNotInstalled) {
			t.Errorf("install dir marker left: %v", err)
		}
		if inst.State() != StateAborted {
			t.Errorf("state = %s, want aborted", inst.State())
		}
	})

	t.Run("never started", func(t *testing.T) {
		e := newTestEnv(t)
		e.install(t, pattern(4096), 0)

		inst := New(e.opts, Params{PayloadSize: 4096})
		for i := 0; i < 2; i++ {
			if err := inst.Abort(context.Background()); err != nil {
				t.Fatalf("Abort() #%d error = %v", i, err)
			}
		}
		if !e.markers.IsInstalled() || len(e.files(t)) != 2 {
			t.Error("aborting an unstarted session touched the existing installation")
		}
	})

	t.Run("after finalize", func(t *testing.T) {
		e := newTestEnv(t)
		inst := e.install(t, pattern(4096), 0)
		if err := inst.Abort(context.Background()); err != nil {
			t.Fatalf("Abort() error = %v", err)
		}
		if !e.markers.IsInstalled() || inst.State() != StateBootable {
			t.Error("abort after finalize undid the installation")
		}
	})
}

func TestWipeScratch(t *testing.T) {
	tests := []struct {
		name    string
		scratch int64
		zeroed  int
	}{
		{"larger than wipe size", 10 << 20, 1 << 20},
		{"smaller than wipe size", 512 << 10, 512 << 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.install(t, pattern(4096), tt.scratch)

			path := filepath.Join(e.dir, "scratch.img")
			st, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, int(st.Size())), 0600); err != nil {
				t.Fatal(err)
			}

			if err := Open(e.opts, e.dir).WipeScratch(context.Background()); err != nil {
				t.Fatalf("WipeScratch() error = %v", err)
			}

			got, _ := os.ReadFile(path)
			if !bytes.Equal(got[:tt.zeroed], make([]byte, tt.zeroed)) {
				t.Error("wiped region is not all zero")
			}
			if rest := got[tt.zeroed:]; len(rest) > 0 && !bytes.Equal(rest, bytes.Repeat([]byte{0xff}, len(rest))) {
				t.Error("bytes past the wiped region changed")
			}
			payload, _ := os.ReadFile(filepath.Join(e.dir, "payload.img"))
			if !bytes.Equal(payload[:4096], pattern(4096)) {
				t.Error("payload touched by wipe")
			}
		})
	}
}

func TestReenable(t *testing.T) {
	e := newTestEnv(t)
	inst := e.install(t, pattern(8192), 0)
	want := inst.Table()

	if err := e.markers.WriteInstallStatus(markers.StatusDisabled); err != nil {
		t.Fatal(err)
	}
	if err := Open(e.opts, e.dir).Reenable(context.Background(), true); err != nil {
		t.Fatalf("Reenable() error = %v", err)
	}

	if st, _ := e.markers.InstallStatus(); st != markers.StatusOK {
		t.Errorf("install status = %s, want ok", st)
	}
	if !e.markers.IsOneShot() {
		t.Error("one-shot marker missing")
	}
	blob, err := e.markers.ReadMetadata()
	if err != nil {
		t.Fatal(err)
	}
	got, err := metadata.Import(blob)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rebuilt table mismatch (-want +got):\n%s", diff)
	}
}

func TestReenableWhileRunning(t *testing.T) {
	e := newTestEnv(t)
	e.install(t, pattern(8192), 0)
	e.markers.WriteInstallStatus(markers.StatusDisabled)

	// The running system only needs its markers back.
	os.Remove(filepath.Join(e.meta, markers.MetadataFile))
	os.WriteFile(filepath.Join(e.meta, markers.BootedFile), nil, 0644)

	if err := Open(e.opts, e.dir).Reenable(context.Background(), false); err != nil {
		t.Fatalf("Reenable() error = %v", err)
	}
	if st, _ := e.markers.InstallStatus(); st != markers.StatusOK {
		t.Errorf("install status = %s, want ok", st)
	}
}

func TestReenableCorruptTable(t *testing.T) {
	e := newTestEnv(t)
	e.install(t, pattern(8192), 0)
	e.markers.WriteInstallStatus(markers.StatusDisabled)
	e.markers.WriteMetadata([]byte("garbage"))

	if err := Open(e.opts, e.dir).Reenable(context.Background(), false); !errors.Is(err, errors.ErrCorrupt) {
		t.Fatalf("Reenable() error = %v, want ErrCorrupt", err)
	}
	if st, _ := e.markers.InstallStatus(); st != markers.StatusDisabled {
		t.Errorf("install status = %s, want disabled", st)
	}
}

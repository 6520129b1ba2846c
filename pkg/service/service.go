// Package service is the single entry point for install requests. It owns the
// session lock and at most one in-flight installation, and answers status
// queries from the on-disk markers.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fly-io/dsu-installer/pkg/db"
	"github.com/fly-io/dsu-installer/pkg/devicemapper"
	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/fly-io/dsu-installer/pkg/fiemap"
	"github.com/fly-io/dsu-installer/pkg/installer"
	"github.com/fly-io/dsu-installer/pkg/markers"
	"github.com/fly-io/dsu-installer/pkg/progress"
	"github.com/fly-io/dsu-installer/pkg/validate"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Options wire the service to the machine it runs on.
type Options struct {
	Markers   *markers.Store
	Validator *validate.Validator
	Binder    devicemapper.Manager
	Prober    installer.Prober
	Formatter installer.Formatter
	Pipeline  installer.Pipeline
	History   *db.Repository

	// NewAllocator returns the allocator for an install directory. The
	// default is a fiemap allocator limited to MaxExtents.
	NewAllocator func(dir string) installer.Allocator
	MaxExtents   int

	MinFreePercent     float64
	DefaultScratchSize uint64
	MapTimeout         time.Duration
	ZeroFill           bool
}

// Service serializes install operations.
type Service struct {
	opts     Options
	progress *progress.Channel

	mu        sync.Mutex
	session   *installer.Installer
	sessionID string
}

// New creates a service.
func New(opts Options) *Service {
	if opts.NewAllocator == nil {
		maxExtents := opts.MaxExtents
		opts.NewAllocator = func(dir string) installer.Allocator {
			return fiemap.NewAllocator(dir, maxExtents)
		}
	}
	return &Service{opts: opts, progress: progress.New()}
}

func (s *Service) installerOptions(dir string) installer.Options {
	return installer.Options{
		Allocator:          s.opts.NewAllocator(dir),
		Binder:             s.opts.Binder,
		Prober:             s.opts.Prober,
		Formatter:          s.opts.Formatter,
		Markers:            s.opts.Markers,
		Validator:          s.opts.Validator,
		Progress:           s.progress,
		Pipeline:           s.opts.Pipeline,
		MinFreePercent:     s.opts.MinFreePercent,
		DefaultScratchSize: s.opts.DefaultScratchSize,
		MapTimeout:         s.opts.MapTimeout,
		ZeroFill:           s.opts.ZeroFill,
	}
}

// StartInstall begins a new installation. The returned error maps onto the
// transport result codes via errors.Code.
func (s *Service) StartInstall(ctx context.Context, params installer.Params) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return "", fmt.Errorf("install %s already in progress: %w", s.sessionID, errors.ErrInvalidState)
	}
	if s.opts.Markers.IsRunning() {
		return "", fmt.Errorf("cannot install while running from the installed image: %w", errors.ErrInvalidState)
	}

	dir, err := s.opts.Validator.ValidateInstallDir(params.InstallDir)
	if err != nil {
		return "", err
	}
	params.InstallDir = dir

	id := uuid.NewString()
	s.journal("create", func(h *db.Repository) error {
		return h.Create(&db.Install{
			SessionID:   id,
			InstallDir:  dir,
			PayloadSize: params.PayloadSize,
			ScratchSize: params.ScratchSize,
			WipeScratch: params.WipeScratch,
			Status:      db.StatusStarted,
		})
	})

	inst := installer.New(s.installerOptions(dir), params)
	if err := inst.Start(ctx); err != nil {
		s.setStatus(id, db.StatusFailed, err)
		return "", err
	}

	s.session, s.sessionID = inst, id
	s.journal("set_strategy", func(h *db.Repository) error {
		return h.SetStrategy(id, inst.Strategy().String())
	})
	s.setStatus(id, db.StatusStreaming, nil)

	slog.Info("session_started", "session_id", id, "install_dir", dir, "strategy", inst.Strategy().String())
	return id, nil
}

// CommitChunkFromStream copies n bytes of the payload from r.
func (s *Service) CommitChunkFromStream(ctx context.Context, r io.Reader, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return fmt.Errorf("no install in progress: %w", errors.ErrInvalidState)
	}
	if err := s.opts.Validator.ValidateChunkSize(n); err != nil {
		return err
	}
	return s.session.CommitFrom(ctx, r, uint64(n))
}

// CommitChunkFromBuffer commits p as the next payload bytes.
func (s *Service) CommitChunkFromBuffer(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return fmt.Errorf("no install in progress: %w", errors.ErrInvalidState)
	}
	return s.session.CommitBuffer(ctx, p)
}

// Finalize makes the in-flight installation bootable.
func (s *Service) Finalize(ctx context.Context, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeLocked(ctx, oneShot)
}

func (s *Service) finalizeLocked(ctx context.Context, oneShot bool) error {
	if s.session == nil {
		return fmt.Errorf("no install in progress: %w", errors.ErrInvalidState)
	}

	if err := s.session.Finalize(ctx, oneShot); err != nil {
		// An incomplete payload keeps the session so the caller can finish it.
		if errors.Is(err, errors.ErrInvalidState) {
			return err
		}
		s.abandonLocked(ctx, db.StatusFailed, err)
		return err
	}

	s.setStatus(s.sessionID, db.StatusBootable, nil)
	slog.Info("session_finished", "session_id", s.sessionID)
	s.session, s.sessionID = nil, ""
	return nil
}

// Enable finalizes the in-flight installation, or reactivates a disabled
// one when none is in flight.
func (s *Service) Enable(ctx context.Context, oneShot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return s.finalizeLocked(ctx, oneShot)
	}

	status, err := s.opts.Markers.InstallStatus()
	if err != nil {
		return err
	}
	switch status {
	case markers.StatusDisabled:
	case markers.StatusNone, markers.StatusWipe:
		return errors.Wrap(errors.ErrNotInstalled, "nothing to enable")
	default:
		return fmt.Errorf("installation is %s, not disabled: %w", status, errors.ErrInvalidState)
	}

	dir, err := s.opts.Markers.InstallDir()
	if err != nil {
		return err
	}
	return installer.Open(s.installerOptions(dir), dir).Reenable(ctx, oneShot)
}

// Cancel aborts the in-flight installation. The abort flag is raised before
// the session lock is taken so a commit holding the lock stops early.
func (s *Service) Cancel(ctx context.Context) error {
	s.progress.RequestAbort()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.progress.ClearAbort()
	if s.session == nil {
		return nil
	}
	return s.abandonLocked(ctx, db.StatusAborted, errors.ErrCancelled)
}

func (s *Service) abandonLocked(ctx context.Context, status string, cause error) error {
	slog.Info("session_abandoned", "session_id", s.sessionID, "status", status, "cause", cause)
	err := s.session.Abort(ctx)
	s.setStatus(s.sessionID, status, cause)
	s.session, s.sessionID = nil, ""
	return err
}

// Progress returns the progress of the current operation. It never waits on
// the session lock.
func (s *Service) Progress() progress.Progress {
	return s.progress.Snapshot()
}

// Disable keeps the installation but stops booting into it.
func (s *Service) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isInstalled() {
		return errors.Wrap(errors.ErrNotInstalled, "nothing to disable")
	}
	return s.opts.Markers.WriteInstallStatus(markers.StatusDisabled)
}

// Remove deletes the installation. While running from it only a wipe on the
// next start-up is requested.
func (s *Service) Remove(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return fmt.Errorf("install %s in progress: %w", s.sessionID, errors.ErrInvalidState)
	}

	m := s.opts.Markers
	if m.IsRunning() {
		slog.Info("remove_deferred", "reason", "running_from_installed_image")
		return m.WriteInstallStatus(markers.StatusWipe)
	}
	if !m.IsInstalled() {
		return errors.Wrap(errors.ErrNotInstalled, "nothing to remove")
	}
	return s.deleteInstall(ctx)
}

// deleteInstall unbinds and deletes the backing files of the recorded
// install directory, then every marker.
func (s *Service) deleteInstall(ctx context.Context) error {
	var result *multierror.Error

	s.unbindAll(ctx, &result)

	dir, err := s.opts.Markers.InstallDir()
	switch {
	case err == nil:
		alloc := s.opts.NewAllocator(dir)
		for _, name := range []string{installer.PayloadName, installer.ScratchName} {
			if err := alloc.Remove(name); err != nil {
				result = multierror.Append(result, err)
			}
		}
	case !errors.Is(err, errors.ErrNotInstalled):
		result = multierror.Append(result, err)
	}

	if err := s.opts.Markers.RemoveAll(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		slog.Error("install_delete_failed", "install_dir", dir, "error", err)
		return err
	}
	slog.Info("install_deleted", "install_dir", dir)
	return nil
}

func (s *Service) unbindAll(ctx context.Context, result **multierror.Error) {
	if s.opts.Binder == nil {
		return
	}
	for _, name := range []string{installer.PayloadName, installer.ScratchName} {
		if !s.opts.Binder.IsBound(name) {
			continue
		}
		if err := s.opts.Binder.Unbind(ctx, name); err != nil {
			*result = multierror.Append(*result, err)
		}
	}
}

// WipeScratch clears the scratch partition of the installation.
func (s *Service) WipeScratch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return fmt.Errorf("install %s in progress: %w", s.sessionID, errors.ErrInvalidState)
	}
	if s.opts.Markers.IsRunning() {
		return fmt.Errorf("cannot wipe scratch while running from the installed image: %w", errors.ErrInvalidState)
	}
	if !s.isInstalled() {
		return errors.Wrap(errors.ErrNotInstalled, "nothing to wipe")
	}

	dir, err := s.opts.Markers.InstallDir()
	if err != nil {
		return err
	}
	return installer.Open(s.installerOptions(dir), dir).WipeScratch(ctx)
}

// IsRunning reports whether the system booted from the installation.
func (s *Service) IsRunning() bool {
	return s.opts.Markers.IsRunning()
}

// IsInstalled reports whether a usable installation exists. One marked for
// wipe does not count.
func (s *Service) IsInstalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isInstalled()
}

func (s *Service) isInstalled() bool {
	status, err := s.opts.Markers.InstallStatus()
	if err != nil {
		return false
	}
	return status == markers.StatusOK || status == markers.StatusDisabled
}

// IsEnabled reports whether the next boot uses the installation.
func (s *Service) IsEnabled() bool {
	status, err := s.opts.Markers.InstallStatus()
	return err == nil && status == markers.StatusOK
}

// IsInstallInProgress reports whether a session is open.
func (s *Service) IsInstallInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// InstalledImageDir returns the directory holding the installation.
func (s *Service) InstalledImageDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isInstalled() {
		return "", errors.ErrNotInstalled
	}
	return s.opts.Markers.InstallDir()
}

// RunStartupTasks recovers from a crash or a deferred removal. It must run
// before the first install request.
func (s *Service) RunStartupTasks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *multierror.Error
	m := s.opts.Markers
	running := m.IsRunning()

	if !running {
		s.unbindAll(ctx, &result)
	}

	status, err := m.InstallStatus()
	if err != nil {
		slog.Warn("install_status_unreadable", "error", err)
		status = markers.StatusNone
	}

	switch {
	case status == markers.StatusNone:
		if _, err := m.InstallDir(); err == nil {
			slog.Info("startup_cleanup", "reason", "incomplete_install")
			if err := s.deleteInstall(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	case status == markers.StatusWipe && !running:
		slog.Info("startup_cleanup", "reason", "wipe_requested")
		if err := s.deleteInstall(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if s.opts.History != nil {
		n, err := s.opts.History.AbandonOpen()
		if err != nil {
			result = multierror.Append(result, err)
		} else if n > 0 {
			slog.Info("sessions_abandoned", "count", n)
		}
	}

	return result.ErrorOrNil()
}

func (s *Service) setStatus(id, status string, cause error) {
	s.journal("update_status", func(h *db.Repository) error {
		return h.UpdateStatus(id, status, cause)
	})
}

// journal records install history. History is advisory: failures are
// logged, never returned.
func (s *Service) journal(op string, fn func(*db.Repository) error) {
	if s.opts.History == nil {
		return
	}
	if err := fn(s.opts.History); err != nil {
		slog.Warn("history_write_failed", "op", op, "error", err)
	}
}

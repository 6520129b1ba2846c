// Package markers owns the small files whose presence and content describe
// an installation to the rest of the system. The install status file is the
// activation marker: an installation exists exactly when it does.
package markers

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/dsu-installer/pkg/errors"
	"github.com/google/renameio/v2"
	"github.com/hashicorp/go-multierror"
)

const (
	InstallStatusFile = "install_status"
	OneShotBootFile   = "one_shot_boot"
	InstallDirFile    = "install_dir"
	MetadataFile      = "lp_metadata"
	BootedFile        = "booted"
)

// Status is the one-byte content of the install status file.
type Status byte

const (
	StatusNone     Status = 0
	StatusOK       Status = 'o'
	StatusDisabled Status = 'd'
	StatusWipe     Status = 'w'
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDisabled:
		return "disabled"
	case StatusWipe:
		return "wipe"
	case StatusNone:
		return "none"
	default:
		return "unknown"
	}
}

// Store reads and writes markers under one metadata directory.
type Store struct {
	dir    string
	booted string
}

// NewStore returns a store rooted at dir. booted is the indicator the boot
// stage writes when running from the installed image; empty means dir/booted.
func NewStore(dir, booted string) *Store {
	if booted == "" {
		booted = filepath.Join(dir, BootedFile)
	}
	return &Store{dir: dir, booted: booted}
}

// Dir returns the metadata directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// IsRunning reports whether the system booted from the installed image.
func (s *Store) IsRunning() bool {
	_, err := os.Stat(s.booted)
	return err == nil
}

// IsInstalled reports whether the activation marker exists.
func (s *Store) IsInstalled() bool {
	_, err := os.Stat(s.path(InstallStatusFile))
	return err == nil
}

// InstallStatus returns the current status, StatusNone when absent.
func (s *Store) InstallStatus() (Status, error) {
	raw, err := os.ReadFile(s.path(InstallStatusFile))
	if os.IsNotExist(err) {
		return StatusNone, nil
	}
	if err != nil {
		return StatusNone, errors.Wrap(err, "failed to read install status")
	}
	if len(raw) != 1 {
		return StatusNone, errors.Wrapf(errors.ErrCorrupt, "install status is %d bytes", len(raw))
	}
	return Status(raw[0]), nil
}

// WriteInstallStatus writes the activation marker.
func (s *Store) WriteInstallStatus(st Status) error {
	slog.Info("install_status_write", "status", st.String())
	return s.write(InstallStatusFile, []byte{byte(st)})
}

// SetBootMode creates or removes the one-shot marker.
func (s *Store) SetBootMode(oneShot bool) error {
	if oneShot {
		return s.write(OneShotBootFile, []byte("1"))
	}
	return s.remove(OneShotBootFile)
}

// IsOneShot reports whether the next boot only is redirected.
func (s *Store) IsOneShot() bool {
	_, err := os.Stat(s.path(OneShotBootFile))
	return err == nil
}

// SaveInstallDir records where the backing files live.
func (s *Store) SaveInstallDir(dir string) error {
	return s.write(InstallDirFile, []byte(dir))
}

// InstallDir returns the recorded backing file directory.
func (s *Store) InstallDir() (string, error) {
	raw, err := os.ReadFile(s.path(InstallDirFile))
	if os.IsNotExist(err) {
		return "", errors.Wrap(errors.ErrNotInstalled, "no install directory recorded")
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read install directory")
	}
	return strings.TrimSpace(string(raw)), nil
}

// WriteMetadata persists the exported partition table.
func (s *Store) WriteMetadata(blob []byte) error {
	return s.write(MetadataFile, blob)
}

// ReadMetadata returns the persisted partition table blob. A missing file
// fails with errors.ErrNotInstalled.
func (s *Store) ReadMetadata() ([]byte, error) {
	blob, err := os.ReadFile(s.path(MetadataFile))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(errors.ErrNotInstalled, "no partition table")
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read partition table")
	}
	return blob, nil
}

// Uninstall removes the activation marker only.
func (s *Store) Uninstall() error {
	return s.remove(InstallStatusFile)
}

// RemoveAll deletes every marker. The activation marker goes first so a
// partial removal never leaves an installation that looks valid.
func (s *Store) RemoveAll() error {
	var result *multierror.Error
	for _, name := range []string{InstallStatusFile, OneShotBootFile, MetadataFile, InstallDirFile} {
		if err := s.remove(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (s *Store) write(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create metadata directory")
	}
	path := s.path(name)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		slog.Error("marker_write_failed", "path", path, "error", err)
		return errors.Wrapf(err, "failed to write %s", name)
	}
	return s.syncDir()
}

func (s *Store) remove(name string) error {
	path := s.path(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		slog.Error("marker_remove_failed", "path", path, "error", err)
		return errors.Wrapf(err, "failed to remove %s", name)
	}
	return s.syncDir()
}

func (s *Store) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return errors.Wrap(err, "failed to open metadata directory")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync metadata directory")
	}
	return nil
}

// Package validate checks caller supplied install parameters and tracks the
// byte budget of a streamed payload.
package validate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

// Validator checks install parameters against the configured locations.
type Validator struct {
	defaultDir      string
	resolvedDefault string
	externalPrefix  string
}

// NewValidator creates a validator. Installs may only target defaultDir or a
// directory under externalPrefix.
func NewValidator(defaultDir, externalPrefix string) *Validator {
	slog.Debug("validator_init", "default_dir", defaultDir, "external_prefix", externalPrefix)
	v := &Validator{
		defaultDir:     filepath.Clean(defaultDir),
		externalPrefix: externalPrefix,
	}
	v.resolvedDefault = v.defaultDir
	if resolved, err := filepath.EvalSymlinks(v.defaultDir); err == nil {
		v.resolvedDefault = resolved
	}
	return v
}

// DefaultDir returns the default install directory.
func (v *Validator) DefaultDir() string {
	return v.defaultDir
}

// IsDefaultDir reports whether dir is the default install location.
func (v *Validator) IsDefaultDir(dir string) bool {
	dir = filepath.Clean(dir)
	return dir == v.defaultDir || dir == v.resolvedDefault
}

// ValidateInstallDir resolves dir and checks it is an allowed location. An
// empty dir selects the default.
func (v *Validator) ValidateInstallDir(dir string) (string, error) {
	if dir == "" {
		return v.defaultDir, nil
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		slog.Error("install_dir_validation_failed", "path", dir, "reason", "unresolvable", "error", err)
		return "", fmt.Errorf("install directory %s: %w", dir, errors.ErrInvalidArgument)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve install directory")
	}

	st, err := os.Stat(resolved)
	if err != nil || !st.IsDir() {
		slog.Error("install_dir_validation_failed", "path", resolved, "reason", "not_a_directory")
		return "", fmt.Errorf("install directory %s is not a directory: %w", resolved, errors.ErrInvalidArgument)
	}

	if v.IsDefaultDir(resolved) {
		return v.defaultDir, nil
	}
	if v.externalPrefix != "" && strings.HasPrefix(resolved+"/", v.externalPrefix) {
		slog.Info("install_dir_external", "path", resolved)
		return resolved, nil
	}

	slog.Error("install_dir_validation_failed", "path", resolved, "reason", "location_not_allowed")
	return "", fmt.Errorf("cannot install to %s: %w", resolved, errors.ErrInvalidArgument)
}

// ValidateSizes checks requested partition sizes. Scratch may be zero,
// meaning the configured default.
func (v *Validator) ValidateSizes(payload, scratch int64) error {
	if payload <= 0 {
		slog.Error("size_validation_failed", "payload_size", payload)
		return fmt.Errorf("payload size %d must be positive: %w", payload, errors.ErrInvalidArgument)
	}
	if scratch < 0 {
		slog.Error("size_validation_failed", "scratch_size", scratch)
		return fmt.Errorf("scratch size %d must not be negative: %w", scratch, errors.ErrInvalidArgument)
	}
	return nil
}

// ValidateChunkSize rejects malformed chunk lengths.
func (v *Validator) ValidateChunkSize(n int64) error {
	if n < 0 {
		return fmt.Errorf("chunk size %d: %w", n, errors.ErrInvalidArgument)
	}
	return nil
}

// Budget tracks bytes committed against a declared total.
type Budget struct {
	total uint64

	mu        sync.Mutex
	committed uint64
}

// NewBudget creates a budget of total bytes.
func NewBudget(total uint64) *Budget {
	return &Budget{total: total}
}

// Check fails if n more bytes would pass the declared total.
func (b *Budget) Check(n uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.total-b.committed {
		slog.Error("budget_exceeded",
			"requested", n,
			"committed", b.committed,
			"total", b.total)
		return fmt.Errorf("%d bytes exceed the %d remaining of %d: %w",
			n, b.total-b.committed, b.total, errors.ErrInvalidArgument)
	}
	return nil
}

// Add records n committed bytes. Callers Check first.
func (b *Budget) Add(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed += n
}

func (b *Budget) Total() uint64 {
	return b.total
}

func (b *Budget) Committed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

func (b *Budget) Remaining() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.committed
}

// Done reports whether every declared byte was committed.
func (b *Budget) Done() bool {
	return b.Remaining() == 0
}

package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/dsu-installer/pkg/errors"
)

func TestValidateInstallDir(t *testing.T) {
	root := t.TempDir()
	defaultDir := filepath.Join(root, "data", "gsi", "dsu")
	external := filepath.Join(root, "media")
	sdcard := filepath.Join(external, "sdcard")
	elsewhere := filepath.Join(root, "elsewhere")
	for _, d := range []string{defaultDir, sdcard, elsewhere} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(root, "link-to-default")
	if err := os.Symlink(defaultDir, link); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(defaultDir, external+"/")

	tests := []struct {
		name      string
		dir       string
		want      string
		shouldErr bool
	}{
		{"empty uses default", "", defaultDir, false},
		{"default", defaultDir, defaultDir, false},
		{"default with trailing slash", defaultDir + "/", defaultDir, false},
		{"symlink to default", link, defaultDir, false},
		{"external media", sdcard, sdcard, false},
		{"external prefix itself", external, external, false},
		{"not allowed", elsewhere, "", true},
		{"missing", filepath.Join(root, "missing"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateInstallDir(tt.dir)
			if tt.shouldErr {
				if !errors.Is(err, errors.ErrInvalidArgument) {
					t.Errorf("expected ErrInvalidArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateSizes(t *testing.T) {
	v := NewValidator("/data/gsi/dsu", "")

	tests := []struct {
		payload, scratch int64
		shouldErr        bool
	}{
		{1 << 30, 0, false},
		{1 << 30, 1 << 30, false},
		{0, 0, true},
		{-1, 0, true},
		{1 << 30, -5, true},
	}

	for _, tt := range tests {
		err := v.ValidateSizes(tt.payload, tt.scratch)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for payload=%d scratch=%d", tt.payload, tt.scratch)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for payload=%d scratch=%d: %v", tt.payload, tt.scratch, err)
		}
	}

	if err := v.ValidateChunkSize(-1); err == nil {
		t.Error("expected negative chunk size to fail")
	}
}

func TestBudget(t *testing.T) {
	b := NewBudget(1000)

	if err := b.Check(400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Add(400)

	if err := b.Check(601); err == nil {
		t.Error("expected error when request passes the declared total")
	}
	if b.Committed() != 400 {
		t.Errorf("failed check changed committed bytes to %d", b.Committed())
	}

	if err := b.Check(600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Add(600)
	if !b.Done() || b.Remaining() != 0 {
		t.Errorf("budget not done: committed=%d remaining=%d", b.Committed(), b.Remaining())
	}
	if err := b.Check(1); err == nil {
		t.Error("expected error on a full budget")
	}
}

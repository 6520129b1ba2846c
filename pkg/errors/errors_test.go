package errors

import (
	"fmt"
	"testing"
)

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, "context"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWrapKeepsChain(t *testing.T) {
	err := Wrap(ErrNoSpace, "sanity check")
	if !Is(err, ErrNoSpace) {
		t.Fatalf("wrapped error lost its sentinel: %v", err)
	}
	if err.Error() != "sanity check: not enough free space" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want InstallCode
	}{
		{"nil", nil, InstallOK},
		{"no space", Wrap(ErrNoSpace, "x"), InstallErrorNoSpace},
		{"cluttered", ErrCluttered, InstallErrorFileSystemCluttered},
		{"fragmented", fmt.Errorf("alloc: %w", ErrTooFragmented), InstallErrorFileSystemCluttered},
		{"state", ErrInvalidState, InstallErrorGeneric},
		{"plain", New("boom"), InstallErrorGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Code(tt.err); got != tt.want {
				t.Errorf("Code() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{Usage(New("bad flag")), ExitUsage},
		{Wrap(Software(New("crash")), "install"), ExitSoftware},
		{New("unclassified"), ExitSoftware},
	}

	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// Package errors provides error wrapping utilities for context-aware error messages
// and the failure taxonomy shared by the installer, the service and the CLI.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New, Is and As mirror the standard library so callers only import one errors package.
func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// Validation errors
var (
	ErrInvalidArgument = stderrors.New("invalid argument")
	ErrUnaligned       = stderrors.New("extent is not sector aligned")
)

// Resource exhaustion
var (
	ErrNoSpace       = stderrors.New("not enough free space")
	ErrCluttered     = stderrors.New("filesystem is too cluttered")
	ErrTooFragmented = stderrors.New("filesystem is too fragmented")
)

// State errors
var (
	ErrInvalidState = stderrors.New("operation invalid in current state")
	ErrCancelled    = stderrors.New("operation cancelled")
)

// I/O failures
var (
	ErrStreamEnded        = stderrors.New("stream ended early")
	ErrTimeout            = stderrors.New("timed out")
	ErrExtentsUnsupported = stderrors.New("filesystem does not support extent queries")
)

// Corruption and absence of persisted state
var (
	ErrCorrupt      = stderrors.New("persisted state is corrupt")
	ErrNotInstalled = stderrors.New("no installation found")
)

package errors

import "strconv"

// InstallCode is the result code reported to transport callers. Callers pick a
// different remediation for each non-OK value.
type InstallCode int

const (
	InstallOK InstallCode = iota
	InstallErrorGeneric
	InstallErrorNoSpace
	InstallErrorFileSystemCluttered
)

func (c InstallCode) String() string {
	switch c {
	case InstallOK:
		return "ok"
	case InstallErrorNoSpace:
		return "no_space"
	case InstallErrorFileSystemCluttered:
		return "file_system_cluttered"
	default:
		return "generic"
	}
}

// Code maps err onto the transport result codes.
func Code(err error) InstallCode {
	switch {
	case err == nil:
		return InstallOK
	case Is(err, ErrNoSpace):
		return InstallErrorNoSpace
	case Is(err, ErrCluttered), Is(err, ErrTooFragmented):
		return InstallErrorFileSystemCluttered
	default:
		return InstallErrorGeneric
	}
}

// Exit codes used by the command line tool (sysexits.h).
const (
	ExitOK       = 0
	ExitUsage    = 64
	ExitSoftware = 70
)

// ExitError carries a process exit code alongside the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit status " + strconv.Itoa(e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Usage marks err as a usage error.
func Usage(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitUsage, Err: err}
}

// Software marks err as an internal/software failure.
func Software(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitSoftware, Err: err}
}

// ExitCode returns the exit code a process should use for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitSoftware
}

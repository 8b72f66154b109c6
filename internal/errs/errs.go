// Package errs implements the error taxonomy every package in this module
// reports through.
//
// Errors are distinguished by kind, not by ad-hoc string matching: each
// kind wraps an inner cause with golang.org/x/xerrors so callers can use
// errors.As to recover the original cause while still reporting which
// taxonomy bucket produced it.
package errs

import (
	"golang.org/x/xerrors"
)

// ConfigError indicates invalid or inconsistent build configuration. It is
// always fatal and surfaces to the CLI with a non-zero exit code.
type ConfigError struct {
	Msg   string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return "config: " + e.Msg + ": " + e.Cause.Error()
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Config wraps cause (which may be nil) as a ConfigError.
func Config(msg string, cause error) error {
	return &ConfigError{Msg: msg, Cause: cause}
}

// Configf formats msg like xerrors.Errorf and wraps the result.
func Configf(format string, args ...interface{}) error {
	return &ConfigError{Msg: xerrors.Errorf(format, args...).Error()}
}

// IoError indicates an object-store or local filesystem failure. Callers
// retry IoErrors with a bounded linear back-off (see internal/store);
// a terminal IoError on a chunk write is fatal to the build.
type IoError struct {
	Op    string
	Cause error
}

func (e *IoError) Error() string {
	return "io(" + e.Op + "): " + e.Cause.Error()
}

func (e *IoError) Unwrap() error { return e.Cause }

func Io(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &IoError{Op: op, Cause: cause}
}

// DecodeError indicates a malformed chunk payload (bad footer, point count
// mismatch, unknown codec tag). Always fatal to the build: it signals data
// corruption rather than a recoverable condition.
type DecodeError struct {
	Msg   string
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return "decode: " + e.Msg + ": " + e.Cause.Error()
	}
	return "decode: " + e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func Decode(msg string, cause error) error {
	return &DecodeError{Msg: msg, Cause: cause}
}

// InputError indicates a single input file failed to read or its pipeline
// threw. It is recorded on that BuildItem's SourceInfo.Errors and does not
// affect other inputs.
type InputError struct {
	Path  string
	Cause error
}

func (e *InputError) Error() string {
	return "input " + e.Path + ": " + e.Cause.Error()
}

func (e *InputError) Unwrap() error { return e.Cause }

func Input(path string, cause error) error {
	return &InputError{Path: path, Cause: cause}
}

// ShallowInfoError indicates the scanner could not obtain a preview for an
// input (no reader driver, empty bounds). The input is dropped from the
// Manifest with a warning rather than failing the scan.
type ShallowInfoError struct {
	Path  string
	Cause error
}

func (e *ShallowInfoError) Error() string {
	return "shallow info for " + e.Path + ": " + e.Cause.Error()
}

func (e *ShallowInfoError) Unwrap() error { return e.Cause }

func ShallowInfo(path string, cause error) error {
	return &ShallowInfoError{Path: path, Cause: cause}
}

// FatalError indicates an unrecoverable condition: write-pool exhaustion,
// a hierarchy inconsistency detected during merge, and similar. It aborts
// the run.
type FatalError struct {
	Msg   string
	Cause error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return "fatal: " + e.Msg + ": " + e.Cause.Error()
	}
	return "fatal: " + e.Msg
}

func (e *FatalError) Unwrap() error { return e.Cause }

func Fatal(msg string, cause error) error {
	return &FatalError{Msg: msg, Cause: cause}
}

func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Msg: xerrors.Errorf(format, args...).Error()}
}

package vvfat

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is the error surface shared by every package in this module.
// The sentinel values below stay matchable with errors.Is even after they
// have been extended with WithMessage or Wrap.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

type baseImageError string

const rootError = baseImageError("")

var ErrCapacityExceeded = rootError.WithMessage("Shadowed directory does not fit on the volume")
var ErrCatalogFull = rootError.WithMessage("Redo log catalog is full")
var ErrFileTooLarge = rootError.WithMessage("File too large")
var ErrFormatMismatch = rootError.WithMessage("Wrong image format")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrIOFailed = rootError.WithMessage("Input/output error")
var ErrNotFound = rootError.WithMessage("No such file or directory")
var ErrNotSupported = rootError.WithMessage("Operation not supported")
var ErrOutOfRange = rootError.WithMessage("Position out of range")
var ErrUnalignedIO = rootError.WithMessage("I/O not sector-aligned")

func (e baseImageError) Error() string {
	return string(e)
}

func (e baseImageError) RootCause() DriverError {
	return e
}

func (e baseImageError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e baseImageError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a
// string describing the error.
func (e customDriverError) Error() string {
	return e.message
}

func (e customDriverError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customDriverError) Wrap(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

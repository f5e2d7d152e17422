package errors

import (
	stderrors "errors"
	"fmt"
	"syscall"
)

type DriverError interface {
	error
	WithMessage(message string) DriverError
	WrapError(err error) DriverError
}

// -----------------------------------------------------------------------------

type customDriverError struct {
	message       string
	originalError error
	cause         error
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

func (e customDriverError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: e,
		cause:         err,
	}
}

func (e customDriverError) Unwrap() error {
	return e.originalError
}

// ToErrno resolves any error produced by this module to a POSIX errno. Errors
// with no recognizable kind degrade to EIO.
func ToErrno(err error) syscall.Errno {
	var kind FSError
	if stderrors.As(err, &kind) {
		return kind.Errno()
	}
	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

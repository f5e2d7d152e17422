// Error kinds surfaced by the filesystem engine and the sector cache. The
// syscall package doesn't define everything we want on all platforms, and the
// engine must not depend on the host's errno vocabulary, so the kinds live
// here as sentinels and get mapped to errno values at the adapter boundary.

package errors

import (
	"fmt"
	"syscall"
)

type FSError string

const ErrIOFailed = FSError("Input/output error")
const ErrCorrupted = FSError("Filesystem structure needs cleaning")
const ErrNotFound = FSError("No such file or directory")
const ErrNotADirectory = FSError("Not a directory")
const ErrIsADirectory = FSError("Is a directory")
const ErrDirectoryNotEmpty = FSError("Directory not empty")
const ErrExists = FSError("File exists")
const ErrInvalidName = FSError("Invalid file name")
const ErrNoSpaceOnDevice = FSError("No space left on device")
const ErrReadOnly = FSError("Read-only file system")
const ErrOutOfMemory = FSError("Cannot allocate memory")
const ErrInvalidArgument = FSError("Invalid argument")
const ErrOutOfBounds = FSError("Access beyond end of device")
const ErrNotSupported = FSError("Operation not supported")

func (e FSError) Error() string {
	return string(e)
}

func (e FSError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       message,
		originalError: e,
	}
}

func (e FSError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: e,
		cause:         err,
	}
}

// Errno maps an error kind to the closest POSIX errno. Corruption maps to EIO
// on purpose; hosts have no useful reaction to EUCLEAN and the distinction is
// preserved in the log instead.
func (e FSError) Errno() syscall.Errno {
	switch e {
	case ErrIOFailed, ErrCorrupted, ErrOutOfBounds:
		return syscall.EIO
	case ErrNotFound:
		return syscall.ENOENT
	case ErrNotADirectory:
		return syscall.ENOTDIR
	case ErrIsADirectory:
		return syscall.EISDIR
	case ErrDirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case ErrExists:
		return syscall.EEXIST
	case ErrInvalidName:
		return syscall.EINVAL
	case ErrNoSpaceOnDevice:
		return syscall.ENOSPC
	case ErrReadOnly:
		return syscall.EROFS
	case ErrOutOfMemory:
		return syscall.ENOMEM
	case ErrNotSupported:
		return syscall.ENOSYS
	default:
		return syscall.EINVAL
	}
}

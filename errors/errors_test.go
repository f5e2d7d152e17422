package errors_test

import (
	stderrors "errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/salass00/exfat/errors"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := errors.ErrNotFound.WithMessage("no entry \"a.bin\"")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
	assert.Equal(t, "no entry \"a.bin\"", err.Error())

	wrapped := errors.ErrIOFailed.WrapError(stderrors.New("short read"))
	assert.True(t, stderrors.Is(wrapped, errors.ErrIOFailed))
	assert.Contains(t, wrapped.Error(), "short read")

	twice := err.WithMessage("while resolving /a.bin")
	assert.True(t, stderrors.Is(twice, errors.ErrNotFound))
}

func TestErrnoMapping(t *testing.T) {
	cases := map[errors.FSError]syscall.Errno{
		errors.ErrNotFound:          syscall.ENOENT,
		errors.ErrNotADirectory:     syscall.ENOTDIR,
		errors.ErrIsADirectory:      syscall.EISDIR,
		errors.ErrDirectoryNotEmpty: syscall.ENOTEMPTY,
		errors.ErrExists:            syscall.EEXIST,
		errors.ErrNoSpaceOnDevice:   syscall.ENOSPC,
		errors.ErrReadOnly:          syscall.EROFS,
		errors.ErrIOFailed:          syscall.EIO,
		errors.ErrCorrupted:         syscall.EIO,
		errors.ErrOutOfMemory:       syscall.ENOMEM,
		errors.ErrInvalidName:       syscall.EINVAL,
	}
	for kind, errno := range cases {
		assert.Equal(t, errno, kind.Errno(), "kind %q", kind)
	}
}

func TestToErrno(t *testing.T) {
	assert.Equal(t, syscall.ENOENT,
		errors.ToErrno(errors.ErrNotFound.WithMessage("gone")))
	assert.Equal(t, syscall.EIO, errors.ToErrno(stderrors.New("anonymous failure")))
	assert.Equal(t, syscall.EACCES, errors.ToErrno(syscall.EACCES))
}

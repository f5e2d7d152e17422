package diskio

import (
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"

	fserrors "github.com/salass00/exfat/errors"
)

// Device is byte-addressed storage exposed as fixed-size sectors. No
// concurrency guarantees are made; the cache serialises all access.
type Device interface {
	// ReadSectors fills buf, whose length must be a multiple of the sector
	// size, starting at the given sector.
	ReadSectors(sector uint64, buf []byte) error
	// WriteSectors writes buf starting at the given sector.
	WriteSectors(sector uint64, buf []byte) error
	// Sync flushes any lower-level driver caches.
	Sync() error
	SectorSize() uint32
	SectorCount() uint64
	WriteProtected() bool
}

type syncer interface {
	Sync() error
}

// FileDevice adapts a seekable stream (a disk image file, a block device
// node, or an in-memory buffer) to the Device interface.
type FileDevice struct {
	stream      io.ReadWriteSeeker
	sectorSize  uint32
	sectorCount uint64
	readOnly    bool
	wrote       bool
}

// IsValidSectorSize reports whether x is a power of two no smaller than 256.
func IsValidSectorSize(x uint32) bool {
	return x >= 256 && x&(x-1) == 0
}

// NewFileDevice wraps stream as a device of the given sector size. The
// stream's current length fixes the device size; trailing bytes that do not
// fill a whole sector are ignored.
func NewFileDevice(stream io.ReadWriteSeeker, sectorSize uint32, readOnly bool) (*FileDevice, error) {
	if !IsValidSectorSize(sectorSize) {
		return nil, fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid sector size %d", sectorSize))
	}

	end, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fserrors.ErrIOFailed.WrapError(err)
	}

	return &FileDevice{
		stream:      stream,
		sectorSize:  sectorSize,
		sectorCount: uint64(end) / uint64(sectorSize),
		readOnly:    readOnly,
	}, nil
}

// OpenFileDevice opens a disk image or block device node by path.
func OpenFileDevice(path string, sectorSize uint32, readOnly bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		if !readOnly && os.IsPermission(err) {
			// Write-protected media: retry read-only and let the mount
			// policy decide whether that is acceptable.
			return OpenFileDevice(path, sectorSize, true)
		}
		return nil, fserrors.ErrIOFailed.WrapError(err)
	}
	return NewFileDevice(f, sectorSize, readOnly)
}

// NewMemoryDevice builds a device over an in-memory byte slice. Mostly used
// by tests and the formatter.
func NewMemoryDevice(data []byte, sectorSize uint32) (*FileDevice, error) {
	return NewFileDevice(bytesextra.NewReadWriteSeeker(data), sectorSize, false)
}

func (d *FileDevice) SectorSize() uint32   { return d.sectorSize }
func (d *FileDevice) SectorCount() uint64  { return d.sectorCount }
func (d *FileDevice) WriteProtected() bool { return d.readOnly }

func (d *FileDevice) checkBounds(sector uint64, buf []byte) error {
	if len(buf)%int(d.sectorSize) != 0 {
		return fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer length %d is not a multiple of the sector size", len(buf)))
	}
	count := uint64(len(buf)) / uint64(d.sectorSize)
	if sector >= d.sectorCount || sector+count > d.sectorCount {
		return fserrors.ErrOutOfBounds.WithMessage(
			fmt.Sprintf("sectors [%d, %d) not in [0, %d)", sector, sector+count, d.sectorCount))
	}
	return nil
}

func (d *FileDevice) ReadSectors(sector uint64, buf []byte) error {
	if err := d.checkBounds(sector, buf); err != nil {
		return err
	}
	if _, err := d.stream.Seek(int64(sector)*int64(d.sectorSize), io.SeekStart); err != nil {
		return fserrors.ErrIOFailed.WrapError(err)
	}
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return fserrors.ErrIOFailed.WrapError(err)
	}
	return nil
}

func (d *FileDevice) WriteSectors(sector uint64, buf []byte) error {
	if d.readOnly {
		return fserrors.ErrReadOnly
	}
	if err := d.checkBounds(sector, buf); err != nil {
		return err
	}
	if _, err := d.stream.Seek(int64(sector)*int64(d.sectorSize), io.SeekStart); err != nil {
		return fserrors.ErrIOFailed.WrapError(err)
	}
	if _, err := d.stream.Write(buf); err != nil {
		return fserrors.ErrIOFailed.WrapError(err)
	}
	d.wrote = true
	return nil
}

// Sync pushes buffered writes down to the platform, when the underlying
// stream supports it.
func (d *FileDevice) Sync() error {
	if !d.wrote {
		return nil
	}
	d.wrote = false
	if s, ok := d.stream.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fserrors.ErrIOFailed.WrapError(err)
		}
	}
	return nil
}

package exfat

import (
	"fmt"

	fserrors "github.com/salass00/exfat/errors"
)

const labelMaxUnits = 11

// Label returns the volume label, empty when none is set.
func (fs *FileSystem) Label() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.label
}

// SetLabel replaces the volume label, creating the root directory's label
// entry when the volume never had one. An empty name clears the label but
// keeps the entry.
func (fs *FileSystem) SetLabel(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}

	units, err := utf16FromString(name)
	if err != nil {
		return err
	}
	if len(units) > labelMaxUnits {
		return fserrors.ErrInvalidName.WithMessage(
			fmt.Sprintf("label is %d code units; the limit is %d",
				len(units), labelMaxUnits))
	}

	if fs.labelOffset < 0 {
		offset, err := fs.findFreeSlots(fs.root, 1)
		if err != nil {
			return err
		}
		fs.labelOffset = offset
	}

	raw := labelEntry{name: units}.encode()
	if err := fs.writeNodeAt(fs.root, raw, fs.labelOffset); err != nil {
		return err
	}
	fs.label = name
	return nil
}

// EncodeVolumeLabel builds the 32-byte volume label directory entry for
// name. The formatter writes it into fresh root directories.
func EncodeVolumeLabel(name string) ([]byte, error) {
	units, err := utf16FromString(name)
	if err != nil {
		return nil, err
	}
	if len(units) > labelMaxUnits {
		return nil, fserrors.ErrInvalidName.WithMessage(
			fmt.Sprintf("label is %d code units; the limit is %d",
				len(units), labelMaxUnits))
	}
	return labelEntry{name: units}.encode(), nil
}

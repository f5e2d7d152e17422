package exfat

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"

	fserrors "github.com/salass00/exfat/errors"
)

// Names are stored as UTF-16 code units, spread over FILE_NAME entries in
// runs of 15. Comparison folds through the volume's upcase table, never
// through general Unicode case mapping.

// The x/text transformers carry state, so each conversion builds its own.
var utf16Codec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func utf16FromString(s string) ([]uint16, error) {
	raw, err := utf16Codec.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fserrors.ErrInvalidName.WrapError(err)
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return units, nil
}

func stringFromUTF16(units []uint16) string {
	raw := make([]byte, len(units)*2)
	for i, u := range units {
		raw[2*i] = byte(u)
		raw[2*i+1] = byte(u >> 8)
	}
	decoded, err := utf16Codec.NewDecoder().Bytes(raw)
	if err != nil {
		// Undecodable names still need a representation; show the units.
		return fmt.Sprintf("%x", raw)
	}
	return string(decoded)
}

// validateName checks one path component against the on-disk rules: not
// empty, at most NameMax units, and no reserved code units.
func validateName(units []uint16) error {
	if len(units) == 0 {
		return fserrors.ErrInvalidName.WithMessage("empty name")
	}
	if len(units) > NameMax {
		return fserrors.ErrInvalidName.WithMessage(
			fmt.Sprintf("name is %d code units; the limit is %d", len(units), NameMax))
	}
	for _, u := range units {
		if u < 0x20 {
			return fserrors.ErrInvalidName.WithMessage("name contains a control character")
		}
		switch u {
		case '"', '*', '/', ':', '<', '>', '?', '\\', '|':
			return fserrors.ErrInvalidName.WithMessage(
				fmt.Sprintf("name contains reserved character %q", rune(u)))
		}
	}
	if allDots(units) {
		return fserrors.ErrInvalidName.WithMessage("name consists only of dots")
	}
	return nil
}

func allDots(units []uint16) bool {
	for _, u := range units {
		if u != '.' {
			return false
		}
	}
	return true
}

// nameHash computes the 16-bit hash stored in a stream extension entry. It
// runs over the upcase-folded name, low byte then high byte of each unit.
func (fs *FileSystem) nameHash(name []uint16) uint16 {
	var hash uint16
	for _, u := range name {
		f := fs.upcase.fold(u)
		hash = (hash>>1 | hash<<15) + f&0xff
		hash = (hash>>1 | hash<<15) + f>>8
	}
	return hash
}

// namesEqual compares two names case-insensitively through the upcase table.
func (fs *FileSystem) namesEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if fs.upcase.fold(a[i]) != fs.upcase.fold(b[i]) {
			return false
		}
	}
	return true
}

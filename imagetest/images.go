// Package imagetest builds in-memory disk images for tests: raw devices,
// freshly formatted volumes, and mounted filesystems, all backed by a byte
// slice the test can inspect directly.
package imagetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/diskio"
	"github.com/salass00/exfat/mkfs"
)

const DefaultSectorSize = 512

// NewDevice returns an in-memory device over a fresh zeroed buffer, plus
// the buffer itself for direct inspection.
func NewDevice(t *testing.T, sizeBytes int, sectorSize uint32) (*diskio.FileDevice, []byte) {
	t.Helper()
	backing := make([]byte, sizeBytes)
	dev, err := diskio.NewMemoryDevice(backing, sectorSize)
	require.NoError(t, err, "building in-memory device")
	return dev, backing
}

// NewFormattedDevice returns a device holding a freshly formatted volume.
func NewFormattedDevice(t *testing.T, sizeBytes int, label string) (*diskio.FileDevice, []byte) {
	t.Helper()
	dev, backing := NewDevice(t, sizeBytes, DefaultSectorSize)
	err := mkfs.Format(dev, mkfs.Params{
		SpcBits:      -1,
		Label:        label,
		VolumeSerial: 0x1234abcd,
	})
	require.NoError(t, err, "formatting image")
	return dev, backing
}

// MountFresh formats and mounts a read/write volume.
func MountFresh(t *testing.T, sizeBytes int) (*exfat.FileSystem, *diskio.FileDevice) {
	t.Helper()
	dev, _ := NewFormattedDevice(t, sizeBytes, "")
	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err, "mounting fresh volume")
	return fs, dev
}

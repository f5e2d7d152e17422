package mkfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/diskio"
	"github.com/salass00/exfat/mkfs"
)

func newDevice(t *testing.T, sizeBytes int) (*diskio.FileDevice, []byte) {
	t.Helper()
	backing := make([]byte, sizeBytes)
	dev, err := diskio.NewMemoryDevice(backing, 512)
	require.NoError(t, err)
	return dev, backing
}

func TestFormatThenMount(t *testing.T) {
	dev, _ := newDevice(t, 64<<20)

	err := mkfs.Format(dev, mkfs.Params{
		SpcBits:      -1,
		Label:        "SCRATCH",
		VolumeSerial: 0xfeedf00d,
	})
	require.NoError(t, err)

	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	defer fs.Unmount()

	sb := fs.Superblock()
	assert.Equal(t, uint32(0xfeedf00d), sb.VolumeSerial)
	assert.Equal(t, uint32(512), sb.SectorSize)
	assert.Equal(t, uint32(4096), sb.ClusterSize, "64 MiB volume should get 4 KiB clusters")
	assert.Equal(t, "SCRATCH", fs.Label())

	// A fresh volume is empty apart from its metadata entries.
	it, err := fs.OpenDir(fs.Root())
	require.NoError(t, err)
	child, err := it.Next()
	require.NoError(t, err)
	assert.Nil(t, child, "fresh root directory should list no files")
	require.NoError(t, it.Close())

	stat := fs.StatFS()
	assert.Greater(t, stat.BlocksFree, stat.TotalBlocks*9/10,
		"metadata should claim only a small fraction of the volume")
}

func TestFormatBootRegionChecksum(t *testing.T) {
	dev, backing := newDevice(t, 16<<20)
	require.NoError(t, mkfs.Format(dev, mkfs.Params{SpcBits: -1}))

	main := backing[:512*11]
	checksum := exfat.BootRegionChecksum(main)
	stored := uint32(backing[512*11]) | uint32(backing[512*11+1])<<8 |
		uint32(backing[512*11+2])<<16 | uint32(backing[512*11+3])<<24
	assert.Equal(t, checksum, stored)

	// The backup region is a byte-for-byte copy.
	assert.Equal(t, backing[:512*12], backing[512*12:512*24])
}

func TestFormatRejectsTinyVolumes(t *testing.T) {
	dev, _ := newDevice(t, 256<<10)
	err := mkfs.Format(dev, mkfs.Params{SpcBits: -1})
	assert.Error(t, err)
}

func TestFormatFixedClusterSize(t *testing.T) {
	dev, _ := newDevice(t, 32<<20)
	require.NoError(t, mkfs.Format(dev, mkfs.Params{SpcBits: 4}))

	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	defer fs.Unmount()
	assert.Equal(t, uint32(512<<4), fs.Superblock().ClusterSize)
}

func TestFormattedVolumeSupportsFullWorkload(t *testing.T) {
	dev, _ := newDevice(t, 16<<20)
	require.NoError(t, mkfs.Format(dev, mkfs.Params{SpcBits: -1}))

	fs, err := exfat.Mount(dev, exfat.Options{})
	require.NoError(t, err)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/work"))
	require.NoError(t, fs.Mknod("/work/data"))

	node, err := fs.Lookup("/work/data")
	require.NoError(t, err)
	defer fs.PutNode(node)

	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = fs.Write(node, payload, 0)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := fs.Read(node, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

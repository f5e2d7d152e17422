package exfat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/salass00/exfat/diskio"
	fserrors "github.com/salass00/exfat/errors"
)

const (
	bootSectorSize = 512
	// vbrSectorCount covers the boot sector through the reserved sector; the
	// sector after it holds the running checksum.
	vbrSectorCount = 11

	volumeStateDirty        = 0x0002
	volumeStateMediaFailure = 0x0004
)

var (
	requiredJumpBoot      = []byte{0xeb, 0x76, 0x90}
	requiredOEMName       = []byte("EXFAT   ")
	requiredBootSignature = uint16(0xaa55)
)

// BootSector is the on-disk layout of sector 0. Field widths and offsets
// follow the exFAT specification; restruct decodes and encodes it wholesale.
type BootSector struct {
	JumpBoot        [3]byte
	FileSystemName  [8]byte
	MustBeZero      [53]byte
	PartitionOffset uint64
	VolumeLength    uint64
	FatOffset       uint32
	FatLength       uint32
	ClusterHeapOffset uint32
	ClusterCount    uint32
	RootDirCluster  uint32
	VolumeSerial    uint32
	FSRevision      uint16
	VolumeFlags     uint16
	SectorBits      uint8
	SpcBits         uint8
	FatCount        uint8
	DriveSelect     uint8
	PercentInUse    uint8
	Reserved        [7]byte
	BootCode        [390]byte
	BootSignature   uint16
}

// Superblock is the immutable view of the volume geometry built once at
// mount from the validated boot sector.
type Superblock struct {
	SectorBits  uint
	SpcBits     uint
	SectorSize  uint32
	ClusterSize uint32

	SectorCount  uint64
	ClusterCount uint32

	FatSectorStart     uint32
	FatSectorCount     uint32
	ClusterSectorStart uint32
	RootDirCluster     Cluster

	VolumeSerial uint32
	FSRevision   uint16
	VolumeState  uint16
	PercentInUse uint8
}

// validCluster reports whether c may appear in a chain as a data cluster.
func (sb *Superblock) validCluster(c Cluster) bool {
	return c >= clusterFirst && uint32(c) <= sb.ClusterCount+1
}

func (sb *Superblock) clusterOffset(c Cluster) uint64 {
	return uint64(sb.ClusterSectorStart)<<sb.SectorBits +
		uint64(c-clusterFirst)<<(sb.SectorBits+sb.SpcBits)
}

// BootRegionChecksum computes the 32-bit rotating checksum over the first
// eleven sectors of a boot region, as stored in the region's twelfth
// sector. The formatter uses it when stamping fresh volumes.
func BootRegionChecksum(data []byte) uint32 {
	return vbrChecksum(data)
}

// vbrChecksum is the 32-bit rotating checksum over the first eleven sectors
// of a boot region. The bytes holding VolumeFlags and PercentInUse are
// excluded so they can change on a live volume without invalidating it.
func vbrChecksum(data []byte) uint32 {
	var sum uint32
	for i, b := range data {
		if i == 106 || i == 107 || i == 112 {
			continue
		}
		sum = (sum>>1 | sum<<31) + uint32(b)
	}
	return sum
}

func decodeBootSector(raw []byte) (*BootSector, error) {
	var bs BootSector
	if err := restruct.Unpack(raw[:bootSectorSize], binary.LittleEndian, &bs); err != nil {
		return nil, fserrors.ErrCorrupted.WrapError(err)
	}

	if !bytes.Equal(bs.JumpBoot[:], requiredJumpBoot) {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("bad boot jump instruction % x", bs.JumpBoot))
	}
	if !bytes.Equal(bs.FileSystemName[:], requiredOEMName) {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("filesystem name is %q, not exFAT", bs.FileSystemName))
	}
	if bs.BootSignature != requiredBootSignature {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("bad boot signature 0x%04x", bs.BootSignature))
	}
	for _, b := range bs.MustBeZero {
		if b != 0 {
			return nil, fserrors.ErrCorrupted.WithMessage(
				"FAT BIOS parameter block area is not zeroed")
		}
	}
	return &bs, nil
}

// readSuperblock reads and validates the main boot region and derives the
// Superblock from it.
func readSuperblock(dio *diskio.DiskIO) (*Superblock, error) {
	sectorSize := dio.SectorSize()

	raw := make([]byte, bootSectorSize)
	if err := dio.ReadBytes(0, raw); err != nil {
		return nil, err
	}
	bs, err := decodeBootSector(raw)
	if err != nil {
		return nil, err
	}

	if bs.SectorBits < 9 || bs.SectorBits > 12 {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("bytes-per-sector shift %d outside [9, 12]", bs.SectorBits))
	}
	if uint32(1)<<bs.SectorBits != sectorSize {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("volume sector size %d does not match device sector size %d",
				uint32(1)<<bs.SectorBits, sectorSize))
	}
	if uint(bs.SectorBits)+uint(bs.SpcBits) > 25 {
		// Cluster size caps at 32 MiB.
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("cluster size 2^%d exceeds 32 MiB", uint(bs.SectorBits)+uint(bs.SpcBits)))
	}
	if uint64(bs.FatLength)<<bs.SectorBits < 4*uint64(bs.ClusterCount+2) {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("FAT of %d sectors cannot describe %d clusters",
				bs.FatLength, bs.ClusterCount))
	}

	sb := &Superblock{
		SectorBits:         uint(bs.SectorBits),
		SpcBits:            uint(bs.SpcBits),
		SectorSize:         1 << bs.SectorBits,
		ClusterSize:        1 << (uint(bs.SectorBits) + uint(bs.SpcBits)),
		SectorCount:        bs.VolumeLength,
		ClusterCount:       bs.ClusterCount,
		FatSectorStart:     bs.FatOffset,
		FatSectorCount:     bs.FatLength,
		ClusterSectorStart: bs.ClusterHeapOffset,
		RootDirCluster:     Cluster(bs.RootDirCluster),
		VolumeSerial:       bs.VolumeSerial,
		FSRevision:         bs.FSRevision,
		VolumeState:        bs.VolumeFlags,
		PercentInUse:       bs.PercentInUse,
	}

	if !sb.validCluster(sb.RootDirCluster) {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("root directory cluster %d out of range", sb.RootDirCluster))
	}
	if sb.SectorCount > dio.SectorCount() {
		return nil, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("volume claims %d sectors but the device has %d",
				sb.SectorCount, dio.SectorCount()))
	}

	if err := validateVBRChecksum(dio, sectorSize); err != nil {
		return nil, err
	}
	return sb, nil
}

func validateVBRChecksum(dio *diskio.DiskIO, sectorSize uint32) error {
	region := make([]byte, int(sectorSize)*vbrSectorCount)
	if err := dio.ReadBytes(0, region); err != nil {
		return err
	}
	want := vbrChecksum(region)

	checksumSector := make([]byte, sectorSize)
	if err := dio.ReadBytes(uint64(sectorSize)*vbrSectorCount, checksumSector); err != nil {
		return err
	}
	for off := 0; off < len(checksumSector); off += 4 {
		if got := binary.LittleEndian.Uint32(checksumSector[off:]); got != want {
			return fserrors.ErrCorrupted.WithMessage(
				fmt.Sprintf("boot region checksum mismatch at word %d: "+
					"0x%08x != 0x%08x", off/4, got, want))
		}
	}
	return nil
}

// writeVolumeState rewrites the VolumeFlags word of the boot sector. The
// flags bytes are excluded from the boot region checksum, so no checksum
// update is needed.
func (fs *FileSystem) writeVolumeState(state uint16) error {
	var word [2]byte
	binary.LittleEndian.PutUint16(word[:], state)
	if err := fs.dio.WriteBytes(106, word[:]); err != nil {
		return err
	}
	fs.sb.VolumeState = state
	return nil
}

// writePercentInUse refreshes the allocated-percent byte in the boot sector.
// Like the flags word, it is outside the checksummed region.
func (fs *FileSystem) writePercentInUse() error {
	percent := uint8(0xff)
	if fs.sb.ClusterCount > 0 {
		used := uint64(fs.sb.ClusterCount) - uint64(fs.bitmap.free)
		percent = uint8(used * 100 / uint64(fs.sb.ClusterCount))
	}
	if percent == fs.sb.PercentInUse {
		return nil
	}
	if err := fs.dio.WriteBytes(112, []byte{percent}); err != nil {
		return err
	}
	fs.sb.PercentInUse = percent
	return nil
}

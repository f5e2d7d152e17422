package mkfs

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/noxer/bytewriter"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/diskio"
)

// Both boot regions are twelve sectors: the boot sector, eight extended
// boot sectors, the OEM parameter sector, a reserved sector, and the
// checksum sector holding the region checksum repeated to fill.

const (
	extendedBootSignature = 0xaa550000
	bootRegionSectors     = 12
)

func buildBootSector(lo *layout) ([]byte, error) {
	bs := exfat.BootSector{
		JumpBoot:          [3]byte{0xeb, 0x76, 0x90},
		PartitionOffset:   lo.params.FirstSector,
		VolumeLength:      lo.volumeSectors,
		FatOffset:         lo.fatOffset,
		FatLength:         lo.fatLength,
		ClusterHeapOffset: lo.heapOffset,
		ClusterCount:      lo.clusterCount,
		RootDirCluster:    lo.rootCluster,
		VolumeSerial:      lo.params.VolumeSerial,
		FSRevision:        0x0100,
		SectorBits:        uint8(lo.sectorBits),
		SpcBits:           uint8(lo.spcBits),
		FatCount:          1,
		DriveSelect:       0x80,
		PercentInUse:      uint8(uint64(lo.usedClusters()) * 100 / uint64(lo.clusterCount)),
		BootSignature:     0xaa55,
	}
	copy(bs.FileSystemName[:], "EXFAT   ")
	for i := range bs.BootCode {
		// Halt instruction, per the format recommendation for volumes that
		// carry no boot-strapping code.
		bs.BootCode[i] = 0xf4
	}
	return restruct.Pack(binary.LittleEndian, &bs)
}

// buildBootRegion assembles the full twelve-sector region in memory.
func buildBootRegion(lo *layout) ([]byte, error) {
	region := make([]byte, int(lo.sectorSize)*bootRegionSectors)

	bootSector, err := buildBootSector(lo)
	if err != nil {
		return nil, err
	}
	w := bytewriter.New(region)
	if _, err := w.Write(bootSector); err != nil {
		return nil, err
	}

	// Extended boot sectors: empty boot code, signature in the last word.
	for i := 1; i <= 8; i++ {
		sector := sectorOf(region, lo, i)
		binary.LittleEndian.PutUint32(sector[len(sector)-4:], extendedBootSignature)
	}
	// Sector 9 (OEM parameters) and sector 10 (reserved) stay zeroed.

	checksum := exfat.BootRegionChecksum(region[:int(lo.sectorSize)*(bootRegionSectors-1)])
	checksumSector := sectorOf(region, lo, bootRegionSectors-1)
	for off := 0; off < len(checksumSector); off += 4 {
		binary.LittleEndian.PutUint32(checksumSector[off:], checksum)
	}
	return region, nil
}

func sectorOf(region []byte, lo *layout, index int) []byte {
	start := index * int(lo.sectorSize)
	return region[start : start+int(lo.sectorSize)]
}

func writeMainBootRegion(lo *layout, dio *diskio.DiskIO) error {
	region, err := buildBootRegion(lo)
	if err != nil {
		return err
	}
	return dio.WriteBytes(0, region)
}

func writeBackupBootRegion(lo *layout, dio *diskio.DiskIO) error {
	region, err := buildBootRegion(lo)
	if err != nil {
		return err
	}
	return dio.WriteBytes(uint64(bootRegionSectors)<<lo.sectorBits, region)
}

package mkfs

import (
	"encoding/binary"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/diskio"
)

// The cluster heap opens with three metadata chains: the allocation bitmap
// in cluster 2, the upcase table after it, and the root directory last.
// Each chain is linked explicitly in the FAT.

func writeFAT(lo *layout, dio *diskio.DiskIO) error {
	fat := make([]byte, uint64(lo.fatLength)<<lo.sectorBits)

	put := func(index uint32, value uint32) {
		binary.LittleEndian.PutUint32(fat[4*index:], value)
	}

	// Entry 0 carries the media descriptor; entry 1 is historical filler.
	put(0, 0xfffffff8)
	put(1, 0xffffffff)

	chainEnd := func(first, count uint32) {
		for i := uint32(0); i < count; i++ {
			next := first + i + 1
			if i == count-1 {
				next = 0xffffffff
			}
			put(first+i, next)
		}
	}
	chainEnd(2, lo.bitmapClusters)
	chainEnd(lo.upcaseCluster, lo.rootCluster-lo.upcaseCluster)
	chainEnd(lo.rootCluster, 1)

	return dio.WriteBytes(uint64(lo.fatOffset)<<lo.sectorBits, fat)
}

func writeBitmap(lo *layout, dio *diskio.DiskIO) error {
	data := make([]byte, uint64(lo.bitmapClusters)<<(lo.sectorBits+lo.spcBits))
	for c := uint32(2); c <= lo.rootCluster; c++ {
		bit := c - 2
		data[bit/8] |= 1 << (bit % 8)
	}
	return dio.WriteBytes(lo.clusterOffset(2), data)
}

func defaultUpcaseData() []byte {
	return exfat.DefaultUpcaseTable()
}

func writeUpcase(lo *layout, dio *diskio.DiskIO) error {
	clusters := uint32((uint64(len(lo.upcaseData)) + uint64(lo.clusterSize) - 1) /
		uint64(lo.clusterSize))
	data := make([]byte, uint64(clusters)<<(lo.sectorBits+lo.spcBits))
	copy(data, lo.upcaseData)
	return dio.WriteBytes(lo.clusterOffset(lo.upcaseCluster), data)
}

func writeRootDir(lo *layout, dio *diskio.DiskIO) error {
	data := make([]byte, lo.clusterSize)
	next := data

	if lo.params.Label != "" {
		entry, err := exfat.EncodeVolumeLabel(lo.params.Label)
		if err != nil {
			return err
		}
		copy(next, entry)
		next = next[32:]
	}

	// Allocation bitmap entry.
	next[0] = 0x81
	binary.LittleEndian.PutUint32(next[20:], 2)
	binary.LittleEndian.PutUint64(next[24:], lo.bitmapBytes)
	next = next[32:]

	// Upcase table entry.
	next[0] = 0x82
	binary.LittleEndian.PutUint32(next[4:], exfat.UpcaseTableChecksum(lo.upcaseData))
	binary.LittleEndian.PutUint32(next[20:], lo.upcaseCluster)
	binary.LittleEndian.PutUint64(next[24:], uint64(len(lo.upcaseData)))

	return dio.WriteBytes(lo.clusterOffset(lo.rootCluster), data)
}

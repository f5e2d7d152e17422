// Package mkfs writes a fresh exFAT layout onto a device. The formatter is
// an object sequencer: the volume regions (boot regions, FAT, allocation
// bitmap, upcase table, root directory) are planned once, then written in
// on-disk order through a cached DiskIO and flushed at the end.
package mkfs

import (
	"fmt"

	log "github.com/dsoprea/go-logging"

	"github.com/salass00/exfat/diskio"
	fserrors "github.com/salass00/exfat/errors"
)

var mkfsLogger = log.NewLogger("exfat.mkfs")

// Params configures a format operation. The sector size is always the
// device's. A negative SpcBits picks a preset cluster size for the volume
// length, while zero means one sector per cluster. An empty Label writes no
// label entry, and VolumeSerial is stamped exactly as given.
type Params struct {
	// SpcBits fixes log2(sectors per cluster); negative means choose from
	// the size presets.
	SpcBits int
	// Label is the initial volume label; empty for none.
	Label string
	// VolumeSerial is the serial number stamped into the boot sector.
	VolumeSerial uint32
	// FirstSector is the partition's media-relative offset, recorded in the
	// boot sector for boot-strapping; zero when unknown.
	FirstSector uint64
}

// layout is the fully planned volume geometry.
type layout struct {
	sectorBits  uint
	spcBits     uint
	sectorSize  uint32
	clusterSize uint32

	volumeSectors uint64
	fatOffset     uint32
	fatLength     uint32
	heapOffset    uint32
	clusterCount  uint32

	bitmapClusters uint32
	bitmapBytes    uint64
	upcaseCluster  uint32
	upcaseData     []byte
	rootCluster    uint32

	params Params
}

// volumeObject is one region of the new volume. Objects are written
// strictly in the order they are planned, the way the original formatter
// sequences its boot sectors, FAT and cluster-heap objects.
type volumeObject struct {
	name  string
	write func(*layout, *diskio.DiskIO) error
}

// Format lays a new filesystem onto dev. Everything on the device is
// destroyed.
func Format(dev diskio.Device, params Params) error {
	lo, err := planLayout(dev, params)
	if err != nil {
		return err
	}

	cfg := diskio.DefaultConfig
	dio, err := diskio.Setup(dev, cfg)
	if err != nil {
		return err
	}

	objects := []volumeObject{
		{name: "main boot region", write: writeMainBootRegion},
		{name: "backup boot region", write: writeBackupBootRegion},
		{name: "file allocation table", write: writeFAT},
		{name: "allocation bitmap", write: writeBitmap},
		{name: "upcase table", write: writeUpcase},
		{name: "root directory", write: writeRootDir},
	}
	for _, obj := range objects {
		if err := obj.write(lo, dio); err != nil {
			return fserrors.ErrIOFailed.WithMessage(
				fmt.Sprintf("writing %s: %s", obj.name, err))
		}
	}

	if err := dio.Sync(); err != nil {
		return err
	}

	mkfsLogger.Infof(nil, "formatted %d-sector volume: cluster size %d, "+
		"%d clusters, root at cluster %d", lo.volumeSectors, lo.clusterSize,
		lo.clusterCount, lo.rootCluster)
	return nil
}

func planLayout(dev diskio.Device, params Params) (*layout, error) {
	sectorSize := dev.SectorSize()
	sectorBits := uint(0)
	for s := sectorSize; s > 1; s >>= 1 {
		sectorBits++
	}
	if sectorBits < 9 || sectorBits > 12 {
		return nil, fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("sector size %d is outside the supported range", sectorSize))
	}

	volumeSectors := dev.SectorCount()
	volumeBytes := int64(volumeSectors) << sectorBits
	if volumeBytes < 1<<20 {
		return nil, fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("volume of %d bytes is below the 1 MiB minimum", volumeBytes))
	}

	spcBits := params.SpcBits
	if spcBits < 0 {
		clusterBytes, err := chooseClusterSize(volumeBytes)
		if err != nil {
			return nil, err
		}
		spcBits = 0
		for int64(sectorSize)<<spcBits < clusterBytes {
			spcBits++
		}
	}
	if sectorBits+uint(spcBits) > 25 {
		return nil, fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cluster size 2^%d exceeds 32 MiB", sectorBits+uint(spcBits)))
	}

	lo := &layout{
		sectorBits:    sectorBits,
		spcBits:       uint(spcBits),
		sectorSize:    sectorSize,
		clusterSize:   sectorSize << spcBits,
		volumeSectors: volumeSectors,
		fatOffset:     24,
		params:        params,
	}

	// The FAT length depends on the cluster count, which depends on where
	// the cluster heap starts, which depends on the FAT length. Two rounds
	// reach the fixpoint.
	spc := uint64(1) << lo.spcBits
	heap := uint64(lo.fatOffset)
	for i := 0; i < 2; i++ {
		clusters := (volumeSectors - heap) / spc
		if clusters > 0xfffffff5 {
			clusters = 0xfffffff5
		}
		fatBytes := 4 * (clusters + 2)
		lo.fatLength = uint32((fatBytes + uint64(sectorSize) - 1) / uint64(sectorSize))
		heap = uint64(lo.fatOffset) + uint64(lo.fatLength)
		// Align the heap to a cluster boundary for tidy I/O.
		if rem := heap % spc; rem != 0 {
			heap += spc - rem
		}
		lo.heapOffset = uint32(heap)
		lo.clusterCount = uint32(clusters)
	}
	if lo.clusterCount < 4 {
		return nil, fserrors.ErrInvalidArgument.WithMessage(
			"volume too small for its cluster size")
	}

	lo.bitmapBytes = (uint64(lo.clusterCount) + 7) / 8
	lo.bitmapClusters = uint32((lo.bitmapBytes + uint64(lo.clusterSize) - 1) /
		uint64(lo.clusterSize))
	lo.upcaseData = defaultUpcaseData()
	lo.upcaseCluster = 2 + lo.bitmapClusters
	upcaseClusters := uint32((uint64(len(lo.upcaseData)) + uint64(lo.clusterSize) - 1) /
		uint64(lo.clusterSize))
	lo.rootCluster = lo.upcaseCluster + upcaseClusters

	used := lo.rootCluster - 2 + 1
	if used >= lo.clusterCount {
		return nil, fserrors.ErrInvalidArgument.WithMessage(
			"volume too small to hold its own metadata")
	}
	return lo, nil
}

func (lo *layout) clusterOffset(c uint32) uint64 {
	return uint64(lo.heapOffset)<<lo.sectorBits +
		uint64(c-2)<<(lo.sectorBits+lo.spcBits)
}

// usedClusters is how many clusters the metadata chains claim.
func (lo *layout) usedClusters() uint32 {
	return lo.rootCluster - 2 + 1
}

package exfat

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	log "github.com/dsoprea/go-logging"

	fserrors "github.com/salass00/exfat/errors"
)

var bitmapLogger = log.NewLogger("exfat.bitmap")

// clusterBitmap tracks cluster allocation: one bit per data cluster, bit
// index 0 standing for cluster 2. The on-disk copy lives in the chain named
// by the BITMAP directory entry; an in-memory mirror answers queries and
// every mutation is staged back through the cache immediately. The chain is
// materialized once at mount so bit flips can be mapped to device offsets
// without walking the FAT each time.
type clusterBitmap struct {
	firstCluster Cluster
	size         uint64 // on-disk length in bytes
	chain        []Cluster
	bits         bitmap.Bitmap
	free         uint32
	hint         Cluster
}

func (fs *FileSystem) loadBitmap(entry bitmapEntry) error {
	want := (uint64(fs.sb.ClusterCount) + 7) / 8
	if entry.dataSize < want {
		return fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("allocation bitmap holds %d bytes; %d clusters need %d",
				entry.dataSize, fs.sb.ClusterCount, want))
	}
	if !fs.sb.validCluster(entry.firstCluster) {
		return fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("allocation bitmap starts at invalid cluster %#x",
				uint32(entry.firstCluster)))
	}

	bm := &clusterBitmap{
		firstCluster: entry.firstCluster,
		size:         entry.dataSize,
		hint:         clusterFirst,
	}

	// Materialize the bitmap's own chain. The bitmap entry has no
	// no-FAT-chain flag, so the FAT is authoritative here.
	clusters := (entry.dataSize + uint64(fs.sb.ClusterSize) - 1) / uint64(fs.sb.ClusterSize)
	c := entry.firstCluster
	for i := uint64(0); i < clusters; i++ {
		if !fs.sb.validCluster(c) {
			return fserrors.ErrCorrupted.WithMessage(
				fmt.Sprintf("invalid cluster %#x in allocation bitmap chain", uint32(c)))
		}
		bm.chain = append(bm.chain, c)
		next, err := fs.readFAT(c)
		if err != nil {
			return err
		}
		c = next
	}

	raw := make([]byte, want)
	remaining := raw
	for _, cl := range bm.chain {
		n := uint64(fs.sb.ClusterSize)
		if uint64(len(remaining)) < n {
			n = uint64(len(remaining))
		}
		if n == 0 {
			break
		}
		if err := fs.dio.ReadBytes(fs.sb.clusterOffset(cl), remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
	}

	// The mirror uses the library's own packing; the on-disk layout (bit 0
	// of byte 0 = cluster 2, least significant bit first) is converted
	// explicitly on both load and store.
	bm.bits = bitmap.Bitmap(bitmap.NewSlice(int(fs.sb.ClusterCount)))
	for i := 0; i < int(fs.sb.ClusterCount); i++ {
		if raw[i/8]&(1<<uint(i%8)) != 0 {
			bm.bits.Set(i, true)
		} else {
			bm.free++
		}
	}

	fs.bitmap = bm
	bitmapLogger.Debugf(nil, "allocation bitmap loaded: %d of %d clusters free",
		bm.free, fs.sb.ClusterCount)
	return nil
}

// allocated reports whether a data cluster is marked in use.
func (bm *clusterBitmap) allocated(c Cluster) bool {
	return bm.bits.Get(int(c - clusterFirst))
}

// writeBitmapBit flips one bit in memory and stages the containing byte back
// to the on-disk bitmap.
func (fs *FileSystem) writeBitmapBit(c Cluster, value bool) error {
	bm := fs.bitmap
	idx := int(c - clusterFirst)
	if bm.bits.Get(idx) == value {
		return nil
	}
	bm.bits.Set(idx, value)
	if value {
		bm.free--
	} else {
		bm.free++
	}

	byteOff := uint64(idx / 8)
	chainIdx := byteOff / uint64(fs.sb.ClusterSize)
	inCluster := byteOff % uint64(fs.sb.ClusterSize)
	if chainIdx >= uint64(len(bm.chain)) {
		return fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("bitmap byte %d beyond the bitmap chain", byteOff))
	}

	var packed byte
	base := int(byteOff) * 8
	for bit := 0; bit < 8; bit++ {
		if base+bit < int(fs.sb.ClusterCount) && bm.bits.Get(base+bit) {
			packed |= 1 << uint(bit)
		}
	}
	dev := fs.sb.clusterOffset(bm.chain[chainIdx]) + inCluster
	return fs.dio.WriteBytes(dev, []byte{packed})
}

// allocateCluster finds and claims the first free cluster at or after hint,
// wrapping around once. Zero hint means "wherever".
func (fs *FileSystem) allocateCluster(hint Cluster) (Cluster, error) {
	bm := fs.bitmap
	if bm.free == 0 {
		return 0, fserrors.ErrNoSpaceOnDevice
	}
	if hint < clusterFirst || !fs.sb.validCluster(hint) {
		hint = bm.hint
	}

	count := Cluster(fs.sb.ClusterCount)
	start := hint - clusterFirst
	for i := Cluster(0); i < count; i++ {
		idx := (start + i) % count
		if !bm.bits.Get(int(idx)) {
			c := idx + clusterFirst
			if err := fs.writeBitmapBit(c, true); err != nil {
				return 0, err
			}
			bm.hint = c + 1
			return c, nil
		}
	}
	return 0, fserrors.ErrNoSpaceOnDevice
}

// freeClusters releases count consecutive clusters starting at first.
func (fs *FileSystem) freeClusters(first Cluster, count uint32) error {
	for i := uint32(0); i < count; i++ {
		if err := fs.writeBitmapBit(first+Cluster(i), false); err != nil {
			return err
		}
	}
	if first < fs.bitmap.hint {
		fs.bitmap.hint = first
	}
	return nil
}

// FreeClusterCount reports how many clusters are unallocated.
func (fs *FileSystem) FreeClusterCount() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.bitmap.free
}

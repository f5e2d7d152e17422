package exfat

import (
	"encoding/binary"
	"fmt"

	fserrors "github.com/salass00/exfat/errors"
)

// The FAT holds one 32-bit little-endian entry per cluster: the next cluster
// of the chain, ClusterEnd, or ClusterBad. Nodes flagged contiguous never
// consult it; their chain is the arithmetic progression from the start
// cluster.

func (fs *FileSystem) fatEntryOffset(c Cluster) uint64 {
	return uint64(fs.sb.FatSectorStart)<<fs.sb.SectorBits + uint64(c)*4
}

func (fs *FileSystem) readFAT(c Cluster) (Cluster, error) {
	if !fs.sb.validCluster(c) {
		return 0, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("FAT index %#x out of range", uint32(c)))
	}
	var raw [4]byte
	if err := fs.dio.ReadBytes(fs.fatEntryOffset(c), raw[:]); err != nil {
		return 0, err
	}
	return Cluster(binary.LittleEndian.Uint32(raw[:])), nil
}

func (fs *FileSystem) writeFAT(c, next Cluster) error {
	if !fs.sb.validCluster(c) {
		return fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("FAT index %#x out of range", uint32(c)))
	}
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(next))
	return fs.dio.WriteBytes(fs.fatEntryOffset(c), raw[:])
}

// nextCluster returns the cluster following c in the node's chain. For
// contiguous nodes the successor is implicit and bounded by the node's
// allocation; for everything else the FAT decides.
func (fs *FileSystem) nextCluster(n *Node, c Cluster) (Cluster, error) {
	if n.contiguous {
		last := n.startCluster + Cluster(n.clusterCount(fs)) - 1
		if c >= last {
			return ClusterEnd, nil
		}
		return c + 1, nil
	}
	next, err := fs.readFAT(c)
	if err != nil {
		return 0, err
	}
	if next != ClusterEnd && next != ClusterBad && !fs.sb.validCluster(next) {
		return 0, fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("FAT entry for cluster %#x points outside the volume: %#x",
				uint32(c), uint32(next)))
	}
	return next, nil
}

// advanceCluster walks count steps into the node's chain from its start.
func (fs *FileSystem) advanceCluster(n *Node, count uint32) (Cluster, error) {
	c := n.startCluster
	for i := uint32(0); i < count; i++ {
		if !fs.sb.validCluster(c) {
			return 0, fserrors.ErrCorrupted.WithMessage(
				fmt.Sprintf("invalid cluster %#x in chain of %q", uint32(c), n.Name()))
		}
		next, err := fs.nextCluster(n, c)
		if err != nil {
			return 0, err
		}
		c = next
	}
	return c, nil
}

package exfat

import (
	"fmt"

	fserrors "github.com/salass00/exfat/errors"
)

// bytesToClusters rounds a byte count up to whole clusters.
func (sb *Superblock) bytesToClusters(n int64) uint32 {
	return uint32((uint64(n) + uint64(sb.ClusterSize) - 1) / uint64(sb.ClusterSize))
}

// growChain extends the node's allocation to newCount clusters. Contiguous
// extension from the current tail is preferred; when the next adjacent
// cluster is taken, a contiguous node's implicit chain is first materialized
// into real FAT entries and the contiguous flag dropped.
func (fs *FileSystem) growChain(n *Node, newCount uint32) error {
	current := n.clusterCount(fs)
	if newCount <= current {
		return nil
	}

	var tail Cluster
	if current == 0 {
		c, err := fs.allocateCluster(0)
		if err != nil {
			return err
		}
		n.startCluster = c
		n.contiguous = true
		tail = c
		current = 1
		n.dirty = true
	} else {
		var err error
		tail, err = fs.advanceCluster(n, current-1)
		if err != nil {
			return err
		}
	}

	for current < newCount {
		var c Cluster
		want := tail + 1
		if fs.sb.validCluster(want) && !fs.bitmap.allocated(want) {
			if err := fs.writeBitmapBit(want, true); err != nil {
				return err
			}
			c = want
		} else {
			var err error
			c, err = fs.allocateCluster(want)
			if err != nil {
				return err
			}
		}

		if n.contiguous && c != tail+1 {
			if err := fs.materializeChain(n, current); err != nil {
				fs.writeBitmapBit(c, false)
				return err
			}
		}
		if !n.contiguous {
			if err := fs.writeFAT(tail, c); err != nil {
				return err
			}
			if err := fs.writeFAT(c, ClusterEnd); err != nil {
				return err
			}
		}
		tail = c
		current++
	}

	n.dirty = true
	return nil
}

// materializeChain writes the FAT entries a contiguous node never needed,
// turning the implicit chain into an explicit one, and clears the flag.
func (fs *FileSystem) materializeChain(n *Node, count uint32) error {
	for i := uint32(0); i < count; i++ {
		c := n.startCluster + Cluster(i)
		next := c + 1
		if i == count-1 {
			next = ClusterEnd
		}
		if err := fs.writeFAT(c, next); err != nil {
			return err
		}
	}
	n.contiguous = false
	n.dirty = true
	return nil
}

// shrinkChain frees the tail of the node's allocation down to newCount
// clusters. Shrinking to zero collapses the chain entirely.
func (fs *FileSystem) shrinkChain(n *Node, newCount uint32) error {
	current := n.clusterCount(fs)
	if newCount >= current {
		return nil
	}

	if n.contiguous {
		if err := fs.freeClusters(n.startCluster+Cluster(newCount), current-newCount); err != nil {
			return err
		}
	} else {
		// Find the new tail, then walk and free everything past it.
		var c Cluster
		if newCount > 0 {
			tail, err := fs.advanceCluster(n, newCount-1)
			if err != nil {
				return err
			}
			c, err = fs.nextCluster(n, tail)
			if err != nil {
				return err
			}
			if err := fs.writeFAT(tail, ClusterEnd); err != nil {
				return err
			}
		} else {
			c = n.startCluster
		}

		for i := newCount; i < current; i++ {
			if !fs.sb.validCluster(c) {
				return fserrors.ErrCorrupted.WithMessage(
					fmt.Sprintf("invalid cluster %#x while truncating %q",
						uint32(c), n.Name()))
			}
			next, err := fs.readFAT(c)
			if err != nil {
				return err
			}
			if err := fs.writeFAT(c, 0); err != nil {
				return err
			}
			if err := fs.freeClusters(c, 1); err != nil {
				return err
			}
			c = next
		}
	}

	if newCount == 0 {
		n.startCluster = 0
		n.contiguous = true
	}
	n.dirty = true
	return nil
}

// zeroCluster wipes one cluster directly on the device, used when the
// cluster is not yet linked into any node's chain.
func (fs *FileSystem) zeroCluster(c Cluster) error {
	zero := make([]byte, fs.sb.ClusterSize)
	return fs.dio.WriteBytes(fs.sb.clusterOffset(c), zero)
}

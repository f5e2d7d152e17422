package exfat

import (
	"time"

	fserrors "github.com/salass00/exfat/errors"
)

// Truncate resizes the file. Growth allocates whole clusters; with erase the
// newly visible bytes read back as zeros. Shrinking frees the tail of the
// chain, and truncating to zero collapses it entirely.
func (fs *FileSystem) Truncate(n *Node, size int64, erase bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}
	if n.IsDir() {
		return fserrors.ErrIsADirectory
	}
	if size < 0 {
		return fserrors.ErrInvalidArgument
	}
	return fs.truncateLocked(n, size, erase)
}

func (fs *FileSystem) truncateLocked(n *Node, size int64, erase bool) error {
	oldSize := n.size
	oldClusters := n.clusterCount(fs)
	newClusters := fs.sb.bytesToClusters(size)

	switch {
	case newClusters > oldClusters:
		if err := fs.growChain(n, newClusters); err != nil {
			return err
		}
	case newClusters < oldClusters:
		if err := fs.shrinkChain(n, newClusters); err != nil {
			return err
		}
	}

	n.size = size
	n.mtime = time.Now()
	n.dirty = true

	if erase && size > oldSize {
		// Zero through the end of the last allocated cluster so that a later
		// extension without erase cannot expose stale bytes.
		end := int64(newClusters) * int64(fs.sb.ClusterSize)
		return fs.zeroRange(n, oldSize, end)
	}
	return nil
}

// zeroRange writes zeros over [from, to) of the node's data.
func (fs *FileSystem) zeroRange(n *Node, from, to int64) error {
	if from >= to {
		return nil
	}
	zero := make([]byte, fs.sb.ClusterSize)
	for from < to {
		span := int64(len(zero))
		if from+span > to {
			span = to - from
		}
		if err := fs.writeNodeAt(n, zero[:span], from); err != nil {
			return err
		}
		from += span
	}
	return nil
}

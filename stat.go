package exfat

import (
	"os"
)

// Stat reports the node's attributes the way a host expects them. exFAT has
// no ownership or permission bits of its own, so the mount's uid/gid and
// masks fill them in.
func (fs *FileSystem) Stat(n *Node) FileStat {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var mode os.FileMode
	if n.IsDir() {
		mode = os.ModeDir | os.FileMode(0777&^fs.opts.DMask)
	} else {
		mode = os.FileMode(0777 &^ fs.opts.FMask)
	}
	if n.attrib&AttribReadOnly != 0 {
		mode &^= 0222
	}
	if fs.ro {
		mode &^= 0222
	}

	clusterSize := int64(fs.sb.ClusterSize)
	blocks := (n.size + clusterSize - 1) / clusterSize

	return FileStat{
		Mode:         mode,
		Uid:          fs.opts.Uid,
		Gid:          fs.opts.Gid,
		Size:         n.size,
		BlockSize:    clusterSize,
		NumBlocks:    blocks,
		CreatedAt:    n.crtime,
		LastAccessed: n.atime,
		LastModified: n.mtime,
	}
}

// StatFS reports volume-level usage. Free blocks come straight from the
// bitmap's running free count.
func (fs *FileSystem) StatFS() FSStat {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	free := uint64(fs.bitmap.free)
	return FSStat{
		BlockSize:       int64(fs.sb.ClusterSize),
		TotalBlocks:     uint64(fs.sb.ClusterCount),
		BlocksFree:      free,
		BlocksAvailable: free,
		// exFAT has no inode table; by convention clusters stand in.
		Files:         uint64(fs.sb.ClusterCount),
		FilesFree:     free,
		FileSystemID:  uint64(fs.sb.VolumeSerial),
		MaxNameLength: NameMax,
		ReadOnly:      fs.ro,
		Label:         fs.label,
	}
}

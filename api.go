// Package exfat implements a read/write exFAT filesystem engine on top of a
// cached sector device. The engine exposes path-based operations (lookup,
// create, mkdir, rename) and node-based ones (read, write, truncate, unlink,
// rmdir) intended to sit directly under a host filesystem adapter.
package exfat

import (
	"math"
	"os"
	"time"
)

// Cluster identifies one allocation unit. Values 0 and 1 are reserved;
// valid data clusters are in [2, ClusterCount+1].
type Cluster uint32

const (
	// clusterFirst is the lowest valid data cluster number.
	clusterFirst Cluster = 2
	// ClusterBad marks a cluster with unusable sectors.
	ClusterBad Cluster = 0xFFFFFFF7
	// ClusterEnd terminates a cluster chain.
	ClusterEnd Cluster = 0xFFFFFFFF
)

// File attribute bits as stored in a file directory entry.
const (
	AttribReadOnly  = 0x0001
	AttribHidden    = 0x0002
	AttribSystem    = 0x0004
	AttribDirectory = 0x0010
	AttribArchive   = 0x0020
)

// NameMax is the longest file name, in UTF-16 code units.
const NameMax = 255

// FileStat is the platform-independent stat result handed to the host
// adapter.
type FileStat struct {
	Mode         os.FileMode
	Uid          uint32
	Gid          uint32
	Size         int64
	BlockSize    int64
	NumBlocks    int64
	CreatedAt    time.Time
	LastAccessed time.Time
	LastModified time.Time
}

func (stat *FileStat) IsDir() bool {
	return stat.Mode.IsDir()
}

// FSStat is the platform-independent statfs result.
type FSStat struct {
	// BlockSize is the allocation unit (cluster) size in bytes.
	BlockSize int64
	// TotalBlocks is the number of clusters backed by the volume.
	TotalBlocks uint64
	// BlocksFree is the number of unallocated clusters.
	BlocksFree uint64
	// BlocksAvailable equals BlocksFree; exFAT has no reserved blocks.
	BlocksAvailable uint64
	// Files approximates the file count. exFAT has no inode table, so this
	// reports the cluster count by convention.
	Files uint64
	// FilesFree mirrors Files and reports the number of unallocated clusters.
	FilesFree uint64
	// FileSystemID is the volume serial number.
	FileSystemID uint64
	// MaxNameLength is NameMax.
	MaxNameLength int64
	// ReadOnly reports whether the volume is mounted read-only.
	ReadOnly bool
	// Label is the volume label, empty when none is set.
	Label string
}

// UndefinedTimestamp is used where a timestamp slot has no valid value.
var UndefinedTimestamp = time.UnixMicro(math.MaxInt64)

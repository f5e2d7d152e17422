package exfat

import (
	"encoding/binary"
	"fmt"
	"time"

	fserrors "github.com/salass00/exfat/errors"
)

// Node is the in-memory representation of one file or directory. Nodes are
// reference-counted: path lookups and open handles hold references, and a
// node unlinked while still referenced keeps its clusters until the last
// reference is put. Nodes whose count reaches zero stay in the table as a
// metadata cache until unmount.
type Node struct {
	parent *Node
	refs   int

	startCluster Cluster
	size         int64
	attrib       uint16
	contiguous   bool

	// entryOffset is the byte offset of the FILE entry inside the parent
	// directory's data, used to rewrite the group; -1 for the root.
	entryOffset   int64
	continuations int

	crtime time.Time
	mtime  time.Time
	atime  time.Time

	name []uint16

	dirty    bool // metadata differs from the on-disk group
	unlinked bool // group invalidated; clusters freed on final put
}

func (n *Node) IsDir() bool {
	return n.attrib&AttribDirectory != 0
}

func (n *Node) Name() string {
	if n.parent == nil {
		return "/"
	}
	return stringFromUTF16(n.name)
}

func (n *Node) Size() int64          { return n.size }
func (n *Node) StartCluster() Cluster { return n.startCluster }
func (n *Node) Contiguous() bool     { return n.contiguous }
func (n *Node) Attrib() uint16       { return n.attrib }
func (n *Node) MTime() time.Time     { return n.mtime }
func (n *Node) ATime() time.Time     { return n.atime }

// clusterCount is the number of clusters currently allocated to the node.
func (n *Node) clusterCount(fs *FileSystem) uint32 {
	if n.startCluster == 0 {
		return 0
	}
	return fs.sb.bytesToClusters(n.size)
}

type nodeKey struct {
	parentStart Cluster
	entryOffset int64
}

func (fs *FileSystem) nodeKeyFor(n *Node) nodeKey {
	if n.parent == nil {
		return nodeKey{entryOffset: -1}
	}
	return nodeKey{parentStart: n.parent.startCluster, entryOffset: n.entryOffset}
}

// nodeFromEntry returns the node for a decoded directory group, reusing the
// live node when two lookups race to the same entry so every handle shares
// one copy of the metadata. The caller receives one reference.
func (fs *FileSystem) nodeFromEntry(parent *Node, fe fileEntry, offset int64) *Node {
	key := nodeKey{parentStart: parent.startCluster, entryOffset: offset}
	if n, ok := fs.nodes[key]; ok {
		n.refs++
		return n
	}

	n := &Node{
		parent:        parent,
		refs:          1,
		startCluster:  fe.firstCluster,
		size:          int64(fe.dataSize),
		attrib:        fe.attrib,
		contiguous:    fe.contiguous() || fe.firstCluster == 0,
		entryOffset:   offset,
		continuations: fe.secondaryCnt,
		crtime:        decodeTimestamp(fe.createTS, fe.create10ms, fe.createTZ),
		mtime:         decodeTimestamp(fe.modifyTS, fe.modify10ms, fe.modifyTZ),
		atime:         decodeTimestamp(fe.accessTS, 0, fe.accessTZ),
		name:          fe.name,
	}
	fs.nodes[key] = n
	return n
}

// PutNode releases one reference. On the transition to zero a dirty node is
// flushed and an unlinked node's clusters are freed.
func (fs *FileSystem) PutNode(n *Node) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.putNode(n)
}

func (fs *FileSystem) putNode(n *Node) error {
	if n == nil || n == fs.root {
		return nil
	}
	if n.refs <= 0 {
		return fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("reference count of %q already zero", n.Name()))
	}
	n.refs--
	if n.refs > 0 {
		return nil
	}

	var err error
	if n.dirty && !n.unlinked && !fs.ro {
		err = fs.flushNode(n)
	}
	if n.unlinked {
		if n.startCluster != 0 {
			if freeErr := fs.shrinkChain(n, 0); freeErr != nil && err == nil {
				err = freeErr
			}
		}
		n.dirty = false
	}
	return err
}

// FlushNode writes the node's directory group back to the cache.
func (fs *FileSystem) FlushNode(n *Node) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !n.dirty {
		return nil
	}
	if fs.ro {
		return fserrors.ErrReadOnly
	}
	return fs.flushNode(n)
}

// flushNode rewrites the byte range spanning the node's directory group,
// patching timestamps, size, start cluster and flags into the stored
// entries and refreshing the checksum. Patching rather than rebuilding
// keeps any secondary entries the codec does not model.
func (fs *FileSystem) flushNode(n *Node) error {
	if n.parent == nil || n.entryOffset < 0 || n.unlinked {
		n.dirty = false
		return nil
	}

	group := make([]byte, direntSize*(1+n.continuations))
	if _, err := fs.readNodeAt(n.parent, group, n.entryOffset); err != nil {
		return err
	}
	if group[0] != entryTypeFile || group[direntSize] != entryTypeStream {
		return fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("directory group of %q no longer starts with a "+
				"file and stream entry", n.Name()))
	}

	fe := fs.entryFromNode(n)
	binary.LittleEndian.PutUint16(group[4:], fe.attrib)
	binary.LittleEndian.PutUint32(group[8:], fe.createTS)
	binary.LittleEndian.PutUint32(group[12:], fe.modifyTS)
	binary.LittleEndian.PutUint32(group[16:], fe.accessTS)
	group[20] = fe.create10ms
	group[21] = fe.modify10ms
	group[22] = fe.createTZ
	group[23] = fe.modifyTZ
	group[24] = fe.accessTZ

	stream := group[direntSize:]
	stream[1] = fe.streamFlags
	binary.LittleEndian.PutUint64(stream[8:], fe.validSize)
	binary.LittleEndian.PutUint32(stream[20:], uint32(fe.firstCluster))
	binary.LittleEndian.PutUint64(stream[24:], fe.dataSize)

	binary.LittleEndian.PutUint16(group[2:], entrySetChecksum(group))

	if err := fs.writeNodeAt(n.parent, group, n.entryOffset); err != nil {
		return err
	}
	n.dirty = false
	return nil
}

func (fs *FileSystem) entryFromNode(n *Node) fileEntry {
	fe := fileEntry{
		attrib:       n.attrib,
		nameLength:   len(n.name),
		nameHash:     fs.nameHash(n.name),
		validSize:    uint64(n.size),
		firstCluster: n.startCluster,
		dataSize:     uint64(n.size),
		name:         n.name,
		streamFlags:  streamFlagAllocated,
	}
	if n.contiguous && n.startCluster != 0 {
		fe.streamFlags |= streamFlagContiguous
	}
	fe.createTS, fe.create10ms, fe.createTZ = encodeTimestamp(n.crtime)
	fe.modifyTS, fe.modify10ms, fe.modifyTZ = encodeTimestamp(n.mtime)
	fe.accessTS, _, fe.accessTZ = encodeTimestamp(n.atime)
	return fe
}

// flushAllNodes writes back every dirty node in the table. Used by fsync and
// unmount.
func (fs *FileSystem) flushAllNodes() error {
	var firstErr error
	for _, n := range fs.nodes {
		if n.dirty && !n.unlinked {
			if err := fs.flushNode(n); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

package exfat

import (
	"fmt"
	"time"

	fserrors "github.com/salass00/exfat/errors"
)

// Directory-mutating operations. Each one stages its FAT, bitmap and
// directory entry updates through the block cache; a flush or unmount makes
// them durable.

// findFreeSlots locates a run of count consecutive unused entries in dir,
// growing the directory by one cluster when no run exists. The returned
// offset is where the new group's FILE entry goes.
func (fs *FileSystem) findFreeSlots(dir *Node, count int) (int64, error) {
	var raw [1]byte
	run := 0
	offset := int64(0)

	for offset+direntSize <= dir.size {
		if _, err := fs.readNodeAt(dir, raw[:], offset); err != nil {
			return 0, err
		}
		if raw[0] == 0 {
			// Everything from here to the end of the allocation is free.
			free := int((dir.size - offset) / direntSize)
			if run+free >= count {
				return offset - int64(run)*direntSize, nil
			}
			break
		}
		if raw[0]&entryInUse == 0 {
			run++
			if run == count {
				return offset + direntSize - int64(count)*direntSize, nil
			}
		} else {
			run = 0
		}
		offset += direntSize
	}

	// No run; grow the directory by one zero-filled cluster. The fresh
	// zeros double as the new end-of-directory region.
	start := dir.size
	clusters := dir.clusterCount(fs)
	if err := fs.growChain(dir, clusters+1); err != nil {
		return 0, err
	}
	dir.size += int64(fs.sb.ClusterSize)
	dir.dirty = true
	if err := fs.zeroRange(dir, start, dir.size); err != nil {
		return 0, err
	}
	// The run may straddle the old end marker into the new cluster.
	return fs.findFreeSlots(dir, count)
}

// writeGroupAt writes a fresh directory group into dir at offset.
func (fs *FileSystem) writeGroupAt(dir *Node, fe *fileEntry, offset int64) error {
	group := fe.encodeGroup()
	if err := fs.writeNodeAt(dir, group, offset); err != nil {
		return err
	}
	dir.mtime = time.Now()
	dir.dirty = true
	return nil
}

// invalidateGroup clears the in-use bit on each entry of a group.
func (fs *FileSystem) invalidateGroup(dir *Node, offset int64, entries int) error {
	var raw [1]byte
	for i := 0; i < entries; i++ {
		entryOff := offset + int64(i)*direntSize
		if _, err := fs.readNodeAt(dir, raw[:], entryOff); err != nil {
			return err
		}
		raw[0] &^= entryInUse
		if err := fs.writeNodeAt(dir, raw[:], entryOff); err != nil {
			return err
		}
	}
	dir.mtime = time.Now()
	dir.dirty = true
	return nil
}

// createNode writes a new directory group for a child of the parent named
// by path. firstCluster/size/contiguous describe the (possibly empty) data
// chain already allocated for it.
func (fs *FileSystem) createNode(path string, attrib uint16, firstCluster Cluster, size int64, contiguous bool) error {
	dirPath, base := splitPath(path)

	units, err := utf16FromString(base)
	if err == nil {
		err = validateName(units)
	}
	if err != nil {
		return err
	}

	parent, err := fs.lookupLocked(dirPath)
	if err != nil {
		return err
	}
	defer fs.putNode(parent)

	if !parent.IsDir() {
		return fserrors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", dirPath))
	}
	existing, err := fs.findChildLocked(parent, units)
	if err != nil {
		return err
	}
	if existing != nil {
		fs.putNode(existing)
		return fserrors.ErrExists.WithMessage(fmt.Sprintf("%q already exists", path))
	}

	now := time.Now()
	fe := fileEntry{
		attrib:       attrib,
		nameLength:   len(units),
		nameHash:     fs.nameHash(units),
		validSize:    uint64(size),
		firstCluster: firstCluster,
		dataSize:     uint64(size),
		name:         units,
		streamFlags:  streamFlagAllocated,
	}
	if contiguous && firstCluster != 0 {
		fe.streamFlags |= streamFlagContiguous
	}
	fe.createTS, fe.create10ms, fe.createTZ = encodeTimestamp(now)
	fe.modifyTS, fe.modify10ms, fe.modifyTZ = encodeTimestamp(now)
	fe.accessTS, _, fe.accessTZ = encodeTimestamp(now)

	offset, err := fs.findFreeSlots(parent, 2+nameEntryCount(len(units)))
	if err != nil {
		return err
	}
	return fs.writeGroupAt(parent, &fe, offset)
}

// Mknod creates an empty regular file.
func (fs *FileSystem) Mknod(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}
	return fs.createNode(path, AttribArchive, 0, 0, false)
}

// Mkdir creates a directory with one zeroed cluster.
func (fs *FileSystem) Mkdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}

	c, err := fs.allocateCluster(0)
	if err != nil {
		return err
	}
	if err := fs.zeroCluster(c); err != nil {
		fs.writeBitmapBit(c, false)
		return err
	}
	err = fs.createNode(path, AttribDirectory, c, int64(fs.sb.ClusterSize), true)
	if err != nil {
		fs.writeBitmapBit(c, false)
		return err
	}
	return nil
}

// Unlink removes a file's directory group. The data clusters are freed when
// the last reference goes away, so open handles keep working on an unlinked
// file.
func (fs *FileSystem) Unlink(n *Node) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}
	if n.IsDir() {
		return fserrors.ErrIsADirectory
	}
	return fs.removeNode(n)
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(n *Node) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}
	if !n.IsDir() {
		return fserrors.ErrNotADirectory
	}
	if n.parent == nil {
		return fserrors.ErrInvalidArgument.WithMessage("cannot remove the root directory")
	}

	empty, err := fs.directoryEmpty(n)
	if err != nil {
		return err
	}
	if !empty {
		return fserrors.ErrDirectoryNotEmpty.WithMessage(
			fmt.Sprintf("%q is not empty", n.Name()))
	}
	return fs.removeNode(n)
}

func (fs *FileSystem) directoryEmpty(dir *Node) (bool, error) {
	it := &DirIterator{fs: fs, dir: dir}
	child, err := it.nextLocked()
	if err != nil {
		return false, err
	}
	if child == nil {
		return true, nil
	}
	return false, fs.putNode(child)
}

// removeNode invalidates the node's group and schedules its chain for
// freeing. The node leaves the table immediately so that lookups miss, but
// the clusters survive until the final put.
func (fs *FileSystem) removeNode(n *Node) error {
	if err := fs.invalidateGroup(n.parent, n.entryOffset, 1+n.continuations); err != nil {
		return err
	}
	delete(fs.nodes, fs.nodeKeyFor(n))
	n.unlinked = true
	n.dirty = false
	return nil
}

// Rename moves or renames a file or directory. Only directory entries move;
// the data chain stays where it is. An existing destination file is
// replaced; an existing destination directory must be empty.
func (fs *FileSystem) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}

	n, err := fs.lookupLocked(oldPath)
	if err != nil {
		return err
	}
	defer fs.putNode(n)
	if n.parent == nil {
		return fserrors.ErrInvalidArgument.WithMessage("cannot rename the root directory")
	}

	newDirPath, newBase := splitPath(newPath)
	units, err := utf16FromString(newBase)
	if err == nil {
		err = validateName(units)
	}
	if err != nil {
		return err
	}

	parent, err := fs.lookupLocked(newDirPath)
	if err != nil {
		return err
	}
	defer fs.putNode(parent)
	if !parent.IsDir() {
		return fserrors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", newDirPath))
	}

	// Renaming a directory into its own subtree would orphan it.
	for p := parent; p != nil; p = p.parent {
		if p == n {
			return fserrors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("cannot move %q into itself", oldPath))
		}
	}

	existing, err := fs.findChildLocked(parent, units)
	if err != nil {
		return err
	}
	if existing != nil {
		// A self-match still proceeds: the rename may be changing case.
		err = fs.replaceForRename(n, existing)
		fs.putNode(existing)
		if err != nil {
			return err
		}
	}

	oldSlots := 1 + n.continuations
	newSlots := 2 + nameEntryCount(len(units))

	fe := fs.entryFromNode(n)
	fe.name = units
	fe.nameLength = len(units)
	fe.nameHash = fs.nameHash(units)

	if parent == n.parent && newSlots <= oldSlots {
		// Same directory and the new name fits: rewrite the group in place
		// and retire any now-excess entries.
		delete(fs.nodes, fs.nodeKeyFor(n))
		if err := fs.writeGroupAt(parent, &fe, n.entryOffset); err != nil {
			return err
		}
		if newSlots < oldSlots {
			// Retire the leftover name entries of the longer old name.
			excess := n.entryOffset + int64(newSlots)*direntSize
			if err := fs.invalidateGroup(parent, excess, oldSlots-newSlots); err != nil {
				return err
			}
		}
		n.continuations = newSlots - 1
	} else {
		offset, err := fs.findFreeSlots(parent, newSlots)
		if err != nil {
			return err
		}
		if err := fs.writeGroupAt(parent, &fe, offset); err != nil {
			return err
		}
		if err := fs.invalidateGroup(n.parent, n.entryOffset, oldSlots); err != nil {
			return err
		}
		delete(fs.nodes, fs.nodeKeyFor(n))
		n.parent = parent
		n.entryOffset = offset
		n.continuations = newSlots - 1
	}

	n.name = units
	n.dirty = false
	fs.nodes[fs.nodeKeyFor(n)] = n
	return nil
}

// replaceForRename disposes of an existing destination: files are unlinked,
// empty directories removed, and mismatched kinds rejected.
func (fs *FileSystem) replaceForRename(src, dst *Node) error {
	if dst == src {
		return nil
	}
	if dst.IsDir() {
		if !src.IsDir() {
			return fserrors.ErrIsADirectory.WithMessage(
				fmt.Sprintf("%q is a directory", dst.Name()))
		}
		empty, err := fs.directoryEmpty(dst)
		if err != nil {
			return err
		}
		if !empty {
			return fserrors.ErrDirectoryNotEmpty.WithMessage(
				fmt.Sprintf("%q is not empty", dst.Name()))
		}
	} else if src.IsDir() {
		return fserrors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", dst.Name()))
	}
	return fs.removeNode(dst)
}

// Utimes updates the node's access and modification times. Zero values
// leave the respective timestamp alone.
func (fs *FileSystem) Utimes(n *Node, atime, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return fserrors.ErrReadOnly
	}
	if !atime.IsZero() {
		n.atime = atime
	}
	if !mtime.IsZero() {
		n.mtime = mtime
	}
	n.dirty = true
	return nil
}

package exfat

import (
	"fmt"
	"strings"

	log "github.com/dsoprea/go-logging"

	fserrors "github.com/salass00/exfat/errors"
)

var lookupLogger = log.NewLogger("exfat.lookup")

// DirIterator walks one directory's entry groups in on-disk order. Metadata
// entries (bitmap, upcase, label, GUID) are skipped; corrupt groups are
// logged and skipped.
type DirIterator struct {
	fs     *FileSystem
	dir    *Node
	offset int64
}

// OpenDir starts iterating dir. The iterator holds a reference to dir until
// Close.
func (fs *FileSystem) OpenDir(dir *Node) (*DirIterator, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !dir.IsDir() {
		return nil, fserrors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("%q is not a directory", dir.Name()))
	}
	dir.refs++
	return &DirIterator{fs: fs, dir: dir}, nil
}

// Close releases the iterator's directory reference.
func (it *DirIterator) Close() error {
	return it.fs.PutNode(it.dir)
}

// Next returns the next live node in the directory with one reference held,
// or (nil, nil) at the end.
func (it *DirIterator) Next() (*Node, error) {
	it.fs.mu.Lock()
	defer it.fs.mu.Unlock()
	return it.nextLocked()
}

func (it *DirIterator) nextLocked() (*Node, error) {
	fs := it.fs
	var raw [direntSize]byte

	for it.offset+direntSize <= it.dir.size {
		if _, err := fs.readNodeAt(it.dir, raw[:], it.offset); err != nil {
			return nil, err
		}

		entryType := raw[0]
		if entryType == 0 {
			// End-of-directory marker; everything after is unused.
			return nil, nil
		}
		if entryType&entryInUse == 0 || entryType != entryTypeFile {
			it.offset += direntSize
			continue
		}

		fe := decodeFileEntry(raw[:])
		groupStart := it.offset
		groupLen := int64(direntSize * (1 + fe.secondaryCnt))

		if fe.secondaryCnt < 2 || fe.secondaryCnt > maxContinuations ||
			groupStart+groupLen > it.dir.size {
			lookupLogger.Warningf(nil, "file entry at %d of %q has implausible "+
				"secondary count %d; skipping", groupStart, it.dir.Name(), fe.secondaryCnt)
			it.offset += direntSize
			continue
		}

		group := make([]byte, groupLen)
		if _, err := fs.readNodeAt(it.dir, group, groupStart); err != nil {
			return nil, err
		}

		if !parseGroup(&fe, group) {
			lookupLogger.Warningf(nil, "malformed directory group at %d of %q; "+
				"skipping", groupStart, it.dir.Name())
			it.offset += groupLen
			continue
		}

		// entrySetChecksum skips the checksum's own bytes, so the stored
		// value can be compared against a sum over the raw group.
		if sum := entrySetChecksum(group); sum != fe.checksum {
			lookupLogger.Warningf(nil, "directory group at %d of %q fails its "+
				"checksum (0x%04x != 0x%04x); skipping corrupt group",
				groupStart, it.dir.Name(), sum, fe.checksum)
			it.offset += groupLen
			continue
		}

		it.offset = groupStart + groupLen
		return fs.nodeFromEntry(it.dir, fe, groupStart), nil
	}
	return nil, nil
}

// parseGroup decodes the secondary entries of a file group into fe. It
// reports false when the entry sequence is not stream-then-names.
func parseGroup(fe *fileEntry, group []byte) bool {
	stream := group[direntSize : 2*direntSize]
	if stream[0] != entryTypeStream {
		return false
	}
	fe.decodeStream(stream)
	if fe.nameLength == 0 || fe.nameLength > NameMax {
		return false
	}
	needed := nameEntryCount(fe.nameLength)
	if 1+needed > fe.secondaryCnt {
		return false
	}
	for i := 0; i < needed; i++ {
		entry := group[direntSize*(2+i) : direntSize*(3+i)]
		if entry[0] != entryTypeFileName {
			return false
		}
		fe.decodeName(entry)
	}
	return len(fe.name) == fe.nameLength
}

// findChildLocked scans dir for a child matching name through the upcase
// table. Returns nil when there is no match; the caller owns the returned
// reference.
func (fs *FileSystem) findChildLocked(dir *Node, name []uint16) (*Node, error) {
	it := &DirIterator{fs: fs, dir: dir}
	for {
		child, err := it.nextLocked()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, nil
		}
		if fs.namesEqual(child.name, name) {
			return child, nil
		}
		if err := fs.putNode(child); err != nil {
			return nil, err
		}
	}
}

// Lookup resolves a slash-separated absolute path to a referenced node.
func (fs *FileSystem) Lookup(path string) (*Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookupLocked(path)
}

func (fs *FileSystem) lookupLocked(path string) (*Node, error) {
	cur := fs.root
	cur.refs++

	for _, component := range strings.Split(path, "/") {
		if component == "" || component == "." {
			continue
		}
		if component == ".." {
			if cur.parent != nil {
				parent := cur.parent
				parent.refs++
				fs.putNode(cur)
				cur = parent
			}
			continue
		}
		if !cur.IsDir() {
			fs.putNode(cur)
			return nil, fserrors.ErrNotADirectory.WithMessage(
				fmt.Sprintf("%q is not a directory", cur.Name()))
		}

		units, err := utf16FromString(component)
		if err == nil {
			err = validateName(units)
		}
		if err != nil {
			fs.putNode(cur)
			return nil, err
		}

		child, err := fs.findChildLocked(cur, units)
		fs.putNode(cur)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, fserrors.ErrNotFound.WithMessage(
				fmt.Sprintf("no entry %q", component))
		}
		cur = child
	}
	return cur, nil
}

// splitPath separates the parent directory path from the final component.
func splitPath(path string) (dir, base string) {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx < 0 {
		return "/", trimmed
	}
	return trimmed[:idx], trimmed[idx+1:]
}

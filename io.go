package exfat

import (
	"fmt"
	"time"

	fserrors "github.com/salass00/exfat/errors"
)

// readNodeAt fills buf from the node's data starting at offset, walking the
// cluster chain and issuing one cached byte-read per cluster touched. Short
// reads happen only at end of data.
func (fs *FileSystem) readNodeAt(n *Node, buf []byte, offset int64) (int, error) {
	if offset >= n.size || len(buf) == 0 {
		return 0, nil
	}

	clusterSize := int64(fs.sb.ClusterSize)
	c, err := fs.advanceCluster(n, uint32(offset/clusterSize))
	if err != nil {
		return 0, err
	}

	inCluster := offset % clusterSize
	remaining := int64(len(buf))
	if offset+remaining > n.size {
		remaining = n.size - offset
	}

	read := 0
	for remaining > 0 {
		if !fs.sb.validCluster(c) {
			return read, fserrors.ErrCorrupted.WithMessage(
				fmt.Sprintf("invalid cluster %#x while reading %q", uint32(c), n.Name()))
		}
		span := clusterSize - inCluster
		if span > remaining {
			span = remaining
		}
		err := fs.dio.ReadBytes(fs.sb.clusterOffset(c)+uint64(inCluster), buf[read:read+int(span)])
		if err != nil {
			return read, err
		}
		read += int(span)
		remaining -= span
		inCluster = 0
		if remaining > 0 {
			if c, err = fs.nextCluster(n, c); err != nil {
				return read, err
			}
		}
	}
	return read, nil
}

// writeNodeAt writes buf into the node's data at offset. The range must lie
// within the node's current allocation; callers grow the chain first.
func (fs *FileSystem) writeNodeAt(n *Node, buf []byte, offset int64) error {
	clusterSize := int64(fs.sb.ClusterSize)
	allocated := int64(n.clusterCount(fs)) * clusterSize
	if offset+int64(len(buf)) > allocated {
		return fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("write of %d bytes at %d exceeds allocation %d of %q",
				len(buf), offset, allocated, n.Name()))
	}
	if len(buf) == 0 {
		return nil
	}

	c, err := fs.advanceCluster(n, uint32(offset/clusterSize))
	if err != nil {
		return err
	}

	inCluster := offset % clusterSize
	written := 0
	remaining := int64(len(buf))
	for remaining > 0 {
		if !fs.sb.validCluster(c) {
			return fserrors.ErrCorrupted.WithMessage(
				fmt.Sprintf("invalid cluster %#x while writing %q", uint32(c), n.Name()))
		}
		span := clusterSize - inCluster
		if span > remaining {
			span = remaining
		}
		err := fs.dio.WriteBytes(fs.sb.clusterOffset(c)+uint64(inCluster), buf[written:written+int(span)])
		if err != nil {
			return err
		}
		written += int(span)
		remaining -= span
		inCluster = 0
		if remaining > 0 {
			if c, err = fs.nextCluster(n, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read copies up to len(buf) bytes of the file at offset into buf. The
// access time is refreshed unless the volume is mounted noatime or
// read-only.
func (fs *FileSystem) Read(n *Node, buf []byte, offset int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if n.IsDir() {
		return 0, fserrors.ErrIsADirectory
	}
	if offset < 0 {
		return 0, fserrors.ErrInvalidArgument
	}

	read, err := fs.readNodeAt(n, buf, offset)
	if err != nil {
		return read, err
	}
	if read > 0 && !fs.ro && !fs.opts.NoAtime {
		n.atime = time.Now()
		n.dirty = true
	}
	return read, nil
}

// Write stores buf at offset, extending the file as needed. Writing past
// the current end materializes the gap; exFAT has no holes.
func (fs *FileSystem) Write(n *Node, buf []byte, offset int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ro {
		return 0, fserrors.ErrReadOnly
	}
	if n.IsDir() {
		return 0, fserrors.ErrIsADirectory
	}
	if offset < 0 {
		return 0, fserrors.ErrInvalidArgument
	}

	if offset > n.size {
		if err := fs.truncateLocked(n, offset, true); err != nil {
			return 0, err
		}
	}
	if offset+int64(len(buf)) > n.size {
		if err := fs.truncateLocked(n, offset+int64(len(buf)), false); err != nil {
			return 0, err
		}
	}
	if len(buf) == 0 {
		return 0, nil
	}

	if err := fs.writeNodeAt(n, buf, offset); err != nil {
		return 0, err
	}
	n.mtime = time.Now()
	n.attrib |= AttribArchive
	n.dirty = true
	return len(buf), nil
}

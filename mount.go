package exfat

import (
	"fmt"
	"sync"
	"time"

	log "github.com/dsoprea/go-logging"
	"github.com/hashicorp/go-multierror"

	"github.com/salass00/exfat/diskio"
	fserrors "github.com/salass00/exfat/errors"
)

var mountLogger = log.NewLogger("exfat.mount")

const (
	// memHandlerLowWater is the free-memory level below which the cache
	// starts shedding clean entries.
	memHandlerLowWater = 16 << 20
	memHandlerInterval = 5 * time.Second
)

// FileSystem is one mounted exFAT volume. All shared state — the FAT, the
// allocation bitmap, the node table and the free-cluster count — is guarded
// by a single engine mutex; the block cache below has its own.
type FileSystem struct {
	dio  *diskio.DiskIO
	sb   *Superblock
	opts Options

	mu    sync.Mutex
	nodes map[nodeKey]*Node
	root  *Node

	upcase upcaseTable
	bitmap *clusterBitmap

	label       string
	labelOffset int64

	ro           bool
	roFallback   bool // ro was forced by write protection or a dirty volume
	mountedDirty bool // volume was marked dirty before this mount

	memHandler *diskio.MemHandler
}

// Mount opens the volume on dev with default I/O configuration.
func Mount(dev diskio.Device, opts Options) (*FileSystem, error) {
	return MountWithConfig(dev, opts, diskio.DefaultConfig)
}

// MountWithConfig opens the volume with explicit I/O configuration. The
// sequence follows the on-disk dependencies: boot region, then the root
// directory's bitmap, upcase and label entries, then the volume state.
func MountWithConfig(dev diskio.Device, opts Options, cfg diskio.Config) (*FileSystem, error) {
	ro := opts.ReadOnly
	if !ro && dev.WriteProtected() {
		if !opts.ReadOnlyFallback {
			return nil, fserrors.ErrReadOnly.WithMessage("device is write-protected")
		}
		mountLogger.Warningf(nil, "device is write-protected; mounting read-only")
		ro = true
	}

	cfg.ReadOnly = ro
	dio, err := diskio.Setup(dev, cfg)
	if err != nil {
		return nil, err
	}

	sb, err := readSuperblock(dio)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		dio:         dio,
		sb:          sb,
		opts:        opts,
		nodes:       make(map[nodeKey]*Node),
		labelOffset: -1,
		ro:          ro,
		roFallback:  ro && !opts.ReadOnly,
	}

	if err := fs.initRoot(); err != nil {
		return nil, err
	}
	if err := fs.loadRootMetadata(); err != nil {
		return nil, err
	}

	if sb.VolumeState&volumeStateDirty != 0 {
		fs.mountedDirty = true
		if !fs.ro && opts.ReadOnlyFallback {
			mountLogger.Warningf(nil, "volume was not unmounted cleanly; "+
				"falling back to a read-only mount")
			fs.ro = true
			fs.roFallback = true
		} else {
			mountLogger.Warningf(nil, "volume was not unmounted cleanly")
		}
	}

	if !fs.ro {
		if err := fs.writeVolumeState(sb.VolumeState | volumeStateDirty); err != nil {
			return nil, err
		}
		if err := dio.Flush(); err != nil {
			return nil, err
		}
	}

	if cache := dio.Cache(); cache != nil {
		fs.memHandler = cache.StartMemHandler(memHandlerLowWater, memHandlerInterval)
	}

	mountLogger.Infof(nil, "mounted volume 0x%08x: %d clusters of %d bytes, "+
		"%d free, label %q", sb.VolumeSerial, sb.ClusterCount, sb.ClusterSize,
		fs.bitmap.free, fs.label)
	return fs, nil
}

// initRoot builds the root node. The root has no directory entry of its
// own, so its size comes from walking its FAT chain.
func (fs *FileSystem) initRoot() error {
	clusters := uint32(0)
	c := fs.sb.RootDirCluster
	for c != ClusterEnd {
		if !fs.sb.validCluster(c) || clusters > fs.sb.ClusterCount {
			return fserrors.ErrCorrupted.WithMessage(
				fmt.Sprintf("invalid cluster %#x in root directory chain", uint32(c)))
		}
		clusters++
		next, err := fs.readFAT(c)
		if err != nil {
			return err
		}
		c = next
	}

	fs.root = &Node{
		refs:         1,
		startCluster: fs.sb.RootDirCluster,
		size:         int64(clusters) * int64(fs.sb.ClusterSize),
		attrib:       AttribDirectory,
		entryOffset:  -1,
	}
	fs.nodes[fs.nodeKeyFor(fs.root)] = fs.root
	return nil
}

// loadRootMetadata scans the root directory for the allocation bitmap,
// upcase table and volume label entries.
func (fs *FileSystem) loadRootMetadata() error {
	var (
		raw        [direntSize]byte
		bitmapSeen bool
		upcaseSeen bool
	)

	for offset := int64(0); offset+direntSize <= fs.root.size; offset += direntSize {
		if _, err := fs.readNodeAt(fs.root, raw[:], offset); err != nil {
			return err
		}
		switch raw[0] {
		case 0:
			offset = fs.root.size // end-of-directory
		case entryTypeBitmap:
			// Bit 0 of the flags byte selects the TexFAT shadow bitmap;
			// only the first bitmap is ours.
			if !bitmapSeen && raw[1]&1 == 0 {
				bitmapSeen = true
				if err := fs.loadBitmap(decodeBitmapEntry(raw[:])); err != nil {
					return err
				}
			}
		case entryTypeUpcase:
			if !upcaseSeen {
				upcaseSeen = true
				if err := fs.loadUpcase(decodeUpcaseEntry(raw[:])); err != nil {
					return err
				}
			}
		case entryTypeLabel:
			fs.labelOffset = offset
			fs.label = stringFromUTF16(decodeLabelEntry(raw[:]).name)
		}
	}

	if !bitmapSeen {
		return fserrors.ErrCorrupted.WithMessage(
			"root directory has no allocation bitmap entry")
	}
	if !upcaseSeen {
		mountLogger.Warningf(nil, "volume has no upcase table; "+
			"falling back to ASCII case folding")
		fs.upcase = asciiUpcaseTable()
	}
	return nil
}

// loadUpcase reads and expands the on-disk upcase table.
func (fs *FileSystem) loadUpcase(entry upcaseEntry) error {
	if !fs.sb.validCluster(entry.firstCluster) || entry.dataSize == 0 ||
		entry.dataSize > 2*0x10000+4 {
		return fserrors.ErrCorrupted.WithMessage(
			fmt.Sprintf("implausible upcase table: cluster %#x, %d bytes",
				uint32(entry.firstCluster), entry.dataSize))
	}

	carrier := &Node{
		startCluster: entry.firstCluster,
		size:         int64(entry.dataSize),
	}
	data := make([]byte, entry.dataSize)
	if _, err := fs.readNodeAt(carrier, data, 0); err != nil {
		return err
	}

	if sum := upcaseChecksum(data); sum != entry.tableChecksum {
		mountLogger.Warningf(nil, "upcase table checksum mismatch "+
			"(0x%08x != 0x%08x); using the table as stored",
			sum, entry.tableChecksum)
	}
	fs.upcase = decodeUpcaseTable(data)
	return nil
}

// Sync flushes dirty node metadata, the free-space accounting, the block
// cache, and finally the device's own caches.
func (fs *FileSystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.syncLocked()
}

func (fs *FileSystem) syncLocked() error {
	var result *multierror.Error

	if !fs.ro {
		if err := fs.flushAllNodes(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := fs.writePercentInUse(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := fs.dio.Sync(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Unmount flushes everything and, when the volume was taken clean and all
// writeback succeeded, clears the on-disk dirty flag.
func (fs *FileSystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.memHandler != nil {
		fs.memHandler.Stop()
		fs.memHandler = nil
	}

	var result *multierror.Error

	if err := fs.syncLocked(); err != nil {
		result = multierror.Append(result, err)
	}

	if !fs.ro && !fs.mountedDirty && result.ErrorOrNil() == nil {
		if err := fs.writeVolumeState(fs.sb.VolumeState &^ volumeStateDirty); err != nil {
			result = multierror.Append(result, err)
		} else if err := fs.dio.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	fs.nodes = make(map[nodeKey]*Node)
	mountLogger.Infof(nil, "unmounted volume 0x%08x", fs.sb.VolumeSerial)
	return result.ErrorOrNil()
}

// ReadOnly reports whether the mount refuses writes.
func (fs *FileSystem) ReadOnly() bool { return fs.ro }

// ReadOnlyFallback reports whether a requested read/write mount was
// downgraded by policy.
func (fs *FileSystem) ReadOnlyFallback() bool { return fs.roFallback }

// Root returns the root directory node. The root is permanently referenced;
// callers must not put it.
func (fs *FileSystem) Root() *Node { return fs.root }

// Superblock exposes the immutable volume geometry.
func (fs *FileSystem) Superblock() *Superblock { return fs.sb }

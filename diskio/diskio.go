package diskio

import (
	"fmt"
	"sync"

	log "github.com/dsoprea/go-logging"

	fserrors "github.com/salass00/exfat/errors"
)

var dioLogger = log.NewLogger("exfat.diskio")

// Config holds the knobs fixed at Setup time. Everything derived from the
// media itself (geometry, cache, staging buffers) lives in mediaState and is
// rebuilt wholesale on Reattach.
type Config struct {
	// CacheEnabled turns the block cache on. Off, every call goes straight
	// to the device.
	CacheEnabled bool
	// WriteCacheEnabled allows writes to be absorbed by the cache. Off,
	// writes go through to the device immediately (reads still cache).
	WriteCacheEnabled bool
	// ReadOnly refuses all writes at this layer.
	ReadOnly bool
	// MaxCachedRead is the largest read, in sectors, routed through the
	// cache; larger reads bypass it and only pick up dirty overlays.
	MaxCachedRead int
	// MaxCachedWrite is the analogous bound for writes.
	MaxCachedWrite int
	// ReadAhead is the size, in sectors, of the window read for a small
	// byte-level read: the sectors it spans plus following sectors the cache
	// does not hold. Zero disables read-ahead.
	ReadAhead int
	// Tuning overrides computed cache geometry; mostly for tests.
	Tuning Tuning
}

// DefaultConfig is the configuration used by mounts that do not override
// anything.
var DefaultConfig = Config{
	CacheEnabled:      true,
	WriteCacheEnabled: true,
	MaxCachedRead:     64,
	MaxCachedWrite:    64,
	ReadAhead:         16,
}

// mediaState is everything rediscovered when the medium (re)appears. It is
// replaced as a unit by Reattach so no stale geometry can leak across a
// media change.
type mediaState struct {
	dev          Device
	sectorSize   uint32
	sectorShift  uint
	sectorMask   uint64
	totalSectors uint64
	cache        *BlockCache
	readBuffer   []byte
	sectorBuf    []byte
}

// DiskIO mediates all engine access to one backing store: sector reads and
// writes through the cache, byte-granular access on top of that, and
// flush/sync plumbing.
type DiskIO struct {
	cfg   Config
	media *mediaState

	// ioMu guards the staging buffers used by byte-granular I/O.
	ioMu sync.Mutex
}

// Setup builds a DiskIO over dev.
func Setup(dev Device, cfg Config) (*DiskIO, error) {
	dio := &DiskIO{cfg: cfg}
	if err := dio.Reattach(dev); err != nil {
		return nil, err
	}
	return dio, nil
}

// Reattach rebuilds all media-derived state against dev. Any cache contents
// from the previous medium are discarded; the caller must have flushed.
func (dio *DiskIO) Reattach(dev Device) error {
	sectorSize := dev.SectorSize()
	if !IsValidSectorSize(sectorSize) {
		return fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("device reports invalid sector size %d", sectorSize))
	}

	media := &mediaState{
		dev:          dev,
		sectorSize:   sectorSize,
		sectorShift:  sectorShift(sectorSize),
		sectorMask:   uint64(sectorSize) - 1,
		totalSectors: dev.SectorCount(),
		sectorBuf:    make([]byte, sectorSize),
	}
	if dio.cfg.CacheEnabled {
		media.cache = NewBlockCache(dev, dio.cfg.Tuning)
	}
	if dio.cfg.ReadAhead > 0 {
		media.readBuffer = make([]byte, dio.cfg.ReadAhead*int(sectorSize))
	}

	dio.media = media

	dioLogger.Debugf(nil, "media attached: %d sectors of %d bytes",
		media.totalSectors, sectorSize)
	return nil
}

func (dio *DiskIO) SectorSize() uint32  { return dio.media.sectorSize }
func (dio *DiskIO) SectorCount() uint64 { return dio.media.totalSectors }
func (dio *DiskIO) TotalBytes() uint64 {
	return dio.media.totalSectors << dio.media.sectorShift
}

// ReadOnly reports whether writes are refused, by configuration or because
// the medium is write-protected.
func (dio *DiskIO) ReadOnly() bool {
	return dio.cfg.ReadOnly || dio.media.dev.WriteProtected()
}

// Cache exposes the block cache, primarily so callers can register a memory
// handler or inspect watermarks. Nil when caching is disabled.
func (dio *DiskIO) Cache() *BlockCache {
	return dio.media.cache
}

func (dio *DiskIO) checkSectorRange(sector uint64, count int) error {
	if sector >= dio.media.totalSectors ||
		sector+uint64(count) > dio.media.totalSectors {
		return fserrors.ErrOutOfBounds.WithMessage(
			fmt.Sprintf("sectors [%d, %d) not in [0, %d)",
				sector, sector+uint64(count), dio.media.totalSectors))
	}
	return nil
}

// ReadSectors reads len(buf)/sectorSize sectors through the cache. Cache
// misses are batched into contiguous device reads and the results are
// admitted to the cache; reads larger than MaxCachedRead bypass the cache
// but still see dirty overlays.
func (dio *DiskIO) ReadSectors(sector uint64, buf []byte) error {
	m := dio.media
	if len(buf)&int(m.sectorMask) != 0 {
		return fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("read length %d is not sector aligned", len(buf)))
	}
	count := len(buf) >> m.sectorShift
	if count == 0 {
		return nil
	}
	if err := dio.checkSectorRange(sector, count); err != nil {
		return err
	}

	bc := m.cache
	if bc == nil {
		return m.dev.ReadSectors(sector, buf)
	}

	if dio.cfg.MaxCachedRead > 0 && count > dio.cfg.MaxCachedRead {
		if err := m.dev.ReadSectors(sector, buf); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			bc.Read(sector+uint64(i), sectorSlice(buf, i, m.sectorSize), ReadDirtyOnly)
		}
		return nil
	}

	uncached := 0
	flushRun := func(end int) error {
		if uncached == 0 {
			return nil
		}
		runStart := end - uncached
		runBuf := buf[runStart<<m.sectorShift : end<<m.sectorShift]
		if err := m.dev.ReadSectors(sector+uint64(runStart), runBuf); err != nil {
			return err
		}
		for i := runStart; i < end; i++ {
			// Admission may fail under pressure; the data is already in the
			// caller's buffer either way.
			bc.Store(sector+uint64(i), sectorSlice(buf, i, m.sectorSize), 0)
		}
		uncached = 0
		return nil
	}

	for i := 0; i < count; i++ {
		if bc.Read(sector+uint64(i), sectorSlice(buf, i, m.sectorSize), 0) {
			if err := flushRun(i); err != nil {
				return err
			}
		} else {
			uncached++
		}
	}
	return flushRun(count)
}

// WriteSectors writes len(buf)/sectorSize sectors. Writes are absorbed by
// the cache when the write cache is on and the dirty budget allows;
// otherwise they go through to the device with the cache kept coherent.
func (dio *DiskIO) WriteSectors(sector uint64, buf []byte) error {
	m := dio.media
	if dio.ReadOnly() {
		return fserrors.ErrReadOnly
	}
	if len(buf)&int(m.sectorMask) != 0 {
		return fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("write length %d is not sector aligned", len(buf)))
	}
	count := len(buf) >> m.sectorShift
	if count == 0 {
		return nil
	}
	if err := dio.checkSectorRange(sector, count); err != nil {
		return err
	}

	bc := m.cache
	if bc == nil {
		return m.dev.WriteSectors(sector, buf)
	}

	bigWrite := dio.cfg.MaxCachedWrite > 0 && count > dio.cfg.MaxCachedWrite
	if !dio.cfg.WriteCacheEnabled || bigWrite {
		storeFlags := StoreClearDirty
		if bigWrite {
			storeFlags |= StoreUpdateOnly
		}
		if err := m.dev.WriteSectors(sector, buf); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			bc.Store(sector+uint64(i), sectorSlice(buf, i, m.sectorSize), storeFlags)
		}
		return nil
	}

	if bc.NumDirty()+count >= bc.MaxDirty() || bc.NumDirty() >= bc.HighWatermark() {
		if err := bc.Flush(bc.LowWatermark()); err != nil {
			return err
		}
	}

	uncached := 0
	flushRun := func(end int) error {
		if uncached == 0 {
			return nil
		}
		runStart := end - uncached
		runBuf := buf[runStart<<m.sectorShift : end<<m.sectorShift]
		if err := m.dev.WriteSectors(sector+uint64(runStart), runBuf); err != nil {
			return err
		}
		for i := runStart; i < end; i++ {
			bc.Store(sector+uint64(i), sectorSlice(buf, i, m.sectorSize), StoreClearDirty)
		}
		uncached = 0
		return nil
	}

	for i := 0; i < count; i++ {
		sl := sectorSlice(buf, i, m.sectorSize)
		ok := bc.Write(sector+uint64(i), sl)
		if !ok {
			// Dirty budget exhausted: make room and retry once before
			// falling back to write-through.
			if err := bc.Flush(bc.LowWatermark()); err != nil {
				return err
			}
			ok = bc.Write(sector+uint64(i), sl)
		}
		if ok {
			if err := flushRun(i); err != nil {
				return err
			}
		} else {
			uncached++
		}
	}
	return flushRun(count)
}

// ReadBytes fills buf from the given byte offset: a possible unaligned head,
// a run of whole sectors read into the caller's buffer, and a possible tail.
// Small reads trigger read-ahead of up to the configured number of sectors
// that the cache does not already hold.
func (dio *DiskIO) ReadBytes(offset uint64, buf []byte) error {
	m := dio.media
	if offset+uint64(len(buf)) > dio.TotalBytes() {
		return fserrors.ErrOutOfBounds.WithMessage(
			fmt.Sprintf("bytes [%d, %d) beyond device end %d",
				offset, offset+uint64(len(buf)), dio.TotalBytes()))
	}
	if len(buf) == 0 {
		return nil
	}

	dio.ioMu.Lock()
	defer dio.ioMu.Unlock()

	sector := offset >> m.sectorShift
	inSector := offset & m.sectorMask
	remaining := buf

	if m.cache != nil && m.readBuffer != nil {
		spanned := int((inSector + uint64(len(buf)) + m.sectorMask) >> m.sectorShift)
		if spanned <= dio.cfg.ReadAhead {
			blocks := spanned
			for blocks < dio.cfg.ReadAhead &&
				sector+uint64(blocks) < m.totalSectors &&
				!m.cache.Contains(sector+uint64(blocks)) {
				blocks++
			}
			ra := m.readBuffer[:blocks<<m.sectorShift]
			if err := dio.ReadSectors(sector, ra); err != nil {
				return err
			}
			copy(buf, ra[inSector:inSector+uint64(len(buf))])
			return nil
		}
	}

	if inSector != 0 {
		headLen := uint64(m.sectorSize) - inSector
		if headLen > uint64(len(remaining)) {
			headLen = uint64(len(remaining))
		}
		if err := dio.ReadSectors(sector, m.sectorBuf); err != nil {
			return err
		}
		copy(remaining, m.sectorBuf[inSector:inSector+headLen])
		remaining = remaining[headLen:]
		sector++
	}

	if body := len(remaining) &^ int(m.sectorMask); body > 0 {
		if err := dio.ReadSectors(sector, remaining[:body]); err != nil {
			return err
		}
		remaining = remaining[body:]
		sector += uint64(body) >> m.sectorShift
	}

	if len(remaining) > 0 {
		if err := dio.ReadSectors(sector, m.sectorBuf); err != nil {
			return err
		}
		copy(remaining, m.sectorBuf[:len(remaining)])
	}
	return nil
}

// WriteBytes writes buf at the given byte offset, read-modify-writing the
// unaligned head and tail sectors.
func (dio *DiskIO) WriteBytes(offset uint64, buf []byte) error {
	m := dio.media
	if dio.ReadOnly() {
		return fserrors.ErrReadOnly
	}
	if offset+uint64(len(buf)) > dio.TotalBytes() {
		return fserrors.ErrOutOfBounds.WithMessage(
			fmt.Sprintf("bytes [%d, %d) beyond device end %d",
				offset, offset+uint64(len(buf)), dio.TotalBytes()))
	}
	if len(buf) == 0 {
		return nil
	}

	dio.ioMu.Lock()
	defer dio.ioMu.Unlock()

	sector := offset >> m.sectorShift
	inSector := offset & m.sectorMask
	remaining := buf

	if inSector != 0 {
		headLen := uint64(m.sectorSize) - inSector
		if headLen > uint64(len(remaining)) {
			headLen = uint64(len(remaining))
		}
		if err := dio.ReadSectors(sector, m.sectorBuf); err != nil {
			return err
		}
		copy(m.sectorBuf[inSector:], remaining[:headLen])
		if err := dio.WriteSectors(sector, m.sectorBuf); err != nil {
			return err
		}
		remaining = remaining[headLen:]
		sector++
	}

	if body := len(remaining) &^ int(m.sectorMask); body > 0 {
		if err := dio.WriteSectors(sector, remaining[:body]); err != nil {
			return err
		}
		remaining = remaining[body:]
		sector += uint64(body) >> m.sectorShift
	}

	if len(remaining) > 0 {
		if err := dio.ReadSectors(sector, m.sectorBuf); err != nil {
			return err
		}
		copy(m.sectorBuf, remaining)
		if err := dio.WriteSectors(sector, m.sectorBuf); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes out every dirty cache sector.
func (dio *DiskIO) Flush() error {
	if dio.media.cache == nil || dio.ReadOnly() {
		return nil
	}
	return dio.media.cache.Flush(0)
}

// Sync flushes the cache and then the device's own write caches.
func (dio *DiskIO) Sync() error {
	if err := dio.Flush(); err != nil {
		return err
	}
	return dio.media.dev.Sync()
}

func sectorSlice(buf []byte, i int, sectorSize uint32) []byte {
	off := i * int(sectorSize)
	return buf[off : off+int(sectorSize)]
}

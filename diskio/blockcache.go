// Package diskio provides sector-granular access to a single backing store
// through a bounded write-back cache.
//
// The cache is a segmented LRU: sectors read from the device sit on a
// probation list and are promoted to a protected list on their second hit,
// which keeps one large sequential scan from evicting the whole working set.
// Dirty sectors live outside both lists, grouped into ranges of consecutive
// sector numbers so that writeback can issue one large device write per
// range instead of one per sector.
package diskio

import (
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/dsoprea/go-logging"

	fserrors "github.com/salass00/exfat/errors"
)

var cacheLogger = log.NewLogger("exfat.diskio.blockcache")

type entryKind uint8

const (
	kindProbation entryKind = iota + 1
	kindProtected
	kindDirty
)

// cacheEntry holds one sector. For clean entries checksum is the end-around
// carry sum of data, verified on every hit to catch third parties scribbling
// over the buffer. Dirty entries are authoritative and never checksummed.
type cacheEntry struct {
	sector    uint64
	data      []byte
	kind      entryKind
	checksum  uint32
	rng       *dirtyRange // set iff kind == kindDirty
	redirtied bool        // written to while staged for writeback
	prev      *cacheEntry
	next      *cacheEntry
}

// dirtyRange is a maximal run of consecutive dirty sectors. entries is kept
// in ascending sector order and always spans exactly [span.first, span.last].
type dirtyRange struct {
	span     blockRange
	entries  entryList
	flushing bool
	prev     *dirtyRange
	next     *dirtyRange
}

// ReadFlags modify Read behaviour.
type ReadFlags uint32

const (
	// ReadDirtyOnly serves the read only if the sector is cached dirty. Used
	// to overlay pending writes on top of data freshly read from the device.
	ReadDirtyOnly ReadFlags = 1 << iota
)

// StoreFlags modify Store behaviour.
type StoreFlags uint32

const (
	// StoreUpdateOnly refreshes an existing entry but never allocates one.
	StoreUpdateOnly StoreFlags = 1 << iota
	// StoreClearDirty marks the sector as device-synced: a dirty entry
	// becomes clean. Used after writing through to the device.
	StoreClearDirty
)

// MemOutcome reports what a memory-pressure reclaim accomplished.
type MemOutcome int

const (
	MemDidNothing MemOutcome = iota
	MemSomeFreed
	MemAllDone
)

// Tuning overrides the computed cache geometry. Zero values mean "compute
// from the device size and available memory".
type Tuning struct {
	MaxEntries int
	MaxDirty   int
}

// BlockCache caches fixed-size sectors of a single device. One mutex guards
// every structure; Flush drops it around device writes so readers are not
// stalled behind the disk.
type BlockCache struct {
	mu  sync.Mutex
	dev Device

	sectorSize  uint32
	sectorShift uint

	tree   *splayTree[*cacheEntry]
	ranges *splayTree[*dirtyRange]

	probation entryList
	protected entryList
	dirty     rangeList // MRU range at head

	numEntries   int
	numProtected int
	numDirty     int

	maxEntries    int
	maxProtected  int
	maxDirty      int
	highWatermark int
	lowWatermark  int

	writeBuffer        []byte
	writeBufferSectors int
}

// NewBlockCache sizes and builds a cache for dev. The entry budget is the
// larger of min(1% of the disk, 10% of free memory) and 1 MiB worth of
// sectors; protected and dirty segments each get 30% of it.
func NewBlockCache(dev Device, tuning Tuning) *BlockCache {
	sectorSize := dev.SectorSize()

	maxEntries := tuning.MaxEntries
	if maxEntries <= 0 {
		onePercent := dev.SectorCount() / 100
		tenPercentFree := freeMemoryBytes() / 10 / uint64(sectorSize)
		budget := onePercent
		if tenPercentFree < budget {
			budget = tenPercentFree
		}
		floor := uint64(1<<20) / uint64(sectorSize)
		if budget < floor {
			budget = floor
		}
		maxEntries = int(budget)
	}

	maxDirty := tuning.MaxDirty
	if maxDirty <= 0 {
		maxDirty = maxEntries * 30 / 100
	}
	if maxDirty < 1 {
		maxDirty = 1
	}
	maxProtected := maxEntries * 30 / 100
	if maxProtected < 1 {
		maxProtected = 1
	}

	writeBufferSectors := int(uint32(64<<10) / sectorSize)
	if writeBufferSectors < 1 {
		writeBufferSectors = 1
	}
	if writeBufferSectors > maxDirty {
		writeBufferSectors = maxDirty
	}

	bc := &BlockCache{
		dev:                dev,
		sectorSize:         sectorSize,
		sectorShift:        sectorShift(sectorSize),
		maxEntries:         maxEntries,
		maxProtected:       maxProtected,
		maxDirty:           maxDirty,
		highWatermark:      maxDirty * 60 / 100,
		lowWatermark:       maxDirty * 30 / 100,
		writeBuffer:        make([]byte, writeBufferSectors*int(sectorSize)),
		writeBufferSectors: writeBufferSectors,
	}
	bc.tree = newSplayTree[*cacheEntry](func(e *cacheEntry) blockRange {
		return pointRange(e.sector)
	})
	bc.ranges = newSplayTree[*dirtyRange](func(r *dirtyRange) blockRange {
		return r.span
	})

	cacheLogger.Debugf(nil, "cache sized: %d entries, %d protected, %d dirty, "+
		"write buffer %d sectors", maxEntries, maxProtected, maxDirty,
		writeBufferSectors)

	return bc
}

func (bc *BlockCache) SectorSize() uint32 { return bc.sectorSize }
func (bc *BlockCache) MaxEntries() int    { return bc.maxEntries }
func (bc *BlockCache) MaxDirty() int      { return bc.maxDirty }
func (bc *BlockCache) LowWatermark() int  { return bc.lowWatermark }
func (bc *BlockCache) HighWatermark() int { return bc.highWatermark }

// NumEntries returns the current entry count.
func (bc *BlockCache) NumEntries() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.numEntries
}

// NumDirty returns the current dirty entry count.
func (bc *BlockCache) NumDirty() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.numDirty
}

// blockChecksum is a 32-bit end-around carry sum over the sector buffer.
// Sector sizes are powers of two >= 256, so the buffer is always a whole
// number of words.
func blockChecksum(data []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(data); i += 4 {
		next := sum + binary.LittleEndian.Uint32(data[i:])
		if next < sum {
			next++
		}
		sum = next
	}
	return sum
}

func sectorShift(sectorSize uint32) uint {
	var shift uint
	for sectorSize > 1 {
		sectorSize >>= 1
		shift++
	}
	return shift
}

func (bc *BlockCache) find(sector uint64) *cacheEntry {
	e, ok := bc.tree.Find(pointRange(sector))
	if !ok {
		return nil
	}
	return e
}

// Read copies the cached content of sector into buf. It reports false on a
// miss; a clean hit whose buffer fails its checksum is expunged and treated
// as a miss so the caller re-reads the device.
func (bc *BlockCache) Read(sector uint64, buf []byte, flags ReadFlags) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	e := bc.find(sector)
	if e == nil {
		return false
	}

	if e.kind == kindDirty {
		copy(buf, e.data)
		bc.dirty.moveToFront(e.rng)
		return true
	}
	if flags&ReadDirtyOnly != 0 {
		return false
	}

	if blockChecksum(e.data) != e.checksum {
		cacheLogger.Warningf(nil, "checksum mismatch on clean sector %d; "+
			"expunging corrupted cache entry", sector)
		bc.expunge(e)
		return false
	}

	copy(buf, e.data)
	bc.touchClean(e)
	return true
}

// Contains reports whether sector is cached, without promoting it.
func (bc *BlockCache) Contains(sector uint64) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.find(sector) != nil
}

// touchClean applies the segmented LRU policy to a clean hit: probation
// entries get promoted, protected entries move to the MRU end, and an
// overfull protected list demotes its LRU tail back to probation.
func (bc *BlockCache) touchClean(e *cacheEntry) {
	switch e.kind {
	case kindProbation:
		bc.probation.remove(e)
		e.kind = kindProtected
		bc.protected.pushFront(e)
		bc.numProtected++
		if bc.numProtected > bc.maxProtected {
			victim := bc.protected.tail
			bc.protected.remove(victim)
			victim.kind = kindProbation
			bc.probation.pushFront(victim)
			bc.numProtected--
		}
	case kindProtected:
		bc.protected.remove(e)
		bc.protected.pushFront(e)
	}
}

// expunge drops a clean entry entirely. Never called for dirty entries.
func (bc *BlockCache) expunge(e *cacheEntry) {
	switch e.kind {
	case kindProbation:
		bc.probation.remove(e)
	case kindProtected:
		bc.protected.remove(e)
		bc.numProtected--
	}
	bc.tree.Remove(pointRange(e.sector))
	bc.numEntries--
}

// allocEntry makes room for a new entry, evicting the probation LRU tail if
// the cache is full. Returns nil when nothing can be evicted; the caller
// falls back to direct device I/O.
func (bc *BlockCache) allocEntry(sector uint64) *cacheEntry {
	if bc.numEntries >= bc.maxEntries {
		victim := bc.probation.tail
		if victim == nil {
			return nil
		}
		bc.expunge(victim)
	}
	e := &cacheEntry{
		sector: sector,
		data:   make([]byte, bc.sectorSize),
	}
	if !bc.tree.Insert(e) {
		return nil
	}
	bc.numEntries++
	return e
}

// Store records the device-synced content of a sector as a clean entry, or
// refreshes an existing entry. With StoreClearDirty a dirty entry becomes
// clean (its content is now on the device); with StoreUpdateOnly no entry is
// allocated. Reports whether the sector is cached afterwards.
func (bc *BlockCache) Store(sector uint64, data []byte, flags StoreFlags) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	e := bc.find(sector)
	if e != nil {
		copy(e.data, data)
		switch {
		case e.kind == kindDirty && flags&StoreClearDirty != 0:
			bc.removeFromRange(e)
			bc.numDirty--
			e.kind = kindProbation
			e.checksum = blockChecksum(e.data)
			bc.probation.pushFront(e)
		case e.kind == kindDirty:
			e.redirtied = true
			bc.dirty.moveToFront(e.rng)
		default:
			e.checksum = blockChecksum(e.data)
			bc.touchClean(e)
		}
		return true
	}

	if flags&StoreUpdateOnly != 0 {
		return false
	}

	e = bc.allocEntry(sector)
	if e == nil {
		return false
	}
	copy(e.data, data)
	e.checksum = blockChecksum(e.data)
	e.kind = kindProbation
	bc.probation.pushFront(e)
	return true
}

// Write absorbs a sector write into the cache, making the entry dirty. It
// reports false when the dirty budget is exhausted and the sector is not
// already dirty; the caller then writes through to the device.
func (bc *BlockCache) Write(sector uint64, data []byte) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	e := bc.find(sector)
	if e != nil {
		if e.kind != kindDirty {
			if bc.numDirty >= bc.maxDirty {
				return false
			}
			switch e.kind {
			case kindProbation:
				bc.probation.remove(e)
			case kindProtected:
				bc.protected.remove(e)
				bc.numProtected--
			}
			e.kind = kindDirty
			bc.numDirty++
			copy(e.data, data)
			bc.addToRange(e)
		} else {
			copy(e.data, data)
			e.redirtied = true
			bc.dirty.moveToFront(e.rng)
		}
		return true
	}

	if bc.numDirty >= bc.maxDirty {
		return false
	}
	e = bc.allocEntry(sector)
	if e == nil {
		return false
	}
	copy(e.data, data)
	e.kind = kindDirty
	bc.numDirty++
	bc.addToRange(e)
	return true
}

// addToRange links a newly dirty entry into the range structure: extend the
// range it touches, start a new single-sector range otherwise, and coalesce
// with the neighbour on the far side when the entry fills a one-sector gap.
func (bc *BlockCache) addToRange(e *cacheEntry) {
	probe := blockRange{first: e.sector, last: e.sector + 1}
	if e.sector > 0 {
		probe.first = e.sector - 1
	}

	r, ok := bc.ranges.Find(probe)
	if !ok {
		r = &dirtyRange{span: pointRange(e.sector)}
		r.entries.pushBack(e)
		e.rng = r
		bc.ranges.Insert(r)
		bc.dirty.pushFront(r)
		return
	}

	switch {
	case e.sector+1 == r.span.first:
		r.entries.pushFront(e)
		r.span.first = e.sector
		e.rng = r
		bc.coalesceFront(r)
	case e.sector == r.span.last+1:
		r.entries.pushBack(e)
		r.span.last = e.sector
		e.rng = r
		bc.coalesceBack(r)
	default:
		// The probe only matches a range it touches or contains; a contained
		// sector would already have had a dirty entry.
		panic(fmt.Sprintf("sector %d already inside dirty range [%d, %d]",
			e.sector, r.span.first, r.span.last))
	}
	bc.dirty.moveToFront(r)
}

// coalesceFront merges the range ending at r.first-1 into r, if present.
func (bc *BlockCache) coalesceFront(r *dirtyRange) {
	if r.span.first == 0 {
		return
	}
	left, ok := bc.ranges.Find(pointRange(r.span.first - 1))
	if !ok || left == r {
		return
	}
	bc.ranges.Remove(left.span)
	bc.dirty.remove(left)
	for e := left.entries.head; e != nil; e = e.next {
		e.rng = r
	}
	r.entries.prependAll(&left.entries)
	r.span.first = left.span.first
}

// coalesceBack merges the range starting at r.last+1 into r, if present.
func (bc *BlockCache) coalesceBack(r *dirtyRange) {
	right, ok := bc.ranges.Find(pointRange(r.span.last + 1))
	if !ok || right == r {
		return
	}
	bc.ranges.Remove(right.span)
	bc.dirty.remove(right)
	for e := right.entries.head; e != nil; e = e.next {
		e.rng = r
	}
	r.entries.appendAll(&right.entries)
	r.span.last = right.span.last
}

// removeFromRange unlinks a dirty entry from its range: endpoints shrink the
// span, an interior removal splits the range in two, and an emptied range is
// dropped. Does not adjust numDirty or entry kind.
func (bc *BlockCache) removeFromRange(e *cacheEntry) {
	r := e.rng
	e.rng = nil
	r.entries.remove(e)

	if r.entries.size == 0 {
		bc.ranges.Remove(r.span)
		bc.dirty.remove(r)
		return
	}

	switch {
	case e.sector == r.span.first:
		r.span.first = r.entries.head.sector
	case e.sector == r.span.last:
		r.span.last = r.entries.tail.sector
	default:
		tail := &dirtyRange{span: blockRange{first: e.sector + 1, last: r.span.last}}
		for cur := r.entries.head; cur != nil; {
			next := cur.next
			if cur.sector > e.sector {
				r.entries.remove(cur)
				tail.entries.pushBack(cur)
				cur.rng = tail
			}
			cur = next
		}
		r.span.last = e.sector - 1
		bc.ranges.Insert(tail)
		bc.dirty.insertAfter(r, tail)
	}
}

// Flush writes dirty ranges back to the device, least recently touched range
// first, until the dirty count is at or below maxDirtyTarget. Each range is
// written in runs of up to the write-buffer size; the mutex is released
// around the device write itself. A run that fails stays dirty and its range
// is skipped for the rest of this flush.
func (bc *BlockCache) Flush(maxDirtyTarget int) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	var firstErr error
	failed := make(map[*dirtyRange]bool)

	for bc.numDirty > maxDirtyTarget {
		var r *dirtyRange
		for cand := bc.dirty.tail; cand != nil; cand = cand.prev {
			if !cand.flushing && !failed[cand] {
				r = cand
				break
			}
		}
		if r == nil {
			break
		}

		r.flushing = true
		err := bc.flushRange(r, maxDirtyTarget)
		r.flushing = false
		if err != nil {
			failed[r] = true
			if firstErr == nil {
				firstErr = err
			}
			cacheLogger.Warningf(nil, "writeback of dirty range [%d, %d] "+
				"failed: %s", r.span.first, r.span.last, err)
		}
	}
	return firstErr
}

// flushRange stages and writes runs from the front of the range until the
// range is drained, the target is reached, or a device write fails. Called
// with the mutex held; drops it around each device write.
func (bc *BlockCache) flushRange(r *dirtyRange, maxDirtyTarget int) error {
	sectorSize := int(bc.sectorSize)

	for r.entries.size > 0 && bc.numDirty > maxDirtyTarget {
		start := r.entries.head.sector
		staged := make([]*cacheEntry, 0, bc.writeBufferSectors)
		for e := r.entries.head; e != nil && len(staged) < bc.writeBufferSectors; e = e.next {
			copy(bc.writeBuffer[len(staged)*sectorSize:], e.data)
			e.redirtied = false
			staged = append(staged, e)
		}

		bc.mu.Unlock()
		err := bc.dev.WriteSectors(start, bc.writeBuffer[:len(staged)*sectorSize])
		bc.mu.Lock()

		if err != nil {
			return err
		}

		for _, e := range staged {
			// A write that landed while the mutex was down supersedes what
			// reached the device; leave the entry dirty for the next flush.
			if e.redirtied {
				e.redirtied = false
				continue
			}
			bc.removeFromRange(e)
			bc.numDirty--
			e.kind = kindProbation
			e.checksum = blockChecksum(e.data)
			bc.probation.pushFront(e)
		}
	}
	return nil
}

// ReclaimMemory frees clean entries until goalBytes is met, probation tail
// first, then protected. It never blocks: if the cache mutex is contended it
// reports MemDidNothing, and it never touches dirty entries.
func (bc *BlockCache) ReclaimMemory(goalBytes int) MemOutcome {
	if !bc.mu.TryLock() {
		return MemDidNothing
	}
	defer bc.mu.Unlock()

	freed := 0
	for _, list := range []*entryList{&bc.probation, &bc.protected} {
		for freed < goalBytes && list.tail != nil {
			bc.expunge(list.tail)
			freed += int(bc.sectorSize)
		}
	}

	switch {
	case freed == 0:
		return MemDidNothing
	case freed >= goalBytes:
		return MemAllDone
	default:
		return MemSomeFreed
	}
}

// Invalidate drops every cache entry without writing anything back. Only
// valid when the device content is about to be rediscovered (media change).
func (bc *BlockCache) Invalidate() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.numDirty > 0 {
		return fserrors.ErrIOFailed.WithMessage(
			fmt.Sprintf("cannot invalidate cache with %d dirty sectors", bc.numDirty))
	}
	bc.tree = newSplayTree[*cacheEntry](func(e *cacheEntry) blockRange {
		return pointRange(e.sector)
	})
	bc.probation = entryList{}
	bc.protected = entryList{}
	bc.numEntries = 0
	bc.numProtected = 0
	return nil
}

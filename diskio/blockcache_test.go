package diskio

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCache builds a cache over an in-memory device filled with random
// bytes. The backing slice is returned for direct inspection.
func newTestCache(t *testing.T, totalSectors int, tuning Tuning) (*BlockCache, *FileDevice, []byte) {
	t.Helper()

	backing := make([]byte, totalSectors*512)
	_, err := rand.Read(backing)
	require.NoError(t, err)

	dev, err := NewMemoryDevice(backing, 512)
	require.NoError(t, err)

	return NewBlockCache(dev, tuning), dev, backing
}

func sectorPattern(sector uint64, fill byte) []byte {
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = fill ^ byte(sector)
	}
	return buf
}

// assertRangeInvariants checks that every dirty range spans exactly its
// entries, that entries back-point to their range, and that no two ranges
// touch or overlap.
func assertRangeInvariants(t *testing.T, bc *BlockCache) {
	t.Helper()
	bc.mu.Lock()
	defer bc.mu.Unlock()

	seen := make(map[uint64]bool)
	total := 0
	for r := bc.dirty.head; r != nil; r = r.next {
		require.LessOrEqual(t, r.span.first, r.span.last, "inverted range")

		expect := r.span.first
		for e := r.entries.head; e != nil; e = e.next {
			require.Equal(t, expect, e.sector, "range entries not consecutive")
			require.Same(t, r, e.rng, "entry does not point back at its range")
			require.Equal(t, kindDirty, e.kind)
			require.False(t, seen[e.sector], "sector in two ranges")
			seen[e.sector] = true
			expect++
			total++
		}
		require.Equal(t, r.span.last+1, expect, "span does not match entry list")

		for other := bc.dirty.head; other != nil; other = other.next {
			if other == r {
				continue
			}
			touching := r.span.last+1 >= other.span.first && other.span.last+1 >= r.span.first
			require.False(t, touching, "ranges [%d,%d] and [%d,%d] touch",
				r.span.first, r.span.last, other.span.first, other.span.last)
		}
	}
	require.Equal(t, bc.numDirty, total, "dirty count does not match range contents")
	require.Equal(t, bc.dirty.size, bc.ranges.Len(), "dirty list and range tree disagree")
}

func TestBlockCacheWriteReadRoundTrip(t *testing.T) {
	bc, _, _ := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	for sector := uint64(10); sector < 20; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 0xa5)))
	}

	buf := make([]byte, 512)
	for sector := uint64(10); sector < 20; sector++ {
		require.True(t, bc.Read(sector, buf, 0))
		assert.Equal(t, sectorPattern(sector, 0xa5), buf)
	}

	// The same bytes must come back after writeback turned the entries
	// clean.
	require.NoError(t, bc.Flush(0))
	assert.Zero(t, bc.NumDirty())
	for sector := uint64(10); sector < 20; sector++ {
		require.True(t, bc.Read(sector, buf, 0))
		assert.Equal(t, sectorPattern(sector, 0xa5), buf)
	}
}

func TestBlockCacheFlushDurability(t *testing.T) {
	bc, dev, _ := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	for sector := uint64(0); sector < 12; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 0x3c)))
	}
	require.NoError(t, bc.Flush(0))
	require.NoError(t, dev.Sync())

	// A fresh cache instance over the same device must see the data.
	fresh := NewBlockCache(dev, Tuning{MaxEntries: 64, MaxDirty: 16})
	buf := make([]byte, 512)
	for sector := uint64(0); sector < 12; sector++ {
		require.False(t, fresh.Read(sector, buf, 0), "fresh cache should miss")
		require.NoError(t, dev.ReadSectors(sector, buf))
		assert.Equal(t, sectorPattern(sector, 0x3c), buf)
	}
}

func TestBlockCacheBoundedDirtyAndTotal(t *testing.T) {
	bc, _, backing := newTestCache(t, 512, Tuning{MaxEntries: 32, MaxDirty: 8})

	accepted := 0
	for sector := uint64(0); sector < 20; sector += 2 {
		if bc.Write(sector, sectorPattern(sector, 1)) {
			accepted++
		}
		assert.LessOrEqual(t, bc.NumDirty(), 8, "dirty budget exceeded")
	}
	assert.Equal(t, 8, accepted, "writes past the dirty budget must be refused")

	// Fill the rest of the cache with clean entries; the total budget holds
	// and the dirty entries are never evicted to make room.
	for sector := uint64(100); sector < 200; sector++ {
		bc.Store(sector, backing[sector*512:(sector+1)*512], 0)
		assert.LessOrEqual(t, bc.NumEntries(), 32, "entry budget exceeded")
	}
	assert.Equal(t, 8, bc.NumDirty())
	assertRangeInvariants(t, bc)
}

func TestBlockCacheRangeCoalescing(t *testing.T) {
	bc, _, _ := newTestCache(t, 512, Tuning{MaxEntries: 128, MaxDirty: 64})

	// Two separated runs.
	for _, sector := range []uint64{10, 11, 12, 20, 21} {
		require.True(t, bc.Write(sector, sectorPattern(sector, 2)))
	}
	assertRangeInvariants(t, bc)
	assert.Equal(t, 2, bc.ranges.Len())

	// Extending both ends.
	require.True(t, bc.Write(9, sectorPattern(9, 2)))
	require.True(t, bc.Write(13, sectorPattern(13, 2)))
	assertRangeInvariants(t, bc)
	assert.Equal(t, 2, bc.ranges.Len())

	// Filling the gap sector by sector merges everything into one range.
	for sector := uint64(14); sector < 20; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 2)))
		assertRangeInvariants(t, bc)
	}
	assert.Equal(t, 1, bc.ranges.Len())

	bc.mu.Lock()
	r := bc.dirty.head
	assert.Equal(t, uint64(9), r.span.first)
	assert.Equal(t, uint64(21), r.span.last)
	bc.mu.Unlock()
}

func TestBlockCacheRangeSplitOnWriteback(t *testing.T) {
	bc, _, _ := newTestCache(t, 512, Tuning{MaxEntries: 128, MaxDirty: 64})

	for sector := uint64(30); sector <= 36; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 3)))
	}

	// Clearing an interior sector must split the range in two.
	require.True(t, bc.Store(33, sectorPattern(33, 3), StoreClearDirty))
	assertRangeInvariants(t, bc)
	assert.Equal(t, 2, bc.ranges.Len())

	// Clearing an endpoint shrinks; clearing the rest empties.
	require.True(t, bc.Store(30, sectorPattern(30, 3), StoreClearDirty))
	assertRangeInvariants(t, bc)
	for _, sector := range []uint64{31, 32, 34, 35, 36} {
		require.True(t, bc.Store(sector, sectorPattern(sector, 3), StoreClearDirty))
		assertRangeInvariants(t, bc)
	}
	assert.Zero(t, bc.NumDirty())
	assert.Zero(t, bc.ranges.Len())
}

func TestBlockCacheChecksumDetectsCorruption(t *testing.T) {
	bc, _, backing := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	require.True(t, bc.Store(100, backing[100*512:101*512], 0))

	// Scribble over the cached buffer, simulating DMA corruption.
	bc.mu.Lock()
	entry, ok := bc.tree.Find(pointRange(100))
	require.True(t, ok)
	entry.data[17] ^= 0xff
	bc.mu.Unlock()

	// The corrupt entry must not be served; the miss lets the caller
	// re-read the device.
	buf := make([]byte, 512)
	assert.False(t, bc.Read(100, buf, 0), "corrupt clean entry was served")
	assert.False(t, bc.Contains(100), "corrupt entry was not expunged")

	// Dirty entries are trusted and never checksummed.
	require.True(t, bc.Write(101, sectorPattern(101, 4)))
	bc.mu.Lock()
	entry, ok = bc.tree.Find(pointRange(101))
	require.True(t, ok)
	entry.data[0] ^= 0xff
	bc.mu.Unlock()
	assert.True(t, bc.Read(101, buf, 0))
}

func TestBlockCacheNoDirtyReclaim(t *testing.T) {
	bc, _, backing := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	for sector := uint64(0); sector < 8; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 5)))
	}
	for sector := uint64(50); sector < 60; sector++ {
		require.True(t, bc.Store(sector, backing[sector*512:(sector+1)*512], 0))
	}

	outcome := bc.ReclaimMemory(1 << 30)
	assert.Equal(t, MemSomeFreed, outcome, "goal unreachable without touching dirty entries")
	assert.Equal(t, 8, bc.NumDirty(), "reclaim freed dirty entries")
	assert.Equal(t, 8, bc.NumEntries())

	buf := make([]byte, 512)
	for sector := uint64(0); sector < 8; sector++ {
		require.True(t, bc.Read(sector, buf, 0))
		assert.Equal(t, sectorPattern(sector, 5), buf)
	}
}

func TestBlockCacheReclaimOutcomes(t *testing.T) {
	bc, _, backing := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	assert.Equal(t, MemDidNothing, bc.ReclaimMemory(4096), "empty cache has nothing to free")

	for sector := uint64(0); sector < 10; sector++ {
		require.True(t, bc.Store(sector, backing[sector*512:(sector+1)*512], 0))
	}
	assert.Equal(t, MemAllDone, bc.ReclaimMemory(2*512))
	assert.Equal(t, 8, bc.NumEntries())

	// A contended mutex means the handler must walk away immediately.
	bc.mu.Lock()
	assert.Equal(t, MemDidNothing, bc.ReclaimMemory(512))
	bc.mu.Unlock()
}

func TestBlockCacheSegmentedLRU(t *testing.T) {
	bc, _, backing := newTestCache(t, 512, Tuning{MaxEntries: 16, MaxDirty: 4})

	store := func(sector uint64) {
		require.True(t, bc.Store(sector, backing[sector*512:(sector+1)*512], 0))
	}
	buf := make([]byte, 512)

	// Sectors 0-3 become protected through a second hit.
	for sector := uint64(0); sector < 4; sector++ {
		store(sector)
		require.True(t, bc.Read(sector, buf, 0))
	}
	// A long scan of one-hit wonders must not evict the protected set.
	for sector := uint64(100); sector < 140; sector++ {
		store(sector)
	}
	for sector := uint64(0); sector < 4; sector++ {
		assert.True(t, bc.Contains(sector), "scan evicted protected sector %d", sector)
	}
	assert.LessOrEqual(t, bc.NumEntries(), 16)
}

func TestBlockCacheStoreFlags(t *testing.T) {
	bc, _, _ := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	// UpdateOnly never allocates.
	assert.False(t, bc.Store(5, sectorPattern(5, 6), StoreUpdateOnly))
	assert.False(t, bc.Contains(5))

	// ClearDirty turns a dirty entry clean in place.
	require.True(t, bc.Write(6, sectorPattern(6, 6)))
	require.Equal(t, 1, bc.NumDirty())
	require.True(t, bc.Store(6, sectorPattern(6, 7), StoreClearDirty))
	assert.Zero(t, bc.NumDirty())

	buf := make([]byte, 512)
	require.True(t, bc.Read(6, buf, 0))
	assert.Equal(t, sectorPattern(6, 7), buf)

	// Both flags: refresh and clean an existing entry, allocate nothing.
	require.True(t, bc.Write(7, sectorPattern(7, 6)))
	require.True(t, bc.Store(7, sectorPattern(7, 8), StoreUpdateOnly|StoreClearDirty))
	assert.Zero(t, bc.NumDirty())
	assert.False(t, bc.Store(8, sectorPattern(8, 6), StoreUpdateOnly|StoreClearDirty))
}

func TestBlockCacheReadDirtyOnly(t *testing.T) {
	bc, _, backing := newTestCache(t, 256, Tuning{MaxEntries: 64, MaxDirty: 16})

	require.True(t, bc.Store(9, backing[9*512:10*512], 0))
	buf := make([]byte, 512)
	assert.False(t, bc.Read(9, buf, ReadDirtyOnly), "clean entry served on a dirty-only read")

	require.True(t, bc.Write(10, sectorPattern(10, 9)))
	assert.True(t, bc.Read(10, buf, ReadDirtyOnly))
	assert.Equal(t, sectorPattern(10, 9), buf)
}

// recordingDevice wraps a device and logs every write call, so tests can
// assert that flush coalesces runs.
type recordingDevice struct {
	*FileDevice
	writes []string
	fail   bool
}

func (d *recordingDevice) WriteSectors(sector uint64, buf []byte) error {
	if d.fail {
		return fmt.Errorf("injected device failure")
	}
	d.writes = append(d.writes, fmt.Sprintf("%d+%d", sector, len(buf)/512))
	return d.FileDevice.WriteSectors(sector, buf)
}

func TestBlockCacheFlushCoalescesRuns(t *testing.T) {
	backing := make([]byte, 512*512)
	inner, err := NewMemoryDevice(backing, 512)
	require.NoError(t, err)
	dev := &recordingDevice{FileDevice: inner}
	bc := NewBlockCache(dev, Tuning{MaxEntries: 128, MaxDirty: 64})

	for sector := uint64(40); sector < 50; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 10)))
	}
	require.True(t, bc.Write(60, sectorPattern(60, 10)))

	require.NoError(t, bc.Flush(0))
	assert.ElementsMatch(t, []string{"40+10", "60+1"}, dev.writes,
		"contiguous dirty sectors should flush as single writes")

	for sector := uint64(40); sector < 50; sector++ {
		assert.True(t, bytes.Equal(
			sectorPattern(sector, 10), backing[sector*512:(sector+1)*512]),
			"sector %d not written back", sector)
	}
}

func TestBlockCacheFlushFailureKeepsDirty(t *testing.T) {
	backing := make([]byte, 512*512)
	inner, err := NewMemoryDevice(backing, 512)
	require.NoError(t, err)
	dev := &recordingDevice{FileDevice: inner, fail: true}
	bc := NewBlockCache(dev, Tuning{MaxEntries: 128, MaxDirty: 64})

	for sector := uint64(70); sector < 75; sector++ {
		require.True(t, bc.Write(sector, sectorPattern(sector, 11)))
	}

	require.Error(t, bc.Flush(0))
	assert.Equal(t, 5, bc.NumDirty(), "failed writeback must leave sectors dirty")
	assertRangeInvariants(t, bc)

	// Once the device recovers, the next flush drains everything.
	dev.fail = false
	require.NoError(t, bc.Flush(0))
	assert.Zero(t, bc.NumDirty())
}

func TestBlockCacheFlushStopsAtTarget(t *testing.T) {
	bc, _, _ := newTestCache(t, 512, Tuning{MaxEntries: 128, MaxDirty: 64})

	// Distinct single-sector ranges so flush can stop between them.
	for i := uint64(0); i < 10; i++ {
		require.True(t, bc.Write(i*3, sectorPattern(i*3, 12)))
	}
	require.NoError(t, bc.Flush(4))
	assert.LessOrEqual(t, bc.NumDirty(), 4)
	assert.Greater(t, bc.NumDirty(), 0, "flush drained past its target")
	assertRangeInvariants(t, bc)
}

package diskio

import (
	"time"
)

// fallbackFreeMemory stands in for the real free-memory figure on platforms
// where it cannot be queried, or when the query fails.
const fallbackFreeMemory = 256 << 20

// MemHandler watches system memory and releases clean cache entries when it
// runs low. The reclaim pass itself never blocks: it tries the cache mutex
// once and walks away on contention, and it never frees dirty state.
type MemHandler struct {
	bc       *BlockCache
	lowWater uint64
	stop     chan struct{}
	done     chan struct{}
}

// StartMemHandler begins watching free memory every interval. When free
// memory drops below lowWaterBytes the handler reclaims enough clean entries
// to cover the shortfall.
func (bc *BlockCache) StartMemHandler(lowWaterBytes uint64, interval time.Duration) *MemHandler {
	mh := &MemHandler{
		bc:       bc,
		lowWater: lowWaterBytes,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mh.run(interval)
	return mh
}

func (mh *MemHandler) run(interval time.Duration) {
	defer close(mh.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mh.stop:
			return
		case <-ticker.C:
			free := freeMemoryBytes()
			if free >= mh.lowWater {
				continue
			}
			goal := int(mh.lowWater - free)
			outcome := mh.bc.ReclaimMemory(goal)
			if outcome != MemDidNothing {
				cacheLogger.Debugf(nil, "memory pressure: reclaim outcome %d "+
					"(goal %d bytes)", outcome, goal)
			}
		}
	}
}

// Stop cancels the watcher and waits for it to exit.
func (mh *MemHandler) Stop() {
	close(mh.stop)
	<-mh.done
}

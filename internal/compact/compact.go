// Package compact implements the compaction policy: which nodes are
// candidates to migrate from fast to slow storage, and free-list capacity
// bookkeeping once a chunk's last live node has been forwarded elsewhere.
package compact

import (
	"sync"
	"sync/atomic"

	"github.com/catalystdb/mpt/cache"
	"github.com/catalystdb/mpt/internal/chunk"
	"github.com/catalystdb/mpt/internal/logging"
	"github.com/catalystdb/mpt/internal/offset"
)

var log = logging.With("compact")

// Compactor tracks candidate nodes for forwarding, ordered by their
// virtual min-offset so the oldest fast-list data is always migrated
// first, and the running free-list capacity reclaimed as chunks retire.
type Compactor struct {
	pool          *chunk.StoragePool
	pending       *cache.PrioCache
	slowFastRatio float64
	freeCapacity  int64 // atomic
	metrics       *Metrics

	bookMu         sync.Mutex
	pendingByChunk map[uint32]int
	forward        map[uint64]offset.ChunkOffset
}

// New creates a Compactor targeting slowFastRatio (the fast-to-slow
// live-byte ratio above which FastRatioExceeded reports true) and
// tracking at most candidateLimit pending
// migrations at once. A nil metrics gets a standalone instance.
func New(pool *chunk.StoragePool, slowFastRatio float64, candidateLimit int, metrics *Metrics) *Compactor {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Compactor{
		pool:           pool,
		pending:        cache.NewPrioCache(candidateLimit),
		slowFastRatio:  slowFastRatio,
		metrics:        metrics,
		pendingByChunk: make(map[uint32]int),
		forward:        make(map[uint64]offset.ChunkOffset),
	}
}

// Candidate is a node queued for forwarding from fast to slow storage.
type Candidate struct {
	Off           offset.ChunkOffset
	VirtualOffset offset.VirtualOffset
}

// Enqueue registers off as a migration candidate, prioritized by its
// virtual offset: the smallest (oldest) virtual offset is popped first
// by NextCandidate. It also records off's chunk as holding one more
// outstanding live record, so MarkMigrated can later tell when every
// record ever written to that chunk has been forwarded elsewhere. A
// candidate the full queue later evicts stays counted, so its chunk is
// never reported as drained.
func (c *Compactor) Enqueue(off offset.ChunkOffset, v offset.VirtualOffset) {
	c.pending.Set(off.HashKey(), Candidate{Off: off, VirtualOffset: v}, float64(v))
	c.bookMu.Lock()
	c.pendingByChunk[off.ChunkID()]++
	c.bookMu.Unlock()
}

// RecordForward registers that the node previously addressed by old now
// lives at new, so a parent pointer that has not yet been rewritten onto
// the copy-on-write path of a later version still resolves correctly
// (§4.5: "updates parent offsets on the copy-on-write path of the next
// version" — this table is what makes that update lazy-safe for every
// parent that hasn't been touched yet).
func (c *Compactor) RecordForward(old, new offset.ChunkOffset) {
	c.bookMu.Lock()
	c.forward[old.HashKey()] = new
	c.bookMu.Unlock()
}

// ResolveForward follows off through the forwarding table (bounded, to
// tolerate a chain of several migrations) and reports whether any
// redirect applied.
func (c *Compactor) ResolveForward(off offset.ChunkOffset) (offset.ChunkOffset, bool) {
	c.bookMu.Lock()
	defer c.bookMu.Unlock()
	cur := off
	redirected := false
	for i := 0; i < 64; i++ {
		next, ok := c.forward[cur.HashKey()]
		if !ok {
			break
		}
		cur = next
		redirected = true
	}
	return cur, redirected
}

// MarkMigrated records that the record originally written at off has been
// forwarded elsewhere, decrementing off's chunk's outstanding-record
// count. It reports the chunk id and whether that count has reached
// zero, meaning every record that chunk ever held has now been forwarded
// and the chunk is safe to retire.
func (c *Compactor) MarkMigrated(off offset.ChunkOffset) (chunkID uint32, drained bool) {
	id := off.ChunkID()
	c.metrics.NodesMigrated.Inc()
	c.bookMu.Lock()
	defer c.bookMu.Unlock()
	c.pendingByChunk[id]--
	if c.pendingByChunk[id] <= 0 {
		delete(c.pendingByChunk, id)
		log.Debug("chunk drained, ready to retire", "chunk", id)
		return id, true
	}
	return id, false
}

// NextCandidate pops the oldest pending candidate, or reports false if
// none remain.
func (c *Compactor) NextCandidate() (Candidate, bool) {
	e := c.pending.PopLowest()
	if e == nil {
		return Candidate{}, false
	}
	return e.Value.(Candidate), true
}

// PendingCount reports how many candidates are queued.
func (c *Compactor) PendingCount() int {
	return c.pending.Len()
}

// InRange reports whether virtual offset v falls within the chunk
// identified by chunkBase and chunkSpan — the test a caller applies to
// decide whether a subtree's min_offset_fast makes it a candidate for the
// chunk currently being compacted. The engine's compaction pass does not
// call it; it takes candidates from NextCandidate.
func InRange(v, chunkBase, chunkSpan offset.VirtualOffset) bool {
	return v >= chunkBase && v < chunkBase+chunkSpan
}

// AddFreeCapacity adds n bytes to the running free-list capacity total,
// called once a chunk's last live node has been forwarded and the chunk
// itself moved to the free list. The total is monotone over a single
// uninterrupted session between metadata flushes.
func (c *Compactor) AddFreeCapacity(n int64) {
	c.metrics.CapacityInFreeList.Set(float64(atomic.AddInt64(&c.freeCapacity, n)))
}

// FreeCapacity returns the current free-list capacity total.
func (c *Compactor) FreeCapacity() int64 {
	return atomic.LoadInt64(&c.freeCapacity)
}

// RetireChunk returns a fully-forwarded chunk to the pool's free list and
// credits its capacity back.
func (c *Compactor) RetireChunk(id uint32) error {
	if err := c.pool.RetireChunk(id); err != nil {
		log.Error("retire chunk failed", "chunk", id, "err", err)
		return err
	}
	c.AddFreeCapacity(chunk.Size)
	c.metrics.ChunksRetired.Inc()
	log.Debug("chunk retired", "chunk", id, "free_capacity", c.FreeCapacity())
	return nil
}

// FastRatioExceeded reports whether the ratio of fast to slow live bytes
// exceeds the configured slow_fast_ratio (any fast bytes count as
// exceeding it while slow storage is empty), the trigger condition for
// running another compaction pass.
func (c *Compactor) FastRatioExceeded(fastLiveBytes, slowLiveBytes int64) bool {
	if slowLiveBytes == 0 {
		return fastLiveBytes > 0
	}
	return float64(fastLiveBytes)/float64(slowLiveBytes) > c.slowFastRatio
}

package version

import (
	"sync"
	"sync/atomic"
)

// ChunkList names which of the three lists a ChunkInfo record currently
// belongs to.
type ChunkList int

const (
	ListFree ChunkList = iota
	ListFast
	ListSlow
)

// ChunkInfo is one chunk's bookkeeping record: which list it is threaded
// onto and the insertion counter (Seq) a concurrent lock-free reader uses
// to notice it has been unlinked and relinked elsewhere mid-walk. Next is
// an index into ChunkInfoTable.records, not a pointer, so the table can be
// walked without pinning individual records against the GC or requiring
// the reader to hold a lock.
type ChunkInfo struct {
	ID   uint32
	List ChunkList
	Seq  uint64
	next int32 // index into the owning table's records, -1 at list end; use atomic.LoadInt32/StoreInt32 on &records[i].next, never a plain read/write, so Snapshot's unsynchronized walk never observes a torn pointer
}

// ChunkInfoTable owns the three singly-linked lists (a head index per
// list, no tail pointer) of chunk-info records described in §4.6: the
// free list a just-retired chunk is pushed onto, and the fast/slow lists
// migration walks. All mutation takes mu, as do Contains and Len;
// Snapshot is safe to call without it by racing against the global seq counter and
// retrying the walk if it moved, the same ABA-safe pattern the original
// engine uses when a lock-free reader walks these lists concurrently with
// the writer (per SPEC_FULL §4, "ABA-safe chunk-info list traversal").
type ChunkInfoTable struct {
	mu      sync.Mutex
	records []ChunkInfo
	byID    map[uint32]int32
	heads   [3]int32 // indexed by ChunkList
	seq     atomic.Uint64
}

// NewChunkInfoTable creates an empty table.
func NewChunkInfoTable() *ChunkInfoTable {
	t := &ChunkInfoTable{byID: make(map[uint32]int32)}
	t.heads[ListFree] = -1
	t.heads[ListFast] = -1
	t.heads[ListSlow] = -1
	return t
}

// Insert adds id to the head of list, or moves it there if already
// present on a different list. Every structural change bumps the table's
// global seq so a concurrent Snapshot can detect it raced the mutation.
func (t *ChunkInfoTable) Insert(id uint32, list ChunkList) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq.Add(1)

	if idx, ok := t.byID[id]; ok {
		t.unlink(idx)
		t.records[idx].List = list
		t.records[idx].Seq = t.seq.Load()
		t.linkHead(idx, list)
		return
	}

	idx := int32(len(t.records))
	t.records = append(t.records, ChunkInfo{ID: id, List: list, Seq: t.seq.Load()})
	t.byID[id] = idx
	t.linkHead(idx, list)
}

// Remove drops id from whichever list it currently occupies. It is a
// no-op if id is not present.
func (t *ChunkInfoTable) Remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byID[id]
	if !ok {
		return
	}
	t.seq.Add(1)
	t.unlink(idx)
	delete(t.byID, id)
	// Leave a tombstone in records rather than compacting the slice: every
	// other index into records would need to shift, which would break any
	// in-flight lock-free Snapshot walk.
	t.records[idx].List = -1
	atomic.StoreInt32(&t.records[idx].next, -1)
}

// linkHead and unlink are the only places that mutate the next/heads
// pointer chain; both run under mu. They still use the atomic accessors
// (rather than plain field writes) because Snapshot's unsynchronized
// walk reads the same words concurrently, and a torn or reordered
// pointer write there would send it into a corrupt chain rather than
// just a stale one.
func (t *ChunkInfoTable) linkHead(idx int32, list ChunkList) {
	atomic.StoreInt32(&t.records[idx].next, t.heads[list])
	atomic.StoreInt32(&t.heads[list], idx)
}

// unlink removes idx from its current list's chain. Called with mu held.
func (t *ChunkInfoTable) unlink(idx int32) {
	list := t.records[idx].List
	if atomic.LoadInt32(&t.heads[list]) == idx {
		atomic.StoreInt32(&t.heads[list], atomic.LoadInt32(&t.records[idx].next))
		return
	}
	for i := atomic.LoadInt32(&t.heads[list]); i != -1; i = atomic.LoadInt32(&t.records[i].next) {
		if atomic.LoadInt32(&t.records[i].next) == idx {
			atomic.StoreInt32(&t.records[i].next, atomic.LoadInt32(&t.records[idx].next))
			return
		}
	}
}

// Snapshot returns the chunk ids currently on list, in most-recently-
// inserted-first order. It does not take mu: it reads the seq counter
// before and after an unsynchronized walk of the head pointer chain, and
// retries (bounded) if the counter moved, so a writer concurrently
// mutating a different list never blocks this reader, and a writer
// mutating the same list only costs this reader a retry rather than a
// torn read.
func (t *ChunkInfoTable) Snapshot(list ChunkList) []uint32 {
	for attempt := 0; attempt < 8; attempt++ {
		before := t.seq.Load()
		ids := t.walk(list)
		after := t.seq.Load()
		if before == after {
			return ids
		}
	}
	// Heavily contended; fall back to a locked walk rather than spin
	// forever.
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.walk(list)
}

func (t *ChunkInfoTable) walk(list ChunkList) []uint32 {
	var ids []uint32
	seen := make(map[int32]bool)
	for i := atomic.LoadInt32(&t.heads[list]); i != -1; {
		if seen[i] || int(i) >= len(t.records) {
			// The chain was mutated mid-walk into something that no
			// longer terminates cleanly; bail out rather than loop
			// forever, the caller's seq check will force a retry.
			break
		}
		seen[i] = true
		rec := t.records[i]
		if rec.List != list {
			break
		}
		ids = append(ids, rec.ID)
		i = atomic.LoadInt32(&t.records[i].next)
	}
	return ids
}

// Contains reports whether id is currently threaded onto list.
func (t *ChunkInfoTable) Contains(id uint32, list ChunkList) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byID[id]
	return ok && t.records[idx].List == list
}

// Len reports how many ids are currently on list.
func (t *ChunkInfoTable) Len(list ChunkList) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := t.heads[list]; i != -1; i = t.records[i].next {
		n++
	}
	return n
}

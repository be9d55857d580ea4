package ioengine

import (
	"sync"

	"github.com/catalystdb/mpt/internal/chunk"
)

// classSizes are the fixed buffer classes the pool hands out, one per
// disk granularity: DMA page, disk page, CPU page.
var classSizes = [...]int{chunk.DMAPageSize, chunk.DiskPageSize, chunk.CPUPageSize}

// BufPool is the engine's fixed buffer pool: read and write buffers are
// drawn from per-class free lists and carried back on release, instead
// of allocated per operation the way a naive implementation would.
type BufPool struct {
	classes [len(classSizes)]sync.Pool
}

// NewBufPool creates a pool with one free list per size class.
func NewBufPool() *BufPool {
	p := &BufPool{}
	for i, size := range classSizes {
		size := size
		p.classes[i].New = func() interface{} {
			return make([]byte, size)
		}
	}
	return p
}

// Get returns a buffer exposing exactly n bytes, backed by the smallest
// class that fits. Requests larger than the largest class are allocated
// directly and not pooled on release.
func (p *BufPool) Get(n int) *Buffer {
	for i, size := range classSizes {
		if n <= size {
			return &Buffer{b: p.classes[i].Get().([]byte), n: n, pool: p, class: i}
		}
	}
	return &Buffer{b: make([]byte, n), n: n, class: -1}
}

func (p *BufPool) put(b *Buffer) {
	p.classes[b.class].Put(b.b)
}

// Buffer wraps one pooled allocation. Release carries it back to the
// owning pool; using B after Release is a caller bug.
type Buffer struct {
	b     []byte
	n     int
	pool  *BufPool
	class int
}

// B returns the buffer's usable bytes, sized to the Get request.
func (b *Buffer) B() []byte {
	return b.b[:b.n]
}

// Release returns the allocation to its owning pool. Safe to call on an
// unpooled (oversized) buffer, where it is a no-op.
func (b *Buffer) Release() {
	if b.pool != nil && b.class >= 0 {
		b.pool.put(b)
		b.pool = nil
	}
}

package mpt

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/catalystdb/mpt/internal/chunk"
	"github.com/catalystdb/mpt/internal/compact"
	"github.com/catalystdb/mpt/internal/ioengine"
	"github.com/catalystdb/mpt/internal/offset"
	"github.com/catalystdb/mpt/internal/trie"
	"github.com/catalystdb/mpt/internal/trienode"
)

// recordHeaderSize is the 4-byte little-endian length prefix every
// serialized node record carries on disk (§6).
const recordHeaderSize = 4

// nodeStore implements trie.Store over a chunk.StoragePool through the
// asynchronous reactor: each node is written as a length-prefixed
// record into the currently-targeted role (fast or slow, toggled by
// setRole ahead of an Upsert per its write_to_fast argument) and read
// back by first fetching the 4-byte length, then the payload. Every
// fast-list write is also registered with compactor as a migration
// candidate, and every read transparently follows compactor's forwarding
// table so a stale parent pointer left behind by a migrated node still
// resolves.
type nodeStore struct {
	pool      *chunk.StoragePool
	io        *ioengine.Engine
	compactor *compact.Compactor
	role      atomic.Int32 // chunk.Role, written only from the owning goroutine

	fastBytes atomic.Int64
	slowBytes atomic.Int64
}

func newNodeStore(pool *chunk.StoragePool, io *ioengine.Engine, compactor *compact.Compactor) *nodeStore {
	s := &nodeStore{pool: pool, io: io, compactor: compactor}
	s.role.Store(int32(chunk.RoleFast))
	return s
}

func (s *nodeStore) setRole(r chunk.Role) {
	s.role.Store(int32(r))
}

func (s *nodeStore) currentRole() chunk.Role {
	return chunk.Role(s.role.Load())
}

// liveBytes reports the running total of bytes written into the fast
// and slow roles, the rough accounting runCompactionPass checks against
// slow_fast_ratio (§8, testable property 7). It is never decremented:
// neither superseded nodes nor retired chunks reduce it.
func (s *nodeStore) liveBytes() (fast, slow int64) {
	return s.fastBytes.Load(), s.slowBytes.Load()
}

// WriteNode serializes n, reserves a write window sized for the
// length-prefixed record and submits it to the reactor, returning the
// offset of the record's length prefix (the value every ChildRef and
// root pointer addresses), its monotonic virtual write sequence, and
// which list it landed in. A write into the fast list is also enqueued
// with the compactor as a migration candidate.
func (s *nodeStore) WriteNode(n *trienode.Node) (offset.ChunkOffset, offset.VirtualOffset, trie.List, error) {
	role := s.currentRole()
	// Serialize already emits the 4-byte length prefix, so its output is
	// the complete on-disk record.
	rec, err := n.Serialize()
	if err != nil {
		return 0, 0, trie.ListFast, errors.Wrap(err, "mpt: serialize node")
	}

	off, err := s.pool.WriteFD(role, uint32(len(rec)))
	if err != nil {
		log.Error("reserve write window failed", "role", role, "len", len(rec), "err", err)
		if errors.Cause(err) == chunk.ErrStorageExhausted {
			return 0, 0, trie.ListFast, ErrStorageExhausted
		}
		return 0, 0, trie.ListFast, IOFailure(err)
	}
	vOff := s.pool.NextVirtualOffset(role)
	res := <-s.io.SubmitWrite(off, rec, ioengine.PriorityNormal)
	if res.Err != nil {
		return 0, 0, trie.ListFast, IOFailure(res.Err)
	}

	list := trie.ListFast
	if role == chunk.RoleSlow {
		list = trie.ListSlow
		s.slowBytes.Add(int64(len(rec)))
	} else {
		s.fastBytes.Add(int64(len(rec)))
		if s.compactor != nil {
			s.compactor.Enqueue(off, vOff)
		}
	}
	return off, vOff, list, nil
}

// ReadNode loads and deserializes the node whose length-prefixed record
// starts at off, following any compaction forwarding entry first.
func (s *nodeStore) ReadNode(off offset.ChunkOffset) (*trienode.Node, error) {
	if s.compactor != nil {
		if resolved, ok := s.compactor.ResolveForward(off); ok {
			off = resolved
		}
	}
	ctx := context.Background()
	hdrBuf := s.io.Buffers().Get(recordHeaderSize)
	defer hdrBuf.Release()
	hdr := hdrBuf.B()
	res, err := s.io.SubmitRead(ctx, off, hdr, ioengine.PriorityNormal)
	if err != nil {
		return nil, IOFailure(err)
	}
	if res.Err != nil {
		return nil, IOFailure(res.Err)
	}
	n := binary.LittleEndian.Uint32(hdr)
	payloadBuf := s.io.Buffers().Get(int(n))
	defer payloadBuf.Release()
	payload := payloadBuf.B()
	payloadOff := offset.NewChunkOffset(off.ChunkID(), off.ByteOffset()+recordHeaderSize)
	res, err = s.io.SubmitRead(ctx, payloadOff, payload, ioengine.PriorityNormal)
	if err != nil {
		return nil, IOFailure(err)
	}
	if res.Err != nil {
		return nil, IOFailure(res.Err)
	}
	return trienode.Deserialize(payload)
}

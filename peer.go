package mpt

import (
	"encoding/binary"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"github.com/catalystdb/mpt/internal/chunk"
	"github.com/catalystdb/mpt/internal/nibble"
	"github.com/catalystdb/mpt/internal/offset"
	"github.com/catalystdb/mpt/internal/trie"
	"github.com/catalystdb/mpt/internal/trienode"
	"github.com/catalystdb/mpt/internal/version"
)

// ErrReadOnly is returned when a write reaches a read-only peer.
var ErrReadOnly = errors.New("mpt: read-only peer")

// Peer is a read-only view over a storage pool another process (or
// another Engine in this one) holds open for writing. Chunks are
// memory-mapped rather than read through the reactor, per the layout
// rationale in §4.1: the disk bytes are accessed in place. A peer
// observes a version only once its root-offset ring entry has been
// persisted; Refresh re-reads the conventional chunk to pick up
// versions published since open.
type Peer struct {
	pool  *chunk.StoragePool
	store *mmapStore
	trie  *trie.Trie

	mu   sync.RWMutex
	ring *version.Ring
}

// OpenPeer attaches a read-only peer to the pool at opts.Paths. Only
// Paths, Flags, CacheLevels and NodeCacheSize are honored; everything
// else in opts concerns the writer side.
func OpenPeer(opts Options) (*Peer, error) {
	opts = opts.withDefaults()
	pool, err := chunk.OpenReadOnly(opts.Paths, opts.Flags)
	if err != nil {
		return nil, err
	}
	store := &mmapStore{pool: pool, maps: make(map[uint32]mmap.MMap)}
	p := &Peer{
		pool:  pool,
		store: store,
		trie:  trie.New(store, opts.CacheLevels, opts.NodeCacheSize),
	}
	if err := p.Refresh(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return p, nil
}

// Refresh re-reads the metadata block, adopting whatever root-offset
// ring the writer has persisted since the last call.
func (p *Peer) Refresh() error {
	b := make([]byte, version.BlockSize())
	if err := p.pool.ReadAt(metadataOffset, b); err != nil {
		return IOFailure(err)
	}
	_, ring, err := version.DecodeAll(b)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.ring = ring
	p.mu.Unlock()
	return nil
}

// Close unmaps every chunk and releases the devices.
func (p *Peer) Close() error {
	firstErr := p.store.close()
	if err := p.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// GetLatestVersion returns the most recent version visible to this peer
// as of its last Refresh.
func (p *Peer) GetLatestVersion() int64 {
	return p.currentRing().LatestVersion()
}

// GetEarliestVersion returns the oldest version still in the visible
// ring window.
func (p *Peer) GetEarliestVersion() int64 {
	return p.currentRing().EarliestVersion()
}

// Get returns the value stored at key as of version.
func (p *Peer) Get(key nibble.Path, ver int64) ([]byte, error) {
	root, err := p.loadRootAt(ver)
	if err != nil {
		return nil, err
	}
	return p.trie.Get(root, key, ver)
}

// Find resolves key against the trie as of version, as Engine.Find does.
func (p *Peer) Find(key nibble.Path, ver int64) (Cursor, error) {
	root, err := p.loadRootAt(ver)
	if err != nil {
		return Cursor{}, err
	}
	n, err := p.trie.Find(root, key, ver)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Version: ver, root: n, valid: true}, nil
}

// Traverse walks cursor's root with m's hooks, read-only.
func (p *Peer) Traverse(c Cursor, m trie.Machine) error {
	return p.trie.Traverse(c.root, m)
}

// LoadRootForVersion resolves the root cursor for version v, returning
// an invalid cursor (no error) if v lies outside the visible window.
func (p *Peer) LoadRootForVersion(v int64) (Cursor, error) {
	off, ok := p.currentRing().Lookup(v)
	if !ok || off.IsNull() {
		return Cursor{}, nil
	}
	root, err := p.store.ReadNode(off)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Version: v, root: root, valid: true}, nil
}

func (p *Peer) currentRing() *version.Ring {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ring
}

func (p *Peer) loadRootAt(ver int64) (*trienode.Node, error) {
	off, ok := p.currentRing().Lookup(ver)
	if !ok {
		return nil, ErrVersionNotAvailable
	}
	if off.IsNull() {
		return nil, nil
	}
	return p.store.ReadNode(off)
}

// mmapStore satisfies trie.Store over memory-mapped chunks: node records
// are decoded straight out of the mapping, one map per chunk, created
// lazily and held until close.
type mmapStore struct {
	pool *chunk.StoragePool

	mu   sync.Mutex
	maps map[uint32]mmap.MMap
}

func (s *mmapStore) WriteNode(*trienode.Node) (offset.ChunkOffset, offset.VirtualOffset, trie.List, error) {
	return 0, 0, trie.ListFast, ErrReadOnly
}

func (s *mmapStore) ReadNode(off offset.ChunkOffset) (*trienode.Node, error) {
	m, err := s.mapChunk(off.ChunkID())
	if err != nil {
		return nil, err
	}
	base := int(off.ByteOffset())
	if base+recordHeaderSize > len(m) {
		return nil, errors.Errorf("mpt: record header at %s past chunk end", off.String())
	}
	n := int(binary.LittleEndian.Uint32(m[base : base+recordHeaderSize]))
	if base+recordHeaderSize+n > len(m) {
		return nil, errors.Errorf("mpt: record body at %s past chunk end", off.String())
	}
	return trienode.Deserialize(m[base+recordHeaderSize : base+recordHeaderSize+n])
}

func (s *mmapStore) mapChunk(id uint32) (mmap.MMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.maps[id]; ok {
		return m, nil
	}
	m, err := s.pool.MapReadOnly(id)
	if err != nil {
		return nil, err
	}
	s.maps[id] = m
	return m, nil
}

func (s *mmapStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, m := range s.maps {
		if err := m.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.maps, id)
	}
	return firstErr
}

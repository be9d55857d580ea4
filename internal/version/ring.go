// Package version implements the root-offset ring and the crash-safety
// metadata that lets the engine rewind on restart: a fixed-size
// single-producer multi-consumer ring mapping recent versions to their
// root chunk offset, plus a dirty-bit-protected commit protocol.
package version

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/catalystdb/mpt/co"
	"github.com/catalystdb/mpt/internal/offset"
)

// RingSize is the number of (version, root offset) slots retained.
const RingSize = 1024

// InvalidVersion is the sentinel meaning "no version published yet".
const InvalidVersion int64 = -1

// entry is one ring slot, an atomically-published (version, offset) pair.
type entry struct {
	version atomic.Int64
	off     atomic.Uint64
}

// Ring is a lock-free SPMC ring of root offsets indexed by version modulo
// RingSize. Exactly one goroutine (the owning writer) calls Publish; any
// number of readers may call Lookup concurrently.
type Ring struct {
	slots       [RingSize]entry
	nextVersion atomic.Int64 // only mutated by the owning writer
	earliest    atomic.Int64
	signal      co.Signal
}

// NewRing creates an empty ring; every slot reports InvalidVersion until
// published.
func NewRing() *Ring {
	r := &Ring{}
	for i := range r.slots {
		r.slots[i].version.Store(InvalidVersion)
	}
	r.nextVersion.Store(0)
	r.earliest.Store(InvalidVersion)
	return r
}

// Publish records root as the root offset for version. It must only be
// called by the ring's owning writer thread, and with a version equal to
// the writer's previous NextVersion() (monotone, no gaps).
func (r *Ring) Publish(version int64, root offset.ChunkOffset) {
	slot := &r.slots[uint64(version)%RingSize]
	slot.off.Store(uint64(root))
	slot.version.Store(version)
	r.nextVersion.Store(version + 1)
	if r.earliest.Load() == InvalidVersion {
		r.earliest.Store(version)
	} else if version-RingSize+1 > r.earliest.Load() {
		r.earliest.Store(version - RingSize + 1)
	}
	r.signal.Broadcast()
}

// WaitNext returns a Waiter that fires the next time Publish is called.
// A foreign reader uses this to block for a new version without polling
// LatestVersion in a loop, using co.Signal's edge-triggered wakeup.
func (r *Ring) WaitNext() co.Waiter {
	return r.signal.NewWaiter()
}

// NextVersion returns the version the next Publish call must use.
func (r *Ring) NextVersion() int64 {
	return r.nextVersion.Load()
}

// Lookup returns the root offset published for version, or false if that
// version is outside the retained window or was never published.
func (r *Ring) Lookup(version int64) (offset.ChunkOffset, bool) {
	if version < 0 {
		return 0, false
	}
	slot := &r.slots[uint64(version)%RingSize]
	if slot.version.Load() != version {
		return 0, false
	}
	return offset.ChunkOffset(slot.off.Load()), true
}

// LatestVersion returns the most recently published version, or
// InvalidVersion if none has been published.
func (r *Ring) LatestVersion() int64 {
	return r.nextVersion.Load() - 1
}

// EarliestVersion returns the oldest version still retained in the ring
// window, or InvalidVersion if the ring is empty.
func (r *Ring) EarliestVersion() int64 {
	return r.earliest.Load()
}

// ringEncodedSize is nextVersion + earliest, each 8 bytes, followed by
// RingSize slots of (version int64, offset uint64).
const ringEncodedSize = 8 + 8 + RingSize*16

// Encode serializes the ring's full state: nextVersion, earliest and
// every slot. Per §4.6/§3, the conventional chunk's metadata block holds
// "the root-offset ring" alongside the rest of the metadata, so this is
// always persisted together with Metadata.Encode (see EncodeAll).
func (r *Ring) Encode() []byte {
	b := make([]byte, ringEncodedSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(r.nextVersion.Load()))
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.earliest.Load()))
	for i := range r.slots {
		off := 16 + i*16
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(r.slots[i].version.Load()))
		binary.LittleEndian.PutUint64(b[off+8:off+16], r.slots[i].off.Load())
	}
	return b
}

// DecodeRing restores a Ring from bytes produced by Encode. b must be at
// least ringEncodedSize long.
func DecodeRing(b []byte) (*Ring, error) {
	if len(b) < ringEncodedSize {
		return nil, ErrMetadataCorrupt
	}
	r := &Ring{}
	r.nextVersion.Store(int64(binary.LittleEndian.Uint64(b[0:8])))
	r.earliest.Store(int64(binary.LittleEndian.Uint64(b[8:16])))
	for i := range r.slots {
		off := 16 + i*16
		r.slots[i].version.Store(int64(binary.LittleEndian.Uint64(b[off : off+8])))
		r.slots[i].off.Store(binary.LittleEndian.Uint64(b[off+8 : off+16]))
	}
	return r, nil
}

package version

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/catalystdb/mpt/internal/offset"
)

// Magic is the 4-byte stamp identifying a valid metadata block.
var Magic = [4]byte{'M', 'N', 'D', '5'}

// ErrMetadataCorrupt is returned by Decode when the magic or structural
// checks fail; the caller must treat this as fatal (§7).
var ErrMetadataCorrupt = errors.New("version: metadata corrupt")

// Metadata is the fixed-layout block stored at the head of the
// conventional chunk: chunk-info bookkeeping, free capacity, work in
// progress pointers and the slow/fast ratio. The root-offset ring itself
// is kept in Ring, not duplicated here; EncodeAll persists the ring
// alongside Metadata in the same block.
type Metadata struct {
	ChunkInfoCount int64
	FreeCapacity   int64
	StartOfWIPFast offset.ChunkOffset
	StartOfWIPSlow offset.ChunkOffset
	LastCompactOff offset.ChunkOffset
	SlowFastRatio  float64

	// dirty is the crash-recovery flag: set on entry to any mutation,
	// cleared on exit. Encode writes it as the last byte (1 when set), and
	// BeginMutation flushes the set value before the mutation's writes,
	// so a crash mid-mutation leaves a dirty block on disk for Recover.
	dirty bool
}

const encodedSize = 4 + 8 + 8 + 8 + 8 + 8 + 8 + 1

// Encode serializes m to its fixed on-disk layout.
func (m *Metadata) Encode() []byte {
	b := make([]byte, encodedSize)
	copy(b[0:4], Magic[:])
	binary.LittleEndian.PutUint64(b[4:12], uint64(m.ChunkInfoCount))
	binary.LittleEndian.PutUint64(b[12:20], uint64(m.FreeCapacity))
	binary.LittleEndian.PutUint64(b[20:28], uint64(m.StartOfWIPFast))
	binary.LittleEndian.PutUint64(b[28:36], uint64(m.StartOfWIPSlow))
	binary.LittleEndian.PutUint64(b[36:44], uint64(m.LastCompactOff))
	binary.LittleEndian.PutUint64(b[44:52], uint64ofFloat(m.SlowFastRatio))
	if m.dirty {
		b[52] = 1
	}
	return b
}

// Decode restores a Metadata from bytes produced by Encode. It returns
// ErrMetadataCorrupt if the magic does not match or the buffer is too
// short.
func Decode(b []byte) (*Metadata, error) {
	if len(b) < encodedSize {
		return nil, ErrMetadataCorrupt
	}
	if string(b[0:4]) != string(Magic[:]) {
		return nil, ErrMetadataCorrupt
	}
	m := &Metadata{
		ChunkInfoCount: int64(binary.LittleEndian.Uint64(b[4:12])),
		FreeCapacity:   int64(binary.LittleEndian.Uint64(b[12:20])),
		StartOfWIPFast: offset.ChunkOffset(binary.LittleEndian.Uint64(b[20:28])),
		StartOfWIPSlow: offset.ChunkOffset(binary.LittleEndian.Uint64(b[28:36])),
		LastCompactOff: offset.ChunkOffset(binary.LittleEndian.Uint64(b[36:44])),
		SlowFastRatio:  floatOfUint64(binary.LittleEndian.Uint64(b[44:52])),
		dirty:          b[52] != 0,
	}
	return m, nil
}

// IsDirty reports the recovery flag decoded from disk: true means the
// engine terminated mid-mutation and the work-in-progress pointers must
// be rewound.
func (m *Metadata) IsDirty() bool {
	return m.dirty
}

// EncodeAll serializes meta and ring together as the full persisted
// conventional-chunk metadata block: the fixed metadata header followed
// by the root-offset ring's slots, per §3's description of the
// conventional chunk holding "the metadata block plus a fixed-capacity
// ring buffer of (root offset, version) entries."
func EncodeAll(meta *Metadata, ring *Ring) []byte {
	mb := meta.Encode()
	rb := ring.Encode()
	out := make([]byte, len(mb)+len(rb))
	copy(out, mb)
	copy(out[len(mb):], rb)
	return out
}

// BlockSize is the total size of the bytes EncodeAll produces (and
// DecodeAll expects), the fixed-size region the conventional chunk
// reserves for metadata + ring.
func BlockSize() int {
	return encodedSize + ringEncodedSize
}

// DecodeAll restores a Metadata and Ring from bytes produced by
// EncodeAll.
func DecodeAll(b []byte) (*Metadata, *Ring, error) {
	if len(b) < BlockSize() {
		return nil, nil, ErrMetadataCorrupt
	}
	m, err := Decode(b[:encodedSize])
	if err != nil {
		return nil, nil, err
	}
	r, err := DecodeRing(b[encodedSize : encodedSize+ringEncodedSize])
	if err != nil {
		return nil, nil, err
	}
	return m, r, nil
}

// Store owns the in-memory Metadata and Ring together, and enforces the
// dirty-bit commit protocol around every mutation.
type Store struct {
	mu      sync.Mutex
	Meta    *Metadata
	Ring    *Ring
	writeFn func([]byte) error
}

// NewStore creates a Store from a freshly decoded (or default) Metadata
// and Ring, wiring writeFn as the persistence hook for the metadata
// block (the conventional chunk write, in the full engine).
func NewStore(meta *Metadata, ring *Ring, writeFn func([]byte) error) *Store {
	return &Store{Meta: meta, Ring: ring, writeFn: writeFn}
}

// Flush persists the current (clean or dirty) metadata and ring as they
// stand. Open calls this once on a freshly truncated pool so the
// conventional chunk never holds uninitialized bytes where the metadata
// block belongs: a create-then-crash sequence must still reopen cleanly.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.writeFn(EncodeAll(s.Meta, s.Ring)), "version: flush metadata")
}

// Holder is the scoped dirty-bit guard: constructing it stamps the
// metadata dirty and persists that fact; calling Release clears it and
// persists the clean state. Callers must defer Release immediately after
// constructing one.
type Holder struct {
	s *Store
}

// BeginMutation opens a scoped dirty holder around a metadata mutation.
// It stamps dirty=true and persists meta+ring together so a crash before
// Release leaves behind a dirty block whose WIP pointers still describe
// the pre-mutation append position (see Recover).
func (s *Store) BeginMutation() (*Holder, error) {
	s.mu.Lock()
	s.Meta.dirty = true
	if err := s.writeFn(EncodeAll(s.Meta, s.Ring)); err != nil {
		s.mu.Unlock()
		return nil, errors.Wrap(err, "version: stamp dirty")
	}
	return &Holder{s: s}, nil
}

// Release clears the dirty bit, records wipFast/wipSlow as the new clean
// start-of-WIP pointers, and persists the clean metadata and ring
// together before unlocking the store. Callers pass the fast/slow append
// positions as they stood right after the mutation's writes landed, so a
// future dirty reopen rewinds to exactly this point rather than to
// whatever the pool's chunks happen to contain.
func (h *Holder) Release(wipFast, wipSlow offset.ChunkOffset) error {
	defer h.s.mu.Unlock()
	h.s.Meta.dirty = false
	h.s.Meta.StartOfWIPFast = wipFast
	h.s.Meta.StartOfWIPSlow = wipSlow
	return h.s.writeFn(EncodeAll(h.s.Meta, h.s.Ring))
}

// Recover implements the restart protocol of §4.6: if the decoded
// metadata is dirty, the engine crashed between BeginMutation and
// Release, so the append position rewindFn controls (the pool's active
// fast/slow chunk write cursors) is rewound to the last clean
// start_of_wip_* pointers, discarding whatever partial writes followed.
// The dirty bit is cleared only after rewindFn succeeds.
func (s *Store) Recover(rewindFn func(fast, slow offset.ChunkOffset) error) error {
	if !s.Meta.dirty {
		return nil
	}
	if err := rewindFn(s.Meta.StartOfWIPFast, s.Meta.StartOfWIPSlow); err != nil {
		return errors.Wrap(err, "version: rewind wip")
	}
	s.Meta.dirty = false
	return nil
}

func uint64ofFloat(f float64) uint64 {
	return uint64(f * 1e9)
}

func floatOfUint64(u uint64) float64 {
	return float64(u) / 1e9
}

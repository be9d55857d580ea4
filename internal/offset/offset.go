// Package offset implements the packed on-disk location identifiers used
// throughout the storage engine: ChunkOffset addresses a byte range inside
// a chunk, and VirtualOffset gives compaction a monotonic, chunk-agnostic
// ordering over those locations.
package offset

import (
	"fmt"

	"github.com/catalystdb/mpt/internal/invariant"
)

const (
	chunkIDBits = 20
	byteOffBits = 28
	spareBits   = 15
	tagBits     = 1

	maxChunkID = 1<<chunkIDBits - 1
	maxByteOff = 1<<byteOffBits - 1

	tagShift   = 0
	spareShift = tagShift + tagBits
	byteShift  = spareShift + spareBits
	chunkShift = byteShift + byteOffBits

	chunkMask = uint64(maxChunkID) << chunkShift
	byteMask  = uint64(maxByteOff) << byteShift
	spareMask = uint64(1<<spareBits-1) << spareShift
	tagMask   = uint64(1<<tagBits-1) << tagShift

	// addressMask covers everything except the spare bits, which are
	// reserved for callers and must not affect equality or ordering.
	addressMask = chunkMask | byteMask | tagMask
)

// ChunkOffset is a packed 64-bit disk location: a 20-bit chunk id, a 28-bit
// byte offset within that chunk, 15 client-reserved spare bits, and a
// 1-bit format tag. The packing gives 256 TiB of addressable space across
// up to 1,048,575 chunks of up to 256 MiB each.
type ChunkOffset uint64

// Null is the reserved zero offset, meaning "no location" (e.g. an absent
// child or root-of-an-empty-trie).
const Null ChunkOffset = 0

// NewChunkOffset packs a chunk id and byte offset into a ChunkOffset. It
// panics if either value exceeds its field width.
func NewChunkOffset(chunkID uint32, byteOff uint32) ChunkOffset {
	invariant.Check(chunkID <= maxChunkID, "chunk id %d exceeds %d-bit range", chunkID, chunkIDBits)
	invariant.Check(byteOff <= maxByteOff, "byte offset %d exceeds %d-bit range", byteOff, byteOffBits)
	return ChunkOffset(uint64(chunkID)<<chunkShift | uint64(byteOff)<<byteShift)
}

// ChunkID returns the 20-bit chunk id.
func (o ChunkOffset) ChunkID() uint32 {
	return uint32((uint64(o) & chunkMask) >> chunkShift)
}

// ByteOffset returns the 28-bit byte offset within the chunk.
func (o ChunkOffset) ByteOffset() uint32 {
	return uint32((uint64(o) & byteMask) >> byteShift)
}

// Tag returns the 1-bit format tag.
func (o ChunkOffset) Tag() bool {
	return uint64(o)&tagMask != 0
}

// WithTag returns a copy of o with the format tag bit set to t.
func (o ChunkOffset) WithTag(t bool) ChunkOffset {
	v := uint64(o) &^ tagMask
	if t {
		v |= tagMask
	}
	return ChunkOffset(v)
}

// Spare returns the 15 client-reserved bits, unaffected by Equal or hashing.
func (o ChunkOffset) Spare() uint16 {
	return uint16((uint64(o) & spareMask) >> spareShift)
}

// WithSpare returns a copy of o with its spare bits replaced. Only the low
// 15 bits of s are used.
func (o ChunkOffset) WithSpare(s uint16) ChunkOffset {
	v := uint64(o) &^ spareMask
	v |= (uint64(s) << spareShift) & spareMask
	return ChunkOffset(v)
}

// Equal reports whether o and other address the same chunk id, byte
// offset and tag, ignoring spare bits.
func (o ChunkOffset) Equal(other ChunkOffset) bool {
	return uint64(o)&addressMask == uint64(other)&addressMask
}

// HashKey returns a value suitable for use as a map key or hash input: the
// raw 64-bit offset with spare and tag bits zeroed, so offsets that are
// Equal always hash identically.
func (o ChunkOffset) HashKey() uint64 {
	return uint64(o) & (chunkMask | byteMask)
}

// IsNull reports whether o is the reserved null offset.
func (o ChunkOffset) IsNull() bool {
	return o.HashKey() == 0
}

func (o ChunkOffset) String() string {
	return fmt.Sprintf("chunk=%d off=%d", o.ChunkID(), o.ByteOffset())
}

// VirtualOffset is a 32-bit monotonic write sequence, used by compaction
// to order disk locations by write recency without decoding them:
// chunk.StoragePool.NextVirtualOffset hands out one value per node write
// from a per-role counter, so VirtualOffset values increase in write
// order regardless of which chunk each write landed in.
type VirtualOffset uint32

// MaxVirtualOffset is the largest representable VirtualOffset, used as a
// sentinel "infinitely far" value when no subtrie minimum is known yet.
const MaxVirtualOffset VirtualOffset = 1<<32 - 1

// Less reports whether v precedes other.
func (v VirtualOffset) Less(other VirtualOffset) bool {
	return v < other
}

// Min returns the smaller of v and other.
func (v VirtualOffset) Min(other VirtualOffset) VirtualOffset {
	if other < v {
		return other
	}
	return v
}

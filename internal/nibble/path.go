// Package nibble implements the packed nibble-path type shared by every
// trie node: a sequence of 4-bit values (0x0-0xf), addressed by nibble
// index rather than by byte, the way a radix-16 Merkle-Patricia trie
// compares keys one nibble at a time. The packed Path64 representation
// mirrors the path64 bit-packing used by the teacher's internal trie key
// encoding (nodeKey.Path/newPath64 in muxdb/internal/trie): up to 15
// nibbles plus a length nibble fit in a single uint64, which is the
// common case for branch-node paths and lets hot comparisons avoid a
// byte-slice allocation entirely.
package nibble

import "github.com/catalystdb/mpt/internal/invariant"

// Path is an expanded nibble sequence, one nibble per byte (values 0-15).
// It is the representation used while walking or building a trie; Path64
// is the packed form used when only a short path needs to travel by
// value (e.g. inside a node-key or as a map key).
type Path []byte

// FromBytes expands a byte slice into its nibble sequence (big-endian
// nibble order: high nibble of each byte first).
func FromBytes(b []byte) Path {
	p := make(Path, len(b)*2)
	for i, c := range b {
		p[i*2] = c >> 4
		p[i*2+1] = c & 0x0f
	}
	return p
}

// Bytes packs the nibble sequence back into bytes. It panics if the
// nibble count is odd, since a byte slice cannot represent a half nibble;
// callers operating on trie keys always have even-length paths sourced
// from FromBytes.
func (p Path) Bytes() []byte {
	invariant.Check(len(p)%2 == 0, "odd-length path cannot be packed into bytes: %d nibbles", len(p))
	b := make([]byte, len(p)/2)
	for i := range b {
		b[i] = p[i*2]<<4 | p[i*2+1]&0x0f
	}
	return b
}

// CommonPrefixLen returns the number of leading nibbles shared by p and o.
func (p Path) CommonPrefixLen(o Path) int {
	n := len(p)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if p[i] != o[i] {
			return i
		}
	}
	return n
}

// Equal reports whether p and o are the same nibble sequence.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// maxPacked is the number of nibbles a Path64 can hold.
const maxPacked = 15

// Path64 packs up to 15 nibbles plus a length counter into a single
// uint64: 15 nibbles, 4 bits each, most significant nibble first, occupying
// the top 60 bits, followed by a 4-bit length in the lowest nibble. Paths
// longer than 15 nibbles saturate to the full 15 and must be carried
// alongside the expanded Path instead; this mirrors path64's "overflow"
// concept in the teacher's node-key encoding, where long paths fall back
// to a separate, non-packed representation.
type Path64 uint64

// NewPath64 packs the first min(len(p), 15) nibbles of p.
func NewPath64(p Path) Path64 {
	n := len(p)
	if n > maxPacked {
		n = maxPacked
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(p[i]&0x0f) << uint((maxPacked-i)*4)
	}
	v |= uint64(n)
	return Path64(v)
}

// Len returns the number of nibbles packed into p.
func (p Path64) Len() int {
	return int(p & 0x0f)
}

// At returns the nibble at index i (0 <= i < Len()).
func (p Path64) At(i int) byte {
	return byte(p>>uint((maxPacked-i)*4)) & 0x0f
}

// Append returns a new Path64 with nibble e appended, unless it is already
// at full 15-nibble capacity, in which case it is returned unchanged (the
// caller must detect Len()==15 and switch to the unpacked Path instead).
func (p Path64) Append(e byte) Path64 {
	n := p.Len()
	if n >= maxPacked {
		return p
	}
	shift := uint((maxPacked - n) * 4)
	v := (uint64(p) &^ 0x0f) | (uint64(e&0x0f) << shift)
	v = (v &^ 0x0f) | uint64(n+1)
	return Path64(v)
}

// Expand converts back to an expanded Path.
func (p Path64) Expand() Path {
	n := p.Len()
	out := make(Path, n)
	for i := 0; i < n; i++ {
		out[i] = p.At(i)
	}
	return out
}

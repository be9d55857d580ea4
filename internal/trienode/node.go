// Package trienode implements the packed trie node: a single
// variable-length record carrying a node's path, value, Merkle fragment
// and per-child bookkeeping, plus its bit-exact disk serialization.
package trienode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/catalystdb/mpt/internal/invariant"
	"github.com/catalystdb/mpt/internal/nibble"
	"github.com/catalystdb/mpt/internal/offset"
)

// MaxDataLen is the largest Merkle hash fragment a node or child may carry.
const MaxDataLen = 32

// MaxDiskSize is the largest serialized record body a single node may
// occupy on disk, excluding the 4-byte length prefix. Serialize refuses
// anything larger rather than emitting a record a fixed-size read buffer
// could not hold.
const MaxDiskSize = 1 << 16

// ChildRef is a node's per-child bookkeeping: everything needed to reach
// and prune a child subtree without decoding it first.
type ChildRef struct {
	FNext             offset.ChunkOffset
	MinOffsetFast     offset.VirtualOffset
	MinOffsetSlow     offset.VirtualOffset
	SubtrieMinVersion int64
	Data              []byte // precomputed Merkle fragment, len <= MaxDataLen

	// Child is the in-memory owning pointer to the decoded child, or nil
	// if it has not been loaded (or was released after its depth exceeded
	// the cache-retention level). It is never serialized.
	Child *Node
}

// Node is a single trie node: a path segment, an optional terminal value,
// a precomputed Merkle fragment, and up to 16 children addressed by
// nibble.
type Node struct {
	Mask    uint16
	Path    nibble.Path
	HasValue bool
	Value   []byte
	Data    []byte // this node's own Merkle fragment, len <= MaxDataLen
	Version int64

	Children [16]*ChildRef
}

// NewNode allocates a node with the given path, optional value, Merkle
// fragment and version. children must only have entries at indices that
// are set in mask; it panics otherwise.
func NewNode(mask uint16, children [16]*ChildRef, path nibble.Path, value []byte, data []byte, version int64) *Node {
	for i := 0; i < 16; i++ {
		set := mask&(1<<uint(i)) != 0
		invariant.Check(!set || children[i] != nil, "mask bit %d set but no child supplied", i)
		invariant.Check(set || children[i] == nil, "child supplied at unset mask bit %d", i)
	}
	n := &Node{
		Mask:     mask,
		Path:     path,
		HasValue: value != nil,
		Value:    value,
		Data:     data,
		Version:  version,
		Children: children,
	}
	return n
}

// NumChildren returns the number of children present (popcount of Mask).
func (n *Node) NumChildren() int {
	return bits.OnesCount16(n.Mask)
}

// HasChild reports whether nibble i has a child.
func (n *Node) HasChild(i int) bool {
	return n.Mask&(1<<uint(i)) != 0
}

// Validate checks the structural invariants every at-rest node must
// satisfy. It does not check Merkle determinism, only shape.
func (n *Node) Validate() error {
	if n.NumChildren() == 0 && !n.HasValue {
		return fmt.Errorf("trienode: leaf node without value")
	}
	if n.NumChildren() == 1 && !n.HasValue {
		return fmt.Errorf("trienode: single-child node without value must collapse into its child")
	}
	if len(n.Data) > MaxDataLen {
		return fmt.Errorf("trienode: data fragment length %d exceeds max %d", len(n.Data), MaxDataLen)
	}
	for i := 0; i < 16; i++ {
		c := n.Children[i]
		if c == nil {
			continue
		}
		if len(c.Data) > MaxDataLen {
			return fmt.Errorf("trienode: child %d data fragment length %d exceeds max %d", i, len(c.Data), MaxDataLen)
		}
		if c.SubtrieMinVersion > n.Version {
			return fmt.Errorf("trienode: child %d subtrie_min_version %d exceeds node version %d", i, c.SubtrieMinVersion, n.Version)
		}
	}
	return nil
}

// CalcMinVersion returns min(node.Version, min(children.SubtrieMinVersion)).
func (n *Node) CalcMinVersion() int64 {
	m := n.Version
	for i := 0; i < 16; i++ {
		if c := n.Children[i]; c != nil && c.SubtrieMinVersion < m {
			m = c.SubtrieMinVersion
		}
	}
	return m
}

// Equal compares two nodes for the round-trip invariant: equal up to the
// absence of in-memory child pointers (Child is never compared).
func (n *Node) Equal(o *Node) bool {
	if n.Mask != o.Mask || n.HasValue != o.HasValue || n.Version != o.Version {
		return false
	}
	if !n.Path.Equal(o.Path) || !bytes.Equal(n.Value, o.Value) || !bytes.Equal(n.Data, o.Data) {
		return false
	}
	for i := 0; i < 16; i++ {
		a, b := n.Children[i], o.Children[i]
		if (a == nil) != (b == nil) {
			return false
		}
		if a == nil {
			continue
		}
		if !a.FNext.Equal(b.FNext) || a.MinOffsetFast != b.MinOffsetFast ||
			a.MinOffsetSlow != b.MinOffsetSlow || a.SubtrieMinVersion != b.SubtrieMinVersion ||
			!bytes.Equal(a.Data, b.Data) {
			return false
		}
	}
	return true
}

const childRecordSize = 8 + 4 + 4 + 8 + 1 + 2 // fnext, minFast, minSlow, subtrieMinVersion, dataLen, dataOffset

// Serialize writes the node's on-disk representation: a 4-byte
// little-endian length prefix followed by the record body. In-memory
// child pointers are never written.
func (n *Node) Serialize() ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	var body bytes.Buffer

	var hdr [2 + 1 + 1 + 2 + 8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], n.Mask)
	if n.HasValue {
		hdr[2] = 1
	}
	hdr[3] = byte(len(n.Data))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(n.Path)))
	binary.LittleEndian.PutUint64(hdr[6:14], uint64(n.Version))
	body.Write(hdr[:])

	var valueLenBuf [binary.MaxVarintLen64]byte
	vn := binary.PutUvarint(valueLenBuf[:], uint64(len(n.Value)))
	body.Write(valueLenBuf[:vn])

	var childData bytes.Buffer
	for i := 0; i < 16; i++ {
		c := n.Children[i]
		if c == nil {
			continue
		}
		var rec [childRecordSize]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(c.FNext))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(c.MinOffsetFast))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(c.MinOffsetSlow))
		binary.LittleEndian.PutUint64(rec[16:24], uint64(c.SubtrieMinVersion))
		rec[24] = byte(len(c.Data))
		binary.LittleEndian.PutUint16(rec[25:27], uint16(childData.Len()))
		body.Write(rec[:])
		childData.Write(c.Data)
	}

	body.Write(packNibbles(n.Path))
	body.Write(n.Value)
	body.Write(n.Data)
	body.Write(childData.Bytes())

	if body.Len() > MaxDiskSize {
		return nil, fmt.Errorf("trienode: serialized record %d bytes exceeds max %d", body.Len(), MaxDiskSize)
	}
	out := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// Deserialize restores a node from bytes produced by Serialize, excluding
// the 4-byte length prefix (the caller strips and validates that
// separately, since the prefix lets readers size the buffer before the
// full record is available). Restored children have nil in-memory
// pointers.
func Deserialize(b []byte) (*Node, error) {
	if len(b) < 14 {
		return nil, fmt.Errorf("trienode: record too short: %d bytes", len(b))
	}
	n := &Node{}
	n.Mask = binary.LittleEndian.Uint16(b[0:2])
	n.HasValue = b[2] != 0
	dataLen := int(b[3])
	pathNibbles := int(binary.LittleEndian.Uint16(b[4:6]))
	n.Version = int64(binary.LittleEndian.Uint64(b[6:14]))
	off := 14

	valueLen, vn := binary.Uvarint(b[off:])
	if vn <= 0 {
		return nil, fmt.Errorf("trienode: malformed value length varint")
	}
	off += vn

	numChildren := bits.OnesCount16(n.Mask)
	childRecs := make([][childRecordSize]byte, numChildren)
	for i := range childRecs {
		if off+childRecordSize > len(b) {
			return nil, fmt.Errorf("trienode: truncated child record")
		}
		copy(childRecs[i][:], b[off:off+childRecordSize])
		off += childRecordSize
	}

	pathBytes := (pathNibbles + 1) / 2
	if off+pathBytes > len(b) {
		return nil, fmt.Errorf("trienode: truncated path data")
	}
	n.Path = unpackNibbles(b[off:off+pathBytes], pathNibbles)
	off += pathBytes

	if off+int(valueLen) > len(b) {
		return nil, fmt.Errorf("trienode: truncated value data")
	}
	if valueLen > 0 {
		n.Value = append([]byte(nil), b[off:off+int(valueLen)]...)
	}
	off += int(valueLen)

	if off+dataLen > len(b) {
		return nil, fmt.Errorf("trienode: truncated node data")
	}
	if dataLen > 0 {
		n.Data = append([]byte(nil), b[off:off+dataLen]...)
	}
	off += dataLen

	childDataStart := off
	ci := 0
	for i := 0; i < 16; i++ {
		if n.Mask&(1<<uint(i)) == 0 {
			continue
		}
		rec := childRecs[ci]
		ci++
		c := &ChildRef{
			FNext:             offset.ChunkOffset(binary.LittleEndian.Uint64(rec[0:8])),
			MinOffsetFast:     offset.VirtualOffset(binary.LittleEndian.Uint32(rec[8:12])),
			MinOffsetSlow:     offset.VirtualOffset(binary.LittleEndian.Uint32(rec[12:16])),
			SubtrieMinVersion: int64(binary.LittleEndian.Uint64(rec[16:24])),
		}
		cdLen := int(rec[24])
		cdOff := int(binary.LittleEndian.Uint16(rec[25:27]))
		if childDataStart+cdOff+cdLen > len(b) {
			return nil, fmt.Errorf("trienode: truncated child data for nibble %d", i)
		}
		if cdLen > 0 {
			c.Data = append([]byte(nil), b[childDataStart+cdOff:childDataStart+cdOff+cdLen]...)
		}
		n.Children[i] = c
	}

	return n, nil
}

func packNibbles(p nibble.Path) []byte {
	out := make([]byte, (len(p)+1)/2)
	for i, v := range p {
		if i%2 == 0 {
			out[i/2] = v << 4
		} else {
			out[i/2] |= v & 0x0f
		}
	}
	return out
}

func unpackNibbles(b []byte, n int) nibble.Path {
	p := make(nibble.Path, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			p[i] = b[i/2] >> 4
		} else {
			p[i] = b[i/2] & 0x0f
		}
	}
	return p
}

// Package trie implements the versioned, copy-on-write radix-16
// Merkle-Patricia trie: upsert, find and traverse over nodes addressed by
// chunk_offset_t and cached in memory up to a configurable depth.
package trie

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/catalystdb/mpt/cache"
	"github.com/catalystdb/mpt/internal/nibble"
	"github.com/catalystdb/mpt/internal/offset"
	"github.com/catalystdb/mpt/internal/trienode"
)

// Sentinel error kinds surfaced by Find, matching the error taxonomy of
// the surrounding storage engine.
var (
	ErrKeyNotFound        = errors.New("trie: key not found")
	ErrKeyMismatch        = errors.New("trie: stored path contradicts query key")
	ErrVersionNotAvailable = errors.New("trie: version evicted from retained window")
)

// DefaultCacheLevels is the trie depth, in node levels, up to which freshly
// written nodes are retained in memory rather than released once their
// write is buffered.
const DefaultCacheLevels = 4

// List names which of the two storage partitions (§3) a node landed in,
// so callers building a ChildRef's min-offset bookkeeping know which of
// MinOffsetFast/MinOffsetSlow a freshly written node contributes to.
type List int

const (
	ListFast List = iota
	ListSlow
)

// Store persists and retrieves serialized nodes. A synchronous
// implementation may satisfy it directly; the asynchronous I/O engine
// (see internal/ioengine) satisfies it by blocking the calling goroutine
// on a completion channel, which is the idiomatic stand-in for the
// fiber-suspension model described for the reactor.
type Store interface {
	// WriteNode durably schedules n for write and returns the offset it
	// will occupy, the node's virtual write sequence (see
	// compact_virtual_chunk_offset_t, §3) and which list it landed in.
	// The write may still be in flight when this returns.
	WriteNode(n *trienode.Node) (off offset.ChunkOffset, vOff offset.VirtualOffset, list List, err error)
	// ReadNode loads and deserializes the node at off, transparently
	// following any compaction forwarding entry recorded for off.
	ReadNode(off offset.ChunkOffset) (*trienode.Node, error)
}

// Trie is a handle onto one versioned trie backed by a Store. It is not
// safe for concurrent mutation from multiple goroutines; concurrent
// read-only Find/Traverse calls are safe.
type Trie struct {
	store       Store
	cache       *cache.LRU
	cacheLevels int
}

// New creates a Trie over store, retaining decoded nodes up to
// cacheLevels deep and up to cacheSize entries in its node cache.
func New(store Store, cacheLevels, cacheSize int) *Trie {
	if cacheLevels <= 0 {
		cacheLevels = DefaultCacheLevels
	}
	if cacheSize <= 0 {
		cacheSize = 8192
	}
	return &Trie{
		store:       store,
		cache:       cache.NewLRU(cacheSize),
		cacheLevels: cacheLevels,
	}
}

// Update is a single mutation: set or delete the value at Key, optionally
// discarding the existing subtrie at Key first (Incarnation), optionally
// carrying nested updates (Next) rooted at Key — e.g. an account's
// storage-slot writes nested under the account's own key.
type Update struct {
	Key         nibble.Path
	Value       []byte // nil: delete, unless Next is non-empty (see Flatten)
	Incarnation bool
	Next        UpdateList
}

// UpdateList is a list of Update records, conventionally sorted by Key.
type UpdateList []*Update

// flatOp is a single-key mutation against the flat key space, produced by
// flattening a (possibly nested) UpdateList.
type flatOp struct {
	key         nibble.Path
	value       []byte
	delete      bool
	incarnation bool
}

// Flatten expands a nested UpdateList into a flat, key-prefixed operation
// list. A node with Next present and Incarnation set emits a standalone
// "discard subtrie" op before its children's ops, modeling re-incarnation
// (e.g. account self-destruct-and-recreate) as: wipe, then rebuild from
// Next. A node with neither Value nor Next is a delete of its own key.
func Flatten(prefix nibble.Path, updates UpdateList) []flatOp {
	var out []flatOp
	for _, u := range updates {
		key := append(append(nibble.Path(nil), prefix...), u.Key...)

		if u.Incarnation {
			out = append(out, flatOp{key: key, delete: true, incarnation: true})
		}
		switch {
		case u.Value != nil:
			out = append(out, flatOp{key: key, value: u.Value})
		case len(u.Next) == 0 && !u.Incarnation:
			out = append(out, flatOp{key: key, delete: true})
		}
		if len(u.Next) > 0 {
			out = append(out, Flatten(key, u.Next)...)
		}
	}
	return out
}

// Upsert applies updates at version, returning the new root node. It
// is a programming error to reuse a version already committed; callers
// must pass a strictly increasing version on each call.
func (t *Trie) Upsert(root *trienode.Node, updates UpdateList, version int64) (*trienode.Node, error) {
	ops := Flatten(nil, updates)
	cur := root
	for _, op := range ops {
		var err error
		cur, err = t.apply(cur, op.key, op.value, op.delete, op.incarnation, version, 0)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// apply performs a single insert or delete, returning the new subtrie
// root. depth is the node level below the trie root, used to decide
// whether freshly built nodes keep an in-memory child pointer.
func (t *Trie) apply(cur *trienode.Node, key nibble.Path, value []byte, del, incarnation bool, version int64, depth int) (*trienode.Node, error) {
	if cur == nil {
		if del {
			return nil, nil
		}
		return t.finalize(t.buildLeaf(key, value, version)), nil
	}

	cp := cur.Path.CommonPrefixLen(key)

	switch {
	case cp == len(cur.Path) && cp == len(key):
		// Exact match at this node.
		n := cloneShallow(cur)
		n.Path = append(nibble.Path(nil), key[:cp]...)
		if incarnation {
			// Discard the existing subtrie before applying this update.
			n.Children = [16]*trienode.ChildRef{}
			n.Mask = 0
		}
		n.Version = version
		if del {
			n.HasValue = false
			n.Value = nil
		} else {
			n.HasValue = true
			n.Value = value
		}
		return t.collapse(t.finalize(n), version)

	case cp == len(cur.Path):
		// Descend through the existing child at key[cp].
		nib := key[cp]
		rest := key[cp+1:]
		if del && cur.Children[nib] == nil {
			return cur, nil
		}
		child, err := t.loadChild(cur, int(nib), depth+1)
		if err != nil {
			return nil, err
		}
		newChild, err := t.apply(child, rest, value, del, incarnation, version, depth+1)
		if err != nil {
			return nil, err
		}
		n := cloneShallow(cur)
		n.Version = version
		if newChild == nil {
			n.Children[nib] = nil
			n.Mask &^= 1 << uint(nib)
		} else {
			ref, err := t.makeChildRef(newChild, depth+1)
			if err != nil {
				return nil, err
			}
			n.Children[nib] = ref
			n.Mask |= 1 << uint(nib)
		}
		return t.collapse(t.finalize(n), version)

	case cp == len(key):
		// key ends strictly inside cur.Path: no node exists at exactly
		// this point yet, so deleting a key here is a no-op.
		if del {
			return cur, nil
		}
		// Split cur at cp: this node becomes the branch with a terminal
		// value, cur's remainder hangs off the split nibble.
		oldNib := cur.Path[cp]
		oldRemainder := cloneShallow(cur)
		oldRemainder.Path = append(nibble.Path(nil), cur.Path[cp+1:]...)
		oldRemainder = t.finalize(oldRemainder)

		branch := &trienode.Node{
			Path:     append(nibble.Path(nil), key[:cp]...),
			HasValue: !del,
			Value:    value,
			Version:  version,
		}
		ref, err := t.makeChildRef(oldRemainder, depth+1)
		if err != nil {
			return nil, err
		}
		branch.Children[oldNib] = ref
		branch.Mask = 1 << uint(oldNib)
		return t.collapse(t.finalize(branch), version)

	default:
		// True divergence partway through cur.Path: the key does not
		// exist, so deleting it is a no-op.
		if del {
			return cur, nil
		}
		// Build a branch with two children: cur's remainder and a fresh
		// leaf for key's remainder.
		oldNib := cur.Path[cp]
		oldRemainder := cloneShallow(cur)
		oldRemainder.Path = append(nibble.Path(nil), cur.Path[cp+1:]...)
		oldRemainder = t.finalize(oldRemainder)

		branch := &trienode.Node{
			Path:    append(nibble.Path(nil), key[:cp]...),
			Version: version,
		}
		oldRef, err := t.makeChildRef(oldRemainder, depth+1)
		if err != nil {
			return nil, err
		}
		branch.Children[oldNib] = oldRef
		branch.Mask = 1 << uint(oldNib)

		newNib := key[cp]
		leaf := t.finalize(t.buildLeaf(key[cp+1:], value, version))
		newRef, err := t.makeChildRef(leaf, depth+1)
		if err != nil {
			return nil, err
		}
		branch.Children[newNib] = newRef
		branch.Mask |= 1 << uint(newNib)
		return t.collapse(t.finalize(branch), version)
	}
}

func (t *Trie) buildLeaf(key nibble.Path, value []byte, version int64) *trienode.Node {
	return &trienode.Node{
		Path:     append(nibble.Path(nil), key...),
		HasValue: true,
		Value:    value,
		Version:  version,
	}
}

func cloneShallow(n *trienode.Node) *trienode.Node {
	c := *n
	c.Value = append([]byte(nil), n.Value...)
	c.Data = nil
	return &c
}

// collapse enforces the at-rest shape invariant: a node with zero
// children and no value vanishes; a node with exactly one child and no
// value is merged into that child by path concatenation.
func (t *Trie) collapse(n *trienode.Node, version int64) (*trienode.Node, error) {
	if n.NumChildren() == 0 && !n.HasValue {
		return nil, nil
	}
	if n.NumChildren() == 1 && !n.HasValue {
		var nib int
		var ref *trienode.ChildRef
		for i := 0; i < 16; i++ {
			if n.Children[i] != nil {
				nib = i
				ref = n.Children[i]
				break
			}
		}
		child, err := t.loadRef(ref, 0)
		if err != nil {
			return nil, err
		}
		merged := cloneShallow(child)
		merged.Path = append(append(append(nibble.Path(nil), n.Path...), byte(nib)), child.Path...)
		merged.Version = version
		return t.finalize(merged), nil
	}
	return n, nil
}

// finalize computes a node's Merkle fragment. It must be called after
// every structural change and before the node is handed to makeChildRef
// or returned as a new root.
func (t *Trie) finalize(n *trienode.Node) *trienode.Node {
	n.Data = computeFragment(n)
	return n
}

// makeChildRef writes child to the store and builds the ChildRef a parent
// node should hold, retaining an in-memory pointer only up to cacheLevels
// deep. MinOffsetFast/MinOffsetSlow fold in child's own write location
// (on whichever list it landed in) with the corresponding minimum already
// recorded on each of child's own children, giving the parent an O(1)
// view of the oldest still-live offset anywhere in the subtree (§4.5).
func (t *Trie) makeChildRef(child *trienode.Node, depth int) (*trienode.ChildRef, error) {
	off, vOff, list, err := t.store.WriteNode(child)
	if err != nil {
		return nil, errors.Wrap(err, "trie: write node")
	}
	minFast, minSlow := offset.MaxVirtualOffset, offset.MaxVirtualOffset
	switch list {
	case ListSlow:
		minSlow = vOff
	default:
		minFast = vOff
	}
	for i := 0; i < 16; i++ {
		c := child.Children[i]
		if c == nil {
			continue
		}
		minFast = minFast.Min(c.MinOffsetFast)
		minSlow = minSlow.Min(c.MinOffsetSlow)
	}
	ref := &trienode.ChildRef{
		FNext:             off,
		MinOffsetFast:     minFast,
		MinOffsetSlow:     minSlow,
		SubtrieMinVersion: child.CalcMinVersion(),
		Data:              child.Data,
	}
	if depth < t.cacheLevels {
		ref.Child = child
		t.cache.Add(off.HashKey(), child)
	}
	return ref, nil
}

// loadChild resolves the child at nibble i of cur, reading through the
// store (and populating the in-memory pointer, subject to cacheLevels) on
// a cache miss.
func (t *Trie) loadChild(cur *trienode.Node, i, depth int) (*trienode.Node, error) {
	ref := cur.Children[i]
	if ref == nil {
		return nil, nil
	}
	return t.loadRef(ref, depth)
}

func (t *Trie) loadRef(ref *trienode.ChildRef, depth int) (*trienode.Node, error) {
	if ref.Child != nil {
		return ref.Child, nil
	}
	if v, ok := t.cache.Get(ref.FNext.HashKey()); ok {
		n := v.(*trienode.Node)
		if depth < t.cacheLevels {
			ref.Child = n
		}
		return n, nil
	}
	n, err := t.store.ReadNode(ref.FNext)
	if err != nil {
		return nil, errors.Wrap(err, "trie: read node")
	}
	t.cache.Add(ref.FNext.HashKey(), n)
	if depth < t.cacheLevels {
		ref.Child = n
	}
	return n, nil
}

// computeFragment derives a node's precomputed Merkle proof fragment from
// its own content and its children's fragments, giving every ancestor an
// O(1) digest to fold in without recursing into the subtree.
func computeFragment(n *trienode.Node) []byte {
	h, _ := blake2b.New256(nil)
	var hdr [4]byte
	hdr[0] = byte(n.Mask)
	hdr[1] = byte(n.Mask >> 8)
	if n.HasValue {
		hdr[2] = 1
	}
	h.Write(hdr[:])
	h.Write(n.Path)
	if n.HasValue {
		h.Write(n.Value)
	}
	for i := 0; i < 16; i++ {
		c := n.Children[i]
		if c == nil {
			continue
		}
		h.Write([]byte{byte(i)})
		h.Write(c.Data)
	}
	sum := h.Sum(nil)
	return sum
}

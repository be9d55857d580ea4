package trie

import (
	"sync"

	"github.com/catalystdb/mpt/co"
	"github.com/catalystdb/mpt/internal/nibble"
	"github.com/catalystdb/mpt/internal/trienode"
)

// Find walks from root toward key at the given version, returning the
// matching node (if key lands exactly on a node boundary, the convention
// this package uses for point lookups) or one of ErrKeyNotFound,
// ErrKeyMismatch, ErrVersionNotAvailable.
func (t *Trie) Find(root *trienode.Node, key nibble.Path, version int64) (*trienode.Node, error) {
	cur := root
	for {
		if cur == nil {
			return nil, ErrKeyNotFound
		}
		cp := cur.Path.CommonPrefixLen(key)
		if cp < len(cur.Path) {
			return nil, ErrKeyMismatch
		}
		key = key[cp:]
		if len(key) == 0 {
			if !cur.HasValue {
				return nil, ErrKeyNotFound
			}
			return cur, nil
		}
		nib := key[0]
		ref := cur.Children[nib]
		if ref == nil {
			return nil, ErrKeyNotFound
		}
		if ref.SubtrieMinVersion > version {
			return nil, ErrVersionNotAvailable
		}
		child, err := t.loadRef(ref, 0)
		if err != nil {
			return nil, err
		}
		cur = child
		key = key[1:]
	}
}

// Get is a convenience wrapper over Find returning just the value bytes.
// A path that diverges from key (ErrKeyMismatch from Find) means key is
// absent from this version and is reported as ErrKeyNotFound.
func (t *Trie) Get(root *trienode.Node, key nibble.Path, version int64) ([]byte, error) {
	n, err := t.Find(root, key, version)
	if err == ErrKeyMismatch {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return n.Value, nil
}

// Machine is the client-supplied traversal state machine: down is called
// pre-order on descent into a branch (returning false prunes it), up is
// called post-order on the way back out, and shouldVisit gates whether a
// given child is entered at all.
type Machine interface {
	Down(branch int, n *trienode.Node) bool
	Up(branch int, n *trienode.Node)
	ShouldVisit(n *trienode.Node, branch int) bool
	// Clone returns an independent copy for a sibling subtree explored in
	// parallel; implementations with no mutable state may return
	// themselves.
	Clone() Machine
}

// Traverse pre-order walks root, applying m's hooks, honoring
// ShouldVisit to prune. Once the root itself has been entered, its
// direct children are covered concurrently across a bounded worker pool
// (package co), each carrying its own clone of m so independent subtrees
// never share mutable traversal state.
func (t *Trie) Traverse(root *trienode.Node, m Machine) error {
	if root == nil {
		return nil
	}
	if !m.ShouldVisit(root, -1) {
		return nil
	}
	if !m.Down(-1, root) {
		return nil
	}
	defer m.Up(-1, root)

	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	<-co.Parallel(func(queue chan<- func()) {
		for i := 0; i < 16; i++ {
			ref := root.Children[i]
			if ref == nil {
				continue
			}
			i, ref := i, ref
			queue <- func() {
				child, err := t.loadRef(ref, 0)
				if err != nil {
					recordErr(err)
					return
				}
				recordErr(t.traverse(child, i, m.Clone()))
			}
		}
	})
	return firstErr
}

func (t *Trie) traverse(n *trienode.Node, branch int, m Machine) error {
	if n == nil {
		return nil
	}
	if !m.ShouldVisit(n, branch) {
		return nil
	}
	if !m.Down(branch, n) {
		return nil
	}
	defer m.Up(branch, n)

	for i := 0; i < 16; i++ {
		ref := n.Children[i]
		if ref == nil {
			continue
		}
		child, err := t.loadRef(ref, 0)
		if err != nil {
			return err
		}
		if err := t.traverse(child, i, m); err != nil {
			return err
		}
	}
	return nil
}

package mpt

import "github.com/catalystdb/mpt/internal/trienode"

// Cursor names a resolved position in a specific version's trie: either
// the version's root (from LoadRootForVersion) or a matched node (from
// Find). A zero Cursor is invalid.
type Cursor struct {
	Version int64

	root  *trienode.Node
	valid bool
}

// Valid reports whether the cursor resolved to a real position, as
// opposed to a version outside the ring window.
func (c Cursor) Valid() bool {
	return c.valid
}

package trie

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystdb/mpt/internal/nibble"
	"github.com/catalystdb/mpt/internal/offset"
	"github.com/catalystdb/mpt/internal/trienode"
)

// memStore is an in-memory Store used only by tests; the real engine
// wires internal/ioengine and internal/chunk behind the same interface.
type memStore struct {
	mu     sync.Mutex
	nodes  map[uint64]*trienode.Node
	nextID uint32
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[uint64]*trienode.Node)}
}

func (s *memStore) WriteNode(n *trienode.Node) (offset.ChunkOffset, offset.VirtualOffset, List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	off := offset.NewChunkOffset(1, s.nextID)
	cp := *n
	s.nodes[off.HashKey()] = &cp
	return off, offset.VirtualOffset(s.nextID), ListFast, nil
}

func (s *memStore) ReadNode(off offset.ChunkOffset) (*trienode.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[off.HashKey()]
	if !ok {
		return nil, assert.AnError
	}
	cp := *n
	return &cp, nil
}

func key(hex string) nibble.Path {
	p := make(nibble.Path, len(hex))
	for i, c := range hex {
		switch {
		case c >= '0' && c <= '9':
			p[i] = byte(c - '0')
		case c >= 'a' && c <= 'f':
			p[i] = byte(c-'a') + 10
		}
	}
	return p
}

func TestUpsertAndFindSingleKey(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{
		{Key: key("01111111"), Value: []byte("dead")},
	}, 0)
	require.NoError(t, err)

	v, err := tr.Get(root, key("01111111"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("dead"), v)

	_, err = tr.Get(root, key("11111111"), 0)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUpsertOverwrite(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{{Key: key("00"), Value: []byte("AA")}}, 0)
	require.NoError(t, err)

	root, err = tr.Upsert(root, UpdateList{{Key: key("00"), Value: []byte("BB")}}, 1)
	require.NoError(t, err)

	v, err := tr.Get(root, key("00"), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("BB"), v)
}

func TestBranchSplit(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{
		{Key: key("12345678"), Value: []byte("a")},
		{Key: key("12346678"), Value: []byte("b")},
		{Key: key("12445678"), Value: []byte("c")},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, root.NumChildren())
	assert.True(t, root.HasChild(0x3))
	assert.True(t, root.HasChild(0x4))

	for k, want := range map[string]string{
		"12345678": "a",
		"12346678": "b",
		"12445678": "c",
	} {
		v, err := tr.Get(root, key(k), 0)
		require.NoError(t, err)
		assert.Equal(t, []byte(want), v)
	}
}

func TestDeleteCollapses(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{
		{Key: key("100"), Value: []byte("k1")},
		{Key: key("200"), Value: []byte("k2")},
		{Key: key("300"), Value: []byte("k3")},
	}, 0)
	require.NoError(t, err)

	root, err = tr.Upsert(root, UpdateList{{Key: key("200"), Value: nil}}, 1)
	require.NoError(t, err)

	assertNoSingleChildNoValue(t, tr, root)

	_, err = tr.Get(root, key("200"), 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	for _, k := range []string{"100", "300"} {
		_, err := tr.Get(root, key(k), 1)
		assert.NoError(t, err)
	}
}

func assertNoSingleChildNoValue(t *testing.T, tr *Trie, n *trienode.Node) {
	t.Helper()
	if n == nil {
		return
	}
	if n.NumChildren() == 1 && !n.HasValue {
		t.Fatalf("node has one child and no value: %+v", n)
	}
	for i := 0; i < 16; i++ {
		ref := n.Children[i]
		if ref == nil {
			continue
		}
		child, err := tr.loadRef(ref, 0)
		require.NoError(t, err)
		assertNoSingleChildNoValue(t, tr, child)
	}
}

func TestVersionWindow(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{{Key: key("00"), Value: []byte("AA")}}, 0)
	require.NoError(t, err)
	root, err = tr.Upsert(root, UpdateList{{Key: key("01"), Value: []byte("BB")}}, 1)
	require.NoError(t, err)

	v, err := tr.Get(root, key("00"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("AA"), v)
}

func TestMerkleDeterminism(t *testing.T) {
	tr1 := New(newMemStore(), 4, 64)
	root1, err := tr1.Upsert(nil, UpdateList{
		{Key: key("1234"), Value: []byte("a")},
		{Key: key("5678"), Value: []byte("b")},
	}, 0)
	require.NoError(t, err)

	tr2 := New(newMemStore(), 4, 64)
	root2, err := tr2.Upsert(nil, UpdateList{
		{Key: key("5678"), Value: []byte("b")},
		{Key: key("1234"), Value: []byte("a")},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, root1.Data, root2.Data)
}

func TestIncarnationDiscardsSubtrie(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{
		{Key: key("11"), Value: []byte("account"), Next: UpdateList{
			{Key: key("aa"), Value: []byte("slot1")},
		}},
	}, 0)
	require.NoError(t, err)

	v, err := tr.Get(root, key("11aa"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("slot1"), v)

	root, err = tr.Upsert(root, UpdateList{
		{Key: key("11"), Value: []byte("account2"), Incarnation: true, Next: UpdateList{
			{Key: key("bb"), Value: []byte("slot2")},
		}},
	}, 1)
	require.NoError(t, err)

	_, err = tr.Get(root, key("11aa"), 1)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	v, err = tr.Get(root, key("11bb"), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("slot2"), v)
}

func TestTraverseVisitsAllValues(t *testing.T) {
	tr := New(newMemStore(), 4, 64)
	root, err := tr.Upsert(nil, UpdateList{
		{Key: key("11"), Value: []byte("a")},
		{Key: key("22"), Value: []byte("b")},
		{Key: key("33"), Value: []byte("c")},
	}, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]bool{}
	m := &collectMachine{mu: &mu, seen: seen}
	require.NoError(t, tr.Traverse(root, m))

	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
	assert.True(t, seen["c"])
}

type collectMachine struct {
	mu   *sync.Mutex
	seen map[string]bool
}

func (m *collectMachine) Down(branch int, n *trienode.Node) bool {
	if n.HasValue {
		m.mu.Lock()
		m.seen[string(n.Value)] = true
		m.mu.Unlock()
	}
	return true
}
func (m *collectMachine) Up(branch int, n *trienode.Node)          {}
func (m *collectMachine) ShouldVisit(n *trienode.Node, b int) bool { return true }
func (m *collectMachine) Clone() Machine                            { return m }

package mpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalystdb/mpt/internal/trie"
)

// TestPeerReadsPublishedVersions attaches a read-only peer alongside a
// live writer: every version the writer has published at peer-open time
// is readable through the mmap path, and versions published afterward
// become visible after Refresh.
func TestPeerReadsPublishedVersions(t *testing.T) {
	opts := testOpts(t)
	writer, err := Open(opts)
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.Upsert(trie.UpdateList{{Key: key("00"), Value: []byte{0x11}}}, 0, true, false)
	require.NoError(t, err)
	_, err = writer.Upsert(trie.UpdateList{{Key: key("01"), Value: []byte{0x22}}}, 1, true, false)
	require.NoError(t, err)

	peer, err := OpenPeer(Options{Paths: opts.Paths})
	require.NoError(t, err)
	defer peer.Close()

	assert.Equal(t, int64(1), peer.GetLatestVersion())
	v, err := peer.Get(key("00"), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11}, v)
	v, err = peer.Get(key("01"), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22}, v)

	// A version published after the peer attached is invisible until
	// Refresh re-reads the conventional chunk.
	_, err = writer.Upsert(trie.UpdateList{{Key: key("02"), Value: []byte{0x33}}}, 2, true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), peer.GetLatestVersion())

	require.NoError(t, peer.Refresh())
	assert.Equal(t, int64(2), peer.GetLatestVersion())
	v, err = peer.Get(key("02"), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x33}, v)
}

// TestPeerOutsideWindow mirrors the writer-side window contract on the
// peer surface.
func TestPeerOutsideWindow(t *testing.T) {
	opts := testOpts(t)
	writer, err := Open(opts)
	require.NoError(t, err)
	defer writer.Close()

	_, err = writer.Upsert(trie.UpdateList{{Key: key("00"), Value: []byte{1}}}, 0, true, false)
	require.NoError(t, err)

	peer, err := OpenPeer(Options{Paths: opts.Paths})
	require.NoError(t, err)
	defer peer.Close()

	c, err := peer.LoadRootForVersion(9)
	require.NoError(t, err)
	assert.False(t, c.Valid())

	_, err = peer.Get(key("00"), 9)
	assert.ErrorIs(t, err, ErrVersionNotAvailable)
}

// TestPeerStoreRejectsWrites pins the read-only contract at the store
// seam the trie writes through.
func TestPeerStoreRejectsWrites(t *testing.T) {
	s := &mmapStore{}
	_, _, _, err := s.WriteNode(nil)
	assert.ErrorIs(t, err, ErrReadOnly)
}

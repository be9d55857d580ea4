package mpt

import (
	"github.com/pkg/errors"

	"github.com/catalystdb/mpt/internal/trie"
	"github.com/catalystdb/mpt/internal/version"
)

// Error kinds surfaced by the engine. KeyNotFound, KeyMismatch and
// VersionNotAvailable are the trie package's own sentinels, reused
// directly rather than wrapped so callers can errors.Is against either
// the mpt or trie name.
var (
	ErrKeyNotFound         = trie.ErrKeyNotFound
	ErrKeyMismatch         = trie.ErrKeyMismatch
	ErrVersionNotAvailable = trie.ErrVersionNotAvailable
	ErrMetadataCorrupt     = version.ErrMetadataCorrupt

	// ErrStorageExhausted is returned when no free chunk is available and
	// compaction could not reclaim enough space to satisfy a write.
	ErrStorageExhausted = errors.New("mpt: storage exhausted")
)

// IOFailure wraps a POSIX error surfaced by the storage pool or reactor
// other than EAGAIN (which is retried transparently and never reaches
// here) into the engine's io_failure error kind.
func IOFailure(inner error) error {
	return errors.Wrap(inner, "mpt: io failure")
}

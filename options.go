package mpt

import (
	"github.com/catalystdb/mpt/internal/chunk"
	"github.com/catalystdb/mpt/internal/trie"
)

// Options configures Open. Paths, Mode and Flags map directly onto the
// storage pool's own open(paths, mode, flags) contract; the rest tune
// the caches and compaction thresholds layered on top.
type Options struct {
	// Paths are the backing device or file paths chunks are striped
	// across.
	Paths []string
	// Mode selects ModeTruncate (fresh pool) or ModeOpenExisting
	// (recover from an existing manifest and metadata block).
	Mode chunk.OpenMode
	// Flags carries InterleaveChunksEvenly and any future open-time
	// option.
	Flags chunk.OpenFlags
	// ManifestPath is the chunk-placement manifest's backing path; an
	// empty string gives an in-memory, non-persistent manifest (only
	// appropriate for ModeTruncate test pools).
	ManifestPath string

	// InFlightOps bounds the I/O reactor's simulated ring depth. Zero
	// selects ioengine's own default.
	InFlightOps int64

	// CacheLevels is the trie depth, in node levels, to which freshly
	// written nodes keep an in-memory child pointer. Zero selects
	// trie.DefaultCacheLevels.
	CacheLevels int
	// NodeCacheSize caps the shared decoded-node LRU. Zero selects a
	// built-in default.
	NodeCacheSize int

	// SlowFastRatio is the fast-to-slow live-byte ratio above which an
	// Upsert that requests compaction migrates one candidate.
	SlowFastRatio float64
	// CompactionCandidateCap bounds the pending-migration queue depth.
	CompactionCandidateCap int

	// MaxAccounts and MaxStorageSlots cap the two tiers of the
	// account/storage leaf cache independently. Zero disables that
	// tier (Get/SetAccount and Get/SetStorage become no-ops).
	MaxAccounts     int
	MaxStorageSlots int
}

// withDefaults fills zero-valued fields with the engine's defaults.
func (o Options) withDefaults() Options {
	if o.InFlightOps <= 0 {
		o.InFlightOps = 128
	}
	if o.CacheLevels <= 0 {
		o.CacheLevels = trie.DefaultCacheLevels
	}
	if o.NodeCacheSize <= 0 {
		o.NodeCacheSize = 8192
	}
	if o.SlowFastRatio <= 0 {
		o.SlowFastRatio = 0.5
	}
	if o.CompactionCandidateCap <= 0 {
		o.CompactionCandidateCap = 4096
	}
	return o
}

// Package mpt is a versioned, copy-on-write Merkle-Patricia trie storage
// engine: a chunked append-only storage pool, an asynchronous I/O
// reactor, and a root-offset ring tying them together behind the
// operations in §6 (open, upsert, find, get, traverse, load_root_for_version).
package mpt

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/catalystdb/mpt/cache"
	"github.com/catalystdb/mpt/internal/chunk"
	"github.com/catalystdb/mpt/internal/compact"
	"github.com/catalystdb/mpt/internal/ioengine"
	"github.com/catalystdb/mpt/internal/logging"
	"github.com/catalystdb/mpt/internal/nibble"
	"github.com/catalystdb/mpt/internal/offset"
	"github.com/catalystdb/mpt/internal/trie"
	"github.com/catalystdb/mpt/internal/trienode"
	"github.com/catalystdb/mpt/internal/version"
)

var log = logging.With("engine")

// metadataOffset is the fixed location of the metadata block: chunk 0,
// byte 0, per §6.
var metadataOffset = offset.NewChunkOffset(0, 0)

// Engine is one open storage pool together with its trie, reactor,
// compaction and leaf-cache layers. Exactly one Engine may hold a pool
// open for writing at a time; any number of read-only peers may share
// the same paths (§6), though this type only models the writer side.
type Engine struct {
	pool      *chunk.StoragePool
	io        *ioengine.Engine
	store     *nodeStore
	trie      *trie.Trie
	compactor *compact.Compactor
	metaStore *version.Store
	leafCache *cache.AccountStorageCache
	metrics   *Metrics

	mu         sync.Mutex
	root       *trienode.Node
	rootOffset offset.ChunkOffset

	finalized atomic.Int64
}

// Open opens (or, with ModeTruncate, creates) a storage pool at the
// given paths and wires the full engine over it.
func Open(opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	pool, err := chunk.Open(opts.Paths, opts.Mode, opts.Flags, opts.ManifestPath)
	if err != nil {
		return nil, err
	}
	if _, err := pool.ActivateChunk(chunk.RoleCnv, 0); err != nil {
		return nil, errors.Wrap(err, "mpt: activate conventional chunk")
	}

	metrics := NewMetrics()
	ioEng := ioengine.New(pool, opts.InFlightOps, metrics.ioengine)
	ioEng.Start()

	compactor := compact.New(pool, opts.SlowFastRatio, opts.CompactionCandidateCap, metrics.compact)
	store := newNodeStore(pool, ioEng, compactor)
	tr := trie.New(store, opts.CacheLevels, opts.NodeCacheSize)

	ring := version.NewRing()
	meta := &version.Metadata{SlowFastRatio: opts.SlowFastRatio}
	if opts.Mode == chunk.ModeOpenExisting {
		decodedMeta, decodedRing, err := readMetadata(pool)
		if err != nil {
			return nil, err
		}
		meta = decodedMeta
		ring = decodedRing
	}
	metaStore := version.NewStore(meta, ring, func(b []byte) error {
		return pool.WriteAt(metadataOffset, b)
	})
	if opts.Mode == chunk.ModeTruncate {
		// Stamp a clean metadata block immediately so a pool created and
		// abandoned before its first upsert still reopens as empty rather
		// than as corrupt.
		if err := metaStore.Flush(); err != nil {
			return nil, err
		}
	}
	if meta.IsDirty() {
		// The engine terminated mid-mutation; rewind to the last clean
		// state and discard whatever version never finished publishing
		// (§4.6, §8 S5).
		log.Warn("metadata dirty on open, recovering", "start_of_wip_fast", meta.StartOfWIPFast, "start_of_wip_slow", meta.StartOfWIPSlow)
		if err := metaStore.Recover(pool.RewindWIP); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		pool:      pool,
		io:        ioEng,
		store:     store,
		trie:      tr,
		compactor: compactor,
		metaStore: metaStore,
		leafCache: cache.NewAccountStorageCache(opts.MaxAccounts, opts.MaxStorageSlots),
		metrics:   metrics,
	}
	e.finalized.Store(version.InvalidVersion)
	return e, nil
}

// readMetadata decodes the metadata block and root-offset ring persisted
// together at chunk 0, byte 0 (§3, §4.6): on a clean reopen this
// restores the ring exactly as it stood at the last Release, so
// GetLatestVersion and LoadRootForVersion work immediately without
// replaying any writes.
func readMetadata(pool *chunk.StoragePool) (*version.Metadata, *version.Ring, error) {
	b := make([]byte, version.BlockSize())
	if err := pool.ReadAt(metadataOffset, b); err != nil {
		return nil, nil, IOFailure(err)
	}
	m, r, err := version.DecodeAll(b)
	if err != nil {
		return nil, nil, err
	}
	return m, r, nil
}

// Close stops the reactor and releases the underlying pool.
func (e *Engine) Close() error {
	e.io.Stop()
	return e.pool.Close()
}

// Metrics returns the engine's Prometheus collectors for external
// registration.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Upsert durably installs a new version built from updates on top of
// the current root, writing freshly built nodes to the fast or slow
// role per writeToFast, and optionally running one compaction pass
// afterward.
func (e *Engine) Upsert(updates trie.UpdateList, ver int64, writeToFast, runCompaction bool) (Cursor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ver < e.metaStore.Ring.NextVersion() {
		return Cursor{}, errors.New("mpt: version must be strictly increasing")
	}

	if writeToFast {
		e.store.setRole(chunk.RoleFast)
	} else {
		e.store.setRole(chunk.RoleSlow)
	}

	// BeginMutation stamps the metadata block dirty before any node of
	// this version is written, so a crash anywhere below leaves behind a
	// dirty block whose start_of_wip_* pointers still describe the
	// append position from before this mutation started (captured here,
	// not after trie.Upsert runs).
	preWIPFast, preWIPSlow := e.pool.WIPOffsets()
	holder, err := e.metaStore.BeginMutation()
	if err != nil {
		return Cursor{}, err
	}

	newRoot, err := e.trie.Upsert(e.root, updates, ver)
	if err != nil {
		_ = holder.Release(preWIPFast, preWIPSlow)
		return Cursor{}, err
	}

	var rootOff offset.ChunkOffset
	if newRoot != nil {
		rootOff, _, _, err = e.store.WriteNode(newRoot)
		if err != nil {
			_ = holder.Release(preWIPFast, preWIPSlow)
			return Cursor{}, err
		}
	}
	e.metaStore.Ring.Publish(ver, rootOff)
	wipFast, wipSlow := e.pool.WIPOffsets()
	if err := holder.Release(wipFast, wipSlow); err != nil {
		return Cursor{}, err
	}

	e.root = newRoot
	e.rootOffset = rootOff
	e.metrics.UpsertsTotal.Inc()
	log.Debug("upsert applied", "version", ver, "updates", len(updates), "write_to_fast", writeToFast)

	if runCompaction {
		e.runCompactionPass()
	}

	return Cursor{Version: ver, root: newRoot, valid: true}, nil
}

// Find resolves key against the trie as of version, mirroring §4.2.2.
func (e *Engine) Find(key nibble.Path, ver int64) (Cursor, error) {
	e.metrics.FindsTotal.Inc()
	root, err := e.loadRootAt(ver)
	if err != nil {
		return Cursor{}, err
	}
	n, err := e.trie.Find(root, key, ver)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			e.metrics.KeyNotFound.Inc()
		}
		return Cursor{}, err
	}
	return Cursor{Version: ver, root: n, valid: true}, nil
}

// Get is a convenience wrapper over Find returning just the matched
// value.
func (e *Engine) Get(key nibble.Path, ver int64) ([]byte, error) {
	e.metrics.FindsTotal.Inc()
	root, err := e.loadRootAt(ver)
	if err != nil {
		return nil, err
	}
	v, err := e.trie.Get(root, key, ver)
	if errors.Is(err, ErrKeyNotFound) {
		e.metrics.KeyNotFound.Inc()
	}
	return v, err
}

// Traverse walks cursor's root, applying m's hooks (§4.2.3).
func (e *Engine) Traverse(c Cursor, m trie.Machine) error {
	return e.trie.Traverse(c.root, m)
}

// LoadRootForVersion resolves the root cursor for version v, returning
// an invalid cursor (no error) if v lies outside the ring window.
func (e *Engine) LoadRootForVersion(v int64) (Cursor, error) {
	off, ok := e.metaStore.Ring.Lookup(v)
	if !ok {
		return Cursor{}, nil
	}
	root, err := e.resolveRoot(off)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{Version: v, root: root, valid: true}, nil
}

// GetLatestVersion returns the most recently published version.
func (e *Engine) GetLatestVersion() int64 {
	return e.metaStore.Ring.LatestVersion()
}

// WaitNextVersion blocks until a version past the one observed at call
// time is published, or ctx is done, returning the new latest version.
// Callers that want to follow the chain tip without polling
// GetLatestVersion in a loop use this instead.
func (e *Engine) WaitNextVersion(ctx context.Context) (int64, error) {
	before := e.metaStore.Ring.LatestVersion()
	waiter := e.metaStore.Ring.WaitNext()
	select {
	case <-waiter.C():
	case <-ctx.Done():
		return before, ctx.Err()
	}
	return e.metaStore.Ring.LatestVersion(), nil
}

// GetEarliestVersion returns the oldest version still retained in the
// ring window.
func (e *Engine) GetEarliestVersion() int64 {
	return e.metaStore.Ring.EarliestVersion()
}

// Poll forwards to the reactor's Poll, which processes nothing and
// returns 0 (completions are delivered directly to their waiters).
func (e *Engine) Poll(blocking bool, maxCompletions int) int {
	return e.io.Poll(blocking, maxCompletions)
}

// UpdateFinalizedVersion publishes v as the finalized head, the
// watermark below which the caller has promised no further reorg can
// occur.
func (e *Engine) UpdateFinalizedVersion(v int64) {
	e.finalized.Store(v)
}

// FinalizedVersion returns the version last published via
// UpdateFinalizedVersion, or version.InvalidVersion if none has been.
func (e *Engine) FinalizedVersion() int64 {
	return e.finalized.Load()
}

func (e *Engine) loadRootAt(ver int64) (*trienode.Node, error) {
	off, ok := e.metaStore.Ring.Lookup(ver)
	if !ok {
		return nil, ErrVersionNotAvailable
	}
	return e.resolveRoot(off)
}

// resolveRoot returns the already-resident in-memory root if off
// matches the current version's root offset, avoiding a redundant read
// back through the store right after Upsert built it.
func (e *Engine) resolveRoot(off offset.ChunkOffset) (*trienode.Node, error) {
	e.mu.Lock()
	if off.IsNull() {
		e.mu.Unlock()
		return nil, nil
	}
	if e.root != nil && off.Equal(e.rootOffset) {
		root := e.root
		e.mu.Unlock()
		return root, nil
	}
	e.mu.Unlock()
	return e.store.ReadNode(off)
}

// runCompactionPass checks whether the ratio of fast to slow live bytes
// has exceeded slow_fast_ratio and, if so, pulls the single
// lowest-virtual-offset candidate off the pending-migration queue,
// rewrites it into slow storage, and records a forwarding entry so any
// parent pointer not yet rewritten by a later version's copy-on-write
// path still resolves (§4.5). Once every record a chunk ever held has
// been forwarded this way, the chunk itself is retired and its capacity
// credited back. It is invoked synchronously from Upsert when the
// caller requests compaction; repeated calls drain the queue
// incrementally rather than all at once, bounding the pause a single
// Upsert can incur.
func (e *Engine) runCompactionPass() {
	fast, slow := e.store.liveBytes()
	if !e.compactor.FastRatioExceeded(fast, slow) {
		return
	}
	cand, ok := e.compactor.NextCandidate()
	if !ok {
		return
	}
	if err := e.migrateCandidate(cand); err != nil {
		log.Error("compaction migration failed", "off", cand.Off.String(), "err", err)
	} else {
		e.metrics.CompactionsRun.Inc()
	}
}

// migrateCandidate rewrites the node at cand.Off into the slow list
// verbatim (its own content, including its children's offsets, is
// unchanged; only its own location moves) and records the forwarding
// entry old -> new. If that was the last outstanding record in cand's
// chunk, the chunk is retired.
func (e *Engine) migrateCandidate(cand compact.Candidate) error {
	node, err := e.store.ReadNode(cand.Off)
	if err != nil {
		return err
	}
	prevRole := e.store.currentRole()
	e.store.setRole(chunk.RoleSlow)
	newOff, _, _, err := e.store.WriteNode(node)
	e.store.setRole(prevRole)
	if err != nil {
		return err
	}
	e.compactor.RecordForward(cand.Off, newOff)
	if chunkID, drained := e.compactor.MarkMigrated(cand.Off); drained {
		return e.compactor.RetireChunk(chunkID)
	}
	return nil
}

// Package chunk implements the storage pool: a fixed-capacity set of
// 256 MiB chunks, partitioned into fast, slow and conventional roles,
// backed by one or more block devices or files interleaved evenly when
// more than one is configured.
package chunk

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/catalystdb/mpt/internal/logging"
	"github.com/catalystdb/mpt/internal/offset"
	"github.com/catalystdb/mpt/internal/version"
)

var log = logging.With("chunk")

// Size is the fixed capacity of every chunk: 256 MiB.
const Size = 256 << 20

// Disk constants (§6): DiskPageSize is the device sector size,
// CPUPageSize is the host page, and DMAPageSize is the smallest transfer
// granularity the device accepts. The I/O engine's buffer pool classes
// its allocations by these. Writes are not aligned to DiskPageSize:
// WriteFD hands out byte-granular offsets.
const (
	DiskPageSize = 512
	CPUPageSize  = 4096
	DMAPageSize  = 64
)

// MaxChunkID is the largest chunk id the 20-bit chunk_offset_t field can
// address (§3). allocateChunk refuses to mint an id past this.
const MaxChunkID = 1<<20 - 1

// ErrStorageExhausted is returned once every addressable chunk id has
// been minted (§7): the pool has no room left to activate a fresh chunk.
var ErrStorageExhausted = errors.New("chunk: storage exhausted")

// Role partitions chunks by how the engine uses them.
type Role byte

const (
	RoleFree Role = iota
	RoleCnv       // conventional: metadata block + root-offset ring
	RoleFast      // recently written nodes
	RoleSlow      // nodes forwarded here by compaction
)

// OpenMode mirrors the external open(paths, mode, flags) contract.
type OpenMode int

const (
	ModeOpenExisting OpenMode = iota
	ModeTruncate
)

// OpenFlags carries boolean options orthogonal to OpenMode.
type OpenFlags struct {
	InterleaveChunksEvenly bool
}

// device is one backing file (or block device) chunks are striped
// across.
type device struct {
	path string
	f    *os.File
}

// Chunk is a handle onto one 256 MiB region of a device.
type Chunk struct {
	ID       uint32
	Role     Role
	dev      *device
	devBase  int64 // byte offset of this chunk's region within dev.f
	writePos uint32
}

// StoragePool owns a set of devices and the chunks carved from them. All
// mutation happens on the pool's owning goroutine; ReadAt is safe to call
// concurrently from read-only peers.
type StoragePool struct {
	mu       sync.Mutex
	devices  []*device
	chunks   map[uint32]*Chunk
	flags    OpenFlags
	manifest *Manifest
	readOnly bool
	nextID   uint32

	activeFast *Chunk
	activeSlow *Chunk
	freeList   []uint32

	// info tracks which of the free/fast/slow lists each chunk id
	// currently belongs to, the bookkeeping a compaction sweep or an
	// admin inspection walks without taking p.mu (see internal/version's
	// ABA-safe ChunkInfoTable).
	info *version.ChunkInfoTable

	fastSeq atomic.Uint64
	slowSeq atomic.Uint64
}

// Open opens or truncates the given backing paths as the pool's devices.
// manifestPath is passed straight to OpenManifest; an empty string gives
// an in-memory (non-persistent) manifest.
func Open(paths []string, mode OpenMode, flags OpenFlags, manifestPath string) (*StoragePool, error) {
	if len(paths) == 0 {
		return nil, errors.New("chunk: at least one device path required")
	}
	p := &StoragePool{
		chunks: make(map[uint32]*Chunk),
		flags:  flags,
		info:   version.NewChunkInfoTable(),
	}
	osFlags := os.O_RDWR | os.O_CREATE
	if mode == ModeTruncate {
		osFlags |= os.O_TRUNC
	}
	for _, path := range paths {
		f, err := os.OpenFile(path, osFlags, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "chunk: open device %s", path)
		}
		p.devices = append(p.devices, &device{path: path, f: f})
	}
	m, err := OpenManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	p.manifest = m
	// Chunk id 0 is reserved for the conventional chunk the engine
	// activates explicitly right after Open returns; starting the
	// allocator at 1 keeps allocateChunk from ever reissuing it.
	p.nextID = 1
	if mode == ModeOpenExisting {
		if err := p.restoreFromManifest(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// OpenReadOnly opens the pool's devices for peer access: files are
// opened read-only, no manifest is touched (placement is derived from
// the chunk id and the pool's device interleave, the same arithmetic the
// writer used to place each chunk), and chunk handles materialize
// lazily as reads address them. Any number of peers may hold a pool
// open this way alongside the single writer (§6).
func OpenReadOnly(paths []string, flags OpenFlags) (*StoragePool, error) {
	if len(paths) == 0 {
		return nil, errors.New("chunk: at least one device path required")
	}
	p := &StoragePool{
		chunks:   make(map[uint32]*Chunk),
		flags:    flags,
		info:     version.NewChunkInfoTable(),
		readOnly: true,
	}
	for _, path := range paths {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "chunk: open device %s read-only", path)
		}
		p.devices = append(p.devices, &device{path: path, f: f})
	}
	return p, nil
}

// restoreFromManifest rebuilds the in-memory chunk table from the
// manifest's durable placement records, so chunks written in a prior
// session stay addressable for reads without replaying every write.
// Restored chunks are treated as sealed (writePos == Size): appending to
// one resumes only via RewindWIP, which re-derives the true write cursor
// from the recovered metadata block rather than this reconstruction.
func (p *StoragePool) restoreFromManifest() error {
	entries, err := p.manifest.All()
	if err != nil {
		return err
	}
	var maxID uint32
	for id, a := range entries {
		dev := p.deviceFor(id)
		if int(a.DeviceIndex) < len(p.devices) {
			dev = p.devices[a.DeviceIndex]
		}
		c := &Chunk{ID: id, Role: a.Role, dev: dev, devBase: int64(id) * Size, writePos: Size}
		p.chunks[id] = c
		p.info.Insert(id, listForRole(a.Role))
		if id > maxID {
			maxID = id
		}
	}
	if len(entries) > 0 && maxID+1 > p.nextID {
		p.nextID = maxID + 1
	}
	return nil
}

// Close releases every device file and the manifest.
func (p *StoragePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, d := range p.devices {
		if err := d.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.manifest != nil {
		if err := p.manifest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deviceFor picks the device for a new chunk id, interleaving evenly
// across configured devices when requested, otherwise always using the
// first.
func (p *StoragePool) deviceFor(id uint32) *device {
	if !p.flags.InterleaveChunksEvenly || len(p.devices) == 1 {
		return p.devices[0]
	}
	return p.devices[int(id)%len(p.devices)]
}

// ActivateChunk maps a chunk for I/O, allocating backing space on its
// device if this is the first time id has been used.
func (p *StoragePool) ActivateChunk(role Role, id uint32) (*Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.chunks[id]; ok {
		c.Role = role
		p.info.Insert(id, listForRole(role))
		return c, nil
	}
	dev := p.deviceFor(id)
	c := &Chunk{ID: id, Role: role, dev: dev, devBase: int64(id) * Size}
	if err := dev.f.Truncate(c.devBase + Size); err != nil {
		return nil, errors.Wrap(err, "chunk: extend device")
	}
	p.chunks[id] = c
	if err := p.manifest.Put(id, DeviceAssignment{DeviceIndex: p.deviceIndex(dev), Role: role}); err != nil {
		return nil, err
	}
	p.info.Insert(id, listForRole(role))
	return c, nil
}

// listForRole maps a chunk Role onto the ChunkList its info record should
// be threaded on; RoleCnv chunks are tracked under ListFast since they're
// never compaction candidates but still need a home in the table.
func listForRole(role Role) version.ChunkList {
	switch role {
	case RoleSlow:
		return version.ListSlow
	case RoleFree:
		return version.ListFree
	default:
		return version.ListFast
	}
}

func (p *StoragePool) deviceIndex(d *device) uint16 {
	for i, dd := range p.devices {
		if dd == d {
			return uint16(i)
		}
	}
	return 0
}

// allocateChunk mints a fresh chunk id. Retired ids are deliberately never
// recycled here: the compactor's forwarding table (internal/compact) keys
// stale parent pointers by their original ChunkOffset, and handing that
// same id back out to unrelated fresh data would make an old, never-yet
// rewritten pointer resolve to the wrong node. freeList only tracks
// reclaimed capacity for reporting; it is not consumed by allocation.
func (p *StoragePool) allocateChunk(role Role) (*Chunk, error) {
	p.mu.Lock()
	if p.nextID > MaxChunkID {
		p.mu.Unlock()
		return nil, ErrStorageExhausted
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()
	return p.ActivateChunk(role, id)
}

// WriteFD reserves a contiguous write window of nBytes inside the
// current active chunk for role, rotating to a fresh chunk if the
// current one lacks room. It returns the absolute chunk offset the
// caller must write nBytes to.
func (p *StoragePool) WriteFD(role Role, nBytes uint32) (offset.ChunkOffset, error) {
	active, err := p.activeChunk(role)
	if err != nil {
		return 0, err
	}
	for {
		pos := atomic.LoadUint32(&active.writePos)
		if uint64(pos)+uint64(nBytes) > Size {
			active, err = p.rotateChunk(role)
			if err != nil {
				return 0, err
			}
			continue
		}
		if atomic.CompareAndSwapUint32(&active.writePos, pos, pos+nBytes) {
			return offset.NewChunkOffset(active.ID, pos), nil
		}
	}
}

// NextVirtualOffset hands out the next value of role's monotonic
// compact_virtual_chunk_offset_t sequence: a chunk-id-agnostic counter the
// compactor uses to order migration candidates by write recency without
// decoding chunk offsets, per the rationale in §3 for why virtual offsets
// exist separately from the physical 20-bit chunk id (which, unlike this
// counter, is never reused once retired).
func (p *StoragePool) NextVirtualOffset(role Role) offset.VirtualOffset {
	var seq *atomic.Uint64
	switch role {
	case RoleSlow:
		seq = &p.slowSeq
	default:
		seq = &p.fastSeq
	}
	return offset.VirtualOffset(seq.Add(1))
}

func (p *StoragePool) activeChunk(role Role) (*Chunk, error) {
	p.mu.Lock()
	var c *Chunk
	switch role {
	case RoleFast:
		c = p.activeFast
	case RoleSlow:
		c = p.activeSlow
	}
	p.mu.Unlock()
	if c != nil {
		return c, nil
	}
	return p.rotateChunk(role)
}

func (p *StoragePool) rotateChunk(role Role) (*Chunk, error) {
	c, err := p.allocateChunk(role)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	switch role {
	case RoleFast:
		p.activeFast = c
	case RoleSlow:
		p.activeSlow = c
	}
	p.mu.Unlock()
	log.Info("chunk rotated", "chunk", c.ID, "role", role)
	return c, nil
}

// WriteAt writes b at off, which must have been obtained from WriteFD
// (or be a rewrite of already-reserved space, as compaction performs).
// The underlying pwrite is issued directly against the device file
// descriptor. Device files are opened without O_DIRECT, so writes go
// through the OS page cache, and off need not be sector-aligned.
func (p *StoragePool) WriteAt(off offset.ChunkOffset, b []byte) error {
	if p.readOnly {
		return errors.New("chunk: write on read-only pool")
	}
	c, err := p.chunkByID(off.ChunkID())
	if err != nil {
		return err
	}
	absolute := c.devBase + int64(off.ByteOffset())
	n, err := unix.Pwrite(int(c.dev.f.Fd()), b, absolute)
	if err != nil {
		return errors.Wrap(err, "chunk: pwrite")
	}
	if n != len(b) {
		return errors.Errorf("chunk: short pwrite: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

// ReadAt reads len(b) bytes from off into b. Safe for concurrent callers,
// including read-only peer pool instances.
func (p *StoragePool) ReadAt(off offset.ChunkOffset, b []byte) error {
	c, err := p.chunkByID(off.ChunkID())
	if err != nil {
		return err
	}
	absolute := c.devBase + int64(off.ByteOffset())
	n, err := unix.Pread(int(c.dev.f.Fd()), b, absolute)
	if err != nil {
		return errors.Wrap(err, "chunk: pread")
	}
	if n != len(b) {
		return errors.Errorf("chunk: short pread: read %d of %d bytes", n, len(b))
	}
	return nil
}

func (p *StoragePool) chunkByID(id uint32) (*Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chunks[id]
	if !ok {
		if !p.readOnly {
			return nil, errors.Errorf("chunk: unknown chunk id %d", id)
		}
		// A peer has no manifest; placement follows from the same id
		// arithmetic the writer used, so a handle can materialize on
		// first access.
		c = &Chunk{ID: id, Role: RoleFree, dev: p.deviceFor(id), devBase: int64(id) * Size, writePos: Size}
		p.chunks[id] = c
	}
	return c, nil
}

// RetireChunk returns a chunk to the free list. It must not be called
// while any live offset still references it; the compactor is
// responsible for that invariant (see internal/compact).
func (p *StoragePool) RetireChunk(id uint32) error {
	p.mu.Lock()
	c, ok := p.chunks[id]
	if !ok {
		p.mu.Unlock()
		return errors.Errorf("chunk: unknown chunk id %d", id)
	}
	c.Role = RoleFree
	atomic.StoreUint32(&c.writePos, 0)
	// A retired chunk stops being a write target, so its id never takes
	// fresh data at offsets the forwarding table may still redirect.
	if p.activeFast == c {
		p.activeFast = nil
	}
	if p.activeSlow == c {
		p.activeSlow = nil
	}
	p.freeList = append(p.freeList, id)
	p.mu.Unlock()
	p.info.Insert(id, version.ListFree)
	log.Info("chunk retired", "chunk", id)
	return p.manifest.Delete(id)
}

// ChunkIDsOnList returns a point-in-time snapshot of every chunk id
// currently tracked under list (free, fast or slow), via the lock-free
// ABA-safe walk in internal/version.ChunkInfoTable. Intended for
// admin/inspection and compaction-candidate diagnostics, not the hot
// path.
func (p *StoragePool) ChunkIDsOnList(list version.ChunkList) []uint32 {
	return p.info.Snapshot(list)
}

// WIPOffsets returns the current fast and slow active chunks' append
// cursors, encoded as ChunkOffsets. The engine passes these to
// version.Holder.Release when a mutation commits, so a later dirty reopen
// knows exactly where that mutation's writes started.
func (p *StoragePool) WIPOffsets() (fast, slow offset.ChunkOffset) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeFast != nil {
		fast = offset.NewChunkOffset(p.activeFast.ID, atomic.LoadUint32(&p.activeFast.writePos))
	}
	if p.activeSlow != nil {
		slow = offset.NewChunkOffset(p.activeSlow.ID, atomic.LoadUint32(&p.activeSlow.writePos))
	}
	return fast, slow
}

// RewindWIP restores the fast/slow append cursors to fast/slow, undoing
// whatever partial writes followed the last clean commit. It is the
// pool-side half of the §4.6 dirty-reopen protocol: version.Store.Recover
// calls this (through the callback the engine passes it) with the
// start_of_wip_* pointers it decoded, before clearing the dirty bit. A
// chunk id that isn't present (for instance because the pool was
// reopened with an in-memory manifest, which restores no chunks) is left
// as-is: there is nothing to rewind without the chunk's own storage.
func (p *StoragePool) RewindWIP(fast, slow offset.ChunkOffset) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !fast.IsNull() {
		if c, ok := p.chunks[fast.ChunkID()]; ok {
			atomic.StoreUint32(&c.writePos, fast.ByteOffset())
			p.activeFast = c
		}
	}
	if !slow.IsNull() {
		if c, ok := p.chunks[slow.ChunkID()]; ok {
			atomic.StoreUint32(&c.writePos, slow.ByteOffset())
			p.activeSlow = c
		}
	}
	return nil
}

// MapReadOnly memory-maps a chunk for peer (read-only) access, avoiding a
// pread syscall per node on the hot lookup path.
func (p *StoragePool) MapReadOnly(id uint32) (mmap.MMap, error) {
	c, err := p.chunkByID(id)
	if err != nil {
		return nil, err
	}
	m, err := mmap.MapRegion(c.dev.f, Size, mmap.RDONLY, 0, c.devBase)
	if err != nil {
		return nil, errors.Wrap(err, "chunk: mmap chunk")
	}
	return m, nil
}

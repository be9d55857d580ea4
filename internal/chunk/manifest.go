package chunk

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Manifest is the durable chunk registry: which device a chunk id lives
// on and which role it was last assigned. It survives restarts
// independently of the in-chunk metadata block (§4.6), which only tracks
// per-chunk liveness bookkeeping, not device placement.
type Manifest struct {
	db   *leveldb.DB
	stor storage.Storage
}

// DeviceAssignment records where a chunk lives and its role at the time
// of the last flush.
type DeviceAssignment struct {
	DeviceIndex uint16
	Role        Role
}

// OpenManifest opens (creating if necessary) a manifest at path. An empty
// path opens an in-memory manifest, used by tests and by read-only peers
// that reconstruct placement from the conventional chunk instead.
func OpenManifest(path string) (*Manifest, error) {
	var stor storage.Storage
	var err error
	if path == "" {
		stor = storage.NewMemStorage()
	} else {
		stor, err = storage.OpenFile(path, false)
		if err != nil {
			return nil, errors.Wrap(err, "chunk: open manifest storage")
		}
	}
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, errors.Wrap(err, "chunk: open manifest db")
	}
	return &Manifest{db: db, stor: stor}, nil
}

// Close releases the underlying database and its storage (including the
// file lock of an on-disk manifest).
func (m *Manifest) Close() error {
	err := m.db.Close()
	if serr := m.stor.Close(); err == nil {
		err = serr
	}
	return err
}

// Put records (or updates) the placement of a chunk id.
func (m *Manifest) Put(id uint32, a DeviceAssignment) error {
	var val [3]byte
	binary.LittleEndian.PutUint16(val[0:2], a.DeviceIndex)
	val[2] = byte(a.Role)
	return m.db.Put(manifestKey(id), val[:], nil)
}

// Get retrieves the placement of a chunk id.
func (m *Manifest) Get(id uint32) (DeviceAssignment, bool, error) {
	val, err := m.db.Get(manifestKey(id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return DeviceAssignment{}, false, nil
		}
		return DeviceAssignment{}, false, errors.Wrap(err, "chunk: get manifest entry")
	}
	return DeviceAssignment{
		DeviceIndex: binary.LittleEndian.Uint16(val[0:2]),
		Role:        Role(val[2]),
	}, true, nil
}

// Delete removes a chunk id's placement, used when a chunk is retired.
// The id itself is never reused (see allocateChunk), so this only drops
// the manifest's record of where it used to live.
func (m *Manifest) Delete(id uint32) error {
	return m.db.Delete(manifestKey(id), nil)
}

// All returns every chunk id currently recorded, keyed by id. Open calls
// this to reconstruct the in-memory chunk table of a pool reopened
// against an existing manifest, so chunks written in a prior session
// remain addressable for reads without re-activating each one by hand.
func (m *Manifest) All() (map[uint32]DeviceAssignment, error) {
	out := make(map[uint32]DeviceAssignment)
	iter := m.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != 4 {
			continue
		}
		id := binary.BigEndian.Uint32(key)
		val := iter.Value()
		if len(val) != 3 {
			continue
		}
		out[id] = DeviceAssignment{
			DeviceIndex: binary.LittleEndian.Uint16(val[0:2]),
			Role:        Role(val[2]),
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "chunk: iterate manifest")
	}
	return out, nil
}

func manifestKey(id uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], id)
	return k[:]
}

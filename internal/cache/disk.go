package cache

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key prefixes inside leveldb: cache files, alternate objects and metadata.
const (
	prefixFile = "e:"
	prefixAlt  = "a:"
	prefixMeta = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	putKey string
	putVal []byte
	touch  bool
	delKey string
	synced chan struct{}
}

// diskCache is the persistent tier. Reads go straight to leveldb, writes are
// serialized through a single writer goroutine so callers never block on
// disk I/O.
type diskCache struct {
	maxBytes int64
	log      zerolog.Logger

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	closeMu sync.RWMutex
	closed  bool
	ops     chan diskOp
	done    chan struct{}
}

// newDiskCache opens the leveldb database at path. An empty path opens an
// in-memory database.
func newDiskCache(path string, maxBytes int64, log zerolog.Logger) (*diskCache, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open cache db %q", path)
	}
	d := &diskCache{
		maxBytes: maxBytes,
		log:      log,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.closeMu.Unlock()
	<-d.done
	return d.db.Close()
}

func (d *diskCache) send(op diskOp) bool {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return false
	}
	d.ops <- op
	return true
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefixMeta)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(prefixMeta)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "load cache index")
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// Get returns the value stored under the prefixed key and records the access.
func (d *diskCache) Get(key string) ([]byte, bool) {
	b, err := d.db.Get([]byte(key), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			d.log.Warn().Err(err).Str("key", key).Msg("Could not read persistent cache")
		}
		return nil, false
	}
	d.mu.Lock()
	_, exists := d.index[key]
	d.mu.Unlock()
	if exists {
		d.send(diskOp{putKey: key, touch: true})
	}
	return b, true
}

func (d *diskCache) PutAsync(key string, val []byte) {
	clone := make([]byte, len(val))
	copy(clone, val)
	d.send(diskOp{putKey: key, putVal: clone})
}

func (d *diskCache) Delete(key string) {
	d.send(diskOp{delKey: key})
}

// Flush blocks until every write queued before the call has been applied.
func (d *diskCache) Flush() {
	synced := make(chan struct{})
	if !d.send(diskOp{synced: synced}) {
		return
	}
	<-synced
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch {
		case op.synced != nil:
			close(op.synced)
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.touch:
			d.applyTouch(op.putKey)
		case op.putKey != "":
			d.applyPut(op.putKey, op.putVal)
		}
	}
}

func (d *diskCache) applyPut(key string, val []byte) {
	now := time.Now().Unix()
	size := int64(len(val))

	d.mu.Lock()
	old := d.index[key]
	d.totalSize += size - old.Size
	meta := diskMeta{Size: size, LastAccess: now}
	d.index[key] = meta
	total := d.totalSize
	d.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(key), val)
	mb, _ := encodeGob(meta)
	batch.Put([]byte(prefixMeta+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("Could not write persistent cache")
		return
	}

	if d.maxBytes > 0 && total > d.maxBytes {
		d.evictSome(key)
	}
}

func (d *diskCache) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	if ok {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, _ := encodeGob(meta)
	if err := d.db.Put([]byte(prefixMeta+key), mb, nil); err != nil {
		d.log.Warn().Err(err).Str("key", key).Msg("Could not update cache access time")
	}
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(key))
	batch.Delete([]byte(prefixMeta + key))
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("Could not delete from persistent cache")
	}

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome deletes least-recently-accessed keys until the total size is back
// under the limit, keeping the key that was just written.
func (d *diskCache) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	for _, it := range items {
		if d.TotalSize() <= d.maxBytes {
			return
		}
		d.applyDelete(it.key)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

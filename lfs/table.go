package lfs

import (
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/reslock"
)

// Table is table_t: on-disk metadata plus the live memtable and the
// availability guard that compaction/drop contend with workers for.
type Table struct {
	Meta     cmn.TableMeta
	memtable *memtable
	lock     *reslock.ResLock

	deleted    int32
	compacting int32

	filtersMu sync.Mutex
	filters   map[string]*cuckoo.Filter
}

func newTable(meta cmn.TableMeta) *Table {
	return &Table{
		Meta:     meta,
		memtable: newMemtable(meta.Partitions),
		lock:     reslock.New(false),
		filters:  make(map[string]*cuckoo.Filter),
	}
}

func (t *Table) IsDeleted() bool    { return atomic.LoadInt32(&t.deleted) != 0 }
func (t *Table) markDeleted()       { atomic.StoreInt32(&t.deleted, 1) }

// tryBeginCompaction enforces "at most one compaction per table"
// (spec §4.6 "Compaction" policy): returns false if one is already
// running, in which case the caller silently skips.
func (t *Table) tryBeginCompaction() bool {
	return atomic.CompareAndSwapInt32(&t.compacting, 0, 1)
}

func (t *Table) endCompaction() { atomic.StoreInt32(&t.compacting, 0) }

// keyDigest hashes a key into the bytes consulted/inserted by the
// table's per-file cuckoo filters (spec stack: OneOfOne/xxhash feeds
// seiflotfy/cuckoofilter, per the LFS select skip-scan, §4.6).
func keyDigest(key uint16) []byte {
	h := xxhash.New64()
	var buf [2]byte
	buf[0] = byte(key)
	buf[1] = byte(key >> 8)
	h.Write(buf[:])
	sum := h.Sum64()
	var out [8]byte
	for i := 0; i < 8; i++ {
		out[i] = byte(sum >> (8 * i))
	}
	return out[:]
}

// buildFilter indexes a batch of records' keys into a fresh cuckoo
// filter and caches it under path so that subsequent selects can skip
// the file without decoding it, until the file is rewritten.
func (t *Table) buildFilter(path string, recs []memRecord) {
	capacity := uint(len(recs))
	if capacity < 16 {
		capacity = 16
	}
	f := cuckoo.NewFilter(capacity)
	for _, r := range recs {
		f.InsertUnique(keyDigest(r.Key))
	}
	t.filtersMu.Lock()
	t.filters[path] = f
	t.filtersMu.Unlock()
}

// mayContain reports whether key may be in path according to its
// cached filter; false means the filter rules the key out. A
// missing filter (e.g. right after a cold restart) is treated as
// "maybe" so the caller falls back to decoding the file.
func (t *Table) mayContain(path string, key uint16) bool {
	t.filtersMu.Lock()
	f := t.filters[path]
	t.filtersMu.Unlock()
	if f == nil {
		return true
	}
	return f.Lookup(keyDigest(key))
}

func (t *Table) invalidateFilter(path string) {
	t.filtersMu.Lock()
	delete(t.filters, path)
	t.filtersMu.Unlock()
}

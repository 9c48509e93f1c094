package lfs

import (
	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/xerr"
)

// Select implements the merge-read of spec §4.6 "Select algorithm":
// the freshest of (memtable, every active dump, the owning partition)
// wins. It is guarded by the table's availability lock so a
// compaction's snapshot/swap stages exclude concurrent reads.
func (e *Engine) Select(tableName string, key uint16) (cmn.Record, error) {
	t, err := e.lookupTable(tableName)
	if err != nil {
		return cmn.Record{}, err
	}

	if !t.lock.AvailGuardBegin() {
		return cmn.Record{}, xerr.New(xerr.KindTableBlocked, nil)
	}
	defer t.lock.AvailGuardEnd()

	best, found := t.memtable.lookup(key)

	dumps, _ := e.fs.ListDumps(tableName)
	for _, j := range dumps {
		cand, ok := e.scanDump(t, tableName, j, key)
		if ok && (!found || cand.Timestamp > best.Timestamp) {
			best, found = cand, true
		}
	}

	partIdx := part(key, t.Meta.Partitions)
	if cand, ok := e.scanPartition(t, tableName, partIdx, key); ok && (!found || cand.Timestamp > best.Timestamp) {
		best, found = cand, true
	}

	if !found {
		return cmn.Record{}, xerr.New(xerr.KindKeyNotFound, nil)
	}
	return cmn.Record{Key: best.Key, Timestamp: best.Timestamp, Value: best.Value}, nil
}

func (e *Engine) scanDump(t *Table, tableName string, dumpNumber uint16, key uint16) (memRecord, bool) {
	path := e.fs.dumpPath(tableName, dumpNumber, false)
	if !t.mayContain(path, key) {
		return memRecord{}, false
	}
	d, err := e.fs.GetDump(tableName, dumpNumber, false)
	if err != nil {
		return memRecord{}, false
	}
	return e.scanDescriptor(t, path, d, key)
}

func (e *Engine) scanPartition(t *Table, tableName string, partIdx uint16, key uint16) (memRecord, bool) {
	path := e.fs.partPath(tableName, partIdx, false)
	if !t.mayContain(path, key) {
		return memRecord{}, false
	}
	d, err := e.fs.GetPartition(tableName, partIdx, false)
	if err != nil {
		return memRecord{}, false
	}
	return e.scanDescriptor(t, path, d, key)
}

func (e *Engine) scanDescriptor(t *Table, path string, d FileDescriptor, key uint16) (memRecord, bool) {
	raw, err := e.fs.ReadFile(d)
	if err != nil {
		return memRecord{}, false
	}
	recs, err := parseRows(raw)
	if err != nil {
		return memRecord{}, false
	}
	if t.filters != nil {
		t.buildFilter(path, recs)
	}
	var best memRecord
	found := false
	for _, r := range recs {
		if r.Key == key && (!found || r.Timestamp > best.Timestamp) {
			best, found = r, true
		}
	}
	return best, found
}

package lfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// memRecord is record_t / table_record_t: one logical row.
type memRecord struct {
	Key       uint16
	Timestamp uint64
	Value     string
}

// memtable is the in-memory buffer described in spec §4.6: unsorted,
// may contain duplicates until it is dumped or merged during
// compaction.
type memtable struct {
	mu         sync.Mutex
	partitions uint16
	records    []memRecord
}

func newMemtable(partitions uint16) *memtable {
	return &memtable{partitions: partitions}
}

func (m *memtable) add(key uint16, value string, timestamp uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, memRecord{Key: key, Timestamp: timestamp, Value: value})
}

func (m *memtable) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// drain returns a copy of all records and clears the memtable (spec
// §4.6 "Dump": "Clear the in-memory memtable").
func (m *memtable) drain() []memRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memRecord, len(m.records))
	copy(out, m.records)
	m.records = m.records[:0]
	return out
}

// lookup scans for the highest-timestamp record matching key, as the
// in-memory memtable contributes to a select (spec §4.6 "Select algorithm").
func (m *memtable) lookup(key uint16) (memRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best memRecord
	found := false
	for _, r := range m.records {
		if r.Key == key && (!found || r.Timestamp > best.Timestamp) {
			best = r
			found = true
		}
	}
	return best, found
}

// part returns key % partitions, the sharding function used
// throughout the full comparator and the select/compaction paths.
func part(key uint16, partitions uint16) uint16 {
	if partitions == 0 {
		return 0
	}
	return key % partitions
}

// sortFull orders by (key%partitions asc, key asc, timestamp desc):
// full ordering used before dedup and before partition merges.
func sortFull(recs []memRecord, partitions uint16) {
	sort.SliceStable(recs, func(i, j int) bool {
		pi, pj := part(recs[i].Key, partitions), part(recs[j].Key, partitions)
		if pi != pj {
			return pi < pj
		}
		if recs[i].Key != recs[j].Key {
			return recs[i].Key < recs[j].Key
		}
		return recs[i].Timestamp > recs[j].Timestamp
	})
}

// dedup collapses consecutive rows sharing (key%partitions, key),
// keeping the first — which, after sortFull, is the
// highest-timestamp one (spec §4.6 "uniquify under the equality
// comparator").
func dedup(recs []memRecord, partitions uint16) []memRecord {
	if len(recs) == 0 {
		return recs
	}
	out := recs[:1]
	for _, r := range recs[1:] {
		last := out[len(out)-1]
		if part(r.Key, partitions) == part(last.Key, partitions) && r.Key == last.Key {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sortAndDedup is the combined "sort with the full comparator,
// uniquify under the equality comparator" step used by both dump and
// compaction.
func sortAndDedup(recs []memRecord, partitions uint16) []memRecord {
	sortFull(recs, partitions)
	return dedup(recs, partitions)
}

// serializeRows renders records as "TIMESTAMP;KEY;VALUE\n" lines
// (spec §4.6 "Dump").
func serializeRows(recs []memRecord) []byte {
	var sb strings.Builder
	for _, r := range recs {
		fmt.Fprintf(&sb, "%d;%d;%s\n", r.Timestamp, r.Key, r.Value)
	}
	return []byte(sb.String())
}

// parseRows is the inverse of serializeRows, tolerant of a trailing
// empty line.
func parseRows(data []byte) ([]memRecord, error) {
	lines := strings.Split(string(data), "\n")
	recs := make([]memRecord, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ";", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("lfs: malformed row %q", line)
		}
		ts, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lfs: malformed timestamp in row %q: %w", line, err)
		}
		key, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("lfs: malformed key in row %q: %w", line, err)
		}
		recs = append(recs, memRecord{Key: uint16(key), Timestamp: ts, Value: parts[2]})
	}
	return recs, nil
}

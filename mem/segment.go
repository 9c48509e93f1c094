package mem

import (
	"sync"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/metrics"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/reslock"
)

// Segment is segment_t: one table's page dictionary and resource
// lock. Keyed by key (spec keys the original's page dict by the
// key's string form; a Go map[uint16]*page is the idiomatic
// equivalent and carries the same semantics).
type Segment struct {
	TableName string

	pagesMu sync.Mutex
	pages   map[uint16]*page

	Lock *reslock.ResLock
}

func newSegment(tableName string) *Segment {
	return &Segment{
		TableName: tableName,
		pages:     make(map[uint16]*page),
		Lock:      reslock.New(false),
	}
}

// segmentAvailGuardBegin looks up (or lazily creates) tableName's
// segment under the table-map lock, then acquires its availability
// guard — mirroring mm_segment_avail_guard_begin's "create on first
// touch" behavior (spec §4.7).
func (e *Engine) segmentAvailGuardBegin(tableName string) (*Segment, error) {
	e.tablesMu.Lock()
	s, ok := e.tables[tableName]
	if !ok {
		s = newSegment(tableName)
		e.tables[tableName] = s
	}
	e.tablesMu.Unlock()

	if !s.Lock.AvailGuardBegin() {
		return nil, xerr.New(xerr.KindTableBlocked, nil)
	}
	return s, nil
}

func (e *Engine) segmentAvailGuardEnd(s *Segment) { s.Lock.AvailGuardEnd() }

// read implements mm_page_read: map lookup, then a read-lock with a
// re-check that the page is still ours (it may have been stolen by a
// concurrent allocation between the lookup and the lock).
func (s *Segment) read(e *Engine, key uint16) (cmn.Record, error) {
	s.pagesMu.Lock()
	p, ok := s.pages[key]
	s.pagesMu.Unlock()
	if !ok {
		metrics.PageCacheMisses.Inc()
		return cmn.Record{}, xerr.Newf(xerr.KindKeyNotFound, "key %d does not exist in table %q", key, s.TableName)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.parent != s {
		metrics.PageCacheMisses.Inc()
		return cmn.Record{}, xerr.Newf(xerr.KindKeyNotFound, "key %d does not exist in table %q", key, s.TableName)
	}
	if !p.modified {
		e.frames.lruTouch(p)
	}
	metrics.PageCacheHits.Inc()
	return e.frames.frameRead(p.frameNumber), nil
}

// write implements mm_page_write: timestamp-dominant merge against an
// existing page, or allocation of a fresh one. isModification marks
// the page as dirty (destined for the next journal) vs. clean
// (replaceable, LRU-tracked) — INSERT always modifies; a journal
// replay of an already-durable record would not.
func (s *Segment) write(e *Engine, rec cmn.Record, isModification bool) (cmn.Record, error) {
	s.pagesMu.Lock()
	if p, ok := s.pages[rec.Key]; ok {
		p.mu.Lock()
		if p.parent == s {
			cur := e.frames.frameRead(p.frameNumber)
			if rec.Timestamp >= cur.Timestamp {
				e.frames.frameWrite(p.frameNumber, rec)
				switch {
				case !p.modified && isModification:
					e.frames.lruRemove(p)
				case p.modified && !isModification:
					e.frames.pagesMu.Lock()
					e.frames.lruPushFront(p)
					e.frames.pagesMu.Unlock()
				}
				p.modified = isModification
			} else {
				// a more recent write already landed; hand it back.
				rec = cur
			}
			p.mu.Unlock()
			s.pagesMu.Unlock()
			return rec, nil
		}
		p.mu.Unlock()
	}

	// not present (or the page was stolen): allocate a fresh one.
	np, ok := e.frames.alloc(s, isModification)
	if !ok {
		s.pagesMu.Unlock()
		return cmn.Record{}, xerr.New(xerr.KindMemoryFull, nil)
	}
	np.mu.Lock()
	e.frames.frameWrite(np.frameNumber, rec)
	np.mu.Unlock()
	s.pages[rec.Key] = np
	s.pagesMu.Unlock()
	return rec, nil
}

// modifiedPages returns every page this segment still owns and that
// is dirty, for the journal sweep (§4.7 step 3). Not safe to call
// concurrently with inserts; the caller holds the engine blocked.
func (s *Segment) modifiedPages() []uint16 {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()
	keys := make([]uint16, 0, len(s.pages))
	for k, p := range s.pages {
		if p.parent == s && p.modified {
			keys = append(keys, k)
		}
	}
	return keys
}

// Package mem implements C7: the MEM node's main-memory page cache —
// one flat frame buffer shared by every table, a segment per table
// tracking which frames it owns, and the LRU + journal machinery that
// reclaims frames under memory pressure (spec §4.7).
package mem

import (
	"container/list"
	"encoding/binary"
	"sync"

	"github.com/lissandra-db/lissandra/cmn"
)

// page is page_t: one frame's metadata. frameNumber never changes
// once assigned; parent and modified change as the frame is reused.
//
// The original protects both the frame/LRU bookkeeping and the
// per-page content with the *same* recursive mutex. Here the two are
// split: pagesMu (on framePool) guards frameNumber/parent assignment
// and LRU list membership, while the page's own mu guards the frame's
// byte content during concurrent reads/writes. lruTouch and lruRemove
// take pagesMu themselves; lruPushFront and lruPopBack assume the
// caller already holds it. None of them is called reentrantly, so a
// plain sync.Mutex suffices (same resolution as task.Scheduler's
// non-reentrant mutex).
type page struct {
	frameNumber uint32
	parent      *Segment
	modified    bool
	mu          sync.RWMutex
	lruElem     *list.Element
}

// framePool is the mainMem buffer plus the page array and LRU list
// shared across every segment.
type framePool struct {
	frameSize uint32
	valueSize uint16
	frameMax  uint32
	mainMem   []byte

	pagesMu    sync.Mutex
	pages      []page
	pagesCount uint32
	lru        *list.List // of *page; front = most-recently-touched clean page
}

func newFramePool(memSize uint32, valueSize uint16) (*framePool, bool) {
	frameSize := uint32(8+2) + uint32(valueSize) // timestamp(8) + key(2) + value
	frameMax := memSize / frameSize
	if frameMax == 0 {
		return nil, false
	}
	return &framePool{
		frameSize: frameSize,
		valueSize: valueSize,
		frameMax:  frameMax,
		mainMem:   make([]byte, frameMax*frameSize),
		pages:     make([]page, frameMax),
		lru:       list.New(),
	}, true
}

// alloc is mm_page_alloc: grab a fresh frame while pagesCount <
// frameMax, otherwise reassign the LRU tail. Returns ok=false only
// when the cache is full of modified (unreclaimable) pages.
func (fp *framePool) alloc(parent *Segment, isModification bool) (*page, bool) {
	fp.pagesMu.Lock()
	defer fp.pagesMu.Unlock()

	var p *page
	if fp.pagesCount == fp.frameMax {
		p = fp.lruPopBack()
		if p == nil {
			return nil, false
		}
		p.mu.Lock()
		p.modified = isModification
		p.parent = parent
		p.mu.Unlock()
	} else {
		p = &fp.pages[fp.pagesCount]
		p.frameNumber = fp.pagesCount
		p.modified = isModification
		p.parent = parent
		fp.pagesCount++
	}

	if !isModification {
		fp.lruPushFront(p)
	}
	return p, true
}

func (fp *framePool) lruPushFront(p *page) {
	p.lruElem = fp.lru.PushFront(p)
}

func (fp *framePool) lruPopBack() *page {
	e := fp.lru.Back()
	if e == nil {
		return nil
	}
	fp.lru.Remove(e)
	p := e.Value.(*page)
	p.lruElem = nil
	return p
}

func (fp *framePool) lruTouch(p *page) {
	fp.pagesMu.Lock()
	defer fp.pagesMu.Unlock()
	if p.lruElem != nil {
		fp.lru.MoveToFront(p.lruElem)
	}
}

func (fp *framePool) lruRemove(p *page) {
	fp.pagesMu.Lock()
	defer fp.pagesMu.Unlock()
	if p.lruElem != nil {
		fp.lru.Remove(p.lruElem)
		p.lruElem = nil
	}
}

func (fp *framePool) reset() {
	fp.pagesMu.Lock()
	defer fp.pagesMu.Unlock()
	fp.pagesCount = 0
	fp.lru.Init()
}

// frameRead/frameWrite decode/encode a record at a fixed frame offset:
// 8-byte timestamp, 2-byte key, then a valueSize-wide value region
// (zero-padded; trailing zero bytes are trimmed on read).
func (fp *framePool) frameRead(frameNumber uint32) cmn.Record {
	base := frameNumber * fp.frameSize
	ts := binary.LittleEndian.Uint64(fp.mainMem[base : base+8])
	key := binary.LittleEndian.Uint16(fp.mainMem[base+8 : base+10])
	val := fp.mainMem[base+10 : base+10+uint32(fp.valueSize)]
	end := len(val)
	for end > 0 && val[end-1] == 0 {
		end--
	}
	value := make([]byte, end)
	copy(value, val[:end])
	return cmn.Record{Key: key, Timestamp: ts, Value: string(value)}
}

func (fp *framePool) frameWrite(frameNumber uint32, rec cmn.Record) {
	base := frameNumber * fp.frameSize
	binary.LittleEndian.PutUint64(fp.mainMem[base:base+8], rec.Timestamp)
	binary.LittleEndian.PutUint16(fp.mainMem[base+8:base+10], rec.Key)
	region := fp.mainMem[base+10 : base+10+uint32(fp.valueSize)]
	for i := range region {
		region[i] = 0
	}
	copy(region, rec.Value)
}

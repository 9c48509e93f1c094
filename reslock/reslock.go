// Package reslock implements C3: the block-then-drain latch used to
// serialize compaction/drop/journal against in-flight reads and
// writes (spec §4.3). It is the one primitive that every higher
// component (mem.Segment, lfs.Table, the MEM main-memory-wide journal
// gate) embeds.
package reslock

import (
	"sync"
	"time"
)

// ResLock mirrors cx_reslock_t. The zero value is not ready for use;
// call New.
type ResLock struct {
	mu               sync.Mutex
	cond             *sync.Cond
	blocked          bool
	counter          uint16
	blockedStartTime time.Time
	blockedTime      time.Duration
}

func New(startsBlocked bool) *ResLock {
	l := &ResLock{}
	l.cond = sync.NewCond(&l.mu)
	if startsBlocked {
		l.blocked = true
		l.blockedStartTime = time.Now()
	}
	return l
}

// AvailGuardBegin increments the in-flight counter and returns true,
// unless the resource is blocked, in which case it returns false and
// the caller must not proceed (§4.3, §7 TableBlocked/MemoryBlocked).
func (l *ResLock) AvailGuardBegin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked {
		return false
	}
	l.counter++
	return true
}

// AvailGuardEnd decrements the in-flight counter and, if it reached
// zero, wakes any waiter parked in WaitUnused.
func (l *ResLock) AvailGuardEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counter == 0 {
		panic("reslock: avail_guard begin/end mismatch")
	}
	l.counter--
	if l.counter == 0 {
		l.cond.Broadcast()
	}
}

func (l *ResLock) IsBlocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blocked
}

// Block marks the resource as draining: every subsequent
// AvailGuardBegin fails until Unblock. Panics if already blocked,
// matching the original's CX_CHECK invariant.
func (l *ResLock) Block() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked {
		panic("reslock: already blocked")
	}
	l.blocked = true
	l.blockedStartTime = time.Now()
}

// Unblock clears the blocked flag and publishes the elapsed blocked
// duration (surfaced via BlockedTime, and to cmn/metrics.BlockedTimeSeconds
// by callers that care which resource it was).
func (l *ResLock) Unblock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.blocked {
		panic("reslock: not blocked")
	}
	l.blocked = false
	l.blockedTime = time.Since(l.blockedStartTime)
	l.cond.Broadcast()
}

func (l *ResLock) BlockedTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.blockedTime
}

func (l *ResLock) Counter() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// WaitUnused blocks the caller until the in-flight counter reaches
// zero — used by compaction/drop/journal after Block() to drain
// operations that were already in progress (§4.3, §4.6, §4.7).
func (l *ResLock) WaitUnused() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.counter != 0 {
		l.cond.Wait()
	}
}

package mem

import (
	"sync/atomic"
	"time"

	"github.com/lissandra-db/lissandra/cmn/metrics"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/task"
)

type journalJob struct{}

// tryEnqueueJournal is mm_journal_tryenqueue: at most one journal task
// may be pending or running at a time.
func (e *Engine) tryEnqueueJournal() {
	if !atomic.CompareAndSwapInt32(&e.journaling, 0, 1) {
		nlog.Infof("[mem] ignoring journal request, one is already in flight")
		return
	}
	t := e.sched.Create(task.OriginInternalPriority, task.TypeMTJournal, &journalJob{}, task.InvalidHandle)
	if t == nil {
		atomic.StoreInt32(&e.journaling, 0)
		nlog.Warningf("[mem] could not schedule journal: out of task handles")
		return
	}
	e.sched.Activate(t)
}

// runJournal implements mm_journal_run: block the whole memory,
// drain every modified page to LFS, reset the cache, unblock and
// replay the blocked queue. Runs as a main-thread task so it never
// races a worker thread's page allocation.
func (e *Engine) runJournal(t *task.Task) bool {
	start := time.Now()
	e.memLock.Block()
	e.memLock.WaitUnused()

	var failErr error
	e.tablesMu.RLock()
	segments := make([]*Segment, 0, len(e.tables))
	for _, s := range e.tables {
		segments = append(segments, s)
	}
	e.tablesMu.RUnlock()

	for _, s := range segments {
		if failErr != nil {
			break
		}
		for _, key := range s.modifiedPages() {
			rec, err := s.read(e, key)
			if err != nil {
				continue // page was stolen since modifiedPages() snapshotted it
			}
			if err := e.journalInsertOne(t.Handle, s.TableName, rec); err != nil {
				failErr = err
				break
			}
		}
	}

	e.tablesMu.Lock()
	e.tables = make(map[string]*Segment)
	e.tablesMu.Unlock()
	e.frames.reset()

	e.memLock.Unblock()
	e.drainBlockedQueue()
	atomic.StoreInt32(&e.journaling, 0)

	t.Err = failErr
	metrics.JournalDurationSeconds.Observe(time.Since(start).Seconds())
	if failErr != nil {
		nlog.Warningf("[mem] journal failed after %s: %v", time.Since(start), failErr)
	} else {
		nlog.Infof("[mem] journal completed in %s (blocked %s)", time.Since(start), e.memLock.BlockedTime())
	}
	return true
}

func (e *Engine) pushBlocked(t *task.Task) {
	e.blockedMu.Lock()
	t.State = task.StateBlockedAwaiting
	e.blockedQueue = append(e.blockedQueue, t)
	e.blockedMu.Unlock()
}

func (e *Engine) drainBlockedQueue() {
	e.blockedMu.Lock()
	queue := e.blockedQueue
	e.blockedQueue = nil
	e.blockedMu.Unlock()

	for _, t := range queue {
		e.sched.Activate(t)
	}
}

// reschedule is the scheduler's Reschedule callback (spec §4.7 "When
// a worker task fails with MemoryFull..."): MemoryFull triggers a
// journal if none is pending; both MemoryFull and MemoryBlocked park
// the task until the next journal completes. Anything else (notably
// TableBlocked, which only arises for a table mid-drop) is left for
// the caller to see as a plain failure — retrying it would be
// pointless.
func (e *Engine) reschedule(t *task.Task) {
	switch xerr.KindOf(t.Err) {
	case xerr.KindMemoryFull:
		e.tryEnqueueJournal()
		e.pushBlocked(t)
	case xerr.KindMemoryBlocked:
		e.pushBlocked(t)
	default:
		nlog.Warningf("[mem] unexpected reschedule for task type %v with err %v", t.Type, t.Err)
		e.sched.Completion(t)
	}
}

// Package task implements C4: the typed task lifecycle shared by KER
// and MEM (LFS uses the simpler lfs/worker pool directly, since it has
// no main-thread-exclusive state to protect — see lfs/worker.go).
//
// Design note on reentrancy (spec §9 "Reentrant mutex on the task
// allocator"): the C original uses a PTHREAD_MUTEX_RECURSIVE because
// Create() is sometimes called from within a worker callback while the
// scheduler's own mutex is held elsewhere. This Go port never calls
// user callbacks (RunMT/RunWT/Completed/Free/Reschedule) while holding
// the scheduler's internal mutex, so a plain sync.Mutex is sufficient
// and reentrancy is not needed.
package task

import (
	"sort"
	"sync"
	"time"

	"github.com/lissandra-db/lissandra/cmn/metrics"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/handle"
)

// MaxTasks bounds the number of in-flight tasks (spec's MAX_TASKS = 4096).
const MaxTasks = 4096

// Callbacks are the scheduler-driven hooks a node binary supplies.
type Callbacks struct {
	RunMT       func(*Task) bool // main-thread task; false => re-activate and retry next tick
	RunWT       func(*Task)      // worker-thread task, runs on the pool
	Completed   func(*Task)      // invoked once per task, in completionKey order
	Free        func(*Task)      // invoked just before a task's resources are released
	Reschedule  func(*Task)      // invoked for BlockedReschedule tasks during update()
}

// Scheduler is taskman_ctx_t.
type Scheduler struct {
	cb Callbacks

	mu        sync.Mutex
	isRunning bool
	halloc    *handle.Allocator
	tasks     []*Task

	completionMu  sync.Mutex
	completionKey uint32

	pool    *pool
	mtQueue *mcq
}

// New starts a scheduler with numWorkers pool threads.
func New(numWorkers int, cb Callbacks) *Scheduler {
	s := &Scheduler{
		cb:        cb,
		isRunning: true,
		halloc:    handle.New(MaxTasks),
		tasks:     make([]*Task, MaxTasks),
		mtQueue:   newMCQ(),
	}
	for i := range s.tasks {
		s.tasks[i] = newTask(uint16(i))
		s.tasks[i].ClientHandle = InvalidHandle
		s.tasks[i].RemoteID = InvalidHandle
	}
	s.pool = newPool("worker", numWorkers, func(t *Task) {
		metrics.TasksInFlight.Inc()
		t.State = StateRunning
		s.cb.RunWT(t)
		metrics.TasksInFlight.Dec()
	})
	return s
}

// Create allocates a task, or nil if the scheduler is stopped or out
// of task handles (spec §4.4: "we ran out of task handles" is logged,
// not fatal — the caller simply fails the request).
func (s *Scheduler) Create(origin Origin, typ Type, data interface{}, clientHandle uint16) *Task {
	s.mu.Lock()
	running := s.isRunning
	var h uint16 = InvalidHandle
	if running {
		h = s.halloc.Alloc()
	}
	s.mu.Unlock()

	if !running || h == InvalidHandle {
		return nil
	}

	t := s.tasks[h]
	t.State = StateNone
	t.Type = typ
	t.Origin = origin
	t.Data = data
	if origin == OriginAPI {
		t.ClientHandle = clientHandle
	} else {
		t.ClientHandle = InvalidHandle
	}
	return t
}

// Activate publishes a task into the system (New state), per §4.4.
func (s *Scheduler) Activate(t *Task) { t.State = StateNew }

// Update runs one iteration of the main-thread loop (spec §4.4 "Update cycle").
func (s *Scheduler) Update() {
	s.mu.Lock()
	count := s.halloc.Count()
	handles := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		handles[i] = s.halloc.At(i)
	}
	s.mu.Unlock()

	var completed []uint16
	for _, h := range handles {
		t := s.tasks[h]
		if s.isRunning {
			switch t.State {
			case StateNew:
				t.State = StateReady
				t.StartTime = time.Now()
				t.Err = nil
				if t.Type.IsWorkerThread() {
					if t.Origin == OriginInternalPriority {
						s.pool.submitFirst(t)
					} else {
						s.pool.submit(t)
					}
				} else {
					s.mtQueue.push(t)
				}
			case StateBlockedReschedule:
				if s.cb.Reschedule != nil {
					s.cb.Reschedule(t)
				}
			}
		}
		if t.State == StateCompleted {
			completed = append(completed, h)
		}
	}

	if len(completed) > 0 {
		sort.Sort(byCompletionKey{handles: completed, tasks: s.tasks})
		for _, h := range completed {
			t := s.tasks[h]
			result := "ok"
			if t.Err != nil {
				result = "error"
			}
			metrics.TasksCompleted.WithLabelValues(typeLabel(t.Type), result).Inc()
			if s.cb.Completed != nil {
				s.cb.Completed(t)
			}
			s.freeTask(t)
		}
	}

	if s.isRunning {
		s.processMTQueue()
	}
}

func typeLabel(t Type) string {
	switch t {
	case TypeWTCreate:
		return "create"
	case TypeWTDrop:
		return "drop"
	case TypeWTDescribe:
		return "describe"
	case TypeWTSelect:
		return "select"
	case TypeWTInsert:
		return "insert"
	case TypeWTDump:
		return "dump"
	case TypeWTCompact:
		return "compact"
	case TypeWTRun:
		return "run"
	case TypeWTAddMem:
		return "addmem"
	case TypeWTJournal:
		return "journal"
	case TypeMTCompact:
		return "mt-compact"
	case TypeMTDump:
		return "mt-dump"
	case TypeMTFree:
		return "mt-free"
	case TypeMTJournal:
		return "mt-journal"
	default:
		return "unknown"
	}
}

func (s *Scheduler) processMTQueue() {
	max := s.mtQueue.size()
	for i := 0; i < max; i++ {
		item := s.mtQueue.pop()
		t := item.task
		if s.cb.RunMT(t) {
			t.State = StateCompleted
		} else {
			s.Activate(t)
		}
	}
}

// Completion stamps a monotonically increasing completion key and
// transitions the task to Completed (spec §4.4 taskman_completion).
func (s *Scheduler) Completion(t *Task) {
	if !s.isRunningSnapshot() {
		return
	}
	s.completionMu.Lock()
	t.CompletionKey = s.completionKey
	s.completionKey++
	s.completionMu.Unlock()
	t.State = StateCompleted
}

func (s *Scheduler) isRunningSnapshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Get returns the task identified by handle, or nil if invalid/stopped.
func (s *Scheduler) Get(h uint16) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning || !s.halloc.IsValid(h) {
		return nil
	}
	return s.tasks[h]
}

// Foreach iterates live tasks; fn returning false stops the iteration
// early (mirrors taskman_foreach's early-exit contract).
func (s *Scheduler) Foreach(fn func(*Task) bool) {
	s.mu.Lock()
	count := s.halloc.Count()
	handles := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		handles[i] = s.halloc.At(i)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if !fn(s.tasks[h]) {
			return
		}
	}
}

func (s *Scheduler) freeTask(t *Task) {
	if s.cb.Free != nil {
		s.cb.Free(t)
	}
	s.mu.Lock()
	t.reset()
	s.halloc.Free(t.Handle)
	s.mu.Unlock()
}

// Stop denies new task creation and non-blockingly pauses the pool
// (spec §4.4 "Cancellation on shutdown"). Callers then tear down
// network contexts, which wakes any RunningAwaiting workers, before
// calling Destroy.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()
	s.pool.pauseNonBlocking()
}

// Destroy waits for every worker goroutine to return. Must be called
// after Stop and after network contexts have been destroyed (so that
// workers blocked in AwaitResponse have already been woken with
// xerr.KindNetUnavailable).
func (s *Scheduler) Destroy() {
	s.Stop()
	s.pool.shutdown()
}

// NewBlockedErr is a convenience used by reschedule callbacks to build
// the transient "blocked" kind of error appropriate for the resource
// being drained.
func NewBlockedErr(kind xerr.Kind) error { return xerr.New(kind, nil) }

package task

import (
	"sort"
	"sync"
	"time"

	"github.com/lissandra-db/lissandra/handle"
)

// Origin is spec §4.4's TASK_ORIGIN.
type Origin uint8

const (
	OriginNone Origin = iota
	OriginCLI
	OriginAPI
	OriginInternal
	OriginInternalPriority
)

// State is spec §4.4's TASK_STATE machine.
type State uint8

const (
	StateNone State = iota
	StateNew
	StateReady
	StateRunning
	StateRunningAwaiting
	StateCompleted
	StateBlockedReschedule
	StateBlockedAwaiting
)

// Type splits by high bit into main-thread (MT) vs worker-thread (WT)
// tasks, per spec §4.4.
type Type uint8

const (
	mtBit = Type(0x00)
	wtBit = Type(0x80)
)

func (t Type) IsWorkerThread() bool { return t&wtBit != 0 }

const (
	TypeNone Type = 0

	TypeMTCompact Type = mtBit | 1
	TypeMTDump    Type = mtBit | 2
	TypeMTFree    Type = mtBit | 3
	TypeMTJournal Type = mtBit | 4

	TypeWTCreate   Type = wtBit | 1
	TypeWTDrop     Type = wtBit | 2
	TypeWTDescribe Type = wtBit | 3
	TypeWTSelect   Type = wtBit | 4
	TypeWTInsert   Type = wtBit | 5
	TypeWTDump     Type = wtBit | 6
	TypeWTCompact  Type = wtBit | 7
	TypeWTRun      Type = wtBit | 8
	TypeWTAddMem   Type = wtBit | 9
	TypeWTJournal  Type = wtBit | 10
)

const InvalidHandle = handle.Invalid

// Task is spec §4.4's task_t. ResponseMtx/ResponseCond are the one
// synchronization primitive that must outlive pool shutdown (§4.4
// "Cancellation on shutdown"): a worker parked in RunningAwaiting
// blocks on this condvar and is woken either by the response handler
// or by network-context teardown signalling NetUnavailable.
type Task struct {
	Handle uint16
	State  State
	Origin Origin
	Type   Type

	StartTime     time.Time
	CompletionKey uint32
	Err           error

	ClientHandle uint16 // INVALID_HANDLE for CLI-issued tasks
	RemoteID     uint16 // demultiplexing id for API-origin remote calls

	Data  interface{}
	Table interface{}

	responseMu   sync.Mutex
	responseCond *sync.Cond
}

func newTask(h uint16) *Task {
	t := &Task{Handle: h}
	t.responseCond = sync.NewCond(&t.responseMu)
	return t
}

// AwaitResponse blocks the calling worker until Signal is called (by
// the response handler on reply, or by the scheduler on shutdown).
// It must be called with State already set to RunningAwaiting.
func (t *Task) AwaitResponse() {
	t.responseMu.Lock()
	for t.State == StateRunningAwaiting {
		t.responseCond.Wait()
	}
	t.responseMu.Unlock()
}

// Signal wakes a worker parked in AwaitResponse, after the caller has
// updated t.State/t.Data/t.Err.
func (t *Task) Signal() {
	t.responseMu.Lock()
	t.responseCond.Broadcast()
	t.responseMu.Unlock()
}

func (t *Task) reset() {
	t.Data = nil
	t.Table = nil
	t.StartTime = time.Time{}
	t.CompletionKey = 0
	t.State = StateNone
	t.Origin = OriginNone
	t.Type = TypeNone
	t.ClientHandle = InvalidHandle
	t.RemoteID = InvalidHandle
	t.Err = nil
}

// byCompletionKey sorts completed task handles for stable-order
// emission within one update cycle (spec §4.4 step 2, §5 "Ordering
// guarantees").
type byCompletionKey struct {
	handles []uint16
	tasks   []*Task
}

func (b byCompletionKey) Len() int { return len(b.handles) }
func (b byCompletionKey) Less(i, j int) bool {
	return b.tasks[b.handles[i]].CompletionKey < b.tasks[b.handles[j]].CompletionKey
}
func (b byCompletionKey) Swap(i, j int) { b.handles[i], b.handles[j] = b.handles[j], b.handles[i] }

var _ sort.Interface = byCompletionKey{}

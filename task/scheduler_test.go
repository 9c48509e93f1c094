package task

import (
	"sync"
	"testing"
	"time"
)

func TestCompletionOrderWithinUpdateCycle(t *testing.T) {
	var mu sync.Mutex
	var completedOrder []uint16
	var cycleKeys []uint32

	s := New(4, Callbacks{
		RunWT: func(tk *Task) {
			// worker just completes immediately
			s2 := tk.Data.(*Scheduler)
			s2.Completion(tk)
		},
		Completed: func(tk *Task) {
			mu.Lock()
			completedOrder = append(completedOrder, tk.Handle)
			cycleKeys = append(cycleKeys, tk.CompletionKey)
			mu.Unlock()
		},
	})
	defer s.Destroy()

	var created []*Task
	for i := 0; i < 10; i++ {
		tk := s.Create(OriginInternal, TypeWTSelect, nil, InvalidHandle)
		if tk == nil {
			t.Fatalf("create failed at %d", i)
		}
		tk.Data = s
		s.Activate(tk)
		created = append(created, tk)
	}

	// Drive update cycles until all tasks complete.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		cycleKeys = cycleKeys[:0]
		mu.Unlock()
		s.Update()
		mu.Lock()
		n := len(completedOrder)
		keys := append([]uint32(nil), cycleKeys...)
		mu.Unlock()
		for i := 1; i < len(keys); i++ {
			if keys[i] < keys[i-1] {
				t.Fatalf("completion keys out of order within one Update: %v", keys)
			}
		}
		if n == len(created) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not complete in time, got %d/%d", n, len(created))
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completedOrder) != len(created) {
		t.Fatalf("completed %d of %d tasks", len(completedOrder), len(created))
	}
}

func TestStopDeniesNewTasks(t *testing.T) {
	s := New(2, Callbacks{
		RunWT: func(tk *Task) {},
	})
	s.Stop()
	if tk := s.Create(OriginInternal, TypeWTSelect, nil, InvalidHandle); tk != nil {
		t.Fatal("expected Create to fail after Stop")
	}
	s.Destroy()
}

func TestRescheduleCallbackInvoked(t *testing.T) {
	rescheduled := make(chan struct{}, 1)
	s := New(1, Callbacks{
		RunWT: func(tk *Task) {},
		Reschedule: func(tk *Task) {
			select {
			case rescheduled <- struct{}{}:
			default:
			}
			tk.State = StateNew
		},
	})
	defer s.Destroy()

	tk := s.Create(OriginInternal, TypeWTSelect, nil, InvalidHandle)
	tk.State = StateBlockedReschedule
	s.Update()

	select {
	case <-rescheduled:
	case <-time.After(time.Second):
		t.Fatal("reschedule callback never invoked")
	}
}

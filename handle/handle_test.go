package handle

import (
	"math/rand"
	"testing"
)

func liveSet(a *Allocator) map[uint16]bool {
	live := make(map[uint16]bool)
	for i := uint16(0); i < a.Count(); i++ {
		live[a.At(i)] = true
	}
	return live
}

func TestAllocFreeBijection(t *testing.T) {
	const capacity = 64
	a := New(capacity)
	rng := rand.New(rand.NewSource(1))

	live := map[uint16]bool{}
	for step := 0; step < 5000; step++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			h := a.Alloc()
			if h == Invalid {
				if a.Count() != capacity {
					t.Fatalf("alloc failed before reaching capacity: count=%d", a.Count())
				}
				continue
			}
			if live[h] {
				t.Fatalf("alloc returned already-live handle %d", h)
			}
			live[h] = true
		} else {
			var victim uint16
			for k := range live {
				victim = k
				break
			}
			a.Free(victim)
			delete(live, victim)
		}

		if a.Count() > capacity {
			t.Fatalf("count %d exceeds capacity %d", a.Count(), capacity)
		}
		gotLive := liveSet(a)
		if len(gotLive) != len(live) {
			t.Fatalf("live set size mismatch: got %d want %d", len(gotLive), len(live))
		}
		for h := range live {
			if !gotLive[h] {
				t.Fatalf("handle %d missing from handleAt enumeration", h)
			}
			if !a.IsValid(h) {
				t.Fatalf("handle %d reported invalid while live", h)
			}
		}
	}
}

func TestAllocKeyLookup(t *testing.T) {
	a := New(8)
	h1 := a.AllocKey(100)
	h2 := a.AllocKey(200)
	if h1 == Invalid || h2 == Invalid || h1 == h2 {
		t.Fatalf("unexpected handles h1=%d h2=%d", h1, h2)
	}
	if a.Get(100) != h1 || a.Get(200) != h2 {
		t.Fatalf("key lookup mismatch")
	}
	if a.AllocKey(100) != Invalid {
		t.Fatalf("re-allocating an in-use key should fail")
	}
	a.Free(h1)
	if a.Contains(100) {
		t.Fatalf("key 100 should be released after Free")
	}
	if a.Get(100) != Invalid {
		t.Fatalf("Get on a freed key should return Invalid")
	}
}

func TestResetRestoresIdentity(t *testing.T) {
	a := New(4)
	a.Alloc()
	a.Alloc()
	a.Reset()
	if a.Count() != 0 {
		t.Fatalf("count after reset: %d", a.Count())
	}
	for i := uint16(0); i < 4; i++ {
		h := a.Alloc()
		if h != i {
			t.Fatalf("expected identity allocation order, got %d at step %d", h, i)
		}
	}
}

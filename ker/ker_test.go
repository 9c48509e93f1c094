package ker

import (
	"testing"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/xerr"
)

func newTestPool(t *testing.T) *MemPool {
	t.Helper()
	tc, err := newTableCache()
	if err != nil {
		t.Fatalf("newTableCache: %v", err)
	}
	t.Cleanup(func() { _ = tc.close() })
	return newMemPool(tc)
}

func TestAssignStrongAllowsOnlyOneNode(t *testing.T) {
	p := newTestPool(t)
	if err := p.assign(1, cmn.ConsistencyStrong); err != nil {
		t.Fatalf("assign first node: %v", err)
	}
	if err := p.assign(2, cmn.ConsistencyStrong); err == nil {
		t.Fatal("expected an error assigning a second node to Strong")
	}
}

func TestAssignRejectsOutOfRangeNumber(t *testing.T) {
	p := newTestPool(t)
	if err := p.assign(0, cmn.ConsistencyEventual); err == nil {
		t.Fatal("expected an error for node number 0")
	}
	if err := p.assign(MaxMemNodes, cmn.ConsistencyEventual); err == nil {
		t.Fatal("expected an error for a node number at MaxMemNodes")
	}
}

func TestAssignRejectsDuplicateForSameNode(t *testing.T) {
	p := newTestPool(t)
	if err := p.assign(5, cmn.ConsistencyEventual); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := p.assign(5, cmn.ConsistencyEventual); err == nil {
		t.Fatal("expected an error re-assigning the same node to the same consistency")
	}
}

func TestGetForStrongHashedDistributesByKey(t *testing.T) {
	p := newTestPool(t)
	for _, n := range []uint16{1, 2, 3} {
		if err := p.assign(n, cmn.ConsistencyStrongHashed); err != nil {
			t.Fatalf("assign %d: %v", n, err)
		}
	}
	node, err := p.getForConsistency(cmn.ConsistencyStrongHashed, 4)
	if err != nil {
		t.Fatalf("getForConsistency: %v", err)
	}
	// three nodes were pushed front in order 3,2,1, so the list is
	// [3,2,1] and key%3==1 lands on index 1 -> node 2.
	if node.Number != 2 {
		t.Fatalf("got node #%d, want #2", node.Number)
	}
}

func TestGetForConsistencyWithNoAssignedNodeFails(t *testing.T) {
	p := newTestPool(t)
	if _, err := p.getForConsistency(cmn.ConsistencyStrong, 0); xerr.KindOf(err) != xerr.KindNetMemUnavailable {
		t.Fatalf("got kind %v, want KindNetMemUnavailable", xerr.KindOf(err))
	}
}

func TestGetAnyRoundRobins(t *testing.T) {
	p := newTestPool(t)
	for _, n := range []uint16{1, 2} {
		if err := p.assign(n, cmn.ConsistencyNone); err != nil {
			t.Fatalf("assign %d: %v", n, err)
		}
	}
	first, err := p.getAny()
	if err != nil {
		t.Fatalf("getAny: %v", err)
	}
	second, err := p.getAny()
	if err != nil {
		t.Fatalf("getAny: %v", err)
	}
	if first.Number == second.Number {
		t.Fatalf("expected round-robin to alternate, got %d twice", first.Number)
	}
}

func TestDisconnectRemovesNodeFromEveryCriterion(t *testing.T) {
	p := newTestPool(t)
	if err := p.assign(1, cmn.ConsistencyEventual); err != nil {
		t.Fatalf("assign: %v", err)
	}
	n := p.node(1)
	if !n.assignedToAny() {
		t.Fatal("node should be assigned before disconnect")
	}
	p.disconnect(n)
	if n.assignedToAny() {
		t.Fatal("node should belong to no criterion after disconnect")
	}
	if _, err := p.getForConsistency(cmn.ConsistencyEventual, 0); xerr.KindOf(err) != xerr.KindNetMemUnavailable {
		t.Fatalf("got kind %v, want KindNetMemUnavailable after disconnect", xerr.KindOf(err))
	}
}

func TestJournalAllSkipsNodesWithNoConnection(t *testing.T) {
	p := newTestPool(t)
	if err := p.assign(1, cmn.ConsistencyEventual); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// journalAll must not panic on a node with no live connection; it
	// logs and moves on (sendJournal returns KindNetMemUnavailable).
	p.journalAll()
}

func TestTableCacheRefreshAndLookup(t *testing.T) {
	tc, err := newTableCache()
	if err != nil {
		t.Fatalf("newTableCache: %v", err)
	}
	defer tc.close()

	tc.refresh([]cmn.TableMeta{
		{Name: "t1", Consistency: cmn.ConsistencyStrong, Partitions: 1, CompactionInterval: 60000},
	})
	meta, ok := tc.lookup("t1")
	if !ok {
		t.Fatal("expected t1 to be found after refresh")
	}
	if meta.Consistency != cmn.ConsistencyStrong {
		t.Fatalf("got consistency %v, want ConsistencyStrong", meta.Consistency)
	}

	// a second refresh with a disjoint set clears the stale entry.
	tc.refresh([]cmn.TableMeta{
		{Name: "t2", Consistency: cmn.ConsistencyEventual, Partitions: 1, CompactionInterval: 60000},
	})
	if _, ok := tc.lookup("t1"); ok {
		t.Fatal("t1 should have been cleared by the second refresh")
	}
	if _, ok := tc.lookup("t2"); !ok {
		t.Fatal("t2 should be present after the second refresh")
	}
}

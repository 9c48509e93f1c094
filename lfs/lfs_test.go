package lfs

import (
	"testing"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/proto"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &cmn.Config{
		RootDir:     t.TempDir(),
		BlocksCount: 256,
		BlockSize:   64,
		NumWorkers:  2,
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Destroy)
	return e
}

func driveUntil(t *testing.T, e *Engine, done func() bool) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		e.Update()
		if done() {
			return
		}
	}
	t.Fatal("scheduler did not converge")
}

func TestCreateInsertSelectRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	job := &createJob{req: proto.CreateRequest{Name: "t1", Consistency: cmn.ConsistencyEventual, Partitions: 4, CompactionInterval: 60000}}
	if err := e.handleCreate(job); err != nil {
		t.Fatalf("handleCreate: %v", err)
	}
	if !e.TableExists("t1") {
		t.Fatal("table not registered after create")
	}

	ins := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 7, Value: "hello", Timestamp: 100}}
	if err := e.handleInsert(ins); err != nil {
		t.Fatalf("handleInsert: %v", err)
	}

	sel := &selectJob{req: proto.SelectRequest{Name: "t1", Key: 7}}
	if err := e.handleSelect(sel); err != nil {
		t.Fatalf("handleSelect: %v", err)
	}
	if sel.result.Value != "hello" || sel.result.Timestamp != 100 {
		t.Fatalf("unexpected select result: %+v", sel.result)
	}

	missing := &selectJob{req: proto.SelectRequest{Name: "t1", Key: 99}}
	if err := e.handleSelect(missing); err == nil {
		t.Fatal("expected KeyNotFound for unseen key")
	}
}

func TestDumpThenSelectSurvivesMemtableClear(t *testing.T) {
	e := newTestEngine(t)
	job := &createJob{req: proto.CreateRequest{Name: "t2", Consistency: cmn.ConsistencyEventual, Partitions: 2, CompactionInterval: 60000}}
	if err := e.handleCreate(job); err != nil {
		t.Fatalf("handleCreate: %v", err)
	}
	ins := &insertJob{req: proto.InsertRequest{Name: "t2", Key: 3, Value: "v1", Timestamp: 10}}
	if err := e.handleInsert(ins); err != nil {
		t.Fatalf("handleInsert: %v", err)
	}

	if err := e.Dump("t2"); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	tbl, _ := e.lookupTable("t2")
	if tbl.memtable.len() != 0 {
		t.Fatal("memtable should be empty after dump")
	}

	sel := &selectJob{req: proto.SelectRequest{Name: "t2", Key: 3}}
	if err := e.handleSelect(sel); err != nil {
		t.Fatalf("handleSelect after dump: %v", err)
	}
	if sel.result.Value != "v1" {
		t.Fatalf("unexpected value after dump: %+v", sel.result)
	}
}

func TestCompactionMergesDumpsIntoPartitions(t *testing.T) {
	e := newTestEngine(t)
	job := &createJob{req: proto.CreateRequest{Name: "t3", Consistency: cmn.ConsistencyEventual, Partitions: 2, CompactionInterval: 60000}}
	if err := e.handleCreate(job); err != nil {
		t.Fatalf("handleCreate: %v", err)
	}

	for i, kv := range []struct {
		key uint16
		val string
		ts  uint64
	}{{1, "a", 1}, {2, "b", 2}, {1, "a2", 5}} {
		ins := &insertJob{req: proto.InsertRequest{Name: "t3", Key: kv.key, Value: kv.val, Timestamp: kv.ts}}
		if err := e.handleInsert(ins); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if err := e.Dump("t3"); err != nil {
			t.Fatalf("dump %d: %v", i, err)
		}
	}

	if err := e.Compact("t3"); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	dumps, _ := e.fs.ListDumps("t3")
	if len(dumps) != 0 {
		t.Fatalf("expected no dumps left after compaction, got %v", dumps)
	}

	sel := &selectJob{req: proto.SelectRequest{Name: "t3", Key: 1}}
	if err := e.handleSelect(sel); err != nil {
		t.Fatalf("select key 1 after compaction: %v", err)
	}
	if sel.result.Value != "a2" {
		t.Fatalf("expected highest-timestamp value 'a2', got %q", sel.result.Value)
	}
}

func TestBlockBitmapAllocFreeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bmp, err := createBitmap(dir+"/bitmap.bin", 40)
	if err != nil {
		t.Fatalf("createBitmap: %v", err)
	}
	defer bmp.close()

	blocks, ok := bmp.allocMany(10)
	if !ok || len(blocks) != 10 {
		t.Fatalf("allocMany: ok=%v blocks=%v", ok, blocks)
	}
	if bmp.used() != 10 {
		t.Fatalf("used = %d, want 10", bmp.used())
	}
	bmp.freeMany(blocks)
	if bmp.used() != 0 {
		t.Fatalf("used after free = %d, want 0", bmp.used())
	}
}

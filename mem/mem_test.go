package mem

import (
	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/task"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// newEngine builds an Engine with no LFS connection attached. Only
// the cache-local paths (INSERT, and a SELECT that hits the cache)
// are safe to exercise this way: anything that would forward to LFS
// dereferences e.lfs, which is nil until AttachLFS runs.
func newEngine(memorySize uint32, valueSize uint16) *Engine {
	cfg := &cmn.Config{
		ListenIP:   "127.0.0.1",
		ListenPort: 9100,
		MemNumber:  1,
		NumWorkers: 2,
		MemorySize: memorySize,
		ValueSize:  valueSize,
	}
	e, err := New(cfg)
	Expect(err).NotTo(HaveOccurred())
	return e
}

// attachDisconnectedLFS wires a zero-value, never-dialed client as
// e.lfs: its Connected() reads the zero-value false connected field,
// so roundTrip's forwarding paths fail cleanly with
// KindNetLfsUnavailable instead of dereferencing a nil *Client.
func attachDisconnectedLFS(e *Engine) {
	e.AttachLFS(&netctx.Client{})
}

var _ = Describe("Page cache", func() {
	var e *Engine

	AfterEach(func() {
		if e != nil {
			e.Destroy()
		}
	})

	Describe("cache-only round trips", func() {
		BeforeEach(func() {
			e = newEngine(4096, 32)
		})

		It("serves a SELECT from a value just INSERTed, with no LFS attached", func() {
			ins := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 7, Value: "hello", Timestamp: 100}}
			Expect(e.handleInsert(&task.Task{}, ins)).To(Succeed())

			sel := &selectJob{req: proto.SelectRequest{Name: "t1", Key: 7}}
			Expect(e.handleSelect(&task.Task{}, sel)).To(Succeed())
			Expect(sel.result.Value).To(Equal("hello"))
			Expect(sel.result.Timestamp).To(BeEquivalentTo(100))
		})

		It("lets a newer-timestamp INSERT overwrite an existing page in place", func() {
			first := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 1, Value: "old", Timestamp: 10}}
			Expect(e.handleInsert(&task.Task{}, first)).To(Succeed())
			second := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 1, Value: "new", Timestamp: 20}}
			Expect(e.handleInsert(&task.Task{}, second)).To(Succeed())

			sel := &selectJob{req: proto.SelectRequest{Name: "t1", Key: 1}}
			Expect(e.handleSelect(&task.Task{}, sel)).To(Succeed())
			Expect(sel.result.Value).To(Equal("new"))
			Expect(sel.result.Timestamp).To(BeEquivalentTo(20))
		})

		It("ignores an older-timestamp INSERT against an already-written key", func() {
			first := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 1, Value: "new", Timestamp: 20}}
			Expect(e.handleInsert(&task.Task{}, first)).To(Succeed())
			stale := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 1, Value: "stale", Timestamp: 5}}
			Expect(e.handleInsert(&task.Task{}, stale)).To(Succeed())

			sel := &selectJob{req: proto.SelectRequest{Name: "t1", Key: 1}}
			Expect(e.handleSelect(&task.Task{}, sel)).To(Succeed())
			Expect(sel.result.Value).To(Equal("new"), "a stale write must not overwrite a newer one")
		})
	})

	Describe("cache misses and LFS unavailability", func() {
		BeforeEach(func() {
			e = newEngine(4096, 32)
			attachDisconnectedLFS(e)
		})

		It("fails a SELECT for a key never inserted with NetLfsUnavailable, not KeyNotFound", func() {
			// Touch the table once so its segment exists, without
			// inserting the key under test. The cache alone can't
			// rule out the key existing durably in LFS.
			ins := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 1, Value: "x", Timestamp: 1}}
			Expect(e.handleInsert(&task.Task{}, ins)).To(Succeed())

			sel := &selectJob{req: proto.SelectRequest{Name: "t1", Key: 99}}
			err := e.handleSelect(&task.Task{}, sel)
			Expect(xerr.KindOf(err)).To(Equal(xerr.KindNetLfsUnavailable))
		})

		It("fails a DESCRIBE with NetLfsUnavailable when LFS is down", func() {
			job := &describeJob{req: proto.DescribeRequest{}}
			err := e.handleDescribe(&task.Task{}, job)
			Expect(xerr.KindOf(err)).To(Equal(xerr.KindNetLfsUnavailable))
		})
	})

	Describe("frame pool exhaustion", func() {
		BeforeEach(func() {
			e = newEngine(30, 5) // frameSize=10+valueSize=15, frameMax=2
		})

		It("fails the insert that would need a third frame with KindMemoryFull", func() {
			for _, key := range []uint16{1, 2} {
				ins := &insertJob{req: proto.InsertRequest{Name: "t1", Key: key, Value: "v", Timestamp: 1}}
				Expect(e.handleInsert(&task.Task{}, ins)).To(Succeed())
			}

			third := &insertJob{req: proto.InsertRequest{Name: "t1", Key: 3, Value: "v", Timestamp: 1}}
			err := e.handleInsert(&task.Task{}, third)
			Expect(xerr.KindOf(err)).To(Equal(xerr.KindMemoryFull))
		})

		It("reschedules (rather than completes) a worker task that fails with MemoryFull", func() {
			for _, key := range []uint16{1, 2} {
				ins := &insertJob{req: proto.InsertRequest{Name: "t1", Key: key, Value: "v", Timestamp: 1}}
				Expect(e.handleInsert(&task.Task{}, ins)).To(Succeed())
			}

			tk := &task.Task{
				Type: task.TypeWTInsert,
				Data: &insertJob{req: proto.InsertRequest{Name: "t1", Key: 3, Value: "v", Timestamp: 1}},
			}
			e.runWT(tk)
			Expect(tk.State).To(Equal(task.StateBlockedReschedule))
			Expect(xerr.KindOf(tk.Err)).To(Equal(xerr.KindMemoryFull))
		})
	})
})

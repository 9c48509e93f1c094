package mem

import (
	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/task"
)

// Jobs mirror lfs/worker.go's shape: one typed payload per verb,
// parked in task.Task.Data while the scheduler drives it.
type createJob struct {
	peerHandle uint16
	req        proto.CreateRequest
}

type dropJob struct {
	peerHandle uint16
	req        proto.DropRequest
}

type describeJob struct {
	peerHandle uint16
	req        proto.DescribeRequest
	result     []cmn.TableMeta
}

type selectJob struct {
	peerHandle uint16
	req        proto.SelectRequest
	result     cmn.Record
}

type insertJob struct {
	peerHandle uint16
	req        proto.InsertRequest
}

// handleCreate and handleDrop proxy straight through to LFS: MEM
// holds no independent notion of a table's existence beyond the
// lazily-created cache segment.
func (e *Engine) handleCreate(t *task.Task, job *createJob) error {
	return e.forwardCreate(t, job.req)
}

func (e *Engine) handleDrop(t *task.Task, job *dropJob) error {
	if err := e.forwardDrop(t, job.req); err != nil {
		return err
	}
	e.tablesMu.Lock()
	s, ok := e.tables[job.req.Name]
	if ok {
		delete(e.tables, job.req.Name)
	}
	e.tablesMu.Unlock()
	if ok && !s.Lock.IsBlocked() {
		s.Lock.Block()
		s.Lock.WaitUnused()
	}
	return nil
}

func (e *Engine) handleDescribe(t *task.Task, job *describeJob) error {
	rows, err := e.forwardDescribe(t, job.req)
	if err != nil {
		return err
	}
	job.result = rows
	return nil
}

// handleSelect serves from the cache, falling back to LFS on a miss
// and filling the cache with a clean (replaceable) page — this is
// the one path that allocates pages with isModification=false outside
// of journal bookkeeping (spec §4.7 "page allocation").
func (e *Engine) handleSelect(t *task.Task, job *selectJob) error {
	if !e.memLock.AvailGuardBegin() {
		return xerr.New(xerr.KindMemoryBlocked, nil)
	}
	defer e.memLock.AvailGuardEnd()

	s, err := e.segmentAvailGuardBegin(job.req.Name)
	if err != nil {
		return err
	}
	defer e.segmentAvailGuardEnd(s)

	if rec, err := s.read(e, job.req.Key); err == nil {
		e.delay()
		job.result = rec
		return nil
	}

	rec, err := e.forwardSelect(t, job.req)
	if err != nil {
		return err
	}
	if filled, werr := s.write(e, rec, false); werr == nil {
		job.result = filled
	} else {
		job.result = rec
	}
	e.delay()
	return nil
}

// handleInsert writes into the cache only; LFS durability happens in
// bulk during the next journal (spec §4.7 "write path", "journal").
func (e *Engine) handleInsert(t *task.Task, job *insertJob) error {
	if !e.memLock.AvailGuardBegin() {
		return xerr.New(xerr.KindMemoryBlocked, nil)
	}
	defer e.memLock.AvailGuardEnd()

	s, err := e.segmentAvailGuardBegin(job.req.Name)
	if err != nil {
		return err
	}
	defer e.segmentAvailGuardEnd(s)

	rec := cmn.Record{Key: job.req.Key, Value: job.req.Value, Timestamp: job.req.Timestamp}
	if _, err := s.write(e, rec, true); err != nil {
		return err
	}
	e.delay()
	return nil
}

package lfs

import (
	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/proto"
)

// Jobs are the typed payloads parked in a task.Task's Data field while
// it flows through the scheduler; each corresponds to one verb of
// spec §4.9, plus the internal dump/compact/free maintenance verbs.
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

type maintenanceJob struct {
	tableName string
}

// handleCreate implements the CREATE verb: allocate the table
// directory, write its metadata, and register it in memory.
func (e *Engine) handleCreate(job *createJob) error {
	if e.TableExists(job.req.Name) {
		return xerr.New(xerr.KindTableAlreadyExists, nil)
	}
	meta := cmn.TableMeta{
		Name:               job.req.Name,
		Consistency:        job.req.Consistency,
		Partitions:         job.req.Partitions,
		CompactionInterval: job.req.CompactionInterval,
	}
	if err := e.fs.CreateTableDir(meta); err != nil {
		return err
	}
	for i := uint16(0); i < meta.Partitions; i++ {
		if err := e.fs.SetPartition(meta.Name, i, false, FileDescriptor{}); err != nil {
			return err
		}
	}
	e.registerTable(newTable(meta))
	return nil
}

// handleDrop implements DROP: block the table, drain in-flight
// readers/writers, remove its directory, and schedule the in-memory
// removal as a main-thread task (spec §4.6 "Drop").
func (e *Engine) handleDrop(job *dropJob) error {
	t, err := e.lookupTable(job.req.Name)
	if err != nil {
		return err
	}
	t.markDeleted()
	t.lock.Block()
	t.lock.WaitUnused()

	if err := e.fs.RemoveTableDir(job.req.Name); err != nil {
		t.lock.Unblock()
		return err
	}
	e.scheduleFree(job.req.Name)
	return nil
}

// handleDescribe implements DESCRIBE: a single table's metadata, or
// every table's when req.Name is empty.
func (e *Engine) handleDescribe(job *describeJob) error {
	if job.req.Name != "" {
		t, err := e.lookupTable(job.req.Name)
		if err != nil {
			return err
		}
		job.result = []cmn.TableMeta{t.Meta}
		return nil
	}
	job.result = e.allMeta()
	return nil
}

// handleSelect implements SELECT via the merge-read algorithm.
func (e *Engine) handleSelect(job *selectJob) error {
	rec, err := e.Select(job.req.Name, job.req.Key)
	if err != nil {
		return err
	}
	job.result = rec
	return nil
}

// handleInsert implements INSERT: append into the table's memtable,
// guarded against a concurrent compaction swap.
func (e *Engine) handleInsert(job *insertJob) error {
	t, err := e.lookupTable(job.req.Name)
	if err != nil {
		return err
	}
	if !t.lock.AvailGuardBegin() {
		return xerr.New(xerr.KindTableBlocked, nil)
	}
	defer t.lock.AvailGuardEnd()
	t.memtable.add(job.req.Key, job.req.Value, job.req.Timestamp)
	return nil
}

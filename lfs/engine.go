package lfs

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/task"
	"github.com/lissandra-db/lissandra/wire"
)

// Engine is lfs_ctx_t: the live, in-memory half of an LFS node — the
// mounted filesystem, the table registry, and the scheduler/network
// plumbing that turns wire requests into jobs and jobs into responses.
type Engine struct {
	fs    *FS
	cfg   *cmn.Config
	sched *task.Scheduler
	net   *netctx.Server

	tablesMu sync.RWMutex
	tables   map[string]*Table
}

// New mounts the filesystem and wires a scheduler whose worker pool
// drives every CREATE/DROP/DESCRIBE/SELECT/INSERT/DUMP/COMPACT task.
func New(cfg *cmn.Config) (*Engine, error) {
	fs, err := Bootstrap(cfg.RootDir, cfg.BlocksCount, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{fs: fs, cfg: cfg, tables: make(map[string]*Table)}
	e.sched = task.New(int(cfg.NumWorkers), task.Callbacks{
		RunWT:     e.runWT,
		RunMT:     e.runMT,
		Completed: e.completed,
	})
	names, err := fs.ListTables()
	if err != nil {
		return nil, err
	}
	e.LoadTables(names)
	return e, nil
}

// Attach wires the engine's protocol handlers onto a listening server
// context; call once after netctx.Listen succeeds.
func (e *Engine) Attach(srv *netctx.Server) {
	e.net = srv
	srv.SetHandler(wire.HeaderAuth, e.onAuth)
	srv.SetHandler(proto.HeaderCreate, e.onCreate)
	srv.SetHandler(proto.HeaderDrop, e.onDrop)
	srv.SetHandler(proto.HeaderDescribe, e.onDescribe)
	srv.SetHandler(proto.HeaderSelect, e.onSelect)
	srv.SetHandler(proto.HeaderInsert, e.onInsert)
}

// onAuth implements the AUTH handshake (spec §4.5 "validation gate"):
// check the shared password, validate the peer so its other packets
// stop being gated, and reply with the negotiated parameters. A MEM
// node authenticates the same way a plain client would; LFS has no
// further bookkeeping to do with the advertised node address.
func (e *Engine) onAuth(peerHandle uint16, payload []byte) {
	req := proto.DecodeAuthRequest(payload)
	if e.cfg.Password != "" && req.Password != e.cfg.Password {
		nlog.Warningf("[lfs] peer %d failed authentication", peerHandle)
		e.net.Disconnect(peerHandle, "authentication failed")
		return
	}
	e.net.Validate(peerHandle)
	ack := proto.AckResponse{RemoteID: req.RemoteID, ValidationTimeout: e.cfg.ValidationTimeout, ValueSize: e.cfg.ValueSize}
	_ = e.net.Send(wire.HeaderAck, proto.EncodeAckResponse(ack), peerHandle)
}

// Update drives one scheduler tick; the node's main loop calls this
// alongside netctx polling and the dump/compaction timers.
func (e *Engine) Update() { e.sched.Update() }

func (e *Engine) Destroy() { e.sched.Destroy() }

func (e *Engine) registerTable(t *Table) {
	e.tablesMu.Lock()
	e.tables[t.Meta.Name] = t
	e.tablesMu.Unlock()
}

func (e *Engine) TableExists(name string) bool {
	e.tablesMu.RLock()
	_, ok := e.tables[name]
	e.tablesMu.RUnlock()
	return ok
}

func (e *Engine) lookupTable(name string) (*Table, error) {
	e.tablesMu.RLock()
	t, ok := e.tables[name]
	e.tablesMu.RUnlock()
	if !ok || t.IsDeleted() {
		return nil, xerr.New(xerr.KindTableNotFound, nil)
	}
	return t, nil
}

func (e *Engine) tableNames() []string {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	return names
}

func (e *Engine) allMeta() []cmn.TableMeta {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	out := make([]cmn.TableMeta, 0, len(e.tables))
	for _, t := range e.tables {
		out = append(out, t.Meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) scheduleFree(tableName string) {
	t := e.sched.Create(task.OriginInternalPriority, task.TypeMTFree, &maintenanceJob{tableName: tableName}, task.InvalidHandle)
	if t == nil {
		nlog.Warningf("[lfs] could not schedule free-resource task for %q: out of task handles", tableName)
		return
	}
	e.sched.Activate(t)
}

// Bootstrap loaded a prior mount: re-populate the in-memory table
// registry by reading every tables/<name>/metadata file. Each
// metadata read is independent disk I/O, so they fan out through an
// errgroup the way WalkBck fans out one goroutine per mountpath;
// registerTable is already mutex-guarded, so the group needs no
// further synchronization to merge results.
func (e *Engine) LoadTables(names []string) {
	g, _ := errgroup.WithContext(context.Background())
	for _, name := range names {
		name := name
		g.Go(func() error {
			meta, err := e.fs.ReadMeta(name)
			if err != nil {
				nlog.Warningf("[lfs] skipping table %q: %v", name, err)
				return nil
			}
			e.registerTable(newTable(meta))
			return nil
		})
	}
	_ = g.Wait()
}

// --- scheduler callbacks ---

func (e *Engine) runWT(t *task.Task) {
	switch job := t.Data.(type) {
	case *createJob:
		t.Err = e.handleCreate(job)
	case *dropJob:
		t.Err = e.handleDrop(job)
	case *describeJob:
		t.Err = e.handleDescribe(job)
	case *selectJob:
		t.Err = e.handleSelect(job)
	case *insertJob:
		t.Err = e.handleInsert(job)
	case *maintenanceJob:
		switch t.Type {
		case task.TypeWTDump:
			t.Err = e.Dump(job.tableName)
		case task.TypeWTCompact:
			t.Err = e.Compact(job.tableName)
		}
	}
	e.sched.Completion(t)
}

func (e *Engine) runMT(t *task.Task) bool {
	if job, ok := t.Data.(*maintenanceJob); ok && t.Type == task.TypeMTFree {
		e.tablesMu.Lock()
		delete(e.tables, job.tableName)
		e.tablesMu.Unlock()
	}
	return true
}

func (e *Engine) completed(t *task.Task) {
	switch job := t.Data.(type) {
	case *createJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *dropJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *insertJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *selectJob:
		e.respondSelect(job, t.Err)
	case *describeJob:
		if t.Err != nil {
			e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
		} else {
			e.respondDescribe(job)
		}
	}
}

func (e *Engine) respondStatus(peerHandle uint16, remoteID uint16, err error) {
	if e.net == nil {
		return
	}
	if err != nil {
		_ = e.net.Send(proto.HeaderResponse, proto.EncodeError(remoteID, uint32(xerr.KindOf(err)), err.Error()), peerHandle)
		return
	}
	_ = e.net.Send(proto.HeaderResponse, proto.EncodeOK(remoteID), peerHandle)
}

func (e *Engine) respondSelect(job *selectJob, err error) {
	if e.net == nil {
		return
	}
	if err != nil {
		_ = e.net.Send(proto.HeaderResponse, proto.EncodeError(job.req.RemoteID, uint32(xerr.KindOf(err)), err.Error()), job.peerHandle)
		return
	}
	result := proto.SelectResult{RemoteID: job.req.RemoteID, Key: job.result.Key, Value: job.result.Value, Timestamp: job.result.Timestamp}
	_ = e.net.Send(proto.HeaderSelect, proto.EncodeSelectResult(result), job.peerHandle)
}

func (e *Engine) respondDescribe(job *describeJob) {
	if e.net == nil {
		return
	}
	total := uint16(len(job.result))
	for i := 0; i < len(job.result); i += proto.MaxDescribeRowsPerChunk {
		end := i + proto.MaxDescribeRowsPerChunk
		if end > len(job.result) {
			end = len(job.result)
		}
		chunk := proto.DescribeChunk{RemoteID: job.req.RemoteID, TotalCount: total, Rows: job.result[i:end]}
		_ = e.net.Send(proto.HeaderDescribeChunk, proto.EncodeDescribeChunk(chunk), job.peerHandle)
	}
	if total == 0 {
		chunk := proto.DescribeChunk{RemoteID: job.req.RemoteID, TotalCount: 0}
		_ = e.net.Send(proto.HeaderDescribeChunk, proto.EncodeDescribeChunk(chunk), job.peerHandle)
	}
}

// --- net handlers: decode request, enqueue worker task ---

func (e *Engine) onCreate(peerHandle uint16, payload []byte) {
	req := proto.DecodeCreateRequest(payload)
	e.submit(task.TypeWTCreate, &createJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) onDrop(peerHandle uint16, payload []byte) {
	req := proto.DecodeDropRequest(payload)
	e.submit(task.TypeWTDrop, &dropJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) onDescribe(peerHandle uint16, payload []byte) {
	req := proto.DecodeDescribeRequest(payload)
	e.submit(task.TypeWTDescribe, &describeJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) onSelect(peerHandle uint16, payload []byte) {
	req := proto.DecodeSelectRequest(payload)
	e.submit(task.TypeWTSelect, &selectJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) onInsert(peerHandle uint16, payload []byte) {
	req := proto.DecodeInsertRequest(payload)
	e.submit(task.TypeWTInsert, &insertJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) submit(typ task.Type, data interface{}, peerHandle uint16) {
	t := e.sched.Create(task.OriginAPI, typ, data, peerHandle)
	if t == nil {
		nlog.Warningf("[lfs] dropping request: out of task handles")
		return
	}
	e.sched.Activate(t)
}

// --- timers: drive dump/compaction as worker tasks ---

func (e *Engine) TickDump() {
	for _, name := range e.tableNames() {
		e.submit(task.TypeWTDump, &maintenanceJob{tableName: name}, task.InvalidHandle)
	}
}

func (e *Engine) TickCompaction() {
	for _, name := range e.tableNames() {
		e.submit(task.TypeWTCompact, &maintenanceJob{tableName: name}, task.InvalidHandle)
	}
}

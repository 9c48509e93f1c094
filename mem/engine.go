package mem

import (
	"sort"
	"sync"
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/gossip"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/reslock"
	"github.com/lissandra-db/lissandra/task"
	"github.com/lissandra-db/lissandra/wire"
)

// Engine is mm_ctx_t plus the MEM node's task/network wiring: the
// frame pool, the table-name-to-segment map, the memory-wide resource
// lock that the journal blocks, and the LFS round-trip plumbing.
type Engine struct {
	cfg    *cmn.Config
	sched  *task.Scheduler
	frames *framePool

	memLock *reslock.ResLock

	tablesMu sync.RWMutex
	tables   map[string]*Segment

	journaling int32

	blockedMu    sync.Mutex
	blockedQueue []*task.Task

	apiSrv *netctx.Server
	gtab   *gossip.Table
	lfs    *netctx.Client

	lfsPendingMu sync.Mutex
	lfsPending   map[uint16]*lfsPending
}

// New builds the frame pool and wires a scheduler whose worker pool
// drives every CREATE/DROP/DESCRIBE/SELECT/INSERT task, plus the
// main-thread journal task.
func New(cfg *cmn.Config) (*Engine, error) {
	fp, ok := newFramePool(cfg.MemorySize, cfg.ValueSize)
	if !ok {
		return nil, xerr.Newf(xerr.KindConfig, "not enough space for a single frame (memorySize=%d valueSize=%d)", cfg.MemorySize, cfg.ValueSize)
	}
	e := &Engine{
		cfg:        cfg,
		frames:     fp,
		memLock:    reslock.New(false),
		tables:     make(map[string]*Segment),
		lfsPending: make(map[uint16]*lfsPending),
	}
	e.sched = task.New(int(cfg.NumWorkers), task.Callbacks{
		RunWT:      e.runWT,
		RunMT:      e.runMT,
		Completed:  e.completed,
		Reschedule: e.reschedule,
	})
	e.gtab = gossip.New(cfg.ListenIP, cfg.ListenPort, cfg.MemNumber, cfg.Password, nil)
	e.gtab.Seed(cfg.MemSeeds)
	return e, nil
}

// Attach wires the engine's protocol handlers onto the listening API
// server context.
func (e *Engine) Attach(srv *netctx.Server) {
	e.apiSrv = srv
	srv.SetHandler(wire.HeaderAuth, e.onAuth)
	srv.SetHandler(proto.HeaderCreate, e.onCreate)
	srv.SetHandler(proto.HeaderDrop, e.onDrop)
	srv.SetHandler(proto.HeaderDescribe, e.onDescribe)
	srv.SetHandler(proto.HeaderSelect, e.onSelect)
	srv.SetHandler(proto.HeaderInsert, e.onInsert)
	srv.SetHandler(proto.HeaderJournalNotice, e.onJournalNotice)
	srv.SetHandler(proto.HeaderGossip, e.onGossipRequest)
}

// onAuth implements the AUTH handshake for clients, KER, and gossiping
// MEM peers alike (spec §4.5, §4.10).
func (e *Engine) onAuth(peerHandle uint16, payload []byte) {
	req := proto.DecodeAuthRequest(payload)
	if e.cfg.Password != "" && req.Password != e.cfg.Password {
		nlog.Warningf("[mem] peer %d failed authentication", peerHandle)
		e.apiSrv.Disconnect(peerHandle, "authentication failed")
		return
	}
	e.apiSrv.Validate(peerHandle)
	if req.IsNode {
		e.gtab.Add(req.NodeIP, req.NodePort, req.Number)
	}
	ack := proto.AckResponse{RemoteID: req.RemoteID, ValidationTimeout: e.cfg.ValidationTimeout, ValueSize: e.cfg.ValueSize}
	_ = e.apiSrv.Send(wire.HeaderAck, proto.EncodeAckResponse(ack), peerHandle)
}

// onGossipRequest answers a peer's GOSSIP request with our own
// available-peers table (spec §4.10).
func (e *Engine) onGossipRequest(peerHandle uint16, _ []byte) {
	if e.apiSrv == nil {
		return
	}
	_ = e.apiSrv.Send(proto.HeaderGossipResult, proto.EncodeGossipResult(e.gtab.Export()), peerHandle)
}

// TickGossip is driven by the node's gossip-interval timer.
func (e *Engine) TickGossip() { e.gtab.Run() }

// AttachLFS wires the outbound LFS client connection's response
// handlers. Call SendAuth once right after Dial succeeds to perform
// the AUTH handshake (on_connected_to_lfs).
func (e *Engine) AttachLFS(c *netctx.Client) {
	e.attachLFS(c)
}

// SendAuth issues the AUTH handshake to LFS with the configured
// password.
func (e *Engine) SendAuth(password string) error {
	return e.lfs.Send(wire.HeaderAuth, proto.EncodeAuthRequest(proto.AuthRequest{Password: password, IsNode: true, NodeIP: e.cfg.ListenIP, NodePort: e.cfg.ListenPort}))
}

// OnLFSDisconnect must be wired as the Client's OnDisconnect callback:
// it wakes every worker parked on an in-flight LFS round trip.
func (e *Engine) OnLFSDisconnect() {
	logLFSDrop("connection closed")
	e.abortAllLFSPending()
}

func (e *Engine) Update() {
	e.sched.Update()
	e.gtab.PollEvents()
}

func (e *Engine) Destroy() {
	e.sched.Destroy()
	e.gtab.Destroy()
}

func (e *Engine) delay() {
	if d := e.cfg.DelayMem(); d > 0 {
		time.Sleep(d)
	}
}

// --- scheduler callbacks ---

func (e *Engine) runWT(t *task.Task) {
	var err error
	switch job := t.Data.(type) {
	case *createJob:
		err = e.handleCreate(t, job)
	case *dropJob:
		err = e.handleDrop(t, job)
	case *describeJob:
		err = e.handleDescribe(t, job)
	case *selectJob:
		err = e.handleSelect(t, job)
	case *insertJob:
		err = e.handleInsert(t, job)
	}
	t.Err = err

	switch xerr.KindOf(err) {
	case xerr.KindMemoryFull, xerr.KindMemoryBlocked:
		t.State = task.StateBlockedReschedule
		return
	}
	e.sched.Completion(t)
}

func (e *Engine) runMT(t *task.Task) bool {
	if t.Type == task.TypeMTJournal {
		return e.runJournal(t)
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
	case *journalJob:
		// logged by runJournal; nothing to tell a client.
	}
}

func (e *Engine) respondStatus(peerHandle, remoteID uint16, err error) {
	if e.apiSrv == nil {
		return
	}
	if err != nil {
		_ = e.apiSrv.Send(proto.HeaderResponse, proto.EncodeError(remoteID, uint32(xerr.KindOf(err)), err.Error()), peerHandle)
		return
	}
	_ = e.apiSrv.Send(proto.HeaderResponse, proto.EncodeOK(remoteID), peerHandle)
}

func (e *Engine) respondSelect(job *selectJob, err error) {
	if e.apiSrv == nil {
		return
	}
	if err != nil {
		_ = e.apiSrv.Send(proto.HeaderResponse, proto.EncodeError(job.req.RemoteID, uint32(xerr.KindOf(err)), err.Error()), job.peerHandle)
		return
	}
	result := proto.SelectResult{RemoteID: job.req.RemoteID, Key: job.result.Key, Value: job.result.Value, Timestamp: job.result.Timestamp}
	_ = e.apiSrv.Send(proto.HeaderSelect, proto.EncodeSelectResult(result), job.peerHandle)
}

func (e *Engine) respondDescribe(job *describeJob) {
	if e.apiSrv == nil {
		return
	}
	total := uint16(len(job.result))
	sort.Slice(job.result, func(i, j int) bool { return job.result[i].Name < job.result[j].Name })
	for i := 0; i < len(job.result); i += proto.MaxDescribeRowsPerChunk {
		end := i + proto.MaxDescribeRowsPerChunk
		if end > len(job.result) {
			end = len(job.result)
		}
		chunk := proto.DescribeChunk{RemoteID: job.req.RemoteID, TotalCount: total, Rows: job.result[i:end]}
		_ = e.apiSrv.Send(proto.HeaderDescribeChunk, proto.EncodeDescribeChunk(chunk), job.peerHandle)
	}
	if total == 0 {
		chunk := proto.DescribeChunk{RemoteID: job.req.RemoteID, TotalCount: 0}
		_ = e.apiSrv.Send(proto.HeaderDescribeChunk, proto.EncodeDescribeChunk(chunk), job.peerHandle)
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

// onJournalNotice handles a KER-issued request to journal now, e.g.
// after a new StrongHashed member joins this node's criterion (spec
// §4.8). No response is expected.
func (e *Engine) onJournalNotice(_ uint16, _ []byte) {
	e.tryEnqueueJournal()
}

func (e *Engine) submit(typ task.Type, data interface{}, peerHandle uint16) {
	t := e.sched.Create(task.OriginAPI, typ, data, peerHandle)
	if t == nil {
		nlog.Warningf("[mem] dropping request: out of task handles")
		return
	}
	e.sched.Activate(t)
}

// TickJournal is driven by the node's journal-interval timer.
func (e *Engine) TickJournal() {
	e.tryEnqueueJournal()
}

package ker

import (
	"fmt"
	"sync"
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/gossip"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/task"
	"github.com/lissandra-db/lissandra/wire"
)

// Engine is the KER node: a MEM-node pool, the scheduler driving every
// client-facing CREATE/DROP/DESCRIBE/SELECT/INSERT request, and the
// pending-response table used to correlate MEM replies back to
// whichever worker thread is waiting on them.
type Engine struct {
	cfg   *cmn.Config
	sched *task.Scheduler
	pool  *MemPool

	apiSrv *netctx.Server
	gtab   *gossip.Table

	pendingMu sync.Mutex
	pending   map[uint16]*pending
}

// New builds the pool's table cache and wires a scheduler whose
// worker pool drives every client-facing verb.
func New(cfg *cmn.Config) (*Engine, error) {
	tables, err := newTableCache()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		pool:    newMemPool(tables),
		pending: make(map[uint16]*pending),
	}
	e.sched = task.New(int(cfg.NumWorkers), task.Callbacks{
		RunWT:      e.runWT,
		Completed:  e.completed,
		Reschedule: e.reschedule,
	})
	e.gtab = gossip.New(cfg.ListenIP, cfg.ListenPort, gossip.NumberUnknown, cfg.Password, e.onGossipMember)
	e.gtab.Seed(cfg.MemSeeds)
	return e, nil
}

// onGossipMember is gossip_run's KER-only hook: any peer gossip
// already knows a MEM number for gets (re-)registered with the pool.
func (e *Engine) onGossipMember(number uint16, ip string, port uint16) {
	if err := e.AddNode(number, ip, port); err != nil {
		nlog.Warningf("[ker] gossip-driven add of mem node #%d failed: %v", number, err)
	}
}

// Attach wires the engine's protocol handlers onto the client-facing
// listening API server context.
func (e *Engine) Attach(srv *netctx.Server) {
	e.apiSrv = srv
	srv.SetHandler(wire.HeaderAuth, e.onAuth)
	srv.SetHandler(proto.HeaderCreate, e.onCreate)
	srv.SetHandler(proto.HeaderDrop, e.onDrop)
	srv.SetHandler(proto.HeaderDescribe, e.onDescribe)
	srv.SetHandler(proto.HeaderSelect, e.onSelect)
	srv.SetHandler(proto.HeaderInsert, e.onInsert)
	srv.SetHandler(proto.HeaderJournal, e.onJournal)
	srv.SetHandler(proto.HeaderAddMem, e.onAddMem)
	srv.SetHandler(proto.HeaderRun, e.onRun)
	srv.SetHandler(proto.HeaderGossip, e.onGossipRequest)
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

// onAuth implements the AUTH handshake for CLI clients connecting to
// this router (spec §4.5).
func (e *Engine) onAuth(peerHandle uint16, payload []byte) {
	req := proto.DecodeAuthRequest(payload)
	if e.cfg.Password != "" && req.Password != e.cfg.Password {
		nlog.Warningf("[ker] peer %d failed authentication", peerHandle)
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

func (e *Engine) Update() {
	e.sched.Update()
	e.gtab.PollEvents()
	e.pool.nodesMu.RLock()
	nodes := make([]*MemNode, 0, len(e.pool.nodes))
	for _, n := range e.pool.nodes {
		nodes = append(nodes, n)
	}
	e.pool.nodesMu.RUnlock()
	for _, n := range nodes {
		if conn := n.Conn(); conn != nil {
			conn.PollEvents(0)
		}
	}
}

func (e *Engine) Destroy() {
	e.sched.Destroy()
	e.gtab.Destroy()
	e.pool.nodesMu.RLock()
	nodes := make([]*MemNode, 0, len(e.pool.nodes))
	for _, n := range e.pool.nodes {
		nodes = append(nodes, n)
	}
	e.pool.nodesMu.RUnlock()
	for _, n := range nodes {
		if conn := n.Conn(); conn != nil {
			conn.Close()
		}
	}
	_ = e.pool.tables.close()
}

// AddNode implements mempool_add: dial the MEM node, perform the AUTH
// handshake, and wire its response handlers — all synchronously, since
// netctx.Dial already blocks until the connection is established or
// times out (spec §4.8 "ADD command").
func (e *Engine) AddNode(number uint16, ip string, port uint16) error {
	n := e.pool.node(number)
	if n.Conn() != nil {
		nlog.Warningf("[ker] ignoring add for mem node #%d: already connected", number)
		return nil
	}

	n.setHandshaking(true)
	n.IP, n.Port = ip, port

	conn, err := netctx.Dial(netctx.ClientArgs{
		Name:              fmt.Sprintf("mem-%d", number),
		IP:                ip,
		Port:              port,
		MultiThreadedSend: true,
		OnDisconnect:      func() { e.onNodeDisconnect(n) },
	}, 5*time.Second)
	if err != nil {
		n.setHandshaking(false)
		return err
	}

	conn.SetHandler(proto.HeaderResponse, e.onMemStatus)
	conn.SetHandler(proto.HeaderSelect, e.onMemSelect)
	conn.SetHandler(proto.HeaderDescribeChunk, e.onMemDescribeChunk)
	conn.SetHandler(wire.HeaderAck, func(uint16, []byte) {})

	if err := conn.Send(wire.HeaderAuth, proto.EncodeAuthRequest(proto.AuthRequest{Password: e.cfg.Password})); err != nil {
		conn.Close()
		n.setHandshaking(false)
		return err
	}

	n.setConn(conn)
	n.setHandshaking(false)
	nlog.Infof("[ker] mem node #%d (%s:%d) added to the pool", number, ip, port)
	return nil
}

// Assign implements mempool_assign: add a node to a criterion's list.
func (e *Engine) Assign(number uint16, c cmn.Consistency) error {
	return e.pool.assign(number, c)
}

func (e *Engine) onNodeDisconnect(n *MemNode) {
	if n.isHandshaking() {
		return
	}
	e.pool.disconnect(n)
	e.abortPendingFor(n)
	n.setConn(nil)
	nlog.Infof("[ker] mem node #%d just disconnected from the pool", n.Number)
}

// RefreshTables implements the metadata-refresh timer: issue an
// internal-priority DESCRIBE and, on completion, rewrite the pool's
// tables dictionary (spec §4.8).
func (e *Engine) RefreshTables() {
	job := &describeJob{peerHandle: task.InvalidHandle}
	t := e.sched.Create(task.OriginInternalPriority, task.TypeWTDescribe, job, task.InvalidHandle)
	if t == nil {
		nlog.Warningf("[ker] could not schedule metadata refresh: out of task handles")
		return
	}
	e.sched.Activate(t)
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
	case *journalJob:
		err = e.handleJournal(t, job)
	case *addMemJob:
		err = e.handleAddMem(t, job)
	case *runJob:
		err = e.handleRun(t, job)
	}
	t.Err = err

	if xerr.KindOf(err) == xerr.KindQuantumExhausted {
		t.State = task.StateBlockedReschedule
		return
	}
	e.sched.Completion(t)
}

// reschedule is the scheduler's Reschedule callback (spec §4.11 "the
// reschedule callback returns it to New so that other tasks
// interleave"): a quantum-exhausted RUN task is simply re-enqueued,
// picking its still-open script back up next time it's dispatched.
func (e *Engine) reschedule(t *task.Task) {
	switch xerr.KindOf(t.Err) {
	case xerr.KindQuantumExhausted:
		t.State = task.StateNew
	default:
		nlog.Warningf("[ker] unexpected reschedule for task type %v with err %v", t.Type, t.Err)
		e.sched.Completion(t)
	}
}

func (e *Engine) completed(t *task.Task) {
	switch job := t.Data.(type) {
	case *createJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *dropJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *insertJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *journalJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *addMemJob:
		e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
	case *runJob:
		if t.Err != nil {
			var lineNumber uint32
			if job.script != nil {
				lineNumber = job.script.LineNumber
			}
			nlog.Warningf("[ker] script %q failed at line %d: %v", job.req.ScriptPath, lineNumber, t.Err)
		} else {
			nlog.Infof("[ker] script %q completed successfully (%s)", job.req.ScriptPath, job.req.ScriptPath+".log")
		}
		if job.peerHandle != task.InvalidHandle {
			e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
		}
	case *selectJob:
		e.respondSelect(job, t.Err)
	case *describeJob:
		if job.peerHandle == task.InvalidHandle {
			// internal metadata-refresh sweep: no client to answer.
			if t.Err == nil {
				e.pool.tables.refresh(job.result)
			} else {
				nlog.Warningf("[ker] metadata refresh failed: %v", t.Err)
			}
			return
		}
		if t.Err != nil {
			e.respondStatus(job.peerHandle, job.req.RemoteID, t.Err)
		} else {
			e.respondDescribe(job)
		}
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

func (e *Engine) onJournal(peerHandle uint16, payload []byte) {
	req := proto.DecodeJournalRequest(payload)
	e.submit(task.TypeWTJournal, &journalJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) onAddMem(peerHandle uint16, payload []byte) {
	req := proto.DecodeAddMemRequest(payload)
	e.submit(task.TypeWTAddMem, &addMemJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) onRun(peerHandle uint16, payload []byte) {
	req := proto.DecodeRunRequest(payload)
	e.submit(task.TypeWTRun, &runJob{peerHandle: peerHandle, req: req}, peerHandle)
}

func (e *Engine) submit(typ task.Type, data interface{}, peerHandle uint16) {
	t := e.sched.Create(task.OriginAPI, typ, data, peerHandle)
	if t == nil {
		nlog.Warningf("[ker] dropping request: out of task handles")
		return
	}
	e.sched.Activate(t)
}

package ker

import (
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/task"
)

// pending is the rendez-vous point between a worker thread blocked in
// dispatch and the MEM-response handlers driven by the node's own
// netctx polling, demultiplexed by the task's own handle used as the
// wire remoteId (spec §4.8 "demultiplexes by remoteId").
type pending struct {
	task   *task.Task
	node   *MemNode
	err    error
	result cmn.Record
	rows   []cmn.TableMeta
	total  uint16
}

func (e *Engine) registerPending(remoteID uint16, p *pending) {
	e.pendingMu.Lock()
	e.pending[remoteID] = p
	e.pendingMu.Unlock()
}

func (e *Engine) takePending(remoteID uint16) (*pending, bool) {
	e.pendingMu.Lock()
	p, ok := e.pending[remoteID]
	if ok {
		delete(e.pending, remoteID)
	}
	e.pendingMu.Unlock()
	return p, ok
}

func resumePending(p *pending) {
	p.task.State = task.StateRunning
	p.task.Signal()
}

// dispatch implements mempool_node_req + mempool_node_wait + the
// parking/demux protocol of spec §4.8: pick a node via sel, send the
// request, and block the calling worker until the MEM response
// handler (or a disconnection) wakes it.
func (e *Engine) dispatch(t *task.Task, sel func() (*MemNode, error), send func(n *MemNode) error, collect func(*pending) error) error {
	n, err := sel()
	if err != nil {
		return err
	}
	conn := n.Conn()
	if conn == nil {
		return xerr.New(xerr.KindNetMemUnavailable, nil)
	}

	p := &pending{task: t, node: n}
	e.registerPending(t.Handle, p)

	if err := e.sendWithRetry(n, send); err != nil {
		e.takePending(t.Handle)
		return err
	}

	t.State = task.StateRunningAwaiting
	t.AwaitResponse()
	return collect(p)
}

// sendWithRetry is mempool_node_req's send loop: on a full outbound
// buffer it polls the connection (draining writability) and retries;
// on disconnection it gives up and lets the caller pick another node
// on its next attempt.
func (e *Engine) sendWithRetry(n *MemNode, send func(n *MemNode) error) error {
	deadline := time.Now().Add(15 * time.Second)
	for {
		conn := n.Conn()
		if conn == nil || !conn.Connected() {
			return xerr.New(xerr.KindNetMemUnavailable, nil)
		}
		err := send(n)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.Newf(xerr.KindNetMemUnavailable, "timed out sending to mem node #%d: %v", n.Number, err)
		}
		conn.PollEvents(10 * time.Millisecond)
	}
}

// sendJournal fire-and-forgets a JOURNAL notice (spec §4.8), never
// parking a task on a response.
func (p *MemPool) sendJournal(n *MemNode) error {
	conn := n.Conn()
	if conn == nil {
		return xerr.New(xerr.KindNetMemUnavailable, nil)
	}
	return conn.Send(proto.HeaderJournalNotice, proto.EncodeJournalNoticeRequest(proto.JournalNoticeRequest{}))
}

// --- MEM response handlers, wired per-node onto each node's Client ---

func (e *Engine) onMemStatus(_ uint16, payload []byte) {
	s, _ := proto.DecodeStatus(payload)
	p, ok := e.takePending(s.RemoteID)
	if !ok {
		return
	}
	if s.Code != 0 {
		p.err = xerr.Newf(xerr.Kind(s.Code), "mem: %s", s.Message)
	}
	resumePending(p)
}

func (e *Engine) onMemSelect(_ uint16, payload []byte) {
	result, status, err := proto.DecodeSelectResult(payload)
	p, ok := e.takePending(status.RemoteID)
	if !ok {
		return
	}
	if err != nil {
		p.err = xerr.Newf(xerr.Kind(status.Code), "mem: %s", status.Message)
	} else {
		p.result = cmn.Record{Key: result.Key, Value: result.Value, Timestamp: result.Timestamp}
	}
	resumePending(p)
}

func (e *Engine) onMemDescribeChunk(_ uint16, payload []byte) {
	ch := proto.DecodeDescribeChunk(payload)
	e.pendingMu.Lock()
	p, ok := e.pending[ch.RemoteID]
	if !ok {
		e.pendingMu.Unlock()
		return
	}
	p.total = ch.TotalCount
	p.rows = append(p.rows, ch.Rows...)
	done := uint16(len(p.rows)) >= p.total
	if done {
		delete(e.pending, ch.RemoteID)
	}
	e.pendingMu.Unlock()
	if done {
		resumePending(p)
	}
}

// abortPendingFor wakes every worker parked on a response from node n
// with NetMemUnavailable, mirroring _task_req_abort (spec §4.8
// "disconnection recovery").
func (e *Engine) abortPendingFor(n *MemNode) {
	e.pendingMu.Lock()
	var stale []*pending
	for remoteID, p := range e.pending {
		if p.node == n {
			stale = append(stale, p)
			delete(e.pending, remoteID)
		}
	}
	e.pendingMu.Unlock()

	for _, p := range stale {
		p.err = xerr.New(xerr.KindNetMemUnavailable, nil)
		resumePending(p)
	}
	nlog.Infof("[ker] mem node #%d disconnected, aborted %d pending requests", n.Number, len(stale))
}

package mem

import (
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/task"
	"github.com/lissandra-db/lissandra/wire"
)

// lfsPending is the rendez-vous point between a worker thread blocked
// in forwardToLFS and the LFS response handlers driven by the main
// loop's netctx polling — the Go equivalent of the original's
// task->responseMtx/responseCond pair, demultiplexed by the task's
// own handle used as the wire remoteId (spec §5 "parks on its own
// condvar, demultiplexed by remoteId").
type lfsPending struct {
	task   *task.Task
	err    error
	result cmn.Record
	rows   []cmn.TableMeta
	total  uint16
}

// attachLFS wires the LFS client connection's response handlers
// (on_connected_to_lfs). It sends nothing; the AUTH handshake is sent
// separately by SendAuth.
func (e *Engine) attachLFS(c *netctx.Client) {
	e.lfs = c
	c.SetHandler(proto.HeaderResponse, e.onLFSStatus)
	c.SetHandler(proto.HeaderSelect, e.onLFSSelect)
	c.SetHandler(proto.HeaderDescribeChunk, e.onLFSDescribeChunk)
	c.SetHandler(wire.HeaderAck, func(uint16, []byte) {})
}

func (e *Engine) registerPending(remoteID uint16, p *lfsPending) {
	e.lfsPendingMu.Lock()
	e.lfsPending[remoteID] = p
	e.lfsPendingMu.Unlock()
}

func (e *Engine) takePending(remoteID uint16) (*lfsPending, bool) {
	e.lfsPendingMu.Lock()
	p, ok := e.lfsPending[remoteID]
	if ok {
		delete(e.lfsPending, remoteID)
	}
	e.lfsPendingMu.Unlock()
	return p, ok
}

// resume hands control back to the worker thread parked in
// AwaitResponse; it must only be called by the main loop goroutine
// that owns the netctx response handlers.
func resume(p *lfsPending) {
	p.task.State = task.StateRunning
	p.task.Signal()
}

func (e *Engine) onLFSStatus(_ uint16, payload []byte) {
	s, _ := proto.DecodeStatus(payload)
	p, ok := e.takePending(s.RemoteID)
	if !ok {
		return
	}
	if s.Code != 0 {
		p.err = xerr.Newf(xerr.Kind(s.Code), "lfs: %s", s.Message)
	}
	resume(p)
}

func (e *Engine) onLFSSelect(_ uint16, payload []byte) {
	result, status, err := proto.DecodeSelectResult(payload)
	p, ok := e.takePending(status.RemoteID)
	if !ok {
		return
	}
	if err != nil {
		p.err = xerr.Newf(xerr.Kind(status.Code), "lfs: %s", status.Message)
	} else {
		p.result = cmn.Record{Key: result.Key, Value: result.Value, Timestamp: result.Timestamp}
	}
	resume(p)
}

func (e *Engine) onLFSDescribeChunk(_ uint16, payload []byte) {
	ch := proto.DecodeDescribeChunk(payload)
	e.lfsPendingMu.Lock()
	p, ok := e.lfsPending[ch.RemoteID]
	if !ok {
		e.lfsPendingMu.Unlock()
		return
	}
	p.total = ch.TotalCount
	p.rows = append(p.rows, ch.Rows...)
	done := uint16(len(p.rows)) >= p.total
	if done {
		delete(e.lfsPending, ch.RemoteID)
	}
	e.lfsPendingMu.Unlock()
	if done {
		resume(p)
	}
}

// abortAllLFSPending wakes every worker parked on an LFS round trip
// with NetLfsUnavailable, mirroring task_req_abort run over every
// live task when the LFS connection drops (spec §4.7 step 3).
func (e *Engine) abortAllLFSPending() {
	e.lfsPendingMu.Lock()
	pending := e.lfsPending
	e.lfsPending = make(map[uint16]*lfsPending)
	e.lfsPendingMu.Unlock()

	for _, p := range pending {
		p.err = xerr.New(xerr.KindNetLfsUnavailable, nil)
		resume(p)
	}
}

func (e *Engine) forwardCreate(t *task.Task, req proto.CreateRequest) error {
	req.RemoteID = t.Handle
	return e.roundTrip(t, func() error {
		return e.lfs.Send(proto.HeaderCreate, proto.EncodeCreateRequest(req))
	}, func(p *lfsPending) error { return p.err })
}

func (e *Engine) forwardDrop(t *task.Task, req proto.DropRequest) error {
	req.RemoteID = t.Handle
	return e.roundTrip(t, func() error {
		return e.lfs.Send(proto.HeaderDrop, proto.EncodeDropRequest(req))
	}, func(p *lfsPending) error { return p.err })
}

func (e *Engine) forwardDescribe(t *task.Task, req proto.DescribeRequest) ([]cmn.TableMeta, error) {
	req.RemoteID = t.Handle
	var rows []cmn.TableMeta
	err := e.roundTrip(t, func() error {
		return e.lfs.Send(proto.HeaderDescribe, proto.EncodeDescribeRequest(req))
	}, func(p *lfsPending) error {
		rows = p.rows
		return p.err
	})
	return rows, err
}

func (e *Engine) forwardSelect(t *task.Task, req proto.SelectRequest) (cmn.Record, error) {
	req.RemoteID = t.Handle
	var rec cmn.Record
	err := e.roundTrip(t, func() error {
		return e.lfs.Send(proto.HeaderSelect, proto.EncodeSelectRequest(req))
	}, func(p *lfsPending) error {
		rec = p.result
		return p.err
	})
	return rec, err
}

// roundTrip registers a pending entry, sends the request, and parks
// the calling worker thread until the main loop's response handler
// wakes it — or immediately fails if the LFS connection is down.
func (e *Engine) roundTrip(t *task.Task, send func() error, collect func(*lfsPending) error) error {
	if !e.lfs.Connected() {
		return xerr.New(xerr.KindNetLfsUnavailable, nil)
	}
	p := &lfsPending{task: t}
	e.registerPending(t.Handle, p)

	if err := send(); err != nil {
		e.takePending(t.Handle)
		return xerr.New(xerr.KindNetLfsUnavailable, err)
	}

	t.State = task.StateRunningAwaiting
	t.AwaitResponse()
	return collect(p)
}

// journalInsertOne sends one record to LFS fire-and-forget, the way
// mm_journal_run does — retrying on a full outbound buffer (polling
// the connection to drain it) and giving up on disconnection.
func (e *Engine) journalInsertOne(remoteID uint16, tableName string, rec cmn.Record) error {
	req := proto.InsertRequest{RemoteID: remoteID, Name: tableName, Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp}
	payload := proto.EncodeInsertRequest(req)

	deadline := time.Now().Add(15 * time.Second)
	for {
		if !e.lfs.Connected() {
			return xerr.New(xerr.KindNetLfsUnavailable, nil)
		}
		err := e.lfs.Send(proto.HeaderInsert, payload)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.Newf(xerr.KindNetLfsUnavailable, "timed out draining outbound buffer to lfs: %v", err)
		}
		e.lfs.PollEvents(10 * time.Millisecond)
	}
}

func logLFSDrop(reason string) {
	nlog.Warningf("[mem] lfs connection lost: %s", reason)
}

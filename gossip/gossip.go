// Package gossip implements C10: periodic peer discovery and
// availability tracking between KER and MEM nodes (spec §4.10).
//
// A Table is seeded with known addresses and walks them on the
// node's gossip timer: for each peer with no live connection it
// dials, authenticates, requests the peer's own table of known
// nodes, imports any new entries, and drops the connection. A peer
// whose handshake fails is kept around and retried on the next
// round, just marked unavailable in the meantime.
package gossip

import (
	"fmt"
	"sync"
	"time"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/netctx"
	"github.com/lissandra-db/lissandra/proto"
	"github.com/lissandra-db/lissandra/wire"
)

// NumberUnknown is the node-number sentinel for peers gossip hasn't
// (or will never) learn a MEM number for — a plain KER advertises
// itself this way, since it is never itself a numbered MEM node.
const NumberUnknown uint16 = 0

// Stage is gossip_stage_t: where a peer sits in one handshake round.
type Stage int

const (
	StageNone Stage = iota
	StageHandshaking
	StageAcknowledged
	StageRequesting
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageHandshaking:
		return "handshaking"
	case StageAcknowledged:
		return "acknowledged"
	case StageRequesting:
		return "requesting"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// peer is gossip_node_t.
type peer struct {
	mu sync.Mutex

	number    uint16
	ip        string
	port      uint16
	stage     Stage
	available bool
	lastSeen  time.Time

	conn *netctx.Client
}

func peerKey(ip string, port uint16) string { return fmt.Sprintf("%s:%d", ip, port) }

// Table is gossip_ctx_t: the full peer map plus the identity and
// credentials this node gossips under.
type Table struct {
	selfIP      string
	selfPort    uint16
	selfNumber  uint16 // NumberUnknown for KER
	password    string
	dialTimeout time.Duration

	// onAvailable fires once per gossip round for every peer with a
	// known MEM number that is currently available — KER's hook into
	// mempool_add (spec §4.10 "for KER contexts"). nil on MEM nodes.
	onAvailable func(number uint16, ip string, port uint16)

	mu    sync.Mutex
	peers map[string]*peer
}

// New builds an empty gossip table. selfNumber is NumberUnknown for a
// KER instance; onAvailable is nil on MEM (only KER feeds discovered
// members into its mempool).
func New(selfIP string, selfPort, selfNumber uint16, password string, onAvailable func(number uint16, ip string, port uint16)) *Table {
	return &Table{
		selfIP:      selfIP,
		selfPort:    selfPort,
		selfNumber:  selfNumber,
		password:    password,
		dialTimeout: 3 * time.Second,
		onAvailable: onAvailable,
		peers:       make(map[string]*peer),
	}
}

// Seed registers the node's bootstrap peer list (spec §4.10, the
// config file's seed addresses).
func (t *Table) Seed(seeds []cmn.Seed) {
	for _, s := range seeds {
		t.Add(s.IP, s.Port, NumberUnknown)
	}
}

// Add registers a peer if it isn't already known, assumed available
// until proven otherwise (gossip_add).
func (t *Table) Add(ip string, port uint16, number uint16) {
	if ip == t.selfIP && port == t.selfPort {
		return // never gossip to ourselves
	}
	key := peerKey(ip, port)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[key]; ok {
		return
	}
	t.peers[key] = &peer{ip: ip, port: port, number: number, available: true}
}

func (t *Table) snapshot() []*peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Run is the gossip timer tick (gossip_run): feed already-known
// available MEM members to the pool callback, then kick off a
// handshake for every peer not currently connected.
func (t *Table) Run() {
	for _, p := range t.snapshot() {
		p.mu.Lock()
		number, ip, port, available := p.number, p.ip, p.port, p.available
		needsDial := p.stage == StageNone && p.conn == nil
		if needsDial {
			p.stage = StageHandshaking
		}
		p.mu.Unlock()

		if t.onAvailable != nil && number != NumberUnknown && available {
			t.onAvailable(number, ip, port)
		}
		if needsDial {
			go t.dial(p)
		}
	}
}

// dial performs the blocking connect + AUTH handshake off the main
// loop, mirroring the original's non-blocking connect without
// stalling gossip's tick (spec §5 "gossip runs on the main thread").
func (t *Table) dial(p *peer) {
	name := fmt.Sprintf("gossip-%s", peerKey(p.ip, p.port))
	conn, err := netctx.Dial(netctx.ClientArgs{
		Name:              name,
		IP:                p.ip,
		Port:              p.port,
		MultiThreadedSend: false,
		OnDisconnect:      func() { t.onDisconnect(p) },
	}, t.dialTimeout)
	if err != nil {
		nlog.Warningf("[gossip] dial %s failed: %v", peerKey(p.ip, p.port), err)
		p.mu.Lock()
		p.stage = StageNone
		p.available = false
		p.mu.Unlock()
		return
	}

	conn.SetHandler(wire.HeaderAck, func(uint16, []byte) { t.onAck(p) })
	conn.SetHandler(proto.HeaderGossipResult, func(_ uint16, payload []byte) { t.onGossipResult(p, payload) })

	auth := proto.AuthRequest{Password: t.password, IsNode: true, NodeIP: t.selfIP, NodePort: t.selfPort, Number: t.selfNumber}
	if err := conn.Send(wire.HeaderAuth, proto.EncodeAuthRequest(auth)); err != nil {
		conn.Close()
		return
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

func (t *Table) onAck(p *peer) {
	p.mu.Lock()
	if p.stage == StageHandshaking {
		p.stage = StageAcknowledged
	}
	p.mu.Unlock()
}

func (t *Table) onGossipResult(p *peer, payload []byte) {
	t.Import(proto.DecodeGossipResult(payload))
	p.mu.Lock()
	p.stage = StageDone
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// onDisconnect is _on_disconnected_from_mem: a clean Done-stage close
// means the round succeeded, so the peer is marked available with a
// fresh timestamp; any other disconnection (refused, timed out,
// handshake failed) marks it unavailable for the next round to retry.
func (t *Table) onDisconnect(p *peer) {
	p.mu.Lock()
	if p.stage == StageDone {
		p.available = true
		p.lastSeen = time.Now()
	} else {
		p.available = false
	}
	p.stage = StageNone
	p.conn = nil
	p.mu.Unlock()
}

// PollEvents drains readiness for every peer connection currently in
// flight and advances Acknowledged peers into sending their GOSSIP
// request (gossip_poll_events). Call once per main-loop tick.
func (t *Table) PollEvents() {
	for _, p := range t.snapshot() {
		p.mu.Lock()
		conn := p.conn
		stage := p.stage
		p.mu.Unlock()
		if conn == nil {
			continue
		}

		if stage != StageHandshaking && !conn.Connected() {
			conn.Close()
			continue
		}
		conn.PollEvents(0)

		p.mu.Lock()
		if p.stage == StageAcknowledged {
			p.stage = StageRequesting
			sendConn := p.conn
			p.mu.Unlock()
			if sendConn != nil {
				if err := sendConn.Send(proto.HeaderGossip, nil); err != nil {
					nlog.Warningf("[gossip] %s: gossip request failed: %v", peerKey(p.ip, p.port), err)
				}
			}
		} else {
			p.mu.Unlock()
		}
	}
}

// Export builds the RES_GOSSIP payload: every peer this node
// currently considers available (gossip_export).
func (t *Table) Export() proto.GossipResult {
	var out proto.GossipResult
	for _, p := range t.snapshot() {
		p.mu.Lock()
		if p.available {
			out.Peers = append(out.Peers, proto.GossipPeer{Number: p.number, IP: p.ip, Port: p.port})
		}
		p.mu.Unlock()
	}
	return out
}

// Import merges a peer's reported table into ours (gossip_import),
// used when handling an incoming GOSSIP request/response directly
// (as opposed to the dial-side onGossipResult path above).
func (t *Table) Import(res proto.GossipResult) {
	for _, p := range res.Peers {
		t.Add(p.IP, p.Port, p.Number)
	}
}

// Destroy tears down every live peer connection (gossip_destroy).
func (t *Table) Destroy() {
	for _, p := range t.snapshot() {
		p.mu.Lock()
		conn := p.conn
		p.conn = nil
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	}
}

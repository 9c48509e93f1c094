// Package ker implements C8: the query router's MEM-node pool. It
// tracks one client connection per MEM node, groups nodes by
// consistency criterion, and dispatches worker-task requests to
// whichever node a query's hints select (spec §4.8).
package ker

import (
	"container/list"
	"sync"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/netctx"
)

// MemNode is mem_node_t: a MEM node's connection plus the set of
// consistency criteria lists it currently belongs to. listElem[c] is
// non-nil exactly while this node sits in criteria[c]'s list, letting
// disconnection remove it in O(1) without a linear scan.
type MemNode struct {
	Number uint16
	IP     string
	Port   uint16

	handshakeMu sync.Mutex
	handshaking bool

	connMu sync.RWMutex
	conn   *netctx.Client

	listMu   sync.Mutex
	listElem [cmn.ConsistencyCount]*list.Element
}

func newMemNode(number uint16) *MemNode {
	return &MemNode{Number: number}
}

func (n *MemNode) Conn() *netctx.Client {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	return n.conn
}

func (n *MemNode) setConn(c *netctx.Client) {
	n.connMu.Lock()
	n.conn = c
	n.connMu.Unlock()
}

func (n *MemNode) setHandshaking(v bool) {
	n.handshakeMu.Lock()
	n.handshaking = v
	n.handshakeMu.Unlock()
}

func (n *MemNode) isHandshaking() bool {
	n.handshakeMu.Lock()
	defer n.handshakeMu.Unlock()
	return n.handshaking
}

// assignedToAny reports whether this node currently belongs to at
// least one criterion list.
func (n *MemNode) assignedToAny() bool {
	n.listMu.Lock()
	defer n.listMu.Unlock()
	for _, e := range n.listElem {
		if e != nil {
			return true
		}
	}
	return false
}

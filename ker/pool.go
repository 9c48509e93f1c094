package ker

import (
	"container/list"
	"sync"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/cmn/xerr"
)

// MaxMemNodes bounds the pool size; node numbers are 1-based, mirroring
// the original's nodes[MAX_MEM_NODES+1] slot layout.
const MaxMemNodes = 256

// criterion is criteria_t: the linked list of MEM nodes currently
// satisfying one consistency class, plus the mutex protecting it.
type criterion struct {
	mu       sync.Mutex
	assigned *list.List // of *MemNode
}

func newCriterion() *criterion {
	return &criterion{assigned: list.New()}
}

// MemPool is mempool_ctx_t: the full node registry and its
// consistency-criteria lists.
type MemPool struct {
	nodesMu sync.RWMutex
	nodes   map[uint16]*MemNode

	criteria [cmn.ConsistencyCount]*criterion

	tables *tableCache
}

func newMemPool(tables *tableCache) *MemPool {
	p := &MemPool{
		nodes:  make(map[uint16]*MemNode),
		tables: tables,
	}
	for i := range p.criteria {
		p.criteria[i] = newCriterion()
	}
	return p
}

func (p *MemPool) validNumber(number uint16) bool {
	return number >= 1 && number < MaxMemNodes
}

func validConsistency(c cmn.Consistency) bool {
	return int(c) < cmn.ConsistencyCount
}

// node looks up (or lazily creates) a node's registry entry. Mirrors
// mempool_add's "not thread safe, call from MT only" contract: callers
// must only do this from the node's own singly-threaded net-accept path.
func (p *MemPool) node(number uint16) *MemNode {
	p.nodesMu.Lock()
	defer p.nodesMu.Unlock()
	n, ok := p.nodes[number]
	if !ok {
		n = newMemNode(number)
		p.nodes[number] = n
	}
	return n
}

// assign implements mempool_assign: add a node to a criterion's list,
// subject to Strong's single-occupant rule and StrongHashed's
// journal-the-existing-members side effect (spec §4.8).
func (p *MemPool) assign(number uint16, c cmn.Consistency) error {
	if !p.validNumber(number) {
		return xerr.Newf(xerr.KindConfig, "mem node #%d is out of range", number)
	}
	if !validConsistency(c) {
		return xerr.Newf(xerr.KindConfig, "consistency %d does not exist", c)
	}

	n := p.node(number)
	crit := p.criteria[c]

	n.listMu.Lock()
	defer n.listMu.Unlock()
	if n.listElem[c] != nil {
		return xerr.Newf(xerr.KindConfig, "mem node #%d is already assigned to %s consistency", number, c)
	}

	crit.mu.Lock()
	defer crit.mu.Unlock()

	if c == cmn.ConsistencyStrong && crit.assigned.Len() > 0 {
		head := crit.assigned.Front().Value.(*MemNode)
		return xerr.Newf(xerr.KindConfig, "%s consistency already has mem node #%d assigned", c, head.Number)
	}

	// journal every node already in the criterion before the new
	// member joins it, so latecomers only ever see durable state.
	if c == cmn.ConsistencyStrongHashed {
		p.requestJournalToAll(crit)
	}

	n.listElem[c] = crit.assigned.PushFront(n)
	nlog.Infof("[ker] mem node #%d assigned to %s consistency", number, c)
	return nil
}

// get implements mempool_get for the DESCRIBE/SELECT/INSERT/DROP
// verbs: DESCRIBE round-robins over any available node; the rest
// resolve their consistency from the hint's cached table metadata.
// CREATE does not go through here — its consistency comes from the
// statement itself, see getForCreate.
func (p *MemPool) get(verb cmn.Verb, tableName string, key uint16) (*MemNode, error) {
	if verb == cmn.VerbDescribe {
		return p.getAny()
	}
	meta, ok := p.tables.lookup(tableName)
	if !ok {
		return nil, xerr.Newf(xerr.KindTableNotFound, "table %q does not exist", tableName)
	}
	return p.getForConsistency(meta.Consistency, key)
}

// getForCreate selects a node for a CREATE request, whose consistency
// comes from the statement itself rather than cached table metadata.
func (p *MemPool) getForCreate(cons cmn.Consistency) (*MemNode, error) {
	return p.getForConsistency(cons, 0)
}

func (p *MemPool) getForConsistency(cons cmn.Consistency, key uint16) (*MemNode, error) {
	if !validConsistency(cons) {
		return nil, xerr.Newf(xerr.KindConfig, "consistency %d does not exist", cons)
	}
	crit := p.criteria[cons]

	crit.mu.Lock()
	defer crit.mu.Unlock()

	var elem *list.Element
	switch cons {
	case cmn.ConsistencyStrong:
		elem = crit.assigned.Front()
	case cmn.ConsistencyStrongHashed:
		n := crit.assigned.Len()
		if n == 0 {
			return nil, xerr.New(xerr.KindNetMemUnavailable, nil)
		}
		idx := int(key) % n
		elem = crit.assigned.Front()
		for i := 0; i < idx; i++ {
			elem = elem.Next()
		}
	default: // Eventual, None: round-robin
		elem = crit.assigned.Front()
		if elem != nil {
			crit.assigned.MoveToBack(elem)
		}
	}

	if elem == nil {
		return nil, xerr.New(xerr.KindNetMemUnavailable, nil)
	}
	return elem.Value.(*MemNode), nil
}

// getAny implements mempool_get_any: round-robins over the None
// criterion, used for DESCRIBE and other non-correctness-sensitive
// reads.
func (p *MemPool) getAny() (*MemNode, error) {
	return p.getForConsistency(cmn.ConsistencyNone, 0)
}

// requestJournalToAll fire-and-forgets a JOURNAL request to every node
// already in crit (caller holds crit.mu), per spec §4.8 "every
// already-assigned node is asked to journal".
func (p *MemPool) requestJournalToAll(crit *criterion) {
	for e := crit.assigned.Front(); e != nil; e = e.Next() {
		n := e.Value.(*MemNode)
		if err := p.sendJournal(n); err != nil {
			nlog.Warningf("[ker] mem node #%d journal request failed: %v", n.Number, err)
		}
	}
}

// journalAll fire-and-forgets a JOURNAL request to every node in the
// pool, regardless of criterion — the client-issued JOURNAL verb's
// broadcast (spec §6 "JOURNAL | —"), unlike requestJournalToAll's
// single-criterion sweep used internally on a new StrongHashed member.
func (p *MemPool) journalAll() {
	p.nodesMu.RLock()
	nodes := make([]*MemNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		nodes = append(nodes, n)
	}
	p.nodesMu.RUnlock()
	for _, n := range nodes {
		if err := p.sendJournal(n); err != nil {
			nlog.Warningf("[ker] mem node #%d journal request failed: %v", n.Number, err)
		}
	}
}

// disconnect implements _on_disconnected_from_mem's pool-side half:
// remove the node from every criterion it belonged to.
func (p *MemPool) disconnect(n *MemNode) {
	n.listMu.Lock()
	for c := range n.listElem {
		if n.listElem[c] == nil {
			continue
		}
		crit := p.criteria[c]
		crit.mu.Lock()
		crit.assigned.Remove(n.listElem[c])
		crit.mu.Unlock()
		n.listElem[c] = nil
	}
	n.listMu.Unlock()
}

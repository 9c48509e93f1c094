package proto

import "github.com/lissandra-db/lissandra/wire"

// GossipNode is one row of a GOSSIP response's node table (§4.10).
type GossipNode struct {
	IP        string
	Port      uint16
	Available bool
}

// GossipRequest carries nothing but the common remoteId preamble.
type GossipRequest struct {
	RemoteID uint16
}

func EncodeGossipRequest(r GossipRequest) []byte {
	buf := make([]byte, 2)
	wire.NewCursor(buf).WriteUint16(r.RemoteID)
	return buf
}

func DecodeGossipRequest(payload []byte) GossipRequest {
	return GossipRequest{RemoteID: wire.NewCursor(payload).ReadUint16()}
}

// GossipResponse is the peer's known-node table, used to import
// previously-unknown peers (§4.10).
type GossipResponse struct {
	RemoteID uint16
	Nodes    []GossipNode
}

func EncodeGossipResponse(r GossipResponse) []byte {
	size := 2 + 4 + 2
	for _, n := range r.Nodes {
		size += 2 + len(n.IP) + 2 + 1
	}
	buf := make([]byte, size)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteUint32(0)
	c.WriteUint16(uint16(len(r.Nodes)))
	for _, n := range r.Nodes {
		c.WriteString(n.IP)
		c.WriteUint16(n.Port)
		c.WriteBool(n.Available)
	}
	return buf[:c.Pos]
}

func DecodeGossipResponse(payload []byte) GossipResponse {
	c := wire.NewCursor(payload)
	r := GossipResponse{RemoteID: c.ReadUint16()}
	_ = c.ReadUint32() // status code, always ok for gossip
	n := int(c.ReadUint16())
	r.Nodes = make([]GossipNode, n)
	for i := 0; i < n; i++ {
		r.Nodes[i] = GossipNode{IP: c.ReadString(), Port: c.ReadUint16(), Available: c.ReadBool()}
	}
	return r
}

// JournalNotice asks a MEM node to begin an unsolicited journal, used
// when a StrongHashed table gains a new shard member (spec §4.8:
// "every already-assigned node is asked to journal").
type JournalNotice struct {
	RemoteID uint16
}

func EncodeJournalNotice(r JournalNotice) []byte {
	buf := make([]byte, 2)
	wire.NewCursor(buf).WriteUint16(r.RemoteID)
	return buf
}

func DecodeJournalNotice(payload []byte) JournalNotice {
	return JournalNotice{RemoteID: wire.NewCursor(payload).ReadUint16()}
}

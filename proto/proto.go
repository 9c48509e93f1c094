// Package proto implements C9: the typed request/response payloads
// exchanged between KER, MEM, and LFS nodes, layered on top of the
// wire package's framing and cursor codecs (spec §4.9).
package proto

import (
	"fmt"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/wire"
)

// Packet headers for the verbs carried between nodes, continuing the
// 256-slot header space past wire's reserved PING/PONG/AUTH/ACK.
const (
	HeaderCreate wire.Header = wire.HeaderUserBase + iota
	HeaderDrop
	HeaderDescribe
	HeaderSelect
	HeaderInsert
	HeaderJournalNotice
	HeaderGossip
	HeaderGossipResult
	HeaderResponse
	HeaderDescribeChunk
	HeaderAddMem
	HeaderRun
	HeaderJournal
)

// Status is the common response preamble: remoteId, then a status
// code, then — iff code != 0 — a human-readable description (§4.9).
type Status struct {
	RemoteID uint16
	Code     uint32
	Message  string
}

func EncodeOK(remoteID uint16) []byte {
	buf := make([]byte, 2+4)
	c := wire.NewCursor(buf)
	c.WriteUint16(remoteID)
	c.WriteUint32(0)
	return buf
}

func EncodeError(remoteID uint16, code uint32, message string) []byte {
	buf := make([]byte, 2+4+2+len(message))
	c := wire.NewCursor(buf)
	c.WriteUint16(remoteID)
	c.WriteUint32(code)
	c.WriteString(message)
	return buf
}

func DecodeStatus(payload []byte) (Status, error) {
	c := wire.NewCursor(payload)
	s := Status{RemoteID: c.ReadUint16(), Code: c.ReadUint32()}
	if s.Code != 0 {
		s.Message = c.ReadString()
	}
	return s, nil
}

// CreateRequest is the CREATE verb's request tail (§4.9).
type CreateRequest struct {
	RemoteID           uint16
	Name               string
	Consistency        cmn.Consistency
	Partitions         uint16
	CompactionInterval uint32
}

func EncodeCreateRequest(r CreateRequest) []byte {
	buf := make([]byte, 2+2+len(r.Name)+1+2+4)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.Name)
	c.WriteUint8(uint8(r.Consistency))
	c.WriteUint16(r.Partitions)
	c.WriteUint32(r.CompactionInterval)
	return buf[:c.Pos]
}

func DecodeCreateRequest(payload []byte) CreateRequest {
	c := wire.NewCursor(payload)
	var r CreateRequest
	r.RemoteID = c.ReadUint16()
	r.Name = c.ReadString()
	r.Consistency = cmn.Consistency(c.ReadUint8())
	r.Partitions = c.ReadUint16()
	r.CompactionInterval = c.ReadUint32()
	return r
}

// DropRequest is the DROP verb's request tail.
type DropRequest struct {
	RemoteID uint16
	Name     string
}

func EncodeDropRequest(r DropRequest) []byte {
	buf := make([]byte, 2+2+len(r.Name))
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.Name)
	return buf[:c.Pos]
}

func DecodeDropRequest(payload []byte) DropRequest {
	c := wire.NewCursor(payload)
	return DropRequest{RemoteID: c.ReadUint16(), Name: c.ReadString()}
}

// DescribeRequest is the DESCRIBE verb's request tail; an empty Name
// means "describe every table".
type DescribeRequest struct {
	RemoteID uint16
	Name     string
}

func EncodeDescribeRequest(r DescribeRequest) []byte {
	buf := make([]byte, 2+2+len(r.Name))
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.Name)
	return buf[:c.Pos]
}

func DecodeDescribeRequest(payload []byte) DescribeRequest {
	c := wire.NewCursor(payload)
	return DescribeRequest{RemoteID: c.ReadUint16(), Name: c.ReadString()}
}

// DescribeChunk is one streamed slice of a DESCRIBE-all response
// (§4.9 "Large responses are chunked"): the first chunk's TotalCount
// is the grand total; the receiver reassembles until it has seen that
// many rows across however many chunks arrive.
type DescribeChunk struct {
	RemoteID   uint16
	TotalCount uint16
	Rows       []cmn.TableMeta
}

// MaxDescribeRowsPerChunk bounds how many metadata rows one chunk
// packs, keeping chunks comfortably under MaxPacketLen.
const MaxDescribeRowsPerChunk = 32

func EncodeDescribeChunk(ch DescribeChunk) []byte {
	size := 2 + 2 + 2
	for _, row := range ch.Rows {
		size += 2 + len(row.Name) + 1 + 2 + 4
	}
	buf := make([]byte, size)
	c := wire.NewCursor(buf)
	c.WriteUint16(ch.RemoteID)
	c.WriteUint16(ch.TotalCount)
	c.WriteUint16(uint16(len(ch.Rows)))
	for _, row := range ch.Rows {
		c.WriteString(row.Name)
		c.WriteUint8(uint8(row.Consistency))
		c.WriteUint16(row.Partitions)
		c.WriteUint32(row.CompactionInterval)
	}
	return buf[:c.Pos]
}

func DecodeDescribeChunk(payload []byte) DescribeChunk {
	c := wire.NewCursor(payload)
	ch := DescribeChunk{RemoteID: c.ReadUint16(), TotalCount: c.ReadUint16()}
	n := int(c.ReadUint16())
	ch.Rows = make([]cmn.TableMeta, n)
	for i := 0; i < n; i++ {
		ch.Rows[i] = cmn.TableMeta{
			Name:               c.ReadString(),
			Consistency:        cmn.Consistency(c.ReadUint8()),
			Partitions:         c.ReadUint16(),
			CompactionInterval: c.ReadUint32(),
		}
	}
	return ch
}

// SelectRequest is the SELECT verb's request tail.
type SelectRequest struct {
	RemoteID uint16
	Name     string
	Key      uint16
}

func EncodeSelectRequest(r SelectRequest) []byte {
	buf := make([]byte, 2+2+len(r.Name)+2)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.Name)
	c.WriteUint16(r.Key)
	return buf[:c.Pos]
}

func DecodeSelectRequest(payload []byte) SelectRequest {
	c := wire.NewCursor(payload)
	return SelectRequest{RemoteID: c.ReadUint16(), Name: c.ReadString(), Key: c.ReadUint16()}
}

// SelectResult is the SELECT verb's response tail.
type SelectResult struct {
	RemoteID  uint16
	Key       uint16
	Value     string
	Timestamp uint64
}

func EncodeSelectResult(r SelectResult) []byte {
	buf := make([]byte, 2+4+2+2+len(r.Value)+8)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteUint32(0) // status code: ok
	c.WriteUint16(r.Key)
	c.WriteString(r.Value)
	c.WriteUint64(r.Timestamp)
	return buf[:c.Pos]
}

func DecodeSelectResult(payload []byte) (SelectResult, Status, error) {
	c := wire.NewCursor(payload)
	remoteID := c.ReadUint16()
	code := c.ReadUint32()
	if code != 0 {
		msg := c.ReadString()
		return SelectResult{}, Status{RemoteID: remoteID, Code: code, Message: msg}, fmt.Errorf("proto: select failed: %s", msg)
	}
	return SelectResult{
		RemoteID:  remoteID,
		Key:       c.ReadUint16(),
		Value:     c.ReadString(),
		Timestamp: c.ReadUint64(),
	}, Status{RemoteID: remoteID}, nil
}

// InsertRequest is the INSERT verb's request tail.
type InsertRequest struct {
	RemoteID  uint16
	Name      string
	Key       uint16
	Value     string
	Timestamp uint64
}

func EncodeInsertRequest(r InsertRequest) []byte {
	buf := make([]byte, 2+2+len(r.Name)+2+2+len(r.Value)+8)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.Name)
	c.WriteUint16(r.Key)
	c.WriteString(r.Value)
	c.WriteUint64(r.Timestamp)
	return buf[:c.Pos]
}

func DecodeInsertRequest(payload []byte) InsertRequest {
	c := wire.NewCursor(payload)
	return InsertRequest{
		RemoteID:  c.ReadUint16(),
		Name:      c.ReadString(),
		Key:       c.ReadUint16(),
		Value:     c.ReadString(),
		Timestamp: c.ReadUint64(),
	}
}

// JournalNoticeRequest is the fire-and-forget request KER sends a MEM
// node when a new StrongHashed member joins its criterion, so every
// already-assigned node starts the new member off from a coherent,
// durable baseline (§4.8 "every already-assigned node is asked to
// journal").
type JournalNoticeRequest struct {
	RemoteID uint16
}

func EncodeJournalNoticeRequest(r JournalNoticeRequest) []byte {
	buf := make([]byte, 2)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	return buf
}

func DecodeJournalNoticeRequest(payload []byte) JournalNoticeRequest {
	c := wire.NewCursor(payload)
	return JournalNoticeRequest{RemoteID: c.ReadUint16()}
}

// AuthRequest is the AUTH handshake payload. IsNode distinguishes a
// peer node joining the cluster from a plain client connection; node
// peers additionally advertise their own listening address (and, for
// MEM nodes, their assigned number) so the acceptor can gossip it
// onward (§4.10). Number is gossip.NumberUnknown for non-MEM callers
// (KER itself, or a plain client) since they have no node number.
type AuthRequest struct {
	RemoteID uint16
	Password string
	IsNode   bool
	NodeIP   string
	NodePort uint16
	Number   uint16
}

func EncodeAuthRequest(r AuthRequest) []byte {
	size := 2 + 2 + len(r.Password) + 1
	if r.IsNode {
		size += 2 + len(r.NodeIP) + 2 + 2
	}
	buf := make([]byte, size)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.Password)
	c.WriteBool(r.IsNode)
	if r.IsNode {
		c.WriteString(r.NodeIP)
		c.WriteUint16(r.NodePort)
		c.WriteUint16(r.Number)
	}
	return buf[:c.Pos]
}

func DecodeAuthRequest(payload []byte) AuthRequest {
	c := wire.NewCursor(payload)
	r := AuthRequest{RemoteID: c.ReadUint16(), Password: c.ReadString()}
	r.IsNode = c.ReadBool()
	if r.IsNode {
		r.NodeIP = c.ReadString()
		r.NodePort = c.ReadUint16()
		r.Number = c.ReadUint16()
	}
	return r
}

// AckResponse carries the negotiated parameters returned on a
// successful AUTH (§4.9 "ACK carrying negotiated parameters").
type AckResponse struct {
	RemoteID          uint16
	ValidationTimeout uint32
	ValueSize         uint16
}

func EncodeAckResponse(r AckResponse) []byte {
	buf := make([]byte, 2+4+2)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteUint32(r.ValidationTimeout)
	c.WriteUint16(r.ValueSize)
	return buf
}

func DecodeAckResponse(payload []byte) AckResponse {
	c := wire.NewCursor(payload)
	return AckResponse{
		RemoteID:          c.ReadUint16(),
		ValidationTimeout: c.ReadUint32(),
		ValueSize:         c.ReadUint16(),
	}
}

// GossipPeer is one entry of a node's known-peers table, exchanged
// wholesale on every gossip round (§4.10).
type GossipPeer struct {
	Number uint16
	IP     string
	Port   uint16
}

// GossipResult is the RES_GOSSIP payload: every peer the sender
// currently considers available.
type GossipResult struct {
	Peers []GossipPeer
}

func EncodeGossipResult(r GossipResult) []byte {
	size := 2
	for _, p := range r.Peers {
		size += 2 + 2 + len(p.IP) + 1 + 2
	}
	buf := make([]byte, size)
	c := wire.NewCursor(buf)
	c.WriteUint16(uint16(len(r.Peers)))
	for _, p := range r.Peers {
		c.WriteUint16(p.Number)
		c.WriteString(p.IP)
		c.WriteUint16(p.Port)
	}
	return buf[:c.Pos]
}

func DecodeGossipResult(payload []byte) GossipResult {
	c := wire.NewCursor(payload)
	n := int(c.ReadUint16())
	r := GossipResult{Peers: make([]GossipPeer, n)}
	for i := 0; i < n; i++ {
		r.Peers[i] = GossipPeer{Number: c.ReadUint16(), IP: c.ReadString(), Port: c.ReadUint16()}
	}
	return r
}

// JournalRequest is the client-facing JOURNAL verb's request tail:
// KER broadcasts a fire-and-forget journal notice (JournalNoticeRequest)
// to every MEM node it knows, then acknowledges the client (spec §6
// "JOURNAL | —"). Distinct from JournalNoticeRequest, which is the
// one-way KER-to-MEM message this verb fans out.
type JournalRequest struct {
	RemoteID uint16
}

func EncodeJournalRequest(r JournalRequest) []byte {
	buf := make([]byte, 2)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	return buf
}

func DecodeJournalRequest(payload []byte) JournalRequest {
	c := wire.NewCursor(payload)
	return JournalRequest{RemoteID: c.ReadUint16()}
}

// AddMemRequest is the ADD MEMORY verb's request tail: assign a MEM
// node number to one of a table's consistency criteria (spec §4.8).
type AddMemRequest struct {
	RemoteID    uint16
	MemNumber   uint16
	Consistency cmn.Consistency
}

func EncodeAddMemRequest(r AddMemRequest) []byte {
	buf := make([]byte, 2+2+1)
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteUint16(r.MemNumber)
	c.WriteUint8(uint8(r.Consistency))
	return buf
}

func DecodeAddMemRequest(payload []byte) AddMemRequest {
	c := wire.NewCursor(payload)
	return AddMemRequest{RemoteID: c.ReadUint16(), MemNumber: c.ReadUint16(), Consistency: cmn.Consistency(c.ReadUint8())}
}

// RunRequest is the RUN verb's request tail: the LQL script is opened
// by name on the KER node's own filesystem, same as the CLI path
// (spec §4.11) — there is no file-transfer protocol, so ScriptPath
// (and the derived output log) must already exist/be writable there.
type RunRequest struct {
	RemoteID   uint16
	ScriptPath string
}

func EncodeRunRequest(r RunRequest) []byte {
	buf := make([]byte, 2+2+len(r.ScriptPath))
	c := wire.NewCursor(buf)
	c.WriteUint16(r.RemoteID)
	c.WriteString(r.ScriptPath)
	return buf[:c.Pos]
}

func DecodeRunRequest(payload []byte) RunRequest {
	c := wire.NewCursor(payload)
	return RunRequest{RemoteID: c.ReadUint16(), ScriptPath: c.ReadString()}
}

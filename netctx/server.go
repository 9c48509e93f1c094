package netctx

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/handle"
	"github.com/lissandra-db/lissandra/wire"
)

// Peer is a connected client of a Server context (cx_net_client_t).
type Peer struct {
	Handle         uint16
	Validated      bool
	ConnectedTime  time.Time
	LastPacketTime time.Time
	IP             string

	fd        int
	in        *ringBuf
	out       *ringBuf
	wantWrite bool
}

// ServerArgs configures Listen.
type ServerArgs struct {
	Name              string
	IP                string
	Port              uint16
	MaxClients        uint16
	ValidationTimeout time.Duration
	MultiThreadedSend bool
	OnConnection      func(ip string) bool // false => reject (capacity/blocklist)
	OnDisconnection   func(peerHandle uint16)
}

// Server is cx_net_ctx_sv_t.
type Server struct {
	common

	mu         sync.RWMutex
	peers      map[uint16]*Peer
	fdToHandle map[int]uint16
	halloc     *handle.Allocator
	maxClients uint16

	onConnection    func(ip string) bool
	onDisconnection func(peerHandle uint16)
}

// Listen opens a listening socket, registers it with a fresh epoll
// instance, and returns a ready server context (cx_net_listen).
func Listen(a ServerArgs) (*Server, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("netctx: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	addr, err := ipv4Addr(a.IP, a.Port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netctx: bind: %w", err)
	}
	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netctx: listen: %w", err)
	}
	if err := setNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	epfd, err := initEpoll()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := epollAdd(epfd, fd, unix.EPOLLIN); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return nil, err
	}

	s := &Server{
		common: common{
			name:              a.Name,
			ip:                a.IP,
			port:              a.Port,
			st:                stateServer | stateListening,
			epfd:              epfd,
			sock:              fd,
			validationTimeout: a.ValidationTimeout,
			multiThreadedSend: a.MultiThreadedSend,
		},
		peers:           make(map[uint16]*Peer),
		fdToHandle:      make(map[int]uint16),
		halloc:          handle.New(a.MaxClients),
		maxClients:      a.MaxClients,
		onConnection:    a.OnConnection,
		onDisconnection: a.OnDisconnection,
	}
	nlog.Infof("[net: %s] listening on %s:%d", a.Name, a.IP, a.Port)
	return s, nil
}

// SetHandler registers a handler for a packet header.
func (s *Server) SetHandler(h wire.Header, fn Handler) { s.setHandler(h, fn) }

// PollEvents drains ready epoll events for up to timeout, accepting
// new connections and dispatching readable/writable peers.
func (s *Server) PollEvents(timeout time.Duration) {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(s.epfd, events, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return
		}
		nlog.Warningf("[net: %s] epoll_wait: %v", s.name, err)
		return
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == s.sock {
			s.acceptLoop()
			continue
		}
		s.mu.RLock()
		ph, ok := s.fdToHandle[fd]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			s.Disconnect(ph, "socket error")
			continue
		}
		if events[i].Events&unix.EPOLLIN != 0 {
			s.handleReadable(ph)
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			s.handleWritable(ph)
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(s.sock, unix.SOCK_NONBLOCK)
		if err != nil {
			return // EAGAIN: drained the backlog
		}
		ip := sockaddrIP(sa)
		if s.onConnection != nil && !s.onConnection(ip) {
			unix.Close(fd)
			continue
		}
		s.mu.Lock()
		if s.halloc.Count() >= s.maxClients {
			s.mu.Unlock()
			nlog.Warningf("[net: %s] rejecting %s: at capacity (%d)", s.name, ip, s.maxClients)
			unix.Close(fd)
			continue
		}
		ph := s.halloc.Alloc()
		peer := &Peer{
			Handle:         ph,
			IP:             ip,
			fd:             fd,
			in:             newRingBuf(),
			out:            newRingBuf(),
			ConnectedTime:  time.Now(),
			LastPacketTime: time.Now(),
		}
		s.peers[ph] = peer
		s.fdToHandle[fd] = ph
		s.mu.Unlock()

		_ = epollAdd(s.epfd, fd, unix.EPOLLIN)
		nlog.Infof("[net: %s] accepted %s as handle %d", s.name, ip, ph)
	}
}

func (s *Server) handleReadable(ph uint16) {
	s.mu.RLock()
	peer := s.peers[ph]
	s.mu.RUnlock()
	if peer == nil {
		return
	}

	buf := make([]byte, peer.in.freeSpace())
	if len(buf) == 0 {
		nlog.Warningf("[net: %s] peer %d inbound buffer saturated, disconnecting", s.name, ph)
		s.Disconnect(ph, "inbound buffer overflow")
		return
	}
	n, err := unix.Read(peer.fd, buf)
	if n == 0 || (err != nil && err != unix.EAGAIN) {
		s.Disconnect(ph, "connection closed by peer")
		return
	}
	if n <= 0 {
		return
	}
	peer.in.append(buf[:n])

	frames, consumed := wire.ParseAll(peer.in.bytes())
	for _, f := range frames {
		peer.LastPacketTime = time.Now()
		if !s.gate(peer, f.Header) {
			continue
		}
		s.dispatch(ph, f)
	}
	peer.in.consume(consumed)
}

// gate implements the validation filter (§4.5): before AUTH/ACK
// succeeds, only AUTH/ACK/PING/PONG packets reach handlers.
func (s *Server) gate(peer *Peer, h wire.Header) bool {
	if peer.Validated || h == wire.HeaderAuth || h == wire.HeaderAck || h == wire.HeaderPing || h == wire.HeaderPong {
		return true
	}
	return false
}

// Validate marks a peer as validated (called by the AUTH handler on success).
func (s *Server) Validate(peerHandle uint16) {
	s.mu.RLock()
	peer := s.peers[peerHandle]
	s.mu.RUnlock()
	if peer != nil {
		peer.Validated = true
	}
}

func (s *Server) handleWritable(ph uint16) {
	s.mu.RLock()
	peer := s.peers[ph]
	s.mu.RUnlock()
	if peer == nil {
		return
	}
	s.flushPeer(peer)
}

// Send frames header+payload and enqueues it to peerHandle's outbound
// buffer, attempting an immediate flush (§4.5 "Write path").
func (s *Server) Send(h wire.Header, payload []byte, peerHandle uint16) error {
	if s.multiThreadedSend {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
	}
	s.mu.RLock()
	peer := s.peers[peerHandle]
	s.mu.RUnlock()
	if peer == nil {
		return fmt.Errorf("netctx: unknown peer handle %d", peerHandle)
	}
	frame := make([]byte, wire.FrameOverhead+len(payload))
	wire.Encode(frame, h, payload)
	if !peer.out.append(frame) {
		return fmt.Errorf("netctx: buffer full for peer %d", peerHandle)
	}
	s.flushPeer(peer)
	return nil
}

func (s *Server) flushPeer(peer *Peer) {
	for peer.out.pos > 0 {
		n, err := unix.Write(peer.fd, peer.out.bytes())
		if err != nil {
			if err == unix.EAGAIN {
				if !peer.wantWrite {
					peer.wantWrite = true
					_ = epollMod(s.epfd, peer.fd, unix.EPOLLIN|unix.EPOLLOUT)
				}
				return
			}
			s.Disconnect(peer.Handle, "write error")
			return
		}
		peer.out.consume(n)
	}
	if peer.wantWrite {
		peer.wantWrite = false
		_ = epollMod(s.epfd, peer.fd, unix.EPOLLIN)
	}
}

// Disconnect tears down a single peer's connection.
func (s *Server) Disconnect(peerHandle uint16, reason string) {
	s.mu.Lock()
	peer, ok := s.peers[peerHandle]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peerHandle)
	delete(s.fdToHandle, peer.fd)
	s.halloc.Free(peerHandle)
	s.mu.Unlock()

	_ = epollDel(s.epfd, peer.fd)
	unix.Close(peer.fd)
	nlog.Infof("[net: %s] disconnected handle %d (%s): %s", s.name, peerHandle, peer.IP, reason)
	if s.onDisconnection != nil {
		s.onDisconnection(peerHandle)
	}
}

// CheckTimeouts disconnects peers that failed to validate within
// validationTimeout, or that have been idle beyond InactivityTimeout
// (§4.5, §5). The caller's main loop invokes this on its timer poll.
// It also injects a PING once a connected peer crosses half the
// inactivity window without traffic (§4.5 "Keepalive").
func (s *Server) CheckTimeouts() {
	now := time.Now()
	s.mu.RLock()
	var stale, unvalidated, needPing []uint16
	for h, p := range s.peers {
		idle := now.Sub(p.LastPacketTime)
		if !p.Validated && now.Sub(p.ConnectedTime) > s.validationTimeout {
			unvalidated = append(unvalidated, h)
			continue
		}
		if idle > InactivityTimeout {
			stale = append(stale, h)
			continue
		}
		if idle > InactivityTimeout/2 {
			needPing = append(needPing, h)
		}
	}
	s.mu.RUnlock()

	for _, h := range unvalidated {
		s.Disconnect(h, "validation handshake timed-out")
	}
	for _, h := range stale {
		s.Disconnect(h, "inactivity timeout")
	}
	for _, h := range needPing {
		_ = s.Send(wire.HeaderPing, nil, h)
	}
}

// Peer returns a snapshot of a connected peer's metadata, or nil.
func (s *Server) Peer(h uint16) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[h]
}

// Close implements the graceful shutdown of §4.5: flush outbound
// buffers with one final poll, disconnect every peer, remove epoll
// registrations, free buffers.
func (s *Server) Close() {
	s.mu.Lock()
	s.st |= stateClosing
	handles := make([]uint16, 0, len(s.peers))
	for h := range s.peers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.PollEvents(10 * time.Millisecond)
	for _, h := range handles {
		s.Disconnect(h, "context closed")
	}
	_ = epollDel(s.epfd, s.sock)
	unix.Close(s.sock)
	unix.Close(s.epfd)
	nlog.Infof("[net: %s] closed", s.name)
}

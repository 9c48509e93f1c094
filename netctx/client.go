package netctx

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/wire"
)

// Client is cx_net_ctx_cl_t: a single outbound connection to a server.
type Client struct {
	common

	in             *ringBuf
	out            *ringBuf
	wantWrite      bool
	connected      bool
	lastPacketTime time.Time

	onDisconnect func()
}

// ClientArgs configures Dial.
type ClientArgs struct {
	Name              string
	IP                string
	Port              uint16
	MultiThreadedSend bool
	OnDisconnect      func()
}

// Dial opens a non-blocking connection and blocks up to timeout waiting
// for it to complete (spec §4.5 "Connect with timeout"), promoting the
// context to Connected on EPOLLOUT exactly as the server promotes an
// accepted fd. On failure or timeout it returns a plain fmt error,
// not an *xerr.Error.
func Dial(a ClientArgs, timeout time.Duration) (*Client, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("netctx: socket: %w", err)
	}
	if err := setNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr, err := ipv4Addr(a.IP, a.Port)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	epfd, err := initEpoll()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	c := &Client{
		common: common{
			name:              a.Name,
			ip:                a.IP,
			port:              a.Port,
			st:                stateClient | stateConnecting,
			epfd:              epfd,
			sock:              fd,
			multiThreadedSend: a.MultiThreadedSend,
		},
		in:           newRingBuf(),
		out:          newRingBuf(),
		onDisconnect: a.OnDisconnect,
	}

	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		c.closeFDs()
		return nil, fmt.Errorf("netctx: connect %s:%d: %w", a.IP, a.Port, err)
	}

	if err := epollAdd(epfd, fd, unix.EPOLLIN|unix.EPOLLOUT); err != nil {
		c.closeFDs()
		return nil, err
	}

	if err == nil {
		// Connected immediately (rare, e.g. loopback).
		c.st = stateClient | stateConnected
		c.connected = true
		c.lastPacketTime = time.Now()
		return c, nil
	}

	deadline := time.Now().Add(timeout)
	events := make([]unix.EpollEvent, 1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.closeFDs()
			return nil, fmt.Errorf("netctx: connect %s:%d: timed out", a.IP, a.Port)
		}
		n, werr := unix.EpollWait(epfd, events, int(remaining/time.Millisecond)+1)
		if werr != nil {
			if werr == unix.EINTR {
				continue
			}
			c.closeFDs()
			return nil, fmt.Errorf("netctx: connect %s:%d: epoll_wait: %w", a.IP, a.Port, werr)
		}
		if n == 0 {
			c.closeFDs()
			return nil, fmt.Errorf("netctx: connect %s:%d: timed out", a.IP, a.Port)
		}
		soErr, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if serr != nil || soErr != 0 {
			c.closeFDs()
			return nil, fmt.Errorf("netctx: connect %s:%d: %v", a.IP, a.Port, unix.Errno(soErr))
		}
		break
	}

	c.st = stateClient | stateConnected
	c.connected = true
	c.lastPacketTime = time.Now()
	nlog.Infof("[net: %s] connected to %s:%d", a.Name, a.IP, a.Port)
	return c, nil
}

// SetHandler registers a handler for a packet header.
func (c *Client) SetHandler(h wire.Header, fn Handler) { c.setHandler(h, fn) }

// PollEvents drains one round of epoll readiness for this connection.
func (c *Client) PollEvents(timeout time.Duration) {
	events := make([]unix.EpollEvent, 4)
	n, err := unix.EpollWait(c.epfd, events, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return
		}
		nlog.Warningf("[net: %s] epoll_wait: %v", c.name, err)
		return
	}
	for i := 0; i < n; i++ {
		if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			c.Disconnect("socket error")
			return
		}
		if events[i].Events&unix.EPOLLIN != 0 {
			c.handleReadable()
		}
		if events[i].Events&unix.EPOLLOUT != 0 {
			c.flush()
		}
	}
}

func (c *Client) handleReadable() {
	buf := make([]byte, c.in.freeSpace())
	if len(buf) == 0 {
		c.Disconnect("inbound buffer overflow")
		return
	}
	n, err := unix.Read(c.sock, buf)
	if n == 0 || (err != nil && err != unix.EAGAIN) {
		c.Disconnect("connection closed by peer")
		return
	}
	if n <= 0 {
		return
	}
	c.in.append(buf[:n])

	frames, consumed := wire.ParseAll(c.in.bytes())
	for _, f := range frames {
		c.lastPacketTime = time.Now()
		// peerHandle is unused on the client side (single-peer context);
		// pass 0 so a shared Handler signature still applies.
		c.dispatch(0, f)
	}
	c.in.consume(consumed)
}

// Send frames header+payload and writes it to the connection, deferring
// to EPOLLOUT if the socket isn't currently writable.
func (c *Client) Send(h wire.Header, payload []byte) error {
	if c.multiThreadedSend {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
	}
	if !c.connected {
		return fmt.Errorf("netctx: %s not connected", c.name)
	}
	frame := make([]byte, wire.FrameOverhead+len(payload))
	wire.Encode(frame, h, payload)
	if !c.out.append(frame) {
		return fmt.Errorf("netctx: %s outbound buffer full", c.name)
	}
	c.flush()
	return nil
}

func (c *Client) flush() {
	for c.out.pos > 0 {
		n, err := unix.Write(c.sock, c.out.bytes())
		if err != nil {
			if err == unix.EAGAIN {
				if !c.wantWrite {
					c.wantWrite = true
					_ = epollMod(c.epfd, c.sock, unix.EPOLLIN|unix.EPOLLOUT)
				}
				return
			}
			c.Disconnect("write error")
			return
		}
		c.out.consume(n)
	}
	if c.wantWrite {
		c.wantWrite = false
		_ = epollMod(c.epfd, c.sock, unix.EPOLLIN)
	}
}

// IdleFor reports how long it has been since the last inbound packet,
// for the caller to drive its own keepalive/inactivity policy.
func (c *Client) IdleFor() time.Duration { return time.Since(c.lastPacketTime) }

// Connected reports whether the connect handshake has completed.
func (c *Client) Connected() bool { return c.connected }

// Disconnect tears down the connection.
func (c *Client) Disconnect(reason string) {
	if !c.connected {
		return
	}
	c.connected = false
	c.closeFDs()
	nlog.Infof("[net: %s] disconnected from %s:%d: %s", c.name, c.ip, c.port, reason)
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// Close is an alias of Disconnect kept for symmetry with Server.Close.
func (c *Client) Close() { c.Disconnect("context closed") }

func (c *Client) closeFDs() {
	_ = epollDel(c.epfd, c.sock)
	unix.Close(c.sock)
	unix.Close(c.epfd)
}

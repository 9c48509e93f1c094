// Package netctx implements C5: server/client TCP network contexts
// backed by a real epoll reactor (golang.org/x/sys/unix), matching the
// original's single-epoll-instance-per-context design (spec §4.5).
// Handlers are dispatched by header byte out of a 256-slot table; the
// validation gate and keepalive/inactivity timers are layered on top.
package netctx

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lissandra-db/lissandra/cmn/nlog"
	"github.com/lissandra-db/lissandra/wire"
)

// Handler processes one decoded packet. peerHandle identifies which
// peer sent it (always 0 on a Client context); a handler that replies
// calls Send on the context it was registered with.
type Handler func(peerHandle uint16, payload []byte)

// InactivityTimeout is the fixed idle-peer disconnect threshold (§4.5, §5).
const InactivityTimeout = 10 * time.Second

// state is the CX_NET_STATE bitset.
type state uint32

const (
	stateNone       state = 0
	stateError      state = 1 << 0
	stateServer     state = 1 << 1
	stateClient     state = 1 << 2
	stateListening  state = 1 << 3
	stateConnecting state = 1 << 4
	stateConnected  state = 1 << 5
	stateClosing    state = 1 << 6
)

// common is the shared reactor plumbing embedded by Server and Client.
type common struct {
	name string
	ip   string
	port uint16

	mu    sync.RWMutex
	st    state
	epfd  int
	sock  int // listening (server) or connected (client) socket fd
	sendMu sync.Mutex
	handlers [256]Handler

	validationTimeout time.Duration
	multiThreadedSend bool

	closing bool
}

func (c *common) setHandler(h wire.Header, fn Handler) {
	c.handlers[h] = fn
}

func (c *common) dispatch(peerHandle uint16, f wire.Frame) {
	fn := c.handlers[f.Header]
	if fn == nil {
		nlog.Warningf("[net: %s] no handler registered for header %d, dropping", c.name, f.Header)
		return
	}
	fn(peerHandle, f.Payload)
}

func initEpoll() (int, error) {
	return unix.EpollCreate1(0)
}

func epollAdd(epfd, fd int, events uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func epollMod(epfd, fd int, events uint32) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func epollDel(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

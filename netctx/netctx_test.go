package netctx

import (
	"sync"
	"testing"
	"time"

	"github.com/lissandra-db/lissandra/wire"
)

const headerEcho = wire.HeaderUserBase

// TestServerClientLoopback drives a real localhost TCP connection
// through the epoll reactor end to end: connect, validate, echo a
// payload, and observe it on the other side.
func TestServerClientLoopback(t *testing.T) {
	var mu sync.Mutex
	received := make(chan string, 1)

	srv, err := Listen(ServerArgs{
		Name:              "test-srv",
		IP:                "127.0.0.1",
		Port:              19321,
		MaxClients:        8,
		ValidationTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	srv.SetHandler(wire.HeaderAuth, func(peerHandle uint16, payload []byte) {
		srv.Validate(peerHandle)
		_ = srv.Send(wire.HeaderAck, nil, peerHandle)
	})
	srv.SetHandler(headerEcho, func(peerHandle uint16, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case received <- string(payload):
		default:
		}
		_ = srv.Send(headerEcho, payload, peerHandle)
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				srv.PollEvents(20 * time.Millisecond)
			}
		}
	}()

	cli, err := Dial(ClientArgs{Name: "test-cli", IP: "127.0.0.1", Port: 19321}, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	echoed := make(chan string, 1)
	cli.SetHandler(wire.HeaderAck, func(uint16, []byte) {})
	cli.SetHandler(headerEcho, func(_ uint16, payload []byte) {
		select {
		case echoed <- string(payload):
		default:
		}
	})

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				cli.PollEvents(20 * time.Millisecond)
			}
		}
	}()

	if err := cli.Send(wire.HeaderAuth, nil); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := cli.Send(headerEcho, []byte("ping")); err != nil {
		t.Fatalf("send echo: %v", err)
	}

	select {
	case got := <-received:
		if got != "ping" {
			t.Fatalf("server got %q, want ping", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received echo payload")
	}

	select {
	case got := <-echoed:
		if got != "ping" {
			t.Fatalf("client got %q, want ping", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received echoed payload")
	}
}

func TestServerRejectsBeforeValidation(t *testing.T) {
	srv, err := Listen(ServerArgs{
		Name:              "test-gate",
		IP:                "127.0.0.1",
		Port:              19322,
		MaxClients:        4,
		ValidationTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer srv.Close()

	reached := make(chan struct{}, 1)
	srv.SetHandler(headerEcho, func(uint16, []byte) {
		select {
		case reached <- struct{}{}:
		default:
		}
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				srv.PollEvents(20 * time.Millisecond)
			}
		}
	}()

	cli, err := Dial(ClientArgs{Name: "test-cli2", IP: "127.0.0.1", Port: 19322}, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	if err := cli.Send(headerEcho, []byte("nope")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-reached:
		t.Fatal("unvalidated peer reached a gated handler")
	case <-time.After(300 * time.Millisecond):
	}
}

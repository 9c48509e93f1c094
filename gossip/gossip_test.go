package gossip

import (
	"testing"

	"github.com/lissandra-db/lissandra/cmn"
	"github.com/lissandra-db/lissandra/proto"
)

func TestAddSkipsSelfAndDedupes(t *testing.T) {
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", nil)

	tbl.Add("127.0.0.1", 9000, NumberUnknown) // self
	if len(tbl.snapshot()) != 0 {
		t.Fatal("a peer matching self's address must not be added")
	}

	tbl.Add("127.0.0.1", 9001, 1)
	tbl.Add("127.0.0.1", 9001, 2) // same address, different number: ignored
	peers := tbl.snapshot()
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].number != 1 {
		t.Fatalf("re-Add must not overwrite the existing entry, got number=%d", peers[0].number)
	}
}

func TestSeedRegistersEveryAddress(t *testing.T) {
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", nil)
	tbl.Seed([]cmn.Seed{
		{IP: "10.0.0.1", Port: 9001},
		{IP: "10.0.0.2", Port: 9002},
	})
	if len(tbl.snapshot()) != 2 {
		t.Fatalf("got %d peers after Seed, want 2", len(tbl.snapshot()))
	}
}

func TestExportOnlyIncludesAvailablePeers(t *testing.T) {
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", nil)
	tbl.Add("10.0.0.1", 9001, 1)
	tbl.Add("10.0.0.2", 9002, 2)

	// mark the second peer unavailable directly, mirroring what
	// onDisconnect would do after a failed handshake.
	for _, p := range tbl.snapshot() {
		if p.number == 2 {
			p.mu.Lock()
			p.available = false
			p.mu.Unlock()
		}
	}

	res := tbl.Export()
	if len(res.Peers) != 1 || res.Peers[0].Number != 1 {
		t.Fatalf("got %+v, want only node #1", res.Peers)
	}
}

func TestImportMergesNewPeersOnly(t *testing.T) {
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", nil)
	tbl.Add("10.0.0.1", 9001, 1)

	tbl.Import(proto.GossipResult{Peers: []proto.GossipPeer{
		{Number: 1, IP: "10.0.0.1", Port: 9001}, // already known
		{Number: 2, IP: "10.0.0.2", Port: 9002}, // new
	}})

	if len(tbl.snapshot()) != 2 {
		t.Fatalf("got %d peers after Import, want 2", len(tbl.snapshot()))
	}
}

func TestOnDisconnectMarksAvailabilityByStage(t *testing.T) {
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", nil)
	tbl.Add("10.0.0.1", 9001, 1)
	p := tbl.snapshot()[0]

	p.mu.Lock()
	p.stage = StageDone
	p.available = false
	p.mu.Unlock()
	tbl.onDisconnect(p)
	p.mu.Lock()
	done := p.available
	stage := p.stage
	p.mu.Unlock()
	if !done || stage != StageNone {
		t.Fatalf("a Done-stage disconnect should mark available=true stage=none, got available=%v stage=%v", done, stage)
	}

	p.mu.Lock()
	p.stage = StageHandshaking
	p.mu.Unlock()
	tbl.onDisconnect(p)
	p.mu.Lock()
	failed := p.available
	p.mu.Unlock()
	if failed {
		t.Fatal("a disconnect mid-handshake should mark the peer unavailable")
	}
}

func TestRunFeedsAvailableMembersToCallback(t *testing.T) {
	var got []uint16
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", func(number uint16, _ string, _ uint16) {
		got = append(got, number)
	})
	tbl.Add("10.0.0.1", 9001, 1)

	// force the peer out of StageNone so Run doesn't also spawn a
	// dial goroutine against an address nothing is listening on.
	p := tbl.snapshot()[0]
	p.mu.Lock()
	p.stage = StageDone
	p.mu.Unlock()

	tbl.Run()
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("onAvailable callback got %v, want [1]", got)
	}
}

func TestDestroyIsSafeWithNoLiveConnections(t *testing.T) {
	tbl := New("127.0.0.1", 9000, NumberUnknown, "pw", nil)
	tbl.Add("10.0.0.1", 9001, 1)
	tbl.Destroy() // must not panic when no peer has a live conn
}

package handshake

import (
	"strings"
	"testing"
	"time"

	"p2p-rdt/internal/admission"
	"p2p-rdt/internal/chunk"
	"p2p-rdt/internal/fragment"
	"p2p-rdt/internal/roster"
	"p2p-rdt/internal/wire"
)

func testRoster(t *testing.T) *roster.Roster {
	t.Helper()
	ro, err := roster.Parse(strings.NewReader("1 127.0.0.1 10001\n2 127.0.0.1 10002\n3 127.0.0.1 10003\n"))
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	return ro
}

func TestStartBroadcastsToEveryOtherPeer(t *testing.T) {
	ro := testRoster(t)
	h := chunk.Hash{1}
	p := NewPlanner(ro, 1, []chunk.Hash{h}, "out.dat")
	sends := p.Start(time.Now())
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want 2 (peers 2 and 3)", len(sends))
	}
	for _, s := range sends {
		if s.Packet.Type != wire.WHOHAS {
			t.Fatalf("send type = %v, want WHOHAS", s.Packet.Type)
		}
	}
}

func TestFirstIHaveWinsSource(t *testing.T) {
	ro := testRoster(t)
	h := chunk.Hash{1}
	p := NewPlanner(ro, 1, []chunk.Hash{h}, "out.dat")
	p.Start(time.Now())

	sends := p.OnIHave("127.0.0.1:10002", [][20]byte{[20]byte(h)})
	if len(sends) != 1 || sends[0].Packet.Type != wire.GET {
		t.Fatalf("expected one GET send, got %+v", sends)
	}
	// a later IHAVE for the same hash from a different peer must not
	// reassign the source.
	again := p.OnIHave("127.0.0.1:10003", [][20]byte{[20]byte(h)})
	if len(again) != 0 {
		t.Fatal("second IHAVE for an already-assigned hash must be ignored")
	}
	if !p.Done() {
		t.Fatal("planner should be done once the only hash is assigned")
	}
}

func TestDeniedRevertsAssignment(t *testing.T) {
	ro := testRoster(t)
	h := chunk.Hash{1}
	p := NewPlanner(ro, 1, []chunk.Hash{h}, "out.dat")
	p.Start(time.Now())
	p.OnIHave("127.0.0.1:10002", [][20]byte{[20]byte(h)})
	if p.Done() {
		t.Fatal("sanity: should be assigned before denial")
	}
	p.OnDenied("127.0.0.1:10002", [][20]byte{[20]byte(h)})
	if p.Done() {
		t.Fatal("denial should revert the hash to unassigned")
	}
	unassigned := p.Unassigned()
	if len(unassigned) != 1 || unassigned[0] != h {
		t.Fatalf("unassigned = %v, want [%v]", unassigned, h)
	}
}

func TestRetryFailsAfterMaxRounds(t *testing.T) {
	ro := testRoster(t)
	h := chunk.Hash{1}
	p := NewPlanner(ro, 1, []chunk.Hash{h}, "out.dat")
	p.Start(time.Now())
	now := time.Now()
	var err error
	for i := 0; i < MaxRounds; i++ {
		_, err = p.Retry(now)
	}
	if err == nil {
		t.Fatal("expected handshake exhaustion error after MaxRounds retries")
	}
}

func TestRespondRepliesIHaveWhenCapacityAvailable(t *testing.T) {
	store := fragment.NewStore()
	h := chunk.Hash{1}
	store.Put(h, make([]byte, chunk.Size))
	adm := admission.New(1)

	reply := Respond(store, adm, "127.0.0.1:10002", [][20]byte{[20]byte(h)})
	if reply == nil || reply.Type != wire.IHAVE {
		t.Fatalf("reply = %+v, want IHAVE", reply)
	}
}

func TestRespondRepliesDeniedAtCapacity(t *testing.T) {
	store := fragment.NewStore()
	h := chunk.Hash{1}
	store.Put(h, make([]byte, chunk.Size))
	adm := admission.New(1)
	adm.AdmitUpload("someone-else", "otherhash")

	reply := Respond(store, adm, "127.0.0.1:10002", [][20]byte{[20]byte(h)})
	if reply == nil || reply.Type != wire.DENIED {
		t.Fatalf("reply = %+v, want DENIED", reply)
	}
}

func TestReopenReassignsAfterSourceFails(t *testing.T) {
	ro := testRoster(t)
	h := chunk.Hash{1}
	p := NewPlanner(ro, 1, []chunk.Hash{h}, "out.dat")
	p.Start(time.Now())
	p.OnIHave("127.0.0.1:10002", [][20]byte{[20]byte(h)})
	if !p.Done() {
		t.Fatal("sanity: should be assigned before reopening")
	}

	p.Reopen(h)
	if p.Done() {
		t.Fatal("Reopen should revert the hash to unassigned")
	}

	sends := p.BroadcastNow([]chunk.Hash{h})
	if len(sends) != 2 {
		t.Fatalf("BroadcastNow sends = %d, want 2 (peers 2 and 3)", len(sends))
	}
	for _, s := range sends {
		if s.Packet.Type != wire.WHOHAS {
			t.Fatalf("send type = %v, want WHOHAS", s.Packet.Type)
		}
	}

	// a fresh IHAVE from the previously-denied source should be able to
	// reassign the hash now that it's reopened.
	again := p.OnIHave("127.0.0.1:10003", [][20]byte{[20]byte(h)})
	if len(again) != 1 {
		t.Fatalf("expected the reopened hash to be reassignable, got %d sends", len(again))
	}
}

func TestRespondStaysSilentWhenNoIntersection(t *testing.T) {
	store := fragment.NewStore()
	adm := admission.New(1)
	reply := Respond(store, adm, "127.0.0.1:10002", [][20]byte{{9}})
	if reply != nil {
		t.Fatalf("reply = %+v, want nil (no intersection)", reply)
	}
}

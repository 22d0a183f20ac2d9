// Package handshake implements the WHOHAS/IHAVE/GET/DENIED flood
// discovery protocol: the requester side (Planner, which broadcasts
// WHOHAS and selects a source per hash from the first announcer) and
// the responder side (Respond, which answers WHOHAS from its local
// store and the admission table).
package handshake

import (
	"fmt"
	"time"

	"p2p-rdt/internal/admission"
	"p2p-rdt/internal/chunk"
	"p2p-rdt/internal/fragment"
	"p2p-rdt/internal/roster"
	"p2p-rdt/internal/wire"
)

// MaxRounds bounds handshake retries: a download fails after this many
// WHOHAS rounds still leave hashes unassigned.
const MaxRounds = 5

// RetryWindow is how long the planner waits for IHAVE/DENIED replies
// before re-broadcasting WHOHAS for the hashes still missing a source.
const RetryWindow = 2 * time.Second

// Send pairs an outbound packet with the address to send it to — the
// planner and responder never touch a socket, only produce these.
type Send struct {
	Addr   string
	Packet wire.Packet
}

// Planner drives one DOWNLOAD command's handshake to completion: it
// tracks which requested hashes still need a source and which have been
// provisionally assigned.
type Planner struct {
	OutputFile string

	peers    []roster.Peer
	pending  map[chunk.Hash]bool   // hash -> still unassigned
	assigned map[chunk.Hash]string // hash -> chosen source addr

	round    int
	deadline time.Time
}

// NewPlanner starts a handshake for hashes against every peer in ro
// except self.
func NewPlanner(ro *roster.Roster, self uint32, hashes []chunk.Hash, outputFile string) *Planner {
	p := &Planner{
		OutputFile: outputFile,
		peers:      ro.Others(self),
		pending:    make(map[chunk.Hash]bool, len(hashes)),
		assigned:   make(map[chunk.Hash]string),
	}
	for _, h := range hashes {
		p.pending[h] = true
	}
	return p
}

// Unassigned returns every hash with no chosen source yet.
func (p *Planner) Unassigned() []chunk.Hash {
	out := make([]chunk.Hash, 0, len(p.pending))
	for h, still := range p.pending {
		if still {
			out = append(out, h)
		}
	}
	return out
}

// Done reports whether every requested hash has a chosen source.
func (p *Planner) Done() bool {
	return len(p.Unassigned()) == 0
}

// broadcast builds the WHOHAS packets needed to announce hashes to every
// known peer, splitting across multiple packets when the hash count
// overflows wire.MaxHashesPerPacket.
func broadcast(peers []roster.Peer, hashes []chunk.Hash) []Send {
	if len(hashes) == 0 {
		return nil
	}
	var sends []Send
	for start := 0; start < len(hashes); start += wire.MaxHashesPerPacket {
		end := start + wire.MaxHashesPerPacket
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := make([][20]byte, end-start)
		for i, h := range hashes[start:end] {
			batch[i] = [20]byte(h)
		}
		pkt := wire.Packet{Type: wire.WHOHAS, Payload: wire.EncodeHashList(batch)}
		for _, peer := range peers {
			sends = append(sends, Send{Addr: peer.Addr(), Packet: pkt})
		}
	}
	return sends
}

// Start broadcasts WHOHAS for every pending hash and arms the first
// retry deadline. Call once, right after NewPlanner.
func (p *Planner) Start(now time.Time) []Send {
	p.round = 1
	p.deadline = now.Add(RetryWindow)
	return broadcast(p.peers, p.Unassigned())
}

// OnIHave processes an IHAVE arrival: every hash in hashes not yet
// assigned is provisionally given to from, first-announcer-wins. It
// returns the GET sends to issue for newly assigned hashes.
func (p *Planner) OnIHave(from string, hashes [][20]byte) []Send {
	var sends []Send
	for _, raw := range hashes {
		h := chunk.Hash(raw)
		if still, requested := p.pending[h]; !requested || !still {
			continue
		}
		p.pending[h] = false
		p.assigned[h] = from
		sends = append(sends, Send{Addr: from, Packet: wire.Packet{Type: wire.GET, Payload: h[:]}})
	}
	return sends
}

// OnDenied processes a DENIED arrival: any hash in hashes that was
// provisionally assigned to from reverts to unassigned.
func (p *Planner) OnDenied(from string, hashes [][20]byte) {
	for _, raw := range hashes {
		h := chunk.Hash(raw)
		if src, ok := p.assigned[h]; ok && src == from {
			delete(p.assigned, h)
			p.pending[h] = true
		}
	}
}

// Reopen moves hash back to unassigned regardless of its current state,
// used when a download that already picked a source has to start over:
// a completed transfer that failed its integrity check, or a source
// that went quiet after GET without ever sending DATA.
func (p *Planner) Reopen(hash chunk.Hash) {
	delete(p.assigned, hash)
	p.pending[hash] = true
}

// BroadcastNow re-announces hashes immediately rather than waiting for
// the planner's own retry deadline, used when Reopen fires mid-download
// rather than from ordinary handshake-retry timing.
func (p *Planner) BroadcastNow(hashes []chunk.Hash) []Send {
	return broadcast(p.peers, hashes)
}

// Expired reports whether the retry deadline has passed with hashes
// still unassigned.
func (p *Planner) Expired(now time.Time) bool {
	return !p.Done() && !now.Before(p.deadline)
}

// Deadline returns the current retry deadline.
func (p *Planner) Deadline() time.Time { return p.deadline }

// Retry re-broadcasts WHOHAS for the still-unassigned subset and arms
// the next deadline. It returns an error once MaxRounds is exceeded;
// callers should consult Unassigned for the hashes being given up on.
func (p *Planner) Retry(now time.Time) ([]Send, error) {
	p.round++
	if p.round > MaxRounds {
		return nil, fmt.Errorf("handshake: exhausted %d rounds with %d hashes still unassigned", MaxRounds, len(p.Unassigned()))
	}
	p.deadline = now.Add(RetryWindow)
	return broadcast(p.peers, p.Unassigned()), nil
}

// Respond answers a WHOHAS from remote using the local store and
// admission table: IHAVE for the intersecting hashes if there's upload
// capacity, DENIED carrying the same hashes if the intersection is
// non-empty but capacity is full, or no reply at all if the
// intersection is empty.
func Respond(store *fragment.Store, adm *admission.Table, remote string, requested [][20]byte) *wire.Packet {
	var have [][20]byte
	for _, raw := range requested {
		if store.Has(chunk.Hash(raw)) {
			have = append(have, raw)
		}
	}
	if len(have) == 0 {
		return nil
	}
	if !adm.HasCapacity() {
		return &wire.Packet{Type: wire.DENIED, Payload: wire.EncodeHashList(have)}
	}
	return &wire.Packet{Type: wire.IHAVE, Payload: wire.EncodeHashList(have)}
}

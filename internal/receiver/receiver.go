// Package receiver implements the per-download reassembly state machine:
// a Go-Back-N receiver with cumulative ACK generation and final
// integrity verification against the requested hash.
package receiver

import (
	"p2p-rdt/internal/chunk"
	"p2p-rdt/internal/wire"
)

// Status is the lifecycle of one download attempt.
type Status int

const (
	Pending Status = iota
	Handshaking
	Transferring
	Complete
	Failed
)

// Download is one in-progress or finished chunk fetch from a chosen
// source peer.
type Download struct {
	Hash   chunk.Hash
	Source string // remote address, set once a source is chosen

	Status Status

	expected uint32 // next sequence number expected
	buf      []byte
}

// New returns a Download for hash, not yet assigned a source.
func New(hash chunk.Hash) *Download {
	return &Download{Hash: hash, Status: Pending, expected: 1}
}

// AssignSource records the chosen source peer and moves the download
// into the handshaking phase.
func (d *Download) AssignSource(addr string) {
	d.Source = addr
	d.Status = Handshaking
}

// BeginTransfer moves the download into the transferring phase, called
// once the first GET has been sent.
func (d *Download) BeginTransfer() {
	d.Status = Transferring
}

// OnData processes one DATA(seq, payload) arrival. It always returns
// the ACK to send back to the source. complete reports whether
// the chunk is now complete (buf has reached the full chunk size); in
// that case the caller must still call Verify to decide commit vs fail.
func (d *Download) OnData(seq uint32, payload []byte) (ack wire.Packet, complete bool) {
	switch {
	case seq == d.expected:
		d.buf = append(d.buf, payload...)
		d.expected++
		ack = wire.Packet{Type: wire.ACK, Ack: seq}
	case seq < d.expected:
		ack = wire.Packet{Type: wire.ACK, Ack: d.expected - 1}
	default: // seq > expected: out-of-order, GBN discards it
		ack = wire.Packet{Type: wire.ACK, Ack: d.expected - 1}
	}
	return ack, len(d.buf) >= chunk.Size
}

// Verify checks the reassembled bytes against the requested hash. On
// success it marks the download Complete and returns the verified
// bytes; on mismatch it marks Failed.
func (d *Download) Verify() (data []byte, ok bool) {
	if !chunk.Verify(d.Hash, d.buf) {
		d.Status = Failed
		return nil, false
	}
	d.Status = Complete
	return d.buf, true
}

// Reset discards any partial reassembly and rewinds to awaiting seq 1,
// used when a download is restarted against a new source after failure.
func (d *Download) Reset() {
	d.buf = nil
	d.expected = 1
	d.Status = Handshaking
}

// Package sender implements the per-upload sliding-window state machine:
// it decides which DATA packets to transmit, samples RTT, and drives the
// congestion controller, but never touches a socket itself — it hands
// finished wire.Packet values back to the event loop, which owns all I/O.
//
// The retry-exhaustion threshold (5 consecutive timeouts before
// abandoning a connection) keeps a dead peer from retrying forever
// instead of giving up on the chunk.
package sender

import (
	"time"

	"p2p-rdt/internal/chunk"
	"p2p-rdt/internal/congestion"
	"p2p-rdt/internal/rtt"
	"p2p-rdt/internal/wire"
)

// MaxConsecutiveTimeouts is the retransmission-timeout-storm threshold:
// after this many timeouts with no ACK progress, the upload is
// abandoned.
const MaxConsecutiveTimeouts = 5

type inFlight struct {
	sentAt        time.Time
	retransmitted bool
}

// Upload is one outgoing chunk transfer to a specific remote peer.
type Upload struct {
	Hash   chunk.Hash
	Remote string

	data       []byte
	numPackets uint32

	cc     *congestion.Controller
	rttEst *rtt.Estimator

	base    uint32 // oldest unacked seq
	nextSeq uint32 // next seq to send

	inFlight map[uint32]*inFlight

	timerRunning bool
	deadline     time.Time

	consecutiveTimeouts int
	done                bool
	abandoned           bool
}

// New starts an upload of data (the full chunk, exactly chunk.Size
// bytes) to remote, using est for timeout decisions.
func New(hash chunk.Hash, remote string, data []byte, est *rtt.Estimator) *Upload {
	return &Upload{
		Hash:       hash,
		Remote:     remote,
		data:       data,
		numPackets: uint32(chunk.NumPackets),
		cc:         congestion.New(),
		rttEst:     est,
		base:       1,
		nextSeq:    1,
		inFlight:   make(map[uint32]*inFlight),
	}
}

// Done reports whether every packet has been cumulatively acked.
func (u *Upload) Done() bool { return u.done }

// Abandoned reports whether the upload gave up after too many
// consecutive timeouts.
func (u *Upload) Abandoned() bool { return u.abandoned }

// Deadline returns the current retransmission deadline and whether the
// timer is running; the boolean is false when nothing is in flight.
func (u *Upload) Deadline() (time.Time, bool) {
	return u.deadline, u.timerRunning
}

func (u *Upload) payloadFor(seq uint32) []byte {
	start := int(seq-1) * chunk.MSS
	end := start + chunk.MSS
	if end > len(u.data) {
		end = len(u.data)
	}
	return u.data[start:end]
}

func (u *Upload) dataPacket(seq uint32) wire.Packet {
	return wire.Packet{Type: wire.DATA, Seq: seq, Payload: u.payloadFor(seq)}
}

// Pending returns the DATA packets newly admitted by the congestion
// window as of now. Call it after construction and after every state
// change that might open the window (a new ACK).
func (u *Upload) Pending(now time.Time) []wire.Packet {
	if u.done || u.abandoned {
		return nil
	}
	var out []wire.Packet
	for u.nextSeq-u.base < uint32(u.cc.Cwnd()) && u.nextSeq <= u.numPackets {
		out = append(out, u.dataPacket(u.nextSeq))
		u.inFlight[u.nextSeq] = &inFlight{sentAt: now}
		if !u.timerRunning {
			u.timerRunning = true
			u.deadline = now.Add(u.rttEst.Timeout())
		}
		u.nextSeq++
	}
	return out
}

// OnAck processes an ACK(ack_num) arrival. It returns any packet that
// must be retransmitted as a result (fast retransmit) so the caller can
// send it immediately.
func (u *Upload) OnAck(ackNum uint32, now time.Time) (retransmit *wire.Packet) {
	if u.done || u.abandoned {
		return nil
	}
	if ackNum+1 == u.base {
		// duplicate of the last good cumulative ACK
		if u.cc.OnDuplicateAck(ackNum) {
			pkt := u.dataPacket(u.base)
			u.inFlight[u.base] = &inFlight{sentAt: now, retransmitted: true}
			u.deadline = now.Add(u.rttEst.Timeout())
			u.timerRunning = true
			return &pkt
		}
		return nil
	}
	if ackNum < u.base {
		return nil
	}

	oldBase := u.base
	numAcked := ackNum - oldBase + 1

	if fp, ok := u.inFlight[ackNum]; ok && !fp.retransmitted {
		u.rttEst.Sample(now.Sub(fp.sentAt))
	}
	for seq := oldBase; seq <= ackNum; seq++ {
		delete(u.inFlight, seq)
	}
	u.base = ackNum + 1
	u.consecutiveTimeouts = 0

	if len(u.inFlight) > 0 {
		u.timerRunning = true
		u.deadline = now.Add(u.rttEst.Timeout())
	} else {
		u.timerRunning = false
	}

	u.cc.OnNewAck(ackNum, int(numAcked))

	if u.base > u.numPackets {
		u.done = true
	}
	return nil
}

// OnTimeout fires when Deadline has passed with no ACK progress. It
// returns the packet to retransmit, unless the upload has just been
// abandoned (5 consecutive timeouts with no progress).
func (u *Upload) OnTimeout(now time.Time) (retransmit *wire.Packet, abandoned bool) {
	if u.done || u.abandoned {
		return nil, u.abandoned
	}
	u.consecutiveTimeouts++
	u.cc.OnTimeout()
	if u.consecutiveTimeouts >= MaxConsecutiveTimeouts {
		u.abandoned = true
		u.timerRunning = false
		return nil, true
	}
	pkt := u.dataPacket(u.base)
	u.inFlight[u.base] = &inFlight{sentAt: now, retransmitted: true}
	u.timerRunning = true
	u.deadline = now.Add(u.rttEst.Timeout())
	return &pkt, false
}

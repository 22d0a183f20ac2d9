package sender

import (
	"testing"
	"time"

	"p2p-rdt/internal/chunk"
	"p2p-rdt/internal/rtt"
)

func fullChunk(fill byte) []byte {
	data := make([]byte, chunk.Size)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestPendingRespectsInitialWindowOfOne(t *testing.T) {
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), rtt.NewFixed(time.Second))
	now := time.Now()
	pkts := u.Pending(now)
	if len(pkts) != 1 {
		t.Fatalf("pending = %d packets, want 1 (cwnd starts at 1)", len(pkts))
	}
	if pkts[0].Seq != 1 {
		t.Fatalf("first packet seq = %d, want 1", pkts[0].Seq)
	}
}

func TestWindowGrowsAfterEachNewAck(t *testing.T) {
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), rtt.NewFixed(time.Second))
	now := time.Now()
	u.Pending(now)
	u.OnAck(1, now.Add(time.Millisecond))
	pkts := u.Pending(now.Add(2 * time.Millisecond))
	if len(pkts) != 2 {
		t.Fatalf("pending after first ack = %d packets, want 2 (cwnd now 2)", len(pkts))
	}
}

func TestDuplicateAckTripleTriggersFastRetransmit(t *testing.T) {
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), rtt.NewFixed(time.Second))
	now := time.Now()
	// drive the window forward until several packets beyond seq 8 are in
	// flight, then ack cumulatively through seq 8 so base becomes 9.
	for u.base < 9 {
		pkts := u.Pending(now)
		for _, p := range pkts {
			if p.Seq <= 8 {
				u.OnAck(p.Seq, now)
			}
		}
	}
	var retransmits int
	for i := 0; i < 3; i++ {
		if r := u.OnAck(8, now); r != nil {
			retransmits++
		}
	}
	if retransmits != 1 {
		t.Fatalf("fast retransmit count = %d, want 1", retransmits)
	}
}

func TestTimeoutRetransmitsBasePacket(t *testing.T) {
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), rtt.NewFixed(time.Second))
	now := time.Now()
	u.Pending(now)
	pkt, abandoned := u.OnTimeout(now.Add(time.Second))
	if abandoned {
		t.Fatal("should not abandon on first timeout")
	}
	if pkt == nil || pkt.Seq != 1 {
		t.Fatalf("expected retransmit of seq 1, got %+v", pkt)
	}
}

func TestAbandonsAfterFiveConsecutiveTimeouts(t *testing.T) {
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), rtt.NewFixed(time.Millisecond))
	now := time.Now()
	u.Pending(now)
	var abandoned bool
	for i := 0; i < MaxConsecutiveTimeouts; i++ {
		_, abandoned = u.OnTimeout(now)
	}
	if !abandoned {
		t.Fatal("expected abandonment after 5 consecutive timeouts")
	}
}

func TestCompletesWhenBaseExceedsPacketCount(t *testing.T) {
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), rtt.NewFixed(time.Second))
	now := time.Now()
	for !u.Done() {
		for _, p := range u.Pending(now) {
			u.OnAck(p.Seq, now)
		}
	}
	if !u.Done() {
		t.Fatal("upload should be done")
	}
}

func TestKarnsRuleSkipsRetransmittedPacketFromRTTSampling(t *testing.T) {
	est := rtt.NewAdaptive()
	u := New(chunk.Hash{1}, "127.0.0.1:9000", fullChunk(0xAA), est)
	now := time.Now()
	u.Pending(now)
	u.OnTimeout(now.Add(time.Second)) // retransmits seq 1, flagged
	// ack for seq 1 arrives long after — must not be sampled at all, so the
	// estimator still reports its unsampled initial timeout
	u.OnAck(1, now.Add(1100*time.Millisecond))
	if got, want := est.Timeout(), rtt.NewAdaptive().Timeout(); got != want {
		t.Fatalf("retransmitted packet's ACK polluted the RTT estimate: timeout now %v, want %v", got, want)
	}
}

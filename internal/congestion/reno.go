// Package congestion implements a Reno-style congestion controller:
// slow start, congestion avoidance, 3-dup-ACK fast retransmit, and
// timeout-triggered multiplicative decrease, scoped down to the single
// connection this protocol tracks at a time — no pipe estimation, no
// SACK scoreboard, just cwnd/ssthresh in packets.
package congestion

const dupAckThreshold = 3

// Controller tracks one connection's congestion window, in packets, and
// slow-start threshold.
type Controller struct {
	cwnd    float64
	ssthresh int

	dupAcks      int
	lastAckSeen  uint32
	haveLastAck  bool
	fastRecovery bool
}

// New returns a controller starting in slow start with cwnd=1 packet and
// ssthresh=64 packets.
func New() *Controller {
	return &Controller{cwnd: 1, ssthresh: 64}
}

// Cwnd returns the current window size in whole packets (floor of the
// underlying float accumulator).
func (c *Controller) Cwnd() int {
	w := int(c.cwnd)
	if w < 1 {
		return 1
	}
	return w
}

func (c *Controller) inSlowStart() bool {
	return c.cwnd < float64(c.ssthresh)
}

// OnNewAck reports a cumulative ACK that advances the send window by
// numAcked newly acknowledged packets (ack is strictly greater than every
// previously seen ack). It grows cwnd one packet at a time — +1 per
// packet in slow start, +1/⌊cwnd⌋ per packet in congestion avoidance —
// checking the phase transition after each one, and resets the
// duplicate-ACK counter and fast-retransmit flag.
func (c *Controller) OnNewAck(ack uint32, numAcked int) {
	c.dupAcks = 0
	c.fastRecovery = false
	c.lastAckSeen = ack
	c.haveLastAck = true

	for i := 0; i < numAcked; i++ {
		if c.inSlowStart() {
			c.cwnd++
		} else {
			c.cwnd += 1 / float64(c.Cwnd())
		}
	}
}

// OnDuplicateAck reports a repeat of the same cumulative ack. It returns
// true exactly once per loss event, the moment the duplicate count first
// reaches the fast-retransmit threshold, so callers can trigger exactly
// one retransmission per event instead of one per subsequent duplicate.
func (c *Controller) OnDuplicateAck(ack uint32) (fastRetransmit bool) {
	if !c.haveLastAck || ack != c.lastAckSeen {
		c.lastAckSeen = ack
		c.haveLastAck = true
		c.dupAcks = 1
		return false
	}
	c.dupAcks++
	if c.dupAcks == dupAckThreshold && !c.fastRecovery {
		c.fastRecovery = true
		c.ssthresh = max(c.Cwnd()/2, 2)
		c.cwnd = 1
		return true
	}
	return false
}

// OnTimeout reports a retransmission timeout: ssthresh halves, cwnd
// collapses back to 1, and slow start restarts.
func (c *Controller) OnTimeout() {
	c.ssthresh = max(c.Cwnd()/2, 2)
	c.cwnd = 1
	c.dupAcks = 0
	c.fastRecovery = false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

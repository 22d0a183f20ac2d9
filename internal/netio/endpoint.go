// Package netio wraps a UDP socket behind a send/recv/poll interface and
// transparently applies a spiffy routing header when the SIMULATOR
// environment variable is set. The header format is
// "I4s4sHH" (node_id, src_ip, dst_ip, src_port, dst_port, the first field
// and both ports in network byte order) so a simulator on the wire sees
// byte-identical framing to what it expects.
//
// The read loop is a pure I/O pump: it only ever copies a socket read
// onto a channel. The event loop, not this goroutine, is what mutates
// protocol state.
package netio

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
)

const spiffyHeaderLen = 4 + 4 + 4 + 2 + 2

// Datagram is one received UDP payload together with the address that
// the simulator (or the OS, outside simulator mode) reports it came
// from.
type Datagram struct {
	Data []byte
	From string
}

// Endpoint is a non-blocking-in-spirit UDP socket: reads happen on a
// dedicated goroutine and land on a channel the event loop selects on,
// so nothing here blocks the caller.
type Endpoint struct {
	conn *net.UDPConn

	nodeID   uint32
	selfIP   [4]byte
	selfPort uint16

	simulator *net.UDPAddr // nil unless SIMULATOR is set

	incoming chan Datagram
	errs     chan error
	closed   chan struct{}
}

// Open binds a UDP socket at host:port and, if the SIMULATOR environment
// variable is set to "host:port", enables spiffy-header wrapping of every
// outgoing datagram.
func Open(host string, port uint16, nodeID uint32) (*Endpoint, error) {
	local, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("netio: resolve local address %s:%d: %w", host, port, err)
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, fmt.Errorf("netio: listen %s:%d: %w", host, port, err)
	}

	ep := &Endpoint{
		conn:     conn,
		nodeID:   nodeID,
		selfPort: uint16(local.Port),
		incoming: make(chan Datagram, 256),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
	if ip4 := local.IP.To4(); ip4 != nil {
		copy(ep.selfIP[:], ip4)
	}

	if sim := os.Getenv("SIMULATOR"); sim != "" {
		simAddr, err := net.ResolveUDPAddr("udp4", sim)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("netio: resolve SIMULATOR=%s: %w", sim, err)
		}
		ep.simulator = simAddr
	}

	go ep.readLoop()
	return ep, nil
}

// Incoming returns the channel of received datagrams.
func (e *Endpoint) Incoming() <-chan Datagram { return e.incoming }

// Errors returns the channel unrecoverable I/O errors are reported on.
// The event loop should terminate the process on receipt.
func (e *Endpoint) Errors() <-chan error { return e.errs }

// Close shuts down the socket and stops the read loop.
func (e *Endpoint) Close() error {
	close(e.closed)
	return e.conn.Close()
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			select {
			case e.errs <- err:
			default:
			}
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])

		data, fromAddr, ok := e.unwrap(raw, from)
		if !ok {
			continue
		}
		select {
		case e.incoming <- Datagram{Data: data, From: fromAddr}:
		case <-e.closed:
			return
		}
	}
}

// unwrap strips the spiffy header when in simulator mode, returning the
// original sender's address as reported by the simulator rather than the
// simulator's own socket address. Outside simulator mode the datagram is
// passed through unchanged and the address is the OS-reported sender.
func (e *Endpoint) unwrap(raw []byte, from *net.UDPAddr) (data []byte, addr string, ok bool) {
	if e.simulator == nil {
		return raw, from.String(), true
	}
	if len(raw) < spiffyHeaderLen {
		return nil, "", false
	}
	srcIP := net.IP(raw[4:8]).String()
	srcPort := binary.BigEndian.Uint16(raw[12:14])
	return raw[spiffyHeaderLen:], fmt.Sprintf("%s:%d", srcIP, srcPort), true
}

// Send writes payload to dst. In simulator mode it prepends the 16-byte
// spiffy routing header and sends to the simulator's address instead.
func (e *Endpoint) Send(dst string, payload []byte) error {
	dstAddr, err := net.ResolveUDPAddr("udp4", dst)
	if err != nil {
		return fmt.Errorf("netio: resolve destination %s: %w", dst, err)
	}
	if e.simulator == nil {
		_, err := e.conn.WriteToUDP(payload, dstAddr)
		return err
	}

	dstIP := dstAddr.IP.To4()
	if dstIP == nil {
		return fmt.Errorf("netio: destination %s is not IPv4", dst)
	}

	header := make([]byte, spiffyHeaderLen)
	binary.BigEndian.PutUint32(header[0:4], e.nodeID)
	copy(header[4:8], e.selfIP[:])
	copy(header[8:12], dstIP)
	binary.BigEndian.PutUint16(header[12:14], e.selfPort)
	binary.BigEndian.PutUint16(header[14:16], uint16(dstAddr.Port))

	packet := append(header, payload...)
	_, err = e.conn.WriteToUDP(packet, e.simulator)
	return err
}

// Package roster loads the static peer list for this protocol: every
// peer knows every other peer's id, host, and port up front, so there is
// no broadcast/resolve discovery step at runtime, only a file to parse
// at startup.
//
// "#"-prefixed lines are comments, each other line is
// "<id> <host> <port>", and identity 0 is reserved and therefore invalid
// both as a peer id and as this peer's own identity.
package roster

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Peer is one line of the roster: an id paired with where to reach it.
type Peer struct {
	ID   uint32
	Host string
	Port uint16
}

// Addr renders the peer's network address as host:port.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Roster is the full peer list, keyed by id for O(1) lookup.
type Roster struct {
	byID map[uint32]Peer
	ids  []uint32 // insertion order, for stable iteration/logging
}

// Load reads a roster file at path. See Parse for the format.
func Load(path string) (*Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("roster: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a roster from r: one peer per non-comment, non-blank line,
// formatted "<id> <host> <port>". Lines beginning with "#" are comments.
// Identity 0 is rejected as reserved.
func Parse(r io.Reader) (*Roster, error) {
	ro := &Roster{byID: make(map[uint32]Peer)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("roster: line %d: want 3 fields \"<id> <host> <port>\", got %q", lineNo, line)
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("roster: line %d: bad id %q: %w", lineNo, fields[0], err)
		}
		if id == 0 {
			return nil, fmt.Errorf("roster: line %d: peer identity must not be zero", lineNo)
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("roster: line %d: bad port %q: %w", lineNo, fields[2], err)
		}
		p := Peer{ID: uint32(id), Host: fields[1], Port: uint16(port)}
		if _, dup := ro.byID[p.ID]; dup {
			return nil, fmt.Errorf("roster: line %d: duplicate peer id %d", lineNo, p.ID)
		}
		ro.byID[p.ID] = p
		ro.ids = append(ro.ids, p.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("roster: read: %w", err)
	}
	if len(ro.byID) == 0 {
		return nil, fmt.Errorf("roster: no peers found")
	}
	return ro, nil
}

// Lookup returns the peer with the given id.
func (r *Roster) Lookup(id uint32) (Peer, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Self validates that identity is nonzero and present in the roster, and
// returns its entry. This mirrors PeerContext's two SystemExit checks.
func (r *Roster) Self(identity uint32) (Peer, error) {
	if identity == 0 {
		return Peer{}, fmt.Errorf("roster: node identity must not be zero")
	}
	p, ok := r.byID[identity]
	if !ok {
		return Peer{}, fmt.Errorf("roster: no peer information for identity %d", identity)
	}
	return p, nil
}

// Others returns every peer except self, in file order.
func (r *Roster) Others(self uint32) []Peer {
	out := make([]Peer, 0, len(r.ids))
	for _, id := range r.ids {
		if id == self {
			continue
		}
		out = append(out, r.byID[id])
	}
	return out
}

// Len returns the number of peers in the roster.
func (r *Roster) Len() int {
	return len(r.ids)
}

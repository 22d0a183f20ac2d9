// Package admission implements the connection table and admission
// control: it is the single source of truth for which remote peers
// currently have an active inbound upload or outbound download, and
// enforces max_send on the inbound side.
//
// Mutated only by the event loop, never from a background goroutine, so
// it needs no locking — nothing else ever touches this state.
package admission

import "fmt"

// Table tracks active uploads (this peer serving data out) and
// downloads (this peer pulling data in), keyed by remote address. A
// (remote, chunk_hash) pair is unique per direction.
type Table struct {
	maxSend int

	uploads   map[string]string // remote addr -> chunk hash hex
	downloads map[string]string // remote addr -> chunk hash hex
}

// New returns a Table enforcing maxSend distinct concurrent inbound
// uploads.
func New(maxSend int) *Table {
	return &Table{
		maxSend:   maxSend,
		uploads:   make(map[string]string),
		downloads: make(map[string]string),
	}
}

// UploadCount returns the number of distinct remotes currently being
// served.
func (t *Table) UploadCount() int { return len(t.uploads) }

// HasCapacity reports whether one more distinct remote could be
// admitted right now, ignoring any particular remote's existing state.
// Used by the WHOHAS responder, which answers IHAVE or DENIED before
// any specific GET has arrived.
func (t *Table) HasCapacity() bool { return len(t.uploads) < t.maxSend }

// CanAdmitUpload reports whether a new inbound GET from remote for
// hashHex can be admitted: admitted iff it would not exceed max_send
// distinct remotes, and this remote does not already have a different
// chunk in flight from us.
func (t *Table) CanAdmitUpload(remote, hashHex string) bool {
	if existing, active := t.uploads[remote]; active {
		return existing == hashHex
	}
	return len(t.uploads) < t.maxSend
}

// AdmitUpload records a new active upload. Callers must have checked
// CanAdmitUpload first.
func (t *Table) AdmitUpload(remote, hashHex string) {
	t.uploads[remote] = hashHex
}

// ReleaseUpload frees the slot held by remote, allowing a future GET
// from a different remote to be admitted.
func (t *Table) ReleaseUpload(remote string) {
	delete(t.uploads, remote)
}

// CanStartDownload reports whether this peer may begin a new outbound
// download from remote for hashHex: at most one chunk in flight per
// direction per peer pair.
func (t *Table) CanStartDownload(remote, hashHex string) bool {
	existing, active := t.downloads[remote]
	return !active || existing == hashHex
}

// StartDownload records a new active outbound download.
func (t *Table) StartDownload(remote, hashHex string) error {
	if !t.CanStartDownload(remote, hashHex) {
		return fmt.Errorf("admission: %s already has a different chunk in flight from us", remote)
	}
	t.downloads[remote] = hashHex
	return nil
}

// ReleaseDownload frees the outbound slot held against remote.
func (t *Table) ReleaseDownload(remote string) {
	delete(t.downloads, remote)
}

// Package engine is the single-threaded cooperative event loop: it owns
// every piece of mutable protocol state and is the only thing that ever
// touches it, selecting over the datagram endpoint, standard input, and
// the nearest timer deadline, and dispatching by message type.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"p2p-rdt/internal/admission"
	"p2p-rdt/internal/chunk"
	"p2p-rdt/internal/fragment"
	"p2p-rdt/internal/handshake"
	"p2p-rdt/internal/metrics"
	"p2p-rdt/internal/netio"
	"p2p-rdt/internal/receiver"
	"p2p-rdt/internal/roster"
	"p2p-rdt/internal/rtt"
	"p2p-rdt/internal/sender"
	"p2p-rdt/internal/ui"
	"p2p-rdt/internal/wire"
)

// pollInterval is the default poll interval the loop wakes up on when
// nothing else has a nearer deadline.
const pollInterval = 100 * time.Millisecond

// maxGetRetries gives the downloader side of a transfer the same "N
// consecutive timeouts abandons the connection" treatment the upload
// side enforces, applied to the case where a GET's source peer goes
// quiet before sending any DATA at all, or stalls mid-transfer.
const maxGetRetries = 5

// downloadWait tracks how long we're willing to wait for the next DATA
// from a GET's source before re-sending it. Its deadline is sized off
// its own RTT estimator, built the same way as the sender side's, rather than a fixed
// duration, so a legitimate slow-but-progressing transfer under delay
// doesn't get a redundant GET fired at it.
type downloadWait struct {
	hash          chunk.Hash
	deadline      time.Time
	retries       int
	sentAt        time.Time
	retransmitted bool
	sampled       bool
	estimator     *rtt.Estimator
}

// Engine wires together every subsystem the event loop dispatches to.
type Engine struct {
	self    roster.Peer
	ro      *roster.Roster
	maxSend int
	fixed   time.Duration // 0 means adaptive RTT estimation

	log *zap.Logger
	ep  *netio.Endpoint

	store *fragment.Store
	adm   *admission.Table

	uploads   map[string]*sender.Upload      // keyed by remote addr
	downloads map[chunk.Hash]*receiver.Download
	waits     map[chunk.Hash]*downloadWait

	planner *handshake.Planner
	tracker *ui.Tracker
	render  *ui.Renderer
	metrics *metrics.Metrics

	stdinLines chan string
	stdinErr   chan error
}

// Config bundles the arguments the CLI collects before constructing an
// Engine.
type Config struct {
	Self         roster.Peer
	Roster       *roster.Roster
	MaxSend      int
	FixedTimeout time.Duration // 0 disables the fixed-timeout override
	Log          *zap.Logger
	Endpoint     *netio.Endpoint
	Store        *fragment.Store
	UseColors    bool
}

// NewEngine builds an engine from cfg.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		self:      cfg.Self,
		ro:        cfg.Roster,
		maxSend:   cfg.MaxSend,
		fixed:     cfg.FixedTimeout,
		log:       cfg.Log,
		ep:        cfg.Endpoint,
		store:     cfg.Store,
		adm:       admission.New(cfg.MaxSend),
		uploads:   make(map[string]*sender.Upload),
		downloads: make(map[chunk.Hash]*receiver.Download),
		waits:     make(map[chunk.Hash]*downloadWait),
		render:    ui.NewRenderer(cfg.UseColors),
		metrics:   metrics.New(cfg.Log),
	}
}

// Metrics exposes the engine's throughput counters so the caller can run
// the periodic logging goroutine alongside Run.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) newEstimator() *rtt.Estimator {
	if e.fixed > 0 {
		return rtt.NewFixed(e.fixed)
	}
	return rtt.NewAdaptive()
}

// Run starts the event loop. It returns when ctx is cancelled, or with an
// error when the endpoint closes or reports an unrecoverable I/O error,
// which terminates the peer process. Closing stdin only stops command
// input; the loop keeps serving the network.
func (e *Engine) Run(ctx context.Context, stdin io.Reader) error {
	e.startStdinPump(stdin)

	for {
		now := time.Now()
		deadline := e.nextDeadline(now)
		timer := time.NewTimer(deadline.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case dg, ok := <-e.ep.Incoming():
			timer.Stop()
			if !ok {
				return fmt.Errorf("engine: datagram endpoint closed")
			}
			e.handleDatagram(dg)

		case err := <-e.ep.Errors():
			timer.Stop()
			return fmt.Errorf("engine: unrecoverable endpoint error: %w", err)

		case line, ok := <-e.stdinLines:
			timer.Stop()
			if !ok {
				e.stdinLines = nil
				continue
			}
			e.handleCommand(strings.TrimSpace(line))

		case <-e.stdinErr:
			e.stdinErr = nil

		case <-timer.C:
			e.fireTimers(time.Now())
		}
	}
}

func (e *Engine) startStdinPump(r io.Reader) {
	e.stdinLines = make(chan string)
	e.stdinErr = make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			e.stdinLines <- scanner.Text()
		}
		close(e.stdinLines)
		if err := scanner.Err(); err != nil {
			e.stdinErr <- err
		}
	}()
}

// nextDeadline computes the min of every active timer and the default
// poll interval.
func (e *Engine) nextDeadline(now time.Time) time.Time {
	best := now.Add(pollInterval)
	for _, up := range e.uploads {
		if d, running := up.Deadline(); running && d.Before(best) {
			best = d
		}
	}
	for _, w := range e.waits {
		if w.deadline.Before(best) {
			best = w.deadline
		}
	}
	if e.planner != nil && !e.planner.Done() {
		if d := e.planner.Deadline(); d.Before(best) {
			best = d
		}
	}
	return best
}

func (e *Engine) fireTimers(now time.Time) {
	for remote, up := range e.uploads {
		if d, running := up.Deadline(); !running || d.After(now) {
			continue
		}
		retransmit, abandoned := up.OnTimeout(now)
		if abandoned {
			e.log.Warn("upload abandoned after repeated timeouts", zap.String("remote", remote), zap.String("hash", up.Hash.String()))
			e.adm.ReleaseUpload(remote)
			delete(e.uploads, remote)
			continue
		}
		if retransmit != nil {
			e.send(remote, *retransmit)
		}
	}

	for hash, w := range e.waits {
		if w.deadline.After(now) {
			continue
		}
		dl, ok := e.downloads[hash]
		if !ok {
			delete(e.waits, hash)
			continue
		}
		w.retries++
		if w.retries >= maxGetRetries {
			e.log.Warn("download source unresponsive, abandoning", zap.String("hash", hash.String()), zap.String("source", dl.Source))
			e.abandonDownload(hash)
			continue
		}
		e.send(dl.Source, wire.Packet{Type: wire.GET, Payload: hash[:]})
		w.sentAt = now
		w.retransmitted = true
		w.deadline = now.Add(w.estimator.Timeout())
	}

	if e.planner != nil && e.planner.Expired(now) {
		sends, err := e.planner.Retry(now)
		if err != nil {
			e.failDownload(err)
			return
		}
		for _, s := range sends {
			e.send(s.Addr, s.Packet)
		}
	}
}

func (e *Engine) send(addr string, pkt wire.Packet) {
	if err := e.ep.Send(addr, pkt.Encode()); err != nil {
		e.log.Error("send failed", zap.String("to", addr), zap.String("type", pkt.Type.String()), zap.Error(err))
	}
}

func (e *Engine) handleDatagram(dg netio.Datagram) {
	pkt, err := wire.Decode(dg.Data)
	if err != nil {
		e.log.Debug("dropping malformed packet", zap.String("from", dg.From), zap.Error(err))
		return
	}
	switch pkt.Type {
	case wire.WHOHAS:
		e.onWhohas(dg.From, pkt)
	case wire.IHAVE:
		e.onIHave(dg.From, pkt)
	case wire.DENIED:
		e.onDenied(dg.From, pkt)
	case wire.GET:
		e.onGet(dg.From, pkt)
	case wire.DATA:
		e.onData(dg.From, pkt)
	case wire.ACK:
		e.onAck(dg.From, pkt)
	}
}

func (e *Engine) onWhohas(from string, pkt wire.Packet) {
	hashes, err := wire.DecodeHashList(pkt.Payload)
	if err != nil {
		e.log.Debug("malformed WHOHAS", zap.String("from", from), zap.Error(err))
		return
	}
	reply := handshake.Respond(e.store, e.adm, from, hashes)
	if reply != nil {
		e.send(from, *reply)
	}
}

func (e *Engine) onIHave(from string, pkt wire.Packet) {
	if e.planner == nil {
		return
	}
	hashes, err := wire.DecodeHashList(pkt.Payload)
	if err != nil {
		e.log.Debug("malformed IHAVE", zap.String("from", from), zap.Error(err))
		return
	}
	sends := e.planner.OnIHave(from, hashes)
	now := time.Now()
	for _, s := range sends {
		var h chunk.Hash
		copy(h[:], s.Packet.Payload)

		// At most one chunk in flight per direction per peer pair. A
		// single IHAVE can name several hashes this peer holds; only
		// the first gets a download slot, the rest go back to the
		// planner to retry once this peer frees up.
		if err := e.adm.StartDownload(from, h.String()); err != nil {
			e.log.Debug("deferring GET, already have a chunk in flight from this source",
				zap.String("from", from), zap.String("hash", h.String()))
			e.planner.Reopen(h)
			continue
		}

		est := e.newEstimator()
		dl := receiver.New(h)
		dl.AssignSource(from)
		dl.BeginTransfer()
		e.downloads[h] = dl
		e.waits[h] = &downloadWait{hash: h, sentAt: now, deadline: now.Add(est.Timeout()), estimator: est}
		if e.tracker != nil {
			e.tracker.SetState(h.String(), ui.ChunkTransferring)
		}
		e.send(s.Addr, s.Packet)
	}
}

func (e *Engine) onDenied(from string, pkt wire.Packet) {
	if e.planner == nil {
		return
	}
	var hashes [][20]byte
	if len(pkt.Payload) > 0 {
		var err error
		hashes, err = wire.DecodeHashList(pkt.Payload)
		if err != nil {
			e.log.Debug("malformed DENIED", zap.String("from", from), zap.Error(err))
			return
		}
	}
	e.planner.OnDenied(from, hashes)
	for _, raw := range hashes {
		h := chunk.Hash(raw)
		if dl, ok := e.downloads[h]; ok && dl.Source == from {
			e.adm.ReleaseDownload(from)
			delete(e.downloads, h)
			delete(e.waits, h)
			if e.tracker != nil {
				e.tracker.SetState(h.String(), ui.ChunkPending)
			}
		}
	}
}

func (e *Engine) onGet(from string, pkt wire.Packet) {
	if len(pkt.Payload) != chunk.HashLen {
		return
	}
	var h chunk.Hash
	copy(h[:], pkt.Payload)

	// A repeat GET for a chunk we're already serving this remote is
	// idempotent-admissible (the remote's own GET retry fired before our
	// DATA arrived) — re-send what's pending instead of discarding the
	// upload's cwnd/base/RTT state and restarting from seq 1.
	if up, inFlight := e.uploads[from]; inFlight && up.Hash == h {
		now := time.Now()
		for _, p := range up.Pending(now) {
			e.send(from, p)
		}
		return
	}

	data, ok := e.store.Get(h)
	if !ok {
		e.send(from, wire.Packet{Type: wire.DENIED, Payload: wire.EncodeHashList([][20]byte{[20]byte(h)})})
		return
	}
	if !e.adm.CanAdmitUpload(from, h.String()) {
		e.send(from, wire.Packet{Type: wire.DENIED, Payload: wire.EncodeHashList([][20]byte{[20]byte(h)})})
		return
	}
	e.adm.AdmitUpload(from, h.String())
	up := sender.New(h, from, data, e.newEstimator())
	e.uploads[from] = up
	now := time.Now()
	for _, p := range up.Pending(now) {
		e.send(from, p)
	}
}

func (e *Engine) onData(from string, pkt wire.Packet) {
	var target *receiver.Download
	var hash chunk.Hash
	for h, dl := range e.downloads {
		if dl.Source == from {
			target = dl
			hash = h
			break
		}
	}
	if target == nil {
		return
	}
	if w, ok := e.waits[hash]; ok {
		now := time.Now()
		// Karn's rule: only sample the round trip from the original GET
		// to the first DATA it provoked, never across a retransmitted GET.
		if !w.sampled && !w.retransmitted {
			w.estimator.Sample(now.Sub(w.sentAt))
			w.sampled = true
		}
		w.deadline = now.Add(w.estimator.Timeout())
		w.retries = 0
	}
	if e.tracker != nil {
		e.tracker.AddBytes(uint64(len(pkt.Payload)))
		e.render.Render(e.tracker, time.Now())
	}

	ack, complete := target.OnData(pkt.Seq, pkt.Payload)
	e.send(from, ack)
	if !complete {
		return
	}

	data, ok := target.Verify()
	e.adm.ReleaseDownload(from)
	delete(e.waits, hash)
	if !ok {
		e.log.Warn("chunk failed integrity check, re-entering handshake", zap.String("hash", hash.String()), zap.String("source", from))
		delete(e.downloads, hash)
		e.reopenHash(hash)
		return
	}

	e.store.Put(hash, data)
	delete(e.downloads, hash)
	e.metrics.RecordDownload(int64(len(data)))
	if e.tracker != nil {
		e.tracker.SetState(hash.String(), ui.ChunkComplete)
	}
	e.checkDownloadComplete()
}

func (e *Engine) onAck(from string, pkt wire.Packet) {
	up, ok := e.uploads[from]
	if !ok {
		return
	}
	now := time.Now()
	if retransmit := up.OnAck(pkt.Ack, now); retransmit != nil {
		e.send(from, *retransmit)
	}
	for _, p := range up.Pending(now) {
		e.send(from, p)
	}
	if up.Done() {
		e.metrics.RecordUpload(chunk.Size)
	}
	if up.Done() || up.Abandoned() {
		e.adm.ReleaseUpload(from)
		delete(e.uploads, from)
	}
}

func (e *Engine) reopenHash(hash chunk.Hash) {
	if e.planner == nil {
		return
	}
	e.planner.Reopen(hash)
	if e.tracker != nil {
		e.tracker.SetState(hash.String(), ui.ChunkPending)
	}
	for _, s := range e.planner.BroadcastNow([]chunk.Hash{hash}) {
		e.send(s.Addr, s.Packet)
	}
}

func (e *Engine) abandonDownload(hash chunk.Hash) {
	if dl, ok := e.downloads[hash]; ok {
		e.adm.ReleaseDownload(dl.Source)
	}
	delete(e.downloads, hash)
	delete(e.waits, hash)
	e.reopenHash(hash)
}

func (e *Engine) checkDownloadComplete() {
	if e.tracker == nil || !e.tracker.Done() {
		return
	}
	now := time.Now()
	e.tracker.MarkFinished(now)
	if e.tracker.Failed() {
		e.render.RenderFailed(e.tracker, now)
	} else {
		if err := fragment.SaveFragmentFile(e.tracker.OutputFile, e.store); err != nil {
			e.log.Error("failed to write output fragment file", zap.Error(err))
		} else {
			e.render.RenderFinal(e.tracker, now)
			fmt.Printf("GOT %s\n", e.tracker.OutputFile)
		}
	}
	e.planner = nil
	e.tracker = nil
}

func (e *Engine) failDownload(cause error) {
	var unmet []chunk.Hash
	if e.planner != nil {
		unmet = e.planner.Unassigned()
	}
	e.log.Warn("handshake exhausted, download failed", zap.Error(cause), zap.Int("unmet_hashes", len(unmet)))
	if e.tracker != nil {
		now := time.Now()
		e.tracker.MarkFinished(now)
		e.render.RenderFailed(e.tracker, now)
		fmt.Printf("DOWNLOAD FAILED %s %s\n", e.tracker.OutputFile, hashList(unmet))
	}
	e.planner = nil
	e.tracker = nil
}

func hashList(hashes []chunk.Hash) string {
	strs := make([]string, len(hashes))
	for i, h := range hashes {
		strs[i] = h.String()
	}
	return strings.Join(strs, " ")
}

// handleCommand parses and dispatches the one standard-input command:
// "DOWNLOAD <chunkhash-file> <output-fragment-file>".
func (e *Engine) handleCommand(line string) {
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "DOWNLOAD" {
		e.log.Warn("unrecognized command", zap.String("line", line))
		return
	}
	chunkhashFile, outputFile := fields[1], fields[2]

	hashes, err := fragment.LoadChunkhashFile(chunkhashFile)
	if err != nil {
		e.log.Error("failed to load chunkhash file", zap.String("file", chunkhashFile), zap.Error(err))
		return
	}

	e.tracker = ui.NewTracker(outputFile, len(hashes))
	for _, h := range hashes {
		if e.store.Has(h) {
			e.tracker.SetState(h.String(), ui.ChunkComplete)
		}
	}

	missing := e.store.Missing(hashes)
	if len(missing) == 0 {
		e.checkDownloadComplete()
		return
	}

	e.planner = handshake.NewPlanner(e.ro, e.self.ID, missing, outputFile)
	now := time.Now()
	for _, s := range e.planner.Start(now) {
		e.send(s.Addr, s.Packet)
	}
}

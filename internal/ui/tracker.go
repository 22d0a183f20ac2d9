// Package ui renders live download progress to the terminal, at this
// protocol's chunk-level granularity (one DOWNLOAD command pulls a
// fixed set of whole chunks, not byte-ranged pieces of one file).
//
// The tracker itself carries no mutex: it is mutated only from the
// single event-loop goroutine, so there is nothing else that could
// race it.
package ui

import "time"

// ChunkState is the lifecycle of one chunk within a DOWNLOAD command,
// narrowed to the states a whole-chunk download actually passes through.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkTransferring
	ChunkComplete
	ChunkFailed
)

func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "."
	case ChunkTransferring:
		return "↓"
	case ChunkComplete:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

// Tracker tracks one DOWNLOAD command's progress across all the hashes
// it requested.
type Tracker struct {
	OutputFile string
	Total      int

	states map[string]ChunkState

	startTime time.Time
	endTime   time.Time

	bytesDone uint64
	lastBytes uint64
	lastTime  time.Time
	speed     float64
}

// NewTracker starts tracking a download of total chunks.
func NewTracker(outputFile string, total int) *Tracker {
	now := time.Now()
	return &Tracker{
		OutputFile: outputFile,
		Total:      total,
		states:     make(map[string]ChunkState, total),
		startTime:  now,
		lastTime:   now,
	}
}

// SetState records the state of the chunk identified by key (typically
// its hash's hex string).
func (t *Tracker) SetState(key string, s ChunkState) {
	t.states[key] = s
}

// AddBytes folds n newly-received bytes into the running total, used for
// speed estimation between chunk completions.
func (t *Tracker) AddBytes(n uint64) {
	t.bytesDone += n
}

// UpdateSpeed recomputes bytes/sec if at least half a second has
// elapsed since the last measurement, throttling the update so a burst
// of small chunks doesn't make the rate jump around.
func (t *Tracker) UpdateSpeed(now time.Time) float64 {
	elapsed := now.Sub(t.lastTime).Seconds()
	if elapsed >= 0.5 {
		diff := t.bytesDone - t.lastBytes
		if elapsed > 0 {
			t.speed = float64(diff) / elapsed
		}
		t.lastBytes = t.bytesDone
		t.lastTime = now
	}
	return t.speed
}

// Progress returns completed/failed counts for rendering.
func (t *Tracker) Progress() (completed, failed int) {
	for _, s := range t.states {
		switch s {
		case ChunkComplete:
			completed++
		case ChunkFailed:
			failed++
		}
	}
	return completed, failed
}

// Done reports whether every chunk has reached a terminal state.
func (t *Tracker) Done() bool {
	completed, failed := t.Progress()
	return completed+failed >= t.Total
}

// Failed reports whether any chunk ended in the failed state.
func (t *Tracker) Failed() bool {
	_, failed := t.Progress()
	return failed > 0
}

// MarkFinished records the completion time.
func (t *Tracker) MarkFinished(now time.Time) {
	t.endTime = now
}

// Elapsed returns the time since the download started, or the total
// time if it has finished.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	if !t.endTime.IsZero() {
		return t.endTime.Sub(t.startTime)
	}
	return now.Sub(t.startTime)
}

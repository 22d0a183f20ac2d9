// Package metrics tracks simple throughput counters for a running peer
// and periodically logs them: bytes moved and chunks completed, split
// by direction.
package metrics

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Metrics holds atomic counters safe to update from the event loop and
// read from the periodic logging goroutine.
type Metrics struct {
	log *zap.Logger

	bytesUploaded    int64
	bytesDownloaded  int64
	uploadsComplete  int64
	downloadsComplete int64

	start time.Time
}

// New returns a Metrics instance that logs through log.
func New(log *zap.Logger) *Metrics {
	return &Metrics{log: log, start: time.Now()}
}

// RecordUpload folds a completed outbound chunk transfer into the
// running totals.
func (m *Metrics) RecordUpload(bytes int64) {
	atomic.AddInt64(&m.bytesUploaded, bytes)
	atomic.AddInt64(&m.uploadsComplete, 1)
}

// RecordDownload folds a completed inbound chunk transfer into the
// running totals.
func (m *Metrics) RecordDownload(bytes int64) {
	atomic.AddInt64(&m.bytesDownloaded, bytes)
	atomic.AddInt64(&m.downloadsComplete, 1)
}

// LogPeriodic logs runtime and throughput counters every interval until
// ctx is cancelled. It only reads atomic counters and the Go runtime's
// own stats, so it never touches engine state and needs no
// coordination with the single event-loop goroutine.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logOnce()
		}
	}
}

func (m *Metrics) logOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	elapsed := time.Since(m.start).Seconds()
	up := atomic.LoadInt64(&m.bytesUploaded)
	down := atomic.LoadInt64(&m.bytesDownloaded)
	var upRate, downRate float64
	if elapsed > 0 {
		upRate = float64(up) / elapsed / 1024 / 1024
		downRate = float64(down) / elapsed / 1024 / 1024
	}

	m.log.Info("metrics",
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Uint64("heap_alloc_mb", ms.HeapAlloc/1024/1024),
		zap.Int64("uploads_complete", atomic.LoadInt64(&m.uploadsComplete)),
		zap.Int64("downloads_complete", atomic.LoadInt64(&m.downloadsComplete)),
		zap.Float64("upload_mb_per_s", upRate),
		zap.Float64("download_mb_per_s", downRate),
	)
}

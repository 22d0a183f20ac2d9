package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ANSI color codes for the progress line.
const (
	reset = "\033[0m"
	red   = "\033[31m"
	green = "\033[32m"
	cyan  = "\033[36m"
)

const defaultWidth = 40

// Renderer draws a Tracker's progress as a single overwritten terminal
// line. It has no ticker goroutine of its own: the event loop calls
// Render directly whenever it has spare cycles, keeping every mutation
// on the one scheduling thread.
type Renderer struct {
	useColors bool
	width     int
}

// NewRenderer builds a renderer. Width is probed from the controlling
// terminal via an ioctl, falling back to a fixed bar width when stdout
// isn't a terminal or the ioctl fails.
func NewRenderer(useColors bool) *Renderer {
	return &Renderer{useColors: useColors, width: probeWidth()}
}

func probeWidth() int {
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return defaultWidth
	}
	// leave room for the surrounding "[name] [bar] 100.0% (n/n chunks) ..."
	// text; never shrink below a bar that's still legible.
	barWidth := int(ws.Col) - 40
	if barWidth < 10 {
		return defaultWidth
	}
	if barWidth > defaultWidth {
		return defaultWidth
	}
	return barWidth
}

// Render draws the current progress line.
func (r *Renderer) Render(t *Tracker, now time.Time) {
	completed, failed := t.Progress()
	percent := float64(completed) / float64(t.Total) * 100
	filled := int(float64(r.width) * percent / 100)
	if filled > r.width {
		filled = r.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", r.width-filled)
	speed := t.UpdateSpeed(now)

	line := fmt.Sprintf("\r[%s] [%s] %.1f%% (%d/%d chunks) | %s/s",
		t.OutputFile, bar, percent, completed, t.Total, formatBytes(speed))
	if failed > 0 {
		line += fmt.Sprintf(" | %d failed", failed)
	}
	if r.useColors {
		line = cyan + line + reset
	}
	fmt.Print(line)
}

// RenderFinal prints the terminal completion line.
func (r *Renderer) RenderFinal(t *Tracker, now time.Time) {
	fmt.Print("\r\033[K")
	elapsed := t.Elapsed(now)
	bar := strings.Repeat("█", r.width)
	if r.useColors {
		fmt.Printf("%s[%s] [%s] 100%% (%d/%d chunks)%s | completed in %s\n",
			green, t.OutputFile, bar, t.Total, t.Total, reset, formatDuration(elapsed))
	} else {
		fmt.Printf("[%s] [%s] 100%% (%d/%d chunks) | completed in %s\n",
			t.OutputFile, bar, t.Total, t.Total, formatDuration(elapsed))
	}
}

// RenderFailed prints the terminal failure line.
func (r *Renderer) RenderFailed(t *Tracker, now time.Time) {
	fmt.Print("\r\033[K")
	completed, failed := t.Progress()
	if r.useColors {
		fmt.Printf("%s[%s] [✗] download failed%s: %d/%d completed, %d failed\n",
			red, t.OutputFile, reset, completed, t.Total, failed)
	} else {
		fmt.Printf("[%s] [✗] download failed: %d/%d completed, %d failed\n",
			t.OutputFile, completed, t.Total, failed)
	}
}

func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
}

// Package progress reports the advance of long-running loops, either to a
// callback or as a text progress bar.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Callback receives progress updates. A non-empty message with total == 0
// is purely informational.
type Callback func(completed, total int, message string)

// Reporter writes progress updates. A nil *Reporter discards everything.
type Reporter struct {
	mu        sync.Mutex
	out       io.Writer
	callback  Callback
	startTime time.Time
	width     int
}

// New returns a reporter drawing a progress bar on out.
func New(out io.Writer) *Reporter {
	return &Reporter{out: out, width: 40, startTime: time.Now()}
}

// SetCallback routes updates to cb instead of the progress bar.
func (r *Reporter) SetCallback(cb Callback) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.callback = cb
	r.mu.Unlock()
}

// ResetTimer restarts the clock used for elapsed and remaining time.
func (r *Reporter) ResetTimer() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()
}

// Report publishes completed out of total, with an optional status message.
func (r *Reporter) Report(completed, total int, message string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.callback != nil {
		r.callback(completed, total, message)
		return
	}
	if r.out == nil {
		return
	}

	if total == 0 {
		if message != "" {
			fmt.Fprintln(r.out, message)
		}
		return
	}

	percentage := float64(completed) / float64(total) * 100
	statusInfo := ""
	if message != "" {
		statusInfo = " | " + message
	}

	elapsed, remaining := r.timing(completed, total)
	if elapsed != "" {
		fmt.Fprintf(r.out, "\r%s %.1f%% (%d/%d) [%s elapsed | %s remaining%s]",
			r.bar(percentage), percentage, completed, total, elapsed, remaining, statusInfo)
	} else {
		fmt.Fprintf(r.out, "\r%s %.1f%% (%d/%d)%s", r.bar(percentage), percentage, completed, total, statusInfo)
	}

	if completed >= total {
		fmt.Fprintln(r.out)
	}
}

func (r *Reporter) bar(percentage float64) string {
	numBars := int(percentage / 100 * float64(r.width))

	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < r.width; i++ {
		switch {
		case i < numBars:
			sb.WriteString("█")
		case i == numBars:
			sb.WriteString("▓")
		default:
			sb.WriteString("░")
		}
	}
	sb.WriteByte(']')
	return sb.String()
}

// timing formats the elapsed time and an estimate of the time remaining.
// Both are empty until some progress has been made.
func (r *Reporter) timing(completed, total int) (elapsed, remaining string) {
	if completed <= 0 || r.startTime.IsZero() {
		return "", ""
	}

	d := time.Since(r.startTime)
	elapsed = fmt.Sprintf("%.1fs", d.Seconds())

	if completed >= total {
		return elapsed, "0s"
	}

	left := d.Seconds() / float64(completed) * float64(total-completed)
	switch {
	case left < 60:
		remaining = fmt.Sprintf("%.1fs", left)
	case left < 3600:
		remaining = fmt.Sprintf("%.1fm", left/60)
	default:
		remaining = fmt.Sprintf("%.1fh", left/3600)
	}
	return elapsed, remaining
}

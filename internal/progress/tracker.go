// Package progress renders transfer progress on a terminal.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/flatbridge/internal/registry"
)

// Tracker tracks transfer progress
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a new progress tracker writing to out (stderr when nil)
func New(out io.Writer) *Tracker {
	if out == nil {
		out = os.Stderr
	}
	return &Tracker{
		out:       out,
		startTime: time.Now(),
	}
}

// SetTotal sets the total number of rows to transfer. A total of 0 shows a
// spinner instead of a bar.
func (t *Tracker) SetTotal(total int64) {
	if t.bar != nil && total == t.total {
		return
	}
	t.total = total
	barMax := total
	if barMax <= 0 {
		barMax = -1
	}
	t.bar = progressbar.NewOptions64(
		barMax,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription("Transferring"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	if n := t.current.Load(); n > 0 {
		t.bar.Set64(n)
	}
}

// Set moves the counter to rows. Counts never go backwards.
func (t *Tracker) Set(rows int64) {
	for {
		cur := t.current.Load()
		if rows <= cur {
			return
		}
		if t.current.CompareAndSwap(cur, rows) {
			break
		}
	}
	if t.bar != nil {
		t.bar.Set64(rows)
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish closes the bar and prints a summary of rec.
func (t *Tracker) Finish(rec registry.Record) {
	if t.bar != nil {
		if rec.Status == registry.StatusCompleted {
			t.bar.Finish()
		} else {
			t.bar.Exit()
		}
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := 0.0
	if elapsed > 0 {
		rowsPerSec = float64(rec.Rows) / elapsed.Seconds()
	}

	fmt.Fprintln(t.out)
	switch rec.Status {
	case registry.StatusCompleted:
		fmt.Fprintf(t.out, "Transferred %d rows in %s (%.0f rows/sec)", rec.Rows, elapsed.Round(time.Second), rowsPerSec)
		if rec.Skipped > 0 {
			fmt.Fprintf(t.out, ", skipped %d", rec.Skipped)
		}
		fmt.Fprintln(t.out)
		if rec.Destination != "" {
			fmt.Fprintf(t.out, "Output: %s\n", rec.Destination)
		}
	default:
		fmt.Fprintf(t.out, "Transfer %s: %s\n", rec.Status, rec.Message)
	}
}

// Follow renders the transfer id from reg until it reaches a terminal
// state or ctx ends, and returns its last record.
func Follow(ctx context.Context, reg *registry.Registry, id string, out io.Writer) (registry.Record, error) {
	changes, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	// Subscribers are throttled, so poll as well.
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	t := New(out)
	for {
		rec, err := reg.Get(id)
		if err != nil {
			return rec, err
		}
		t.SetTotal(rec.Total)
		t.Set(rec.Rows)
		if rec.Status.Terminal() {
			t.Finish(rec)
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-changes:
		case <-ticker.C:
		}
	}
}

package pipeline

import (
	"context"
	"errors"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// sliceSource yields rows from memory; entries that are errors are returned
// from Next instead of a row.
type sliceSource struct {
	items []any
	pos   int
}

func (s *sliceSource) Columns() []driver.Column { return []driver.Column{{Name: "v"}} }

func (s *sliceSource) Next() (driver.Row, error) {
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	if err, ok := it.(error); ok {
		return nil, err
	}
	return driver.Row{it}, nil
}

func (s *sliceSource) Close() error { return nil }

type memorySink struct {
	batches [][]driver.Row
	failOn  int
}

func (m *memorySink) Write(_ context.Context, rows []driver.Row) error {
	if m.failOn > 0 && len(m.batches)+1 == m.failOn {
		return errors.New("disk full")
	}
	m.batches = append(m.batches, append([]driver.Row(nil), rows...))
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) rows() []driver.Row {
	var out []driver.Row
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func intSource(n int) *sliceSource {
	items := make([]any, n)
	for i := range items {
		items[i] = i
	}
	return &sliceSource{items: items}
}

func TestRunPreservesOrderAndBatches(t *testing.T) {
	sink := &memorySink{}
	p := New(intSource(25), sink, nil, Config{BatchSize: 10})

	var progress []Progress
	stats, err := p.Run(context.Background(), nil, func(pr Progress) { progress = append(progress, pr) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Rows != 25 || stats.Batches != 3 {
		t.Errorf("stats rows=%d batches=%d, want 25/3", stats.Rows, stats.Batches)
	}
	if len(sink.batches) != 3 || len(sink.batches[0]) != 10 || len(sink.batches[2]) != 5 {
		t.Errorf("batch sizes wrong: %d batches", len(sink.batches))
	}
	for i, row := range sink.rows() {
		if row[0] != i {
			t.Fatalf("row %d = %v, out of order", i, row[0])
		}
	}

	var last int64
	for _, pr := range progress {
		if pr.Rows < last {
			t.Errorf("progress went backwards: %d after %d", pr.Rows, last)
		}
		last = pr.Rows
	}
	if last != 25 {
		t.Errorf("final progress rows = %d, want 25", last)
	}
}

func TestRunEmptySource(t *testing.T) {
	sink := &memorySink{}
	stats, err := New(intSource(0), sink, nil, Config{}).Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Rows != 0 || len(sink.batches) != 0 {
		t.Errorf("rows=%d batches=%d, want none", stats.Rows, len(sink.batches))
	}
}

func TestRunSkipsRecoverableRows(t *testing.T) {
	badRow := xferr.Errorf(xferr.KindFormat, "read row", "line 3: expected 5 fields, got 3")
	src := &sliceSource{items: []any{1, 2, badRow, 4}}
	sink := &memorySink{}

	stats, err := New(src, sink, nil, Config{BatchSize: 2}).Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Rows != 3 || stats.Skipped != 1 {
		t.Errorf("rows=%d skipped=%d, want 3/1", stats.Rows, stats.Skipped)
	}
}

func TestRunCoercionFailures(t *testing.T) {
	coerce := func(r driver.Row) (driver.Row, error) {
		if r[0].(int)%2 == 1 {
			return nil, xferr.Errorf(xferr.KindCoercion, "coerce", "odd value %d", r[0])
		}
		return driver.Row{strconv.Itoa(r[0].(int))}, nil
	}
	sink := &memorySink{}

	stats, err := New(intSource(10), sink, coerce, Config{BatchSize: 100}).Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Rows != 5 || stats.Skipped != 5 {
		t.Errorf("rows=%d skipped=%d, want 5/5", stats.Rows, stats.Skipped)
	}
	if got := sink.rows()[1][0]; got != "2" {
		t.Errorf("coerced value = %v, want \"2\"", got)
	}
}

func TestRunSkippedRowLimit(t *testing.T) {
	items := []any{}
	for i := 0; i < 5; i++ {
		items = append(items, i, xferr.Errorf(xferr.KindFormat, "read row", "bad line %d", i))
	}
	sink := &memorySink{}

	stats, err := New(&sliceSource{items: items}, sink, nil, Config{MaxSkippedRows: 3}).Run(context.Background(), nil, nil)
	if !xferr.Is(err, xferr.KindFormat) {
		t.Fatalf("Run error = %v, want FormatError", err)
	}
	if stats.Skipped != 4 {
		t.Errorf("skipped = %d, want 4", stats.Skipped)
	}
	if stats.Rows != 4 || len(sink.rows()) != 4 {
		t.Errorf("rows=%d written=%d, want the 4 good rows read before the limit", stats.Rows, len(sink.rows()))
	}
}

func TestRunConsecutiveFailureLimit(t *testing.T) {
	items := []any{1}
	for i := 0; i < 4; i++ {
		items = append(items, xferr.Errorf(xferr.KindCoercion, "coerce", "bad %d", i))
	}
	items = append(items, 2)

	_, err := New(&sliceSource{items: items}, &memorySink{}, nil,
		Config{MaxConsecutiveFailures: 3, MaxSkippedRows: -1}).Run(context.Background(), nil, nil)
	if !xferr.Is(err, xferr.KindCoercion) {
		t.Fatalf("Run error = %v, want CoercionError", err)
	}

	// Failures separated by good rows never trip the consecutive limit.
	items = []any{}
	for i := 0; i < 10; i++ {
		items = append(items, i, xferr.Errorf(xferr.KindCoercion, "coerce", "bad %d", i))
	}
	stats, err := New(&sliceSource{items: items}, &memorySink{}, nil,
		Config{MaxConsecutiveFailures: 1, MaxSkippedRows: -1}).Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Skipped != 10 || stats.Rows != 10 {
		t.Errorf("rows=%d skipped=%d, want 10/10", stats.Rows, stats.Skipped)
	}
}

func TestRunFatalSourceError(t *testing.T) {
	src := &sliceSource{items: []any{1, 2, xferr.Errorf(xferr.KindConnection, "read rows", "connection reset"), 3}}
	sink := &memorySink{}
	stats, err := New(src, sink, nil, Config{}).Run(context.Background(), nil, nil)
	if !xferr.Is(err, xferr.KindConnection) {
		t.Errorf("Run error = %v, want ConnectionError", err)
	}
	if stats.Rows != 2 || len(sink.batches) != 1 {
		t.Errorf("rows=%d batches=%d, want the 2 rows read before the error in 1 batch", stats.Rows, len(sink.batches))
	}
}

func TestRunWriteError(t *testing.T) {
	sink := &memorySink{failOn: 2}
	stats, err := New(intSource(30), sink, nil, Config{BatchSize: 10}).Run(context.Background(), nil, nil)
	if !xferr.Is(err, xferr.KindWrite) {
		t.Fatalf("Run error = %v, want WriteError", err)
	}
	if stats.Rows != 10 {
		t.Errorf("rows before failure = %d, want 10", stats.Rows)
	}
}

func TestRunStopsBetweenBatches(t *testing.T) {
	sink := &memorySink{}
	stop := make(chan struct{})

	stats, err := New(intSource(100), sink, nil, Config{BatchSize: 10, ReadAhead: 4}).Run(
		context.Background(), stop, func(Progress) { close(stop) })

	if !errors.Is(err, ErrCancelled) || !xferr.Is(err, xferr.KindCancelled) {
		t.Fatalf("Run error = %v, want cancelled", err)
	}
	if len(sink.batches) != 1 || stats.Rows != 10 {
		t.Errorf("wrote %d batches (%d rows), want exactly 1 complete batch", len(sink.batches), stats.Rows)
	}
}

func TestRunStopsReadingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := intSource(10000)

	_, err := New(src, &memorySink{}, nil, Config{BatchSize: 10, ReadAhead: 2}).Run(
		ctx, nil, func(Progress) { cancel() })

	if !xferr.Is(err, xferr.KindCancelled) {
		t.Fatalf("Run error = %v, want cancelled", err)
	}
	if src.pos > 100 {
		t.Errorf("source read %d rows after cancellation, want at most a few batches", src.pos)
	}
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := New(intSource(1000), &memorySink{}, nil, Config{BatchSize: 10}).Run(ctx, nil, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !xferr.Is(err, xferr.KindCancelled) {
			t.Errorf("Run error = %v, want nil or cancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestStatsString(t *testing.T) {
	s := &Stats{Rows: 5}
	if got := s.String(); got != "rows=5, skipped=0" {
		t.Errorf("String = %q", got)
	}
	s = &Stats{ReadTime: time.Second, WriteTime: time.Second, Rows: 10}
	if got, want := s.String(), "read=1.0s (50%), coerce=0.0s (0%), write=1.0s (50%), rows=10, skipped=0"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if s.RowsPerSecond() != 5 {
		t.Errorf("RowsPerSecond = %v, want 5", s.RowsPerSecond())
	}
}

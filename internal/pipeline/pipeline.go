package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

const (
	DefaultBatchSize              = 10000
	DefaultReadAhead              = 2
	DefaultMaxConsecutiveFailures = 100
	DefaultMaxSkippedRows         = 1000
)

// ErrCancelled is wrapped by the error Run returns when it is stopped.
var ErrCancelled = errors.New("cancelled")

// Config contains pipeline execution configuration. Zero values select the
// defaults; a negative failure threshold disables that limit.
type Config struct {
	// BatchSize is the number of rows per write.
	BatchSize int

	// ReadAhead is the number of batches buffered between reader and writer.
	ReadAhead int

	// MaxConsecutiveFailures aborts the run when this many rows in a row
	// fail to parse or coerce.
	MaxConsecutiveFailures int

	// MaxSkippedRows aborts the run when more rows than this are skipped.
	MaxSkippedRows int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ReadAhead <= 0 {
		c.ReadAhead = DefaultReadAhead
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.MaxSkippedRows == 0 {
		c.MaxSkippedRows = DefaultMaxSkippedRows
	}
	return c
}

// Sink receives batches in source order. Write must either persist the
// whole batch or return an error.
type Sink interface {
	Write(ctx context.Context, rows []driver.Row) error
	Close() error
}

// Coercer converts one source row into its destination representation.
// Returning a recoverable error (see xferr.Recoverable) skips the row.
type Coercer func(driver.Row) (driver.Row, error)

// Progress is reported after every written batch.
type Progress struct {
	Rows    int64
	Skipped int64
	Batches int
}

// Pipeline moves rows from a source to a sink. It does not close either;
// the caller owns both.
type Pipeline struct {
	source driver.RowIterator
	sink   Sink
	coerce Coercer
	config Config
}

// New creates a pipeline. A nil coercer passes rows through unchanged.
func New(source driver.RowIterator, sink Sink, coerce Coercer, cfg Config) *Pipeline {
	if coerce == nil {
		coerce = func(r driver.Row) (driver.Row, error) { return r, nil }
	}
	return &Pipeline{source: source, sink: sink, coerce: coerce, config: cfg.withDefaults()}
}

type chunkResult struct {
	rows       []driver.Row
	skipped    int64
	readTime   time.Duration
	coerceTime time.Duration
	err        error
}

// Run streams the source to exhaustion. Closing stop (or cancelling ctx)
// halts the run before the next batch is written; Run then returns an error
// wrapping ErrCancelled with kind Cancelled. onBatch, if set, is called from
// Run's goroutine after each batch is written.
func (p *Pipeline) Run(ctx context.Context, stop <-chan struct{}, onBatch func(Progress)) (*Stats, error) {
	stats := &Stats{}

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	chunks := make(chan chunkResult, p.config.ReadAhead)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(chunks)
		p.read(readCtx, chunks)
	}()

	var loopErr error
chunkLoop:
	for chunk := range chunks {
		stats.ReadTime += chunk.readTime
		stats.CoerceTime += chunk.coerceTime
		stats.Skipped = chunk.skipped
		if len(chunk.rows) == 0 {
			if chunk.err != nil {
				loopErr = chunk.err
				break
			}
			continue
		}

		select {
		case <-stop:
			loopErr = xferr.New(xferr.KindCancelled, "transfer", ErrCancelled)
			break chunkLoop
		case <-ctx.Done():
			loopErr = xferr.New(xferr.KindCancelled, "transfer", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
			break chunkLoop
		default:
		}

		writeStart := time.Now()
		if err := p.sink.Write(ctx, chunk.rows); err != nil {
			if xferr.KindOf(err) == "" {
				err = xferr.New(xferr.KindWrite, "write batch", err)
			}
			loopErr = err
			break
		}
		stats.WriteTime += time.Since(writeStart)
		stats.Rows += int64(len(chunk.rows))
		stats.Batches++

		if onBatch != nil {
			onBatch(Progress{Rows: stats.Rows, Skipped: stats.Skipped, Batches: stats.Batches})
		}
		if stats.Batches%50 == 0 {
			logging.Debug("Pipeline: %d batches, %d rows, %d skipped", stats.Batches, stats.Rows, stats.Skipped)
		}

		// Rows read before a fatal error are written first.
		if chunk.err != nil {
			loopErr = chunk.err
			break
		}
	}

	// Unblock and drain the reader before returning.
	cancelRead()
	for range chunks {
	}
	wg.Wait()

	if loopErr == nil && ctx.Err() != nil {
		loopErr = xferr.New(xferr.KindCancelled, "transfer", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
	}
	if loopErr != nil {
		return stats, loopErr
	}
	return stats, nil
}

// read pulls rows, coerces them and emits full batches. It sends a final
// (possibly empty) chunk so the last skipped count reaches the writer. A
// chunk carrying an error also carries the good rows buffered before it.
func (p *Pipeline) read(ctx context.Context, out chan<- chunkResult) {
	cfg := p.config
	send := func(c chunkResult) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var skipped int64
	consecutive := 0
	chunk := chunkResult{rows: make([]driver.Row, 0, cfg.BatchSize)}

	for {
		if ctx.Err() != nil {
			return
		}

		readStart := time.Now()
		row, err := p.source.Next()
		chunk.readTime += time.Since(readStart)

		if errors.Is(err, io.EOF) {
			chunk.skipped = skipped
			send(chunk)
			return
		}

		if err == nil {
			coerceStart := time.Now()
			row, err = p.coerce(row)
			chunk.coerceTime += time.Since(coerceStart)
		}

		if err != nil {
			if !xferr.Recoverable(err) {
				chunk.skipped = skipped
				chunk.err = err
				send(chunk)
				return
			}
			skipped++
			consecutive++
			logging.Debug("Skipping row: %v", err)

			if cfg.MaxConsecutiveFailures > 0 && consecutive > cfg.MaxConsecutiveFailures {
				chunk.skipped = skipped
				chunk.err = xferr.New(xferr.KindOf(err), "transfer",
					fmt.Errorf("aborting after %d consecutive bad rows: %w", consecutive, err))
				send(chunk)
				return
			}
			if cfg.MaxSkippedRows > 0 && skipped > int64(cfg.MaxSkippedRows) {
				chunk.skipped = skipped
				chunk.err = xferr.New(xferr.KindOf(err), "transfer",
					fmt.Errorf("skipped rows exceeded limit of %d: %w", cfg.MaxSkippedRows, err))
				send(chunk)
				return
			}
			continue
		}

		consecutive = 0
		chunk.rows = append(chunk.rows, row)
		if len(chunk.rows) >= cfg.BatchSize {
			chunk.skipped = skipped
			if !send(chunk) {
				return
			}
			chunk = chunkResult{rows: make([]driver.Row, 0, cfg.BatchSize)}
		}
	}
}

// Package transfer runs transfers between database tables and flat files.
// Each transfer streams on its own goroutine and reports to a registry.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/johndauphine/flatbridge/internal/driver"
	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/pipeline"
	"github.com/johndauphine/flatbridge/internal/registry"
	"github.com/johndauphine/flatbridge/internal/source"
	"github.com/johndauphine/flatbridge/internal/target"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Publisher turns a finished export into a retrieval location, such as a
// download URL.
type Publisher interface {
	Publish(ctx context.Context, path string) (string, error)
}

// Options configure an Engine. Zero values select the pipeline defaults.
type Options struct {
	BatchSize              int
	MaxConsecutiveFailures int
	MaxSkippedRows         int

	// OutputDir receives db_to_file exports.
	OutputDir string

	// SkipCount disables the up-front row count; progress then stays at 0
	// until completion.
	SkipCount bool

	// Publisher, if set, is called with each finished export.
	Publisher Publisher
}

// Engine starts transfers and tracks the ones in flight.
type Engine struct {
	reg  *registry.Registry
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	active map[string]*handle

	// afterBatch, if set, runs on the transfer goroutine after each batch.
	afterBatch func(id string, pr pipeline.Progress)
}

type handle struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (h *handle) cancel() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// NewEngine creates an engine that records transfers in reg.
func NewEngine(reg *registry.Registry, opts Options) *Engine {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Engine{reg: reg, opts: opts, now: time.Now, active: make(map[string]*handle)}
}

// Registry returns the registry transfers are recorded in.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// OutputDir returns the directory exports are written to.
func (e *Engine) OutputDir() string { return e.opts.OutputDir }

type prepared struct {
	req    Request
	src    *source.Stream
	sink   pipeline.Sink
	coerce pipeline.Coercer
	target string
	path   string
}

// Start validates req, opens its source and destination, and streams the
// rows on a new goroutine. Problems found before streaming (bad request,
// unreachable database, unknown table or column) are returned here and
// leave no record. The returned record is already running.
//
// ctx bounds only the preparation; the transfer itself runs until it
// finishes or is cancelled with Cancel.
func (e *Engine) Start(ctx context.Context, req Request) (registry.Record, error) {
	if err := req.normalize(e.now()); err != nil {
		return registry.Record{}, err
	}

	runCtx := context.WithoutCancel(ctx)
	p, err := e.prepare(ctx, runCtx, req)
	if err != nil {
		return registry.Record{}, err
	}

	rec := e.reg.Register(registry.Info{
		Direction: string(p.req.Direction),
		Source:    p.req.Source.Name(),
		Target:    p.target,
		Columns:   driver.ColumnNames(p.src.Columns()),
		Format:    string(p.req.Format),
	})
	h := &handle{stop: make(chan struct{}), done: make(chan struct{})}
	e.mu.Lock()
	e.active[rec.ID] = h
	e.mu.Unlock()

	if err := e.reg.Start(rec.ID); err != nil {
		e.release(rec.ID, h)
		p.src.Close()
		p.sink.Close()
		return registry.Record{}, err
	}
	e.reg.SetTotal(rec.ID, p.src.Total())
	logging.Info("Transfer %s started: %s %s -> %s (%d columns)", rec.ID, p.req.Direction, rec.Source, rec.Target, len(rec.Columns))

	go e.run(runCtx, rec.ID, h, p)

	rec, _ = e.reg.Get(rec.ID)
	return rec, nil
}

// Run is Start followed by waiting for the transfer to finish. It returns
// the terminal record; a failed transfer is reported through the record's
// status, not the error.
func (e *Engine) Run(ctx context.Context, req Request) (registry.Record, error) {
	rec, err := e.Start(ctx, req)
	if err != nil {
		return rec, err
	}
	e.Wait(rec.ID)
	return e.reg.Get(rec.ID)
}

// Cancel asks a running transfer to stop before its next batch. It returns
// NotFound for unknown ids and InvalidRequest for finished transfers.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	h, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		h.cancel()
		logging.Info("Transfer %s: cancellation requested", id)
		return nil
	}

	rec, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return xferr.Errorf(xferr.KindInvalid, "cancel transfer", "transfer %s is already %s", id, rec.Status)
}

// CancelAll asks every running transfer to stop.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.active {
		h.cancel()
	}
}

// Wait blocks until the transfer id is no longer running.
func (e *Engine) Wait(id string) {
	e.mu.Lock()
	h, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		<-h.done
	}
}

// WaitAll blocks until no transfer is running.
func (e *Engine) WaitAll() {
	e.mu.Lock()
	pending := make([]*handle, 0, len(e.active))
	for _, h := range e.active {
		pending = append(pending, h)
	}
	e.mu.Unlock()
	for _, h := range pending {
		<-h.done
	}
}

// Active returns the number of running transfers.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) release(id string, h *handle) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
	close(h.done)
}

func (e *Engine) prepare(ctx, runCtx context.Context, req Request) (_ *prepared, err error) {
	// The source and destination outlive ctx, so they are opened on runCtx;
	// ctx only bounds the preparation.
	if err := ctx.Err(); err != nil {
		return nil, xferr.New(xferr.KindCancelled, "start transfer", err)
	}

	src, err := source.Open(runCtx, req.Source, source.Options{Count: !e.opts.SkipCount})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			src.Close()
		}
	}()

	p := &prepared{req: req, src: src}
	switch req.Direction {
	case DBToFile:
		p.path = filepath.Join(e.opts.OutputDir, req.OutputName)
		sink, err := target.OpenFile(p.path, req.Format, req.Delimiter, src.Columns())
		if err != nil {
			return nil, err
		}
		p.sink = sink
		p.target = req.OutputName
	case FileToDB:
		sink, err := target.OpenTable(runCtx, *req.Connection, req.TargetTable, src.Columns(), target.TableOptions{Create: req.CreateTable})
		if err != nil {
			return nil, err
		}
		p.sink = sink
		p.coerce = sink.Coerce
		p.target = req.TargetTable
	}

	if err := ctx.Err(); err != nil {
		p.sink.Close()
		return nil, xferr.New(xferr.KindCancelled, "start transfer", err)
	}
	return p, nil
}

func (e *Engine) run(ctx context.Context, id string, h *handle, p *prepared) {
	defer e.release(id, h)

	total := p.src.Total()
	pipe := pipeline.New(p.src, p.sink, p.coerce, pipeline.Config{
		BatchSize:              e.opts.BatchSize,
		MaxConsecutiveFailures: e.opts.MaxConsecutiveFailures,
		MaxSkippedRows:         e.opts.MaxSkippedRows,
	})

	stats, err := pipe.Run(ctx, h.stop, func(pr pipeline.Progress) {
		e.reg.UpdateProgress(id, pr.Rows, pr.Skipped, Percent(pr.Rows, total))
		if e.afterBatch != nil {
			e.afterBatch(id, pr)
		}
	})

	closeErr := errors.Join(p.src.Close(), p.sink.Close())
	if err == nil && closeErr != nil {
		err = xferr.New(xferr.KindWrite, "finish transfer", closeErr)
	} else if closeErr != nil {
		logging.Warn("Transfer %s: closing resources: %v", id, closeErr)
	}

	var destination string
	if err == nil && p.path != "" {
		destination = p.path
		if e.opts.Publisher != nil {
			loc, perr := e.opts.Publisher.Publish(ctx, p.path)
			if perr != nil {
				err = xferr.New(xferr.KindWrite, "publish export", perr)
			}
			destination = loc
		}
	}

	if err != nil {
		msg := FailureMessage(err, stats)
		if ferr := e.reg.Fail(id, msg, stats.Rows, stats.Skipped); ferr != nil {
			logging.Warn("Transfer %s: recording failure: %v", id, ferr)
		}
		if xferr.Is(err, xferr.KindCancelled) {
			logging.Warn("Transfer %s cancelled after %d rows", id, stats.Rows)
		} else {
			logging.Error("Transfer %s failed: %s", id, msg)
		}
		return
	}

	if cerr := e.reg.Complete(id, stats.Rows, stats.Skipped, destination); cerr != nil {
		logging.Warn("Transfer %s: recording completion: %v", id, cerr)
	}
	logging.Info("Transfer %s completed: %d rows, %d skipped (%s, %.0f rows/sec)",
		id, stats.Rows, stats.Skipped, stats, stats.RowsPerSecond())
}

// Percent is the progress shown while a transfer runs. It never reaches
// 100 before completion and is 0 when the total is unknown.
func Percent(rows, total int64) float64 {
	if total <= 0 || rows <= 0 {
		return 0
	}
	p := float64(rows) * 100 / float64(total)
	if p > 99 {
		return 99
	}
	return p
}

// FailureMessage renders the terminal message of a failed transfer,
// including how many rows reached the destination.
func FailureMessage(err error, stats *pipeline.Stats) string {
	reason := err.Error()
	if xferr.Is(err, xferr.KindCancelled) {
		reason = "cancelled"
	}
	if stats == nil {
		return reason
	}
	return fmt.Sprintf("%s (%d rows transferred, %d skipped)", reason, stats.Rows, stats.Skipped)
}

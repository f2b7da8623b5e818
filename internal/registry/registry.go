// Package registry keeps the process-wide table of transfer records. Reads
// are safe from any goroutine; each record is mutated only by the engine
// goroutine that owns its transfer.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Info describes the request a record was created for.
type Info struct {
	Direction string
	Source    string
	Target    string
	Columns   []string
	Format    string
}

// Record is a snapshot of one transfer.
type Record struct {
	ID          string     `json:"id"`
	Direction   string     `json:"direction"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Columns     []string   `json:"columns"`
	Format      string     `json:"format,omitempty"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	Rows        int64      `json:"rows_transferred"`
	Skipped     int64      `json:"rows_skipped"`
	Total       int64      `json:"total_rows"`
	Message     string     `json:"message,omitempty"`
	Destination string     `json:"destination,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (r *Record) clone() Record {
	c := *r
	c.Columns = append([]string(nil), r.Columns...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return c
}

type entry struct {
	rec Record
	seq uint64
}

// Registry is a concurrency-safe map of transfer records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*entry
	nextSeq uint64

	subsMu  sync.Mutex
	subs    map[uint64]chan struct{}
	nextSub uint64
	limiter *rate.Limiter

	now func() time.Time
}

// New returns an empty registry. Progress notifications to subscribers are
// limited to ten per second; lifecycle changes are always delivered.
func New() *Registry {
	return &Registry{
		records: make(map[string]*entry),
		subs:    make(map[uint64]chan struct{}),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		now:     time.Now,
	}
}

// Register creates a pending record and returns a snapshot of it.
func (r *Registry) Register(info Info) Record {
	r.mu.Lock()
	r.nextSeq++
	e := &entry{
		seq: r.nextSeq,
		rec: Record{
			ID:        uuid.NewString(),
			Direction: info.Direction,
			Source:    info.Source,
			Target:    info.Target,
			Columns:   append([]string(nil), info.Columns...),
			Format:    info.Format,
			Status:    StatusPending,
			CreatedAt: r.now(),
		},
	}
	r.records[e.rec.ID] = e
	snap := e.rec.clone()
	r.mu.Unlock()

	r.notify(true)
	return snap
}

// Start moves a pending record to running.
func (r *Registry) Start(id string) error {
	return r.update(id, true, func(rec *Record) error {
		if rec.Status != StatusPending {
			return transitionError(rec, StatusRunning)
		}
		now := r.now()
		rec.Status = StatusRunning
		rec.StartedAt = &now
		return nil
	})
}

// SetTotal records the expected row count of a running transfer; 0 means unknown.
func (r *Registry) SetTotal(id string, total int64) error {
	return r.update(id, false, func(rec *Record) error {
		if rec.Status != StatusRunning {
			return transitionError(rec, rec.Status)
		}
		if total > 0 {
			rec.Total = total
		}
		return nil
	})
}

// UpdateProgress records rows written, rows skipped and percent complete.
// Values never decrease, and percent is clamped to [0, 100].
func (r *Registry) UpdateProgress(id string, rows, skipped int64, percent float64) error {
	return r.update(id, false, func(rec *Record) error {
		if rec.Status != StatusRunning {
			return transitionError(rec, StatusRunning)
		}
		if rows > rec.Rows {
			rec.Rows = rows
		}
		if skipped > rec.Skipped {
			rec.Skipped = skipped
		}
		percent = clamp(percent)
		if percent > rec.Progress {
			rec.Progress = percent
		}
		return nil
	})
}

// Complete moves a running record to completed with its final counts.
func (r *Registry) Complete(id string, rows, skipped int64, destination string) error {
	return r.update(id, true, func(rec *Record) error {
		if rec.Status != StatusRunning {
			return transitionError(rec, StatusCompleted)
		}
		now := r.now()
		rec.Status = StatusCompleted
		rec.Progress = 100
		rec.Rows = rows
		rec.Skipped = skipped
		rec.Destination = destination
		rec.EndedAt = &now
		return nil
	})
}

// Fail moves a running record to error. rows is the number of rows
// written before the failure.
func (r *Registry) Fail(id, message string, rows, skipped int64) error {
	return r.update(id, true, func(rec *Record) error {
		if rec.Status != StatusRunning {
			return transitionError(rec, StatusError)
		}
		now := r.now()
		rec.Status = StatusError
		rec.Message = message
		if rows > rec.Rows {
			rec.Rows = rows
		}
		if skipped > rec.Skipped {
			rec.Skipped = skipped
		}
		rec.EndedAt = &now
		return nil
	})
}

// Get returns a snapshot of the record with id.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[id]
	if !ok {
		return Record{}, xferr.Errorf(xferr.KindNotFound, "get transfer", "transfer %q not found", id)
	}
	return e.rec.clone(), nil
}

// List returns snapshots of all records ordered by start time. Records that
// have not started sort by creation time.
func (r *Registry) List() []Record {
	r.mu.RLock()
	snaps := make([]entry, 0, len(r.records))
	for _, e := range r.records {
		snaps = append(snaps, entry{rec: e.rec.clone(), seq: e.seq})
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		ti, tj := startOf(&snaps[i].rec), startOf(&snaps[j].rec)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return snaps[i].seq < snaps[j].seq
	})

	out := make([]Record, len(snaps))
	for i := range snaps {
		out[i] = snaps[i].rec
	}
	return out
}

// Clear removes terminal records and returns how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	n := 0
	for id, e := range r.records {
		if e.rec.Status.Terminal() {
			delete(r.records, id)
			n++
		}
	}
	r.mu.Unlock()

	if n > 0 {
		r.notify(true)
	}
	return n
}

// Subscribe returns a channel that receives a signal whenever a record
// changes. Signals coalesce; readers should re-read state on wake-up. The
// returned function unsubscribes and closes the channel.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.subsMu.Lock()
	r.nextSub++
	key := r.nextSub
	r.subs[key] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, key)
			r.subsMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) update(id string, lifecycle bool, fn func(*Record) error) error {
	r.mu.Lock()
	e, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return xferr.Errorf(xferr.KindNotFound, "update transfer", "transfer %q not found", id)
	}
	err := fn(&e.rec)
	r.mu.Unlock()

	if err == nil {
		r.notify(lifecycle)
	}
	return err
}

func (r *Registry) notify(force bool) {
	if !force && !r.limiter.Allow() {
		return
	}
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func transitionError(rec *Record, to Status) error {
	return xferr.Errorf(xferr.KindInvalid, "update transfer", "transfer %s is %s, cannot move to %s", rec.ID, rec.Status, to)
}

func startOf(rec *Record) time.Time {
	if rec.StartedAt != nil {
		return *rec.StartedAt
	}
	return rec.CreatedAt
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

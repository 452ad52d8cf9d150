// Package ingest buffers validated GPS events per fleet number and writes
// them to the store in bulk.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/transit-ingestion/internal/models"
)

const (
	DefaultBatchSize    = 50
	DefaultBatchTimeout = 30 * time.Second
)

// ErrFlush marks a failed hand-off to the Persister. The batch it belonged to
// is still pending.
var ErrFlush = errors.New("flush failed")

// Status reports what Add did with an event.
type Status string

const (
	StatusBatched Status = "batched"
	StatusFlushed Status = "flushed"
)

// Trigger names the threshold that caused a flush.
type Trigger string

const (
	TriggerSize    Trigger = "size"
	TriggerTimeout Trigger = "timeout"
	TriggerManual  Trigger = "manual"
)

// Result is returned by Add. Count is the pending count for the key when the
// event was batched, or the writer's accepted count when it was flushed.
type Result struct {
	Status  Status  `json:"status"`
	Count   int     `json:"count"`
	Key     string  `json:"fleet_number"`
	Trigger Trigger `json:"trigger,omitempty"`
}

// Persister stores a drained batch. It must either accept the whole batch or
// return an error leaving the store unchanged.
type Persister interface {
	Persist(ctx context.Context, events []models.GPSEvent) (PersistResult, error)
}

// Config sets the per-key flush thresholds. Zero values take the defaults.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
}

// Option customizes an Accumulator.
type Option func(*Accumulator)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) {
		a.now = now
	}
}

type batch struct {
	mu       sync.Mutex
	events   []models.GPSEvent
	openedAt time.Time
}

// Accumulator holds one pending batch per fleet number. Operations on one key
// are serialized by that key's lock; the map lock is only held to look a
// batch up, so a slow flush never blocks other keys.
type Accumulator struct {
	persister Persister
	size      int
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	batches map[string]*batch
}

// NewAccumulator returns an empty Accumulator flushing through p.
func NewAccumulator(p Persister, cfg Config, opts ...Option) *Accumulator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	a := &Accumulator{
		persister: p,
		size:      cfg.BatchSize,
		timeout:   cfg.BatchTimeout,
		now:       time.Now,
		batches:   make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BatchSize returns the configured count threshold.
func (a *Accumulator) BatchSize() int { return a.size }

// BatchTimeout returns the configured age threshold.
func (a *Accumulator) BatchTimeout() time.Duration { return a.timeout }

func (a *Accumulator) batchFor(key string) *batch {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.batches[key]
	if !ok {
		b = &batch{}
		a.batches[key] = b
	}
	return b
}

// Add appends e to its fleet's batch and flushes the batch before returning
// when either threshold is reached. On a failed flush the event stays
// pending and the error wraps ErrFlush.
func (a *Accumulator) Add(ctx context.Context, e models.GPSEvent) (Result, error) {
	key := e.FleetNumber
	b := a.batchFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := a.now()
	if len(b.events) == 0 {
		b.openedAt = now
	}
	b.events = append(b.events, e)

	trigger := a.dueLocked(b, now)
	if trigger == "" {
		return Result{Status: StatusBatched, Count: len(b.events), Key: key}, nil
	}
	n, err := a.flushLocked(ctx, key, b, trigger)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: StatusFlushed, Count: n, Key: key, Trigger: trigger}, nil
}

// dueLocked reports the threshold b has reached, if any. Age is checked
// first so a batch that is both full and stale is attributed to the timeout.
func (a *Accumulator) dueLocked(b *batch, now time.Time) Trigger {
	if len(b.events) == 0 {
		return ""
	}
	if now.Sub(b.openedAt) >= a.timeout {
		return TriggerTimeout
	}
	if len(b.events) >= a.size {
		return TriggerSize
	}
	return ""
}

// Flush drains the batch for key. It returns 0 without calling the
// Persister when nothing is pending.
func (a *Accumulator) Flush(ctx context.Context, key string) (int, error) {
	a.mu.Lock()
	b, ok := a.batches[key]
	a.mu.Unlock()
	if !ok {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return a.flushLocked(ctx, key, b, TriggerManual)
}

func (a *Accumulator) flushLocked(ctx context.Context, key string, b *batch, trigger Trigger) (int, error) {
	if len(b.events) == 0 {
		return 0, nil
	}
	events := make([]models.GPSEvent, len(b.events))
	copy(events, b.events)

	res, err := a.persister.Persist(ctx, events)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"fleet_number": key,
			"pending":      len(events),
			"trigger":      trigger,
		}).Error("flush failed, batch retained")
		return 0, fmt.Errorf("%w for %s: %w", ErrFlush, key, err)
	}

	b.events = nil
	b.openedAt = time.Time{}
	log.WithFields(log.Fields{
		"fleet_number": key,
		"events":       len(events),
		"accepted":     res.Accepted,
		"skipped":      res.Skipped,
		"trigger":      trigger,
	}).Info("flushed gps batch")
	return res.Accepted, nil
}

// FlushOutcome is the result of flushing one key.
type FlushOutcome struct {
	Key   string
	Count int
	Err   error
}

// FlushReport collects one outcome per key that had pending events.
type FlushReport struct {
	Outcomes []FlushOutcome
}

// Total is the sum of accepted counts over successful keys.
func (r FlushReport) Total() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n += o.Count
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (r FlushReport) Failed() []FlushOutcome {
	var out []FlushOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// FlushAll flushes every non-empty batch. A failing key does not stop the
// others; its error is recorded in the report and its events stay pending.
func (a *Accumulator) FlushAll(ctx context.Context) FlushReport {
	return a.flushWhere(ctx, func(*batch, time.Time) Trigger { return TriggerManual })
}

// Sweep flushes only the batches whose age has reached the timeout.
func (a *Accumulator) Sweep(ctx context.Context) FlushReport {
	return a.flushWhere(ctx, func(b *batch, now time.Time) Trigger {
		if now.Sub(b.openedAt) >= a.timeout {
			return TriggerTimeout
		}
		return ""
	})
}

func (a *Accumulator) flushWhere(ctx context.Context, due func(*batch, time.Time) Trigger) FlushReport {
	var report FlushReport
	for _, key := range a.keys() {
		a.mu.Lock()
		b := a.batches[key]
		a.mu.Unlock()

		b.mu.Lock()
		if len(b.events) == 0 {
			b.mu.Unlock()
			continue
		}
		trigger := due(b, a.now())
		if trigger == "" {
			b.mu.Unlock()
			continue
		}
		n, err := a.flushLocked(ctx, key, b, trigger)
		b.mu.Unlock()
		report.Outcomes = append(report.Outcomes, FlushOutcome{Key: key, Count: n, Err: err})
	}
	return report
}

func (a *Accumulator) keys() []string {
	a.mu.Lock()
	keys := make([]string, 0, len(a.batches))
	for k := range a.batches {
		keys = append(keys, k)
	}
	a.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Run sweeps stale batches every interval until ctx is done. Adds only check
// the timeout when an event arrives, so without Run an idle fleet keeps its
// batch until the next event or FlushAll.
func (a *Accumulator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := a.Sweep(ctx)
			if failed := report.Failed(); len(failed) > 0 {
				log.WithField("failed_keys", len(failed)).Warn("sweep left batches pending")
			}
		}
	}
}

// Pending returns the number of buffered events for key.
func (a *Accumulator) Pending(key string) int {
	a.mu.Lock()
	b, ok := a.batches[key]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// BatchStats describes one non-empty batch.
type BatchStats struct {
	FleetNumber string    `json:"fleet_number"`
	Pending     int       `json:"pending"`
	OpenedAt    time.Time `json:"opened_at"`
}

// Stats returns the non-empty batches ordered by fleet number.
func (a *Accumulator) Stats() []BatchStats {
	var out []BatchStats
	for _, key := range a.keys() {
		a.mu.Lock()
		b := a.batches[key]
		a.mu.Unlock()

		b.mu.Lock()
		if n := len(b.events); n > 0 {
			out = append(out, BatchStats{FleetNumber: key, Pending: n, OpenedAt: b.openedAt})
		}
		b.mu.Unlock()
	}
	return out
}

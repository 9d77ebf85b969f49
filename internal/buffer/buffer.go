// Package buffer implements the durable buffer with backpressure (C2,
// spec.md §4.1): a bounded in-memory FIFO that spills to an ordered
// on-disk store under overflow, signaling backpressure through a
// last-value watch channel with hysteresis between high and low
// watermarks.
//
// Grounded on original_source/agent-rust/src/buffer.rs (same watermark
// constants, same memory-first/disk-second receive order, same
// edge-triggered watch signal) translated into the teacher's idiom: a
// single RWMutex-guarded stats struct (internal/storage's connection-state
// convention) plus atomic counters for the hot path (internal/ratelimit's
// atomic.Uint64 convention), instead of tokio channels and a blocking-task
// pool.
package buffer

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/securewatch/agent/internal/config"
	"github.com/securewatch/agent/internal/errs"
	"github.com/securewatch/agent/internal/model"
)

const (
	highWaterMark = 0.80
	lowWaterMark  = 0.30
)

// Stats is an immutable snapshot of the buffer's observable state
// (spec.md §3: "Resource snapshot ... are immutable values" — the same
// convention applies to every snapshot type in this agent).
type Stats struct {
	MemoryEvents       int64
	PersistedEvents    int64
	EventsProcessed    uint64
	EventsDropped      uint64
	// QuarantinedRecords stays zero: corrupted records that the
	// persistence store quarantines and skips are not counted.
	QuarantinedRecords uint64
	BackpressureActive bool
}

// Buffer is the durable, backpressure-aware event queue.
type Buffer struct {
	cfg    config.BufferConfig
	logger *slog.Logger

	mu       sync.Mutex
	memory   *list.List // of model.BufferedRecord
	memCount atomic.Int64

	seq atomic.Uint64

	persist         *store
	persistedCount  atomic.Int64
	eventsProcessed atomic.Uint64
	eventsDropped   atomic.Uint64
	quarantined     atomic.Uint64

	backpressure *BackpressureWatch
}

// New constructs a Buffer. When cfg.Persistent is true, an embedded SQLite
// store is opened at cfg.PersistencePath/events.db (spec.md §6).
func New(cfg config.BufferConfig, logger *slog.Logger) (*Buffer, error) {
	b := &Buffer{
		cfg:          cfg,
		logger:       logger,
		memory:       list.New(),
		backpressure: newBackpressureWatch(),
	}
	if cfg.Persistent {
		s, err := openStore(cfg.PersistencePath)
		if err != nil {
			return nil, errs.Wrap(errs.KindBufferPersistence, err, "open persistence store").WithRetryable(false)
		}
		b.persist = s
		if n, err := s.count(context.Background()); err == nil {
			b.persistedCount.Store(n)
		}
	}
	return b, nil
}

// Close releases the persistence store, if any.
func (b *Buffer) Close() error {
	if b.persist != nil {
		return b.persist.close()
	}
	return nil
}

// NextSequence assigns the next monotonically increasing sequence number.
// Exposed so callers constructing a BufferedRecord ahead of Send can label
// it consistently; Send itself always re-derives the authoritative value.
func (b *Buffer) NextSequence() uint64 {
	return b.seq.Add(1)
}

// Send enqueues a parsed event. It assigns the event a fresh sequence
// number, appends to the in-memory FIFO while there is room, and spills to
// persistence on overflow. Returns a *errs.Error of KindBufferCapacity
// (persistence disabled) or KindBufferPersistence (disk I/O failure) on
// failure; the latter is always marked retryable, whatever the underlying
// I/O error.
func (b *Buffer) Send(ctx context.Context, event model.ParsedEvent) error {
	rec := model.BufferedRecord{Sequence: b.seq.Add(1), Event: event.Clone()}

	b.mu.Lock()
	if int(b.memCount.Load()) < b.cfg.MaxEvents {
		b.memory.PushBack(rec)
		b.memCount.Add(1)
		b.mu.Unlock()
		b.eventsProcessed.Add(1)
		b.checkBackpressure()
		return nil
	}
	b.mu.Unlock()

	if !b.cfg.Persistent {
		b.eventsDropped.Add(1)
		return errs.New(errs.KindBufferCapacity, "buffer full and persistence disabled").
			With("current", b.memCount.Load()).
			With("max", b.cfg.MaxEvents).
			WithRetryable(false)
	}

	if err := b.persist.append(ctx, rec); err != nil {
		return errs.Wrap(errs.KindBufferPersistence, err, "spill event to disk").WithRetryable(true)
	}
	b.persistedCount.Add(1)
	b.eventsProcessed.Add(1)
	b.checkBackpressure()
	return nil
}

// Receive drains the in-memory queue first; once it is empty it pops the
// lowest-sequence persisted record and deletes it in the same operation
// (spec.md §4.1). Returns ok=false when both stages are empty.
func (b *Buffer) Receive(ctx context.Context) (model.BufferedRecord, bool, error) {
	b.mu.Lock()
	if front := b.memory.Front(); front != nil {
		b.memory.Remove(front)
		b.memCount.Add(-1)
		b.mu.Unlock()
		b.checkBackpressure()
		return front.Value.(model.BufferedRecord), true, nil
	}
	b.mu.Unlock()

	if b.persist == nil {
		return model.BufferedRecord{}, false, nil
	}

	rec, ok, err := b.persist.popLowest(ctx, b.cfg.PersistencePath)
	if err != nil {
		return model.BufferedRecord{}, false, errs.Wrap(errs.KindBufferPersistence, err, "load from disk").WithRetryable(true)
	}
	if !ok {
		return model.BufferedRecord{}, false, nil
	}
	b.persistedCount.Add(-1)
	b.checkBackpressure()
	return rec, true, nil
}

// Flush drains both stages. It returns once Receive reports empty
// (memory and persistence both exhausted).
func (b *Buffer) Flush(ctx context.Context) error {
	for {
		_, ok, err := b.Receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// checkBackpressure recomputes the hysteresis condition and flips the
// watch value on an edge, exactly mirroring the thresholds in
// original_source/agent-rust/src/buffer.rs: high=0.8 memory fraction OR
// disk count over max_size_mb*1000 asserts; low=0.3 memory fraction AND
// disk count under half that threshold clears.
func (b *Buffer) checkBackpressure() {
	memoryUsage := float64(b.memCount.Load()) / float64(b.cfg.MaxEvents)
	disk := b.persistedCount.Load()
	diskThreshold := int64(b.cfg.MaxSizeMB) * 1000

	shouldAssert := memoryUsage >= highWaterMark || disk >= diskThreshold
	shouldClear := memoryUsage < lowWaterMark && disk < diskThreshold/2

	if shouldAssert && !b.backpressure.Value() {
		b.logger.Warn("buffer: backpressure asserted", "memory_fraction", memoryUsage, "persisted", disk)
		b.backpressure.set(true)
	} else if shouldClear && b.backpressure.Value() {
		b.logger.Info("buffer: backpressure cleared", "memory_fraction", memoryUsage, "persisted", disk)
		b.backpressure.set(false)
	}
}

// SubscribeBackpressure returns the buffer's backpressure watch.
func (b *Buffer) SubscribeBackpressure() *BackpressureWatch {
	return b.backpressure
}

// Stats returns a point-in-time snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		MemoryEvents:       b.memCount.Load(),
		PersistedEvents:    b.persistedCount.Load(),
		EventsProcessed:    b.eventsProcessed.Load(),
		EventsDropped:      b.eventsDropped.Load(),
		QuarantinedRecords: b.quarantined.Load(),
		BackpressureActive: b.backpressure.Value(),
	}
}

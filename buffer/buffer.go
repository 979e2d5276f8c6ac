// Package buffer implements the message buffer: it holds decoded frames in
// memory between reception and persistence, groups them into write batches
// by size or time, enforces within-batch ordering, and sheds load when the
// backlog grows unbounded.
package buffer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dderyldowney/afs-fieldbus/j1939"
	"github.com/dderyldowney/afs-fieldbus/transport"
)

// defaultBatchSize and defaultMaxBufferMultiple are the out-of-the-box
// flush-policy defaults: batches of 500, with room for 10 batches pending.
const (
	defaultBatchSize         = 500
	defaultMaxBufferMultiple = 10
	defaultFlushInterval     = time.Second
)

// maxConsecutiveWriteFailures is how many back-to-back failed flushes push
// the buffer into shed mode even before it fills to MaxBuffer.
const maxConsecutiveWriteFailures = 3

// Message pairs a raw frame with its decode result (nil if decoding failed;
// the raw frame is still buffered for persistence).
type Message struct {
	Raw           transport.Frame
	Decoded       *j1939.DecodedMessage
	ReceptionTime time.Time
	InterfaceID   string
}

// Config controls flush policy. Zero values are replaced by defaults in New.
type Config struct {
	BatchSize     int
	MaxBuffer     int
	FlushInterval time.Duration
}

// Defaults returns a conservative flush policy.
func Defaults() Config {
	return Config{
		BatchSize:     defaultBatchSize,
		MaxBuffer:     defaultBatchSize * defaultMaxBufferMultiple,
		FlushInterval: defaultFlushInterval,
	}
}

// FlushFunc consumes one ordered batch. On error the batch stays in the
// buffer and is retried on the next flush trigger; after
// maxConsecutiveWriteFailures failed flushes the buffer enters shed mode
// until a flush succeeds.
type FlushFunc func(ctx context.Context, batch []Message) error

// Buffer accumulates Messages and flushes them in (reception_time,
// arbitration_id) order, by size, by timer, or on explicit Shutdown.
type Buffer struct {
	cfg   Config
	flush FlushFunc

	// flushMu serializes flushNow so a timer tick and a size-triggered
	// flush never run the sink concurrently, preserving cross-flush
	// reception order.
	flushMu sync.Mutex

	mu            sync.Mutex
	pending       []Message
	writeFailures int

	dropped        int64
	flushedBatches int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Buffer. A zero Config uses Defaults(). flush is invoked
// from the buffer's own timer goroutine and from Enqueue when the batch size
// threshold is crossed — never concurrently with itself.
func New(cfg Config, flush FlushFunc) *Buffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = cfg.BatchSize * defaultMaxBufferMultiple
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Buffer{cfg: cfg, flush: flush, pending: make([]Message, 0, cfg.BatchSize)}
}

// Start begins the periodic flush timer.
func (b *Buffer) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.tickLoop(loopCtx)
}

func (b *Buffer) tickLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.flushNow(ctx)
		}
	}
}

// Enqueue adds one message to the buffer. While the buffer is shedding —
// the backlog is at MaxBuffer, or the sink has failed
// maxConsecutiveWriteFailures flushes in a row — the message is dropped
// and DroppedCount increments. Enqueue internally synchronizes, so it is
// safe from any number of concurrent producers.
func (b *Buffer) Enqueue(msg Message) {
	b.mu.Lock()
	if b.sheddingLocked() {
		b.mu.Unlock()
		atomic.AddInt64(&b.dropped, 1)
		return
	}
	b.pending = append(b.pending, msg)
	shouldFlush := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if shouldFlush {
		_ = b.flushNow(context.Background())
	}
}

// flushNow drains the pending buffer, orders it, and hands it to flush. On
// flush error the batch is put back at the head of the backlog, preserving
// reception order for the retry on the next trigger.
func (b *Buffer) flushNow(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make([]Message, 0, b.cfg.BatchSize)
	b.mu.Unlock()

	orderBatch(batch)
	if err := b.flush(ctx, batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.writeFailures++
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.writeFailures = 0
	b.mu.Unlock()
	atomic.AddInt64(&b.flushedBatches, 1)
	return nil
}

// sheddingLocked reports the shed condition; callers hold b.mu.
func (b *Buffer) sheddingLocked() bool {
	return len(b.pending) >= b.cfg.MaxBuffer || b.writeFailures >= maxConsecutiveWriteFailures
}

// orderBatch sorts in place by (reception_time, arbitration_id), the
// ordering guarantee every flushed batch must satisfy.
func orderBatch(batch []Message) {
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].ReceptionTime.Equal(batch[j].ReceptionTime) {
			return batch[i].ReceptionTime.Before(batch[j].ReceptionTime)
		}
		return batch[i].Raw.ArbitrationID < batch[j].Raw.ArbitrationID
	})
}

// Shutdown stops the flush timer and performs one final flush of whatever
// remains pending.
func (b *Buffer) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}
	return b.flushNow(ctx)
}

// DroppedCount reports how many messages were dropped due to shed mode.
func (b *Buffer) DroppedCount() int64 { return atomic.LoadInt64(&b.dropped) }

// FlushedBatchCount reports how many batches have been handed to FlushFunc.
func (b *Buffer) FlushedBatchCount() int64 { return atomic.LoadInt64(&b.flushedBatches) }

// Len reports the current in-memory backlog size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Shedding reports whether the buffer is currently in shed mode.
func (b *Buffer) Shedding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sheddingLocked()
}

// WriteFailures reports how many consecutive flushes have failed.
func (b *Buffer) WriteFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeFailures
}

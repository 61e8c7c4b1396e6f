// Package eventbus - durable learning event queue with topic routing
//
// The bus is a bounded in-memory queue with drop-newest overflow
// semantics and a daily-rotated write-ahead log. Producers never block
// beyond the WAL append; consumers drain batches within a window.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/metrics"
)

// DefaultCapacity bounds the in-memory queue.
const DefaultCapacity = 10000

// Topics events are routed to on consume.
const (
	TopicLearning   = "learning"
	TopicPromotion  = "promotion"
	TopicFederation = "federation"
)

// LearningEvent is a detection failure or federation trigger emitted by
// external sensors.
type LearningEvent struct {
	EventID       string            `json:"event_id"`
	Signature     string            `json:"signature"`
	Env           string            `json:"env"`
	Features      map[string]string `json:"features,omitempty"`
	Severity      float64           `json:"severity"`
	FirstSeenUnix int64             `json:"first_seen_unix"`
	LastSeenUnix  int64             `json:"last_seen_unix"`
}

// Topic routes an event by its id: promotion and federation markers win,
// everything else is a learning event.
func (e LearningEvent) Topic() string {
	switch {
	case strings.Contains(e.EventID, "promotion"):
		return TopicPromotion
	case strings.Contains(e.EventID, "federation"):
		return TopicFederation
	default:
		return TopicLearning
	}
}

// Batch groups consumed events by topic, FIFO within each.
type Batch struct {
	Learning   []LearningEvent
	Promotion  []LearningEvent
	Federation []LearningEvent
}

// Len is the total number of events across topics.
func (b Batch) Len() int {
	return len(b.Learning) + len(b.Promotion) + len(b.Federation)
}

type queued struct {
	event      LearningEvent
	enqueuedAt time.Time
}

// Bus is the bounded, durable event queue.
type Bus struct {
	mu       sync.Mutex
	queue    []queued
	capacity int
	signal   chan struct{}

	wal     *WAL
	cluster string
	metrics metrics.Collector
	log     zerolog.Logger
	now     func() time.Time

	walWriteFailures int64
}

// Options configures a Bus.
type Options struct {
	Capacity int    // 0 means DefaultCapacity
	WALDir   string // empty disables the write-ahead log
	Cluster  string // cluster label for metrics
}

// New builds a bus. The WAL directory is created lazily on first emit.
func New(opts Options, collector metrics.Collector, log zerolog.Logger) *Bus {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	b := &Bus{
		queue:    make([]queued, 0, opts.Capacity),
		capacity: opts.Capacity,
		signal:   make(chan struct{}, 1),
		cluster:  opts.Cluster,
		metrics:  collector,
		log:      log,
		now:      time.Now,
	}
	if opts.WALDir != "" {
		b.wal = NewWAL(opts.WALDir)
	}
	return b
}

// SetNow overrides the clock, for tests.
func (b *Bus) SetNow(now func() time.Time) { b.now = now }

// Emit enqueues an event without blocking. On overflow the event is
// dropped (drop-newest) and queue_full_dropped is returned; dropped
// events are not written to the WAL. A WAL rotation failure fails the
// emit with wal_write_failed; a plain WAL write failure is logged and
// counted but the enqueue stands.
func (b *Bus) Emit(event LearningEvent) error {
	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		b.mu.Unlock()
		b.metrics.EventDropped(event.Topic(), event.Env, b.cluster)
		b.log.Warn().
			Str("event_id", event.EventID).
			Int("capacity", b.capacity).
			Msg("event queue full, dropping newest")
		return evoerr.New(evoerr.KindQueueFullDropped, "queue at capacity %d", b.capacity)
	}

	b.queue = append(b.queue, queued{event: event, enqueuedAt: b.now()})
	b.updateGaugesLocked()
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}

	b.metrics.EventProcessed(event.Topic(), event.Env, b.cluster)

	if b.wal != nil {
		if err := b.wal.Append(event); err != nil {
			if evoerr.IsKind(err, evoerr.KindWALWriteFailed) {
				return err // daily rotation failed; durability is gone
			}
			b.mu.Lock()
			b.walWriteFailures++
			b.mu.Unlock()
			b.log.Warn().Err(err).Str("event_id", event.EventID).Msg("WAL append failed")
		}
	}
	return nil
}

// Consume drains up to batchSize events across topics within the
// timeout window. An expired window is not an error; whatever was
// collected is returned.
func (b *Bus) Consume(ctx context.Context, batchSize int, timeout time.Duration) (Batch, error) {
	var batch Batch
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		for len(b.queue) > 0 && batch.Len() < batchSize {
			item := b.queue[0]
			b.queue = b.queue[1:]
			switch item.event.Topic() {
			case TopicPromotion:
				batch.Promotion = append(batch.Promotion, item.event)
			case TopicFederation:
				batch.Federation = append(batch.Federation, item.event)
			default:
				batch.Learning = append(batch.Learning, item.event)
			}
		}
		b.updateGaugesLocked()
		b.mu.Unlock()

		if batch.Len() >= batchSize {
			return batch, nil
		}

		select {
		case <-b.signal:
		case <-deadline.C:
			return batch, nil
		case <-ctx.Done():
			return batch, evoerr.Wrap(evoerr.KindCancelled, ctx.Err(), "consume cancelled")
		}
	}
}

// QueueAgeSeconds is the age of the oldest enqueued event measured from
// its first_seen timestamp, 0 when the queue is empty.
func (b *Bus) QueueAgeSeconds() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return 0
	}
	age := b.now().Unix() - b.queue[0].event.FirstSeenUnix
	if age < 0 {
		return 0
	}
	return float64(age)
}

// Size is the current queue depth.
func (b *Bus) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// WALWriteFailures reports non-fatal WAL append failures since start.
func (b *Bus) WALWriteFailures() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.walWriteFailures
}

// Close releases the WAL file handle.
func (b *Bus) Close() error {
	if b.wal != nil {
		return b.wal.Close()
	}
	return nil
}

// updateGaugesLocked refreshes the queue gauges; caller holds the lock.
func (b *Bus) updateGaugesLocked() {
	b.metrics.SetQueueSize(len(b.queue))
	b.metrics.SetQueueUtilization(float64(len(b.queue)) / float64(b.capacity))
	if len(b.queue) == 0 {
		b.metrics.SetQueueAgeSeconds(0)
	} else {
		age := b.now().Unix() - b.queue[0].event.FirstSeenUnix
		if age < 0 {
			age = 0
		}
		b.metrics.SetQueueAgeSeconds(float64(age))
	}
}

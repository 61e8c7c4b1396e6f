package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/metrics"
)

func newTestBus(t *testing.T, capacity int) (*Bus, *metrics.Fake) {
	t.Helper()
	fake := metrics.NewFake()
	bus := New(Options{Capacity: capacity, Cluster: "test"}, fake, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	return bus, fake
}

func event(id, sig string) LearningEvent {
	return LearningEvent{EventID: id, Signature: sig, Env: "default", FirstSeenUnix: 1700000000}
}

func TestTopicRouting(t *testing.T) {
	assert.Equal(t, TopicLearning, event("miss-1", "s").Topic())
	assert.Equal(t, TopicPromotion, event("promotion-gate-1", "s").Topic())
	assert.Equal(t, TopicFederation, event("federation-sync-1", "s").Topic())
}

func TestConsumePreservesOrderWithinTopic(t *testing.T) {
	bus, _ := newTestBus(t, 100)

	require.NoError(t, bus.Emit(event("miss-1", "a")))
	require.NoError(t, bus.Emit(event("promotion-1", "b")))
	require.NoError(t, bus.Emit(event("miss-2", "c")))
	require.NoError(t, bus.Emit(event("federation-1", "d")))
	require.NoError(t, bus.Emit(event("miss-3", "e")))

	batch, err := bus.Consume(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 5, batch.Len())

	var ids []string
	for _, ev := range batch.Learning {
		ids = append(ids, ev.EventID)
	}
	assert.Equal(t, []string{"miss-1", "miss-2", "miss-3"}, ids)
	require.Len(t, batch.Promotion, 1)
	require.Len(t, batch.Federation, 1)
}

func TestEmitDropsNewestOnOverflow(t *testing.T) {
	bus, fake := newTestBus(t, 2)

	require.NoError(t, bus.Emit(event("miss-1", "a")))
	require.NoError(t, bus.Emit(event("miss-2", "b")))

	err := bus.Emit(event("miss-3", "c"))
	assert.True(t, evoerr.IsKind(err, evoerr.KindQueueFullDropped))
	assert.Equal(t, 1, fake.Counter("events_dropped_total", "learning", "default", "test"))

	// survivors are the oldest two
	batch, err := bus.Consume(context.Background(), 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch.Learning, 2)
	assert.Equal(t, "miss-1", batch.Learning[0].EventID)
	assert.Equal(t, "miss-2", batch.Learning[1].EventID)
}

func TestConsumeTimeoutReturnsPartialBatch(t *testing.T) {
	bus, _ := newTestBus(t, 100)
	require.NoError(t, bus.Emit(event("miss-1", "a")))

	start := time.Now()
	batch, err := bus.Consume(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err, "an expired window is not an error")
	assert.Equal(t, 1, batch.Len())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestConsumeCancelled(t *testing.T) {
	bus, _ := newTestBus(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bus.Consume(ctx, 10, time.Second)
	assert.True(t, evoerr.IsKind(err, evoerr.KindCancelled))
}

func TestConsumeWakesOnEmit(t *testing.T) {
	bus, _ := newTestBus(t, 100)

	go func() {
		time.Sleep(20 * time.Millisecond)
		bus.Emit(event("miss-1", "a"))
	}()

	batch, err := bus.Consume(context.Background(), 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Len())
}

func TestQueueGauges(t *testing.T) {
	bus, fake := newTestBus(t, 10)
	bus.SetNow(func() time.Time { return time.Unix(1700000060, 0) })

	require.NoError(t, bus.Emit(event("miss-1", "a")))
	assert.Equal(t, float64(1), fake.Gauge("queue_size"))
	assert.Equal(t, 0.1, fake.Gauge("queue_utilization"))
	assert.Equal(t, float64(60), fake.Gauge("queue_age_seconds"))
	assert.Equal(t, float64(60), bus.QueueAgeSeconds())

	_, err := bus.Consume(context.Background(), 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, float64(0), fake.Gauge("queue_size"))
	assert.Equal(t, float64(0), bus.QueueAgeSeconds())
}

func TestEmitWritesWAL(t *testing.T) {
	dir := t.TempDir()
	fake := metrics.NewFake()
	bus := New(Options{Capacity: 10, WALDir: dir, Cluster: "test"}, fake, zerolog.Nop())
	defer bus.Close()

	require.NoError(t, bus.Emit(event("miss-1", "sig-a")))
	require.NoError(t, bus.Emit(event("miss-2", "sig-b")))

	path := bus.wal.Path()
	require.NotEmpty(t, path)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []LearningEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev LearningEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "miss-1", lines[0].EventID)
	assert.Equal(t, "sig-b", lines[1].Signature)
	assert.Equal(t, int64(0), bus.WALWriteFailures())
}

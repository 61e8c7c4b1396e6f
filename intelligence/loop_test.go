package intelligence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/eventbus"
	"github.com/aswarm/evolution-core/metrics"
)

func newTestLoop(t *testing.T, cfg LoopConfig) (*Loop, *eventbus.Bus, *PopulationManager, *metrics.Fake) {
	t.Helper()
	fake := metrics.NewFake()
	bus := eventbus.New(eventbus.Options{Capacity: 1000, Cluster: "test-cluster"}, fake, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })

	pm := newTestManager(t)
	fe := NewFitnessEvaluator()
	wireCombat(fe, 0.9, 100, func(int) float64 { return 0.1 })

	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.Environment == "" {
		cfg.Environment = "prod"
	}
	loop := NewLoop(bus, pm, fe, cfg, fake, zerolog.Nop())
	return loop, bus, pm, fake
}

func emitLearning(t *testing.T, bus *eventbus.Bus, n int, severity float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Emit(eventbus.LearningEvent{
			EventID:       fmt.Sprintf("evt-miss-%04d", i),
			Signature:     "sig-lateral-movement",
			Env:           "prod",
			Severity:      severity,
			FirstSeenUnix: 1700000000,
		}))
	}
}

// A burst of detection failures drives one full cycle: score, ingest,
// breed, with nothing dropped and the generation counter advanced once.
func TestTickFullCycle(t *testing.T) {
	loop, bus, pm, fake := newTestLoop(t, LoopConfig{BatchSize: 200})
	seedPopulation(t, pm, 3)
	emitLearning(t, bus, 120, 0.8)

	result := loop.Tick(context.Background())
	assert.Equal(t, CycleSuccess, result)

	assert.Equal(t, 1, fake.Counter("evolution_cycles_total", CycleSuccess))
	assert.Equal(t, 0, fake.Counter("events_dropped_total", "learning", "prod", "test-cluster"))
	assert.Equal(t, 120, fake.Counter("events_processed_total", "learning", "prod", "test-cluster"))
	assert.Equal(t, 1, pm.Generation())
	assert.Equal(t, 0, bus.Size(), "the whole burst fits in one batch")

	state, err := pm.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Greater(t, len(state.Variants), 3, "a new cohort was bred from the scored parents")
}

func TestTickCircuitBreakerPausesEvolution(t *testing.T) {
	loop, bus, pm, fake := newTestLoop(t, LoopConfig{})
	seedPopulation(t, pm, 3)
	loop.CircuitBreaker = func() bool { return true }
	emitLearning(t, bus, 300, 0.8)

	for i := 0; i < 3; i++ {
		assert.Equal(t, CycleCircuitBreaker, loop.Tick(context.Background()))
	}

	assert.Equal(t, 3, fake.Counter("evolution_cycles_total", CycleCircuitBreaker))
	assert.Equal(t, 0, fake.Counter("events_dropped_total", "learning", "prod", "test-cluster"))
	assert.Equal(t, 0, pm.Generation())
	assert.Equal(t, 300, bus.Size(), "ingestion continues while evolution is paused")

	state, err := pm.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, state.Variants, 3, "no new variants while the breaker is set")
}

func TestTickBudgetLimit(t *testing.T) {
	loop, _, _, fake := newTestLoop(t, LoopConfig{})
	loop.BudgetCheck = func() error { return errors.New("budget exceeded: 80 cores") }

	assert.Equal(t, CycleBudgetLimit, loop.Tick(context.Background()))
	assert.Equal(t, 1, fake.Counter("evolution_cycles_total", CycleBudgetLimit))
	assert.Equal(t, 1, fake.Counter("evolution_skipped_total", SkipBudget))
}

func TestTickMinEventsSkip(t *testing.T) {
	loop, bus, pm, fake := newTestLoop(t, LoopConfig{MinEvents: 10})
	seedPopulation(t, pm, 3)
	emitLearning(t, bus, 3, 0.8)

	assert.Equal(t, CycleSuccess, loop.Tick(context.Background()))
	assert.Equal(t, 1, fake.Counter("evolution_skipped_total", SkipMinEvents))
	assert.Equal(t, 0, pm.Generation(), "a thin batch does not evolve")
}

func TestTickRoutesFederationEvents(t *testing.T) {
	loop, bus, _, _ := newTestLoop(t, LoopConfig{MinEvents: 10})

	var mu sync.Mutex
	var received []eventbus.LearningEvent
	loop.FederationSink = func(ctx context.Context, events []eventbus.LearningEvent) {
		mu.Lock()
		received = append(received, events...)
		mu.Unlock()
	}

	require.NoError(t, bus.Emit(eventbus.LearningEvent{EventID: "evt-federation-1", Signature: "sig-a", Env: "prod"}))
	require.NoError(t, bus.Emit(eventbus.LearningEvent{EventID: "evt-federation-2", Signature: "sig-b", Env: "prod"}))

	assert.Equal(t, CycleSuccess, loop.Tick(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "evt-federation-1", received[0].EventID)
}

func TestTickPromotionFailureDoesNotFailCycle(t *testing.T) {
	loop, bus, pm, fake := newTestLoop(t, LoopConfig{})
	seedPopulation(t, pm, 3)
	emitLearning(t, bus, 50, 0.8)

	var mu sync.Mutex
	attempted := make(map[string]bool)
	loop.AttemptPromotion = func(ctx context.Context, variantID string, fit FitnessSummary) error {
		mu.Lock()
		attempted[variantID] = true
		mu.Unlock()
		return errors.New("api server unavailable")
	}

	assert.Equal(t, CycleSuccess, loop.Tick(context.Background()))
	assert.Equal(t, 1, fake.Counter("evolution_cycles_total", CycleSuccess))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, attempted, 3, "every scored variant gets a promotion attempt")
}

func TestTickCancelledContext(t *testing.T) {
	loop, _, _, fake := newTestLoop(t, LoopConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, CycleError, loop.Tick(ctx))
	assert.Equal(t, 1, fake.Counter("evolution_cycles_total", CycleError))
}

func TestAdaptCadenceBacksOffOnLowDiversity(t *testing.T) {
	loop, _, pm, _ := newTestLoop(t, LoopConfig{Interval: time.Minute})
	ctx := context.Background()

	clones := []AntibodyVariant{
		seedVariant(t, "variant-a", "same-pattern"),
		seedVariant(t, "variant-b", "same-pattern"),
	}
	require.NoError(t, pm.AdoptVariants(ctx, clones))
	results := map[string]FitnessSummary{
		"variant-a": fitnessAt(0.6),
		"variant-b": fitnessAt(0.6),
	}
	require.NoError(t, pm.IngestResults(ctx, results))

	loop.adaptCadence(ctx, CycleSuccess)
	assert.Equal(t, 2*time.Minute, loop.interval)

	// a failed cycle never touches cadence
	loop.adaptCadence(ctx, CycleError)
	assert.Equal(t, 2*time.Minute, loop.interval)
}

func TestAdaptCadenceResetsOnRecovery(t *testing.T) {
	loop, _, pm, _ := newTestLoop(t, LoopConfig{Interval: time.Minute})
	ctx := context.Background()
	loop.interval = 4 * time.Minute

	// two variants with disjoint feature sets keep diversity high
	a := seedVariant(t, "variant-a", "pattern-one")
	b := seedVariant(t, "variant-b", "pattern-two")
	b.Spec.Detector.Rule.Features = map[string]string{
		"icmp_flood": "1", "smb_probe": "0", "arp_spoof": "1",
	}
	b.Spec.Scope.ConfidenceThreshold = 0.55
	b.SpecHash = ""
	variants := []AntibodyVariant{a, b}
	require.NoError(t, pm.AdoptVariants(ctx, variants))
	results := map[string]FitnessSummary{
		"variant-a": fitnessAt(0.6),
		"variant-b": fitnessAt(0.6),
	}
	require.NoError(t, pm.IngestResults(ctx, results))

	div, err := pm.GetDiversityIndex(ctx)
	require.NoError(t, err)
	require.Greater(t, div, highDiversity)

	loop.adaptCadence(ctx, CycleSuccess)
	assert.Equal(t, time.Minute, loop.interval)
}

func TestRunStopsOnCancel(t *testing.T) {
	loop, _, _, _ := newTestLoop(t, LoopConfig{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 30, clampInt(10, 30, 1000))
	assert.Equal(t, 120, clampInt(120, 30, 1000))
	assert.Equal(t, 1000, clampInt(5000, 30, 1000))
}

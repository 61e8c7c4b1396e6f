// Package intelligence - autonomous evolution loop driver
package intelligence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aswarm/evolution-core/eventbus"
	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/metrics"
)

// Cycle result labels.
const (
	CycleSuccess        = "success"
	CycleError          = "error"
	CycleCircuitBreaker = "circuit_breaker"
	CycleBudgetLimit    = "budget_limit"
)

// Skip reasons.
const (
	SkipBudget    = "budget"
	SkipMinEvents = "min_events"
)

const (
	defaultTickInterval = time.Minute
	defaultBatchSize    = 100
	defaultBatchWindow  = 60 * time.Second
	defaultCohortSize   = 50
	defaultParentCount  = 10

	// Diversity thresholds for adaptive cadence.
	lowDiversity  = 0.2
	highDiversity = 0.5
)

// LoopConfig tunes the autonomous loop.
type LoopConfig struct {
	Interval    time.Duration // base tick interval; default 1 minute
	BatchSize   int           // events pulled per tick; default 100
	BatchWindow time.Duration // consume window; default 60s
	MinEvents   int           // minimum batch before evolving; 0 disables
	CohortSize  int           // default 50
	ParentCount int           // default 10
	Environment string        // environment tag for synthetic combat
}

func (c *LoopConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = defaultBatchWindow
	}
	if c.CohortSize <= 0 {
		c.CohortSize = defaultCohortSize
	}
	if c.ParentCount <= 0 {
		c.ParentCount = defaultParentCount
	}
}

// Loop drives the closed evolution cycle: pull events, score active
// antibodies, ingest fitness, attempt promotions, propose the next
// cohort. The circuit breaker pauses new evolution without stopping
// ingestion.
type Loop struct {
	Bus        *eventbus.Bus
	Population *PopulationManager
	Evaluator  *FitnessEvaluator

	// CircuitBreaker reports the operator pause flag; nil means never.
	CircuitBreaker func() bool

	// BudgetCheck returns a budget_exceeded error when the resource
	// budget is blown; nil disables the check.
	BudgetCheck func() error

	// AttemptPromotion runs the promotion pass for one scored variant;
	// nil disables promotion from the loop.
	AttemptPromotion func(ctx context.Context, variantID string, fit FitnessSummary) error

	// FederationSink receives the federation-topic slice of each batch;
	// nil drops those events.
	FederationSink func(ctx context.Context, events []eventbus.LearningEvent)

	Config  LoopConfig
	metrics metrics.Collector
	log     zerolog.Logger

	interval time.Duration // current adaptive interval
}

// NewLoop wires a loop; config defaults are applied here.
func NewLoop(bus *eventbus.Bus, pop *PopulationManager, eval *FitnessEvaluator, cfg LoopConfig, collector metrics.Collector, log zerolog.Logger) *Loop {
	cfg.applyDefaults()
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Loop{
		Bus:        bus,
		Population: pop,
		Evaluator:  eval,
		Config:     cfg,
		metrics:    collector,
		log:        log,
		interval:   cfg.Interval,
	}
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	l.log.Info().Dur("interval", l.interval).Msg("autonomous loop started")

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("autonomous loop stopped")
			return ctx.Err()
		case <-timer.C:
		}

		result := l.Tick(ctx)
		l.adaptCadence(ctx, result)
		timer.Reset(l.interval)
	}
}

// Tick runs one evolution cycle and returns the recorded result label.
func (l *Loop) Tick(ctx context.Context) string {
	start := time.Now()
	result := l.runCycle(ctx)
	l.metrics.EvolutionCycle(result)
	l.metrics.ObserveCycleSeconds(time.Since(start).Seconds())
	return result
}

func (l *Loop) runCycle(ctx context.Context) string {
	if l.CircuitBreaker != nil && l.CircuitBreaker() {
		l.log.Info().Msg("circuit breaker set, skipping cycle")
		return CycleCircuitBreaker
	}

	if l.BudgetCheck != nil {
		if err := l.BudgetCheck(); err != nil {
			l.metrics.EvolutionSkipped(SkipBudget)
			l.log.Warn().Err(err).Msg("resource budget exceeded, skipping cycle")
			return CycleBudgetLimit
		}
	}

	batch, err := l.Bus.Consume(ctx, l.Config.BatchSize, l.Config.BatchWindow)
	if err != nil {
		if evoerr.IsKind(err, evoerr.KindCancelled) {
			return CycleError
		}
		l.log.Error().Err(err).Msg("event consume failed")
		return CycleError
	}

	if l.FederationSink != nil && len(batch.Federation) > 0 {
		l.FederationSink(ctx, batch.Federation)
	}

	if l.Config.MinEvents > 0 && batch.Len() < l.Config.MinEvents {
		l.metrics.EvolutionSkipped(SkipMinEvents)
		l.log.Debug().Int("events", batch.Len()).Int("min", l.Config.MinEvents).Msg("batch below evolve threshold")
		return CycleSuccess
	}

	results, err := l.scoreActiveAntibodies(ctx, batch)
	if err != nil {
		l.log.Error().Err(err).Msg("fitness scoring failed")
		return CycleError
	}

	if err := l.Population.IngestResults(ctx, results); err != nil {
		l.log.Error().Err(err).Msg("result ingestion failed")
		return CycleError
	}

	if l.AttemptPromotion != nil {
		for id, fit := range results {
			if err := ctx.Err(); err != nil {
				return CycleError
			}
			if err := l.AttemptPromotion(ctx, id, fit); err != nil {
				// Per-antibody promotion failures do not fail the cycle.
				l.log.Warn().Err(err).Str("variant", id).Msg("promotion attempt failed")
			}
		}
	}

	if err := l.proposeNextCohort(ctx); err != nil {
		l.log.Error().Err(err).Msg("cohort proposal failed")
		return CycleError
	}

	l.log.Info().
		Int("events", batch.Len()).
		Int("scored", len(results)).
		Int("generation", l.Population.Generation()).
		Msg("evolution cycle complete")
	return CycleSuccess
}

// scoreActiveAntibodies converts the event batch into synthetic combat
// runs for every breeding-pool antibody. The sample count tracks the
// batch size, clamped to the evaluator's [30,1000] bounds.
func (l *Loop) scoreActiveAntibodies(ctx context.Context, batch eventbus.Batch) (map[string]FitnessSummary, error) {
	snapshot, err := l.Population.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	attackSamples := clampInt(batch.Len(), MinSampleSize, MaxSampleSize)

	results := make(map[string]FitnessSummary, len(snapshot.ParentPool))
	for _, id := range snapshot.ParentPool {
		if err := ctx.Err(); err != nil {
			return nil, evoerr.Wrap(evoerr.KindCancelled, err, "scoring cancelled")
		}
		fit, err := l.Evaluator.EvaluateFitness(ctx, id, attackSamples, 0, l.Config.Environment)
		if err != nil {
			return nil, err
		}
		results[id] = fit
	}
	return results, nil
}

// proposeNextCohort breeds the next generation. An empty breeding pool
// is normal during bootstrap and skips proposal silently.
func (l *Loop) proposeNextCohort(ctx context.Context) error {
	parents, err := l.Population.SelectNextParents(ctx, l.Config.ParentCount)
	if err != nil {
		if evoerr.IsKind(err, evoerr.KindInvalidSpec) {
			l.log.Debug().Msg("no parents available, skipping cohort proposal")
			return nil
		}
		return err
	}

	cohort, err := l.Population.ProposeCohort(ctx, parents, l.Config.CohortSize, l.Config.Environment)
	if err != nil {
		return err
	}
	l.log.Debug().Int("cohort", len(cohort)).Msg("next cohort proposed")
	return nil
}

// adaptCadence doubles the interval when diversity collapses and resets
// it when diversity recovers.
func (l *Loop) adaptCadence(ctx context.Context, result string) {
	if result != CycleSuccess {
		return
	}
	diversity, err := l.Population.GetDiversityIndex(ctx)
	if err != nil {
		return
	}
	switch {
	case diversity < lowDiversity:
		l.interval *= 2
		l.log.Info().Float64("diversity", diversity).Dur("interval", l.interval).Msg("diversity low, backing off cadence")
	case diversity > highDiversity && l.interval != l.Config.Interval:
		l.interval = l.Config.Interval
		l.log.Info().Float64("diversity", diversity).Dur("interval", l.interval).Msg("diversity recovered, cadence reset")
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

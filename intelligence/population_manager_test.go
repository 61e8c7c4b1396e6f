package intelligence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/evoerr"
)

func newTestManager(t *testing.T) *PopulationManager {
	t.Helper()
	cfg := DefaultPopulationConfig()
	cfg.ShadowPoolSize = 10
	cfg.StagedPoolSize = 3
	cfg.EliteSize = 3
	engine := NewMutationEngine(42)
	return NewPopulationManager(cfg, engine, zerolog.Nop())
}

func seedVariant(t *testing.T, id string, pattern string) AntibodyVariant {
	t.Helper()
	spec := ruleSpec()
	spec.Detector.Rule.Pattern = pattern
	hash, err := ComputeSpecHash(spec)
	require.NoError(t, err)
	return AntibodyVariant{ID: id, SpecHash: hash, Generation: 0, Spec: spec}
}

func seedPopulation(t *testing.T, pm *PopulationManager, n int) []AntibodyVariant {
	t.Helper()
	variants := make([]AntibodyVariant, 0, n)
	for i := 0; i < n; i++ {
		variants = append(variants, seedVariant(t, fmt.Sprintf("variant-seed-%d", i), fmt.Sprintf("pattern-%d", i)))
	}
	require.NoError(t, pm.AdoptVariants(context.Background(), variants))
	return variants
}

func fitnessAt(overall float64) FitnessSummary {
	return FitnessSummary{OverallFitness: overall, SampleSize: 300}
}

func TestProposeCohortGeneratesChildren(t *testing.T) {
	pm := newTestManager(t)
	parents := seedPopulation(t, pm, 3)

	cohort, err := pm.ProposeCohort(context.Background(), parents, 20, "prod")
	require.NoError(t, err)
	assert.NotEmpty(t, cohort)
	assert.LessOrEqual(t, len(cohort), 20)

	for _, child := range cohort {
		assert.NotEmpty(t, child.ID)
		assert.NotEmpty(t, child.SpecHash)
		assert.NotEmpty(t, child.ParentIDs)
		assert.Equal(t, 1, child.Generation)
		assert.Contains(t, child.Spec.Scope.Environments, "prod")
	}
}

func TestProposeCohortNoParents(t *testing.T) {
	pm := newTestManager(t)
	_, err := pm.ProposeCohort(context.Background(), nil, 10, "prod")
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))
}

func TestIngestResultsAdvancesGenerationOnce(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 3)

	results := map[string]FitnessSummary{
		variants[0].ID: fitnessAt(0.9),
		variants[1].ID: fitnessAt(0.5),
		"variant-unknown": fitnessAt(0.99), // scores for unknown ids are dropped
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))
	assert.Equal(t, 1, pm.Generation())

	require.NoError(t, pm.IngestResults(context.Background(), results))
	assert.Equal(t, 2, pm.Generation())
}

func TestIngestResultsRanksParentPool(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 5)

	results := make(map[string]FitnessSummary, len(variants))
	for i, v := range variants {
		results[v.ID] = fitnessAt(0.5 + float64(i)*0.08)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	state, err := pm.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, state.ParentPool)
	assert.Equal(t, variants[4].ID, state.ParentPool[0], "best fitness leads the pool")
	assert.InDelta(t, 0.82, state.BestFitness, 1e-9)
	assert.LessOrEqual(t, len(state.ActivePools[PhaseShadow]), 10)
	assert.LessOrEqual(t, len(state.ActivePools[PhaseStaged]), 3)
}

func TestParentPoolBoundedByShadowSize(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 10)

	// adopt more than the pool holds, then score them all
	extra := make([]AntibodyVariant, 0, 15)
	for i := 0; i < 15; i++ {
		extra = append(extra, seedVariant(t, fmt.Sprintf("variant-extra-%d", i), fmt.Sprintf("extra-%d", i)))
	}
	require.NoError(t, pm.AdoptVariants(context.Background(), extra))

	results := make(map[string]FitnessSummary)
	for _, v := range variants {
		results[v.ID] = fitnessAt(0.6)
	}
	for _, v := range extra {
		results[v.ID] = fitnessAt(0.7)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	state, err := pm.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, state.ParentPool, 10)
}

func TestDiversityIndexBounds(t *testing.T) {
	pm := newTestManager(t)
	div, err := pm.GetDiversityIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, div, "empty population is fully diverse")

	variants := seedPopulation(t, pm, 5)
	results := make(map[string]FitnessSummary)
	for _, v := range variants {
		results[v.ID] = fitnessAt(0.6)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	div, err = pm.GetDiversityIndex(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, div, 0.0)
	assert.LessOrEqual(t, div, 1.0)
}

func TestIdenticalPopulationHasZeroDiversity(t *testing.T) {
	pm := newTestManager(t)
	clones := []AntibodyVariant{
		seedVariant(t, "variant-a", "same-pattern"),
		seedVariant(t, "variant-b", "same-pattern"),
		seedVariant(t, "variant-c", "same-pattern"),
	}
	require.NoError(t, pm.AdoptVariants(context.Background(), clones))

	results := make(map[string]FitnessSummary)
	for _, v := range clones {
		results[v.ID] = fitnessAt(0.6)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	div, err := pm.GetDiversityIndex(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.0, div, 1e-9)
}

func TestSelectNextParentsUnique(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 8)

	results := make(map[string]FitnessSummary)
	for i, v := range variants {
		results[v.ID] = fitnessAt(0.4 + float64(i)*0.05)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	parents, err := pm.SelectNextParents(context.Background(), 4)
	require.NoError(t, err)
	assert.NotEmpty(t, parents)
	assert.LessOrEqual(t, len(parents), 4)

	seen := make(map[string]bool)
	for _, p := range parents {
		assert.False(t, seen[p.ID], "parent %s selected twice", p.ID)
		seen[p.ID] = true
	}
}

func TestSelectNextParentsEmptyPool(t *testing.T) {
	pm := newTestManager(t)
	_, err := pm.SelectNextParents(context.Background(), 3)
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 4)

	results := make(map[string]FitnessSummary)
	for _, v := range variants {
		results[v.ID] = fitnessAt(0.7)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	state, err := pm.Snapshot(context.Background())
	require.NoError(t, err)

	restored := RestorePopulation(state, NewMutationEngine(42), zerolog.Nop())
	assert.Equal(t, pm.Generation(), restored.Generation())

	restoredState, err := restored.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.ParentPool, restoredState.ParentPool)
	assert.Equal(t, state.BestFitness, restoredState.BestFitness)
	assert.Equal(t, state.Diversity, restoredState.Diversity)
	assert.Len(t, restoredState.Variants, len(state.Variants))
}

func TestSnapshotIsACopy(t *testing.T) {
	pm := newTestManager(t)
	seedPopulation(t, pm, 2)

	state, err := pm.Snapshot(context.Background())
	require.NoError(t, err)
	state.ParentPool = append(state.ParentPool, "variant-injected")

	again, err := pm.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, again.ParentPool, "variant-injected")
}

func TestUpdateConfigValidation(t *testing.T) {
	pm := newTestManager(t)
	ctx := context.Background()

	bad := DefaultPopulationConfig()
	bad.EliteSize = bad.ShadowPoolSize + 1
	assert.True(t, evoerr.IsKind(pm.UpdateConfig(ctx, bad), evoerr.KindInvalidSpec))

	bad = DefaultPopulationConfig()
	bad.MutationRate = 1.5
	assert.True(t, evoerr.IsKind(pm.UpdateConfig(ctx, bad), evoerr.KindInvalidSpec))

	bad = DefaultPopulationConfig()
	bad.CrossoverRate = -0.1
	assert.True(t, evoerr.IsKind(pm.UpdateConfig(ctx, bad), evoerr.KindInvalidSpec))

	bad = DefaultPopulationConfig()
	bad.DiversityLambda = -1
	assert.True(t, evoerr.IsKind(pm.UpdateConfig(ctx, bad), evoerr.KindInvalidSpec))

	good := DefaultPopulationConfig()
	good.DiversityLambda = 0.5
	assert.NoError(t, pm.UpdateConfig(ctx, good))
}

func TestGetVariantsSkipsUnknown(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 2)

	out, err := pm.GetVariants(context.Background(), []string{variants[0].ID, "variant-missing", variants[1].ID})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestConcurrentAccess(t *testing.T) {
	pm := newTestManager(t)
	variants := seedPopulation(t, pm, 5)
	results := make(map[string]FitnessSummary)
	for _, v := range variants {
		results[v.ID] = fitnessAt(0.6)
	}
	require.NoError(t, pm.IngestResults(context.Background(), results))

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				pm.SelectNextParents(ctx, 2)
				pm.GetDiversityIndex(ctx)
				pm.Snapshot(ctx)
				pm.GetVariants(ctx, []string{variants[0].ID})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			pm.IngestResults(ctx, results)
		}
	}()
	wg.Wait()
}

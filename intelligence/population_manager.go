// Package intelligence - population pools and diversity-aware selection
package intelligence

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aswarm/evolution-core/evoerr"
)

const (
	tournamentSize      = 5
	bestFitnessHistory  = 50
	parentRetryPerSlot  = 3
	crossoverPairTries  = 10
	defaultCrossoverPct = 0.2
)

// PopulationManager maintains the breeding pools, the archive of
// best-ever variants, per-phase active pools, and the population-wide
// diversity index.
type PopulationManager struct {
	mu sync.RWMutex

	variants           map[string]*AntibodyVariant
	fitness            map[string]*FitnessSummary
	parentPool         []string
	archivePool        []string
	activePoolsByPhase map[string][]string

	config PopulationConfig
	engine Mutator
	log    zerolog.Logger

	generation  int
	diversity   float64
	bestFitness float64
	bestByGen   []float64
	lastUpdated int64

	// RNG has its own mutex so selection does not contend with the
	// state lock.
	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewPopulationManager builds a manager around a mutation engine.
func NewPopulationManager(config PopulationConfig, engine Mutator, log zerolog.Logger) *PopulationManager {
	pm := &PopulationManager{
		variants:           make(map[string]*AntibodyVariant),
		fitness:            make(map[string]*FitnessSummary),
		parentPool:         make([]string, 0, config.ShadowPoolSize),
		archivePool:        make([]string, 0, config.EliteSize*3),
		activePoolsByPhase: make(map[string][]string),
		config:             config,
		engine:             engine,
		log:                log,
		diversity:          1.0,
		bestByGen:          make([]float64, 0, bestFitnessHistory),
		lastUpdated:        time.Now().Unix(),
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	pm.activePoolsByPhase[PhaseShadow] = make([]string, 0, config.ShadowPoolSize)
	pm.activePoolsByPhase[PhaseStaged] = make([]string, 0, config.StagedPoolSize)
	return pm
}

// RestorePopulation rehydrates a manager from a persisted snapshot.
func RestorePopulation(state PopulationState, engine Mutator, log zerolog.Logger) *PopulationManager {
	pm := NewPopulationManager(state.Params, engine, log)
	pm.generation = state.Generation
	pm.diversity = state.Diversity
	pm.bestFitness = state.BestFitness
	pm.bestByGen = append(pm.bestByGen, state.BestFitnessByGen...)
	pm.parentPool = append(pm.parentPool, state.ParentPool...)
	pm.archivePool = append(pm.archivePool, state.ArchivePool...)
	pm.lastUpdated = state.LastUpdated
	for phase, pool := range state.ActivePools {
		pm.activePoolsByPhase[phase] = append([]string(nil), pool...)
	}
	for id, v := range state.Variants {
		variant := v
		pm.variants[id] = &variant
	}
	for id, f := range state.Fitness {
		summary := f
		pm.fitness[id] = &summary
	}
	return pm
}

func (pm *PopulationManager) rndFloat64() float64 {
	pm.rngMu.Lock()
	defer pm.rngMu.Unlock()
	return pm.rng.Float64()
}

func (pm *PopulationManager) rndIntn(n int) int {
	pm.rngMu.Lock()
	defer pm.rngMu.Unlock()
	return pm.rng.Intn(n)
}

// ProposeCohort generates candidate variants from the given parents.
// Each slot is a crossover with probability CrossoverRate (falling back
// to mutation when distinct parents are unavailable) or a mutation
// otherwise. The environment is injected into child scope when absent.
// Children that fail validation are skipped; the cohort continues.
func (pm *PopulationManager) ProposeCohort(ctx context.Context, parents []AntibodyVariant, size int, environment string) ([]AntibodyVariant, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(parents) == 0 {
		return nil, evoerr.New(evoerr.KindInvalidSpec, "no parents provided for cohort generation")
	}

	mutationConfig := DefaultMutationConfig()
	crossoverRate := defaultCrossoverPct
	if pm.config.CrossoverRate > 0 {
		crossoverRate = pm.config.CrossoverRate
	}

	var cohort []AntibodyVariant
	for i := 0; i < size; i++ {
		if err := ctxDone(ctx); err != nil {
			return nil, err
		}

		child, ok := pm.breedChild(ctx, parents, i, crossoverRate, mutationConfig)
		if !ok {
			continue
		}

		if environment != "" && !containsString(child.Spec.Scope.Environments, environment) {
			child.Spec.Scope.Environments = append(child.Spec.Scope.Environments, environment)
		}

		if err := pm.engine.ValidateSpec(ctx, child.Spec, mutationConfig); err != nil {
			pm.log.Debug().Err(err).Int("slot", i).Msg("cohort child failed validation")
			continue
		}

		hash, err := ComputeSpecHash(child.Spec)
		if err != nil {
			pm.log.Debug().Err(err).Int("slot", i).Msg("cohort child hash rejected")
			continue
		}
		child.SpecHash = hash

		if sig, err := pm.engine.ComputeDiversitySignature(ctx, child.Spec); err == nil {
			child.DiversitySig = sig
		}

		cohort = append(cohort, child)
		stored := child
		pm.variants[stored.ID] = &stored
	}

	if len(cohort) == 0 {
		return nil, evoerr.New(evoerr.KindInvalidSpec, "failed to generate any valid cohort members")
	}
	return cohort, nil
}

// breedChild produces one cohort slot. ok=false means the slot is
// skipped (operator failure is local to the child).
func (pm *PopulationManager) breedChild(ctx context.Context, parents []AntibodyVariant, slot int, crossoverRate float64, cfg MutationConfig) (AntibodyVariant, bool) {
	doCrossover := len(parents) > 1 && pm.rndFloat64() < crossoverRate

	if doCrossover {
		p1 := parents[pm.rndIntn(len(parents))]
		p2 := parents[pm.rndIntn(len(parents))]
		for attempt := 0; p1.ID == p2.ID && attempt < crossoverPairTries; attempt++ {
			p2 = parents[pm.rndIntn(len(parents))]
		}
		if p1.ID != p2.ID {
			childSpec, err := pm.engine.CrossOver(ctx, []AntibodySpec{p1.Spec, p2.Spec}, cfg)
			if err != nil {
				pm.log.Debug().Err(err).Msg("crossover failed, slot skipped")
				return AntibodyVariant{}, false
			}
			return AntibodyVariant{
				ID:         GenerateVariantID("crossover", pm.generation, slot, p1.ID, p2.ID),
				ParentIDs:  []string{p1.ID, p2.ID},
				Generation: pm.generation + 1,
				Spec:       childSpec,
				ProposedBy: fmt.Sprintf("population-manager@gen-%d", pm.generation),
				CreatedAt:  time.Now().Unix(),
			}, true
		}
		// Could not find distinct parents; fall through to mutation.
	}

	parent := parents[pm.rndIntn(len(parents))]
	childSpec, err := pm.engine.Mutate(ctx, parent.Spec, cfg)
	if err != nil {
		pm.log.Debug().Err(err).Msg("mutation failed, slot skipped")
		return AntibodyVariant{}, false
	}
	return AntibodyVariant{
		ID:         GenerateVariantID("mutation", pm.generation, slot, parent.ID),
		ParentIDs:  []string{parent.ID},
		Generation: pm.generation + 1,
		Spec:       childSpec,
		ProposedBy: fmt.Sprintf("population-manager@gen-%d", pm.generation),
		CreatedAt:  time.Now().Unix(),
	}, true
}

// AdoptVariants registers externally-created variants (seed antibodies,
// restored lineages) and places them in the breeding pool so the first
// cohort has parents.
func (pm *PopulationManager) AdoptVariants(ctx context.Context, variants []AntibodyVariant) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i := range variants {
		v := variants[i]
		if v.ID == "" {
			return evoerr.New(evoerr.KindInvalidSpec, "variant %d has no id", i)
		}
		if v.SpecHash == "" {
			hash, err := ComputeSpecHash(v.Spec)
			if err != nil {
				return fmt.Errorf("hash seed variant %s: %w", v.ID, err)
			}
			v.SpecHash = hash
		}
		if v.DiversitySig == "" {
			if sig, err := pm.engine.ComputeDiversitySignature(ctx, v.Spec); err == nil {
				v.DiversitySig = sig
			}
		}
		pm.variants[v.ID] = &v
		if !containsString(pm.parentPool, v.ID) && len(pm.parentPool) < pm.config.ShadowPoolSize {
			pm.parentPool = append(pm.parentPool, v.ID)
		}
	}
	pm.lastUpdated = time.Now().Unix()
	return nil
}

// IngestResults stores fitness per known variant, refreshes the parent
// pool and diversity index, and advances the generation counter by
// exactly one.
func (pm *PopulationManager) IngestResults(ctx context.Context, results map[string]FitnessSummary) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for variantID, summary := range results {
		if _, exists := pm.variants[variantID]; !exists {
			continue
		}
		clone := summary
		pm.fitness[variantID] = &clone

		if overall := ComputeOverallFitness(summary); overall > pm.bestFitness {
			pm.bestFitness = overall
		}
	}

	pm.updateParentPool()

	if err := pm.updateDiversityIndex(); err != nil {
		return fmt.Errorf("update diversity index: %w", err)
	}

	pm.generation++
	pm.lastUpdated = time.Now().Unix()
	return nil
}

// SelectNextParents runs tournament selection with a diversity penalty:
// score = fitness − λ·maxSimilarity to already-selected parents.
// Selections are unique, with a 3k retry budget.
func (pm *PopulationManager) SelectNextParents(ctx context.Context, k int) ([]AntibodyVariant, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if len(pm.parentPool) == 0 {
		return nil, evoerr.New(evoerr.KindInvalidSpec, "no variants available for parent selection")
	}

	size := tournamentSize
	if len(pm.parentPool) < size {
		size = len(pm.parentPool)
	}

	var parents []AntibodyVariant
	seen := make(map[string]struct{})
	attempts := k * parentRetryPerSlot

	for len(parents) < k && attempts > 0 {
		if err := ctxDone(ctx); err != nil {
			return nil, err
		}

		winner := pm.runTournament(pm.pickTournament(size), parents)
		attempts--
		if winner == "" {
			continue
		}
		if _, dup := seen[winner]; dup {
			continue
		}
		if variant, exists := pm.variants[winner]; exists {
			parents = append(parents, *variant)
			seen[winner] = struct{}{}
		}
	}

	if len(parents) == 0 {
		return nil, evoerr.New(evoerr.KindInvalidSpec, "tournament selection produced no parents")
	}
	return parents, nil
}

// GetVariants returns variants by id; unknown ids are skipped.
func (pm *PopulationManager) GetVariants(ctx context.Context, ids []string) ([]AntibodyVariant, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var out []AntibodyVariant
	for _, id := range ids {
		if v, exists := pm.variants[id]; exists {
			out = append(out, *v)
		}
	}
	return out, nil
}

// Snapshot returns a copy of the population state for persistence.
func (pm *PopulationManager) Snapshot(ctx context.Context) (PopulationState, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	specHashes := make(map[string]string, len(pm.variants))
	variants := make(map[string]AntibodyVariant, len(pm.variants))
	for id, v := range pm.variants {
		specHashes[id] = v.SpecHash
		variants[id] = *v
	}

	fitness := make(map[string]FitnessSummary, len(pm.fitness))
	for id, f := range pm.fitness {
		fitness[id] = *f
	}

	activePools := make(map[string][]string, len(pm.activePoolsByPhase))
	for phase, pool := range pm.activePoolsByPhase {
		activePools[phase] = append([]string(nil), pool...)
	}

	return PopulationState{
		Generation:       pm.generation,
		ActivePools:      activePools,
		ParentPool:       append([]string(nil), pm.parentPool...),
		ArchivePool:      append([]string(nil), pm.archivePool...),
		Variants:         variants,
		Fitness:          fitness,
		SpecHashes:       specHashes,
		Diversity:        pm.diversity,
		BestFitness:      pm.bestFitness,
		BestFitnessByGen: append([]float64(nil), pm.bestByGen...),
		Params:           pm.config,
		LastUpdated:      pm.lastUpdated,
	}, nil
}

// UpdateConfig applies new population parameters after validation.
func (pm *PopulationManager) UpdateConfig(ctx context.Context, config PopulationConfig) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if config.EliteSize > config.ShadowPoolSize {
		return evoerr.New(evoerr.KindInvalidSpec, "elite size (%d) cannot exceed shadow pool size (%d)", config.EliteSize, config.ShadowPoolSize)
	}
	if config.MutationRate < 0 || config.MutationRate > 1 {
		return evoerr.New(evoerr.KindInvalidSpec, "mutation rate must be in [0,1], got %f", config.MutationRate)
	}
	if config.CrossoverRate < 0 || config.CrossoverRate > 1 {
		return evoerr.New(evoerr.KindInvalidSpec, "crossover rate must be in [0,1], got %f", config.CrossoverRate)
	}
	if config.DiversityLambda < 0 {
		return evoerr.New(evoerr.KindInvalidSpec, "diversity lambda must be non-negative, got %f", config.DiversityLambda)
	}

	pm.config = config
	pm.lastUpdated = time.Now().Unix()
	return nil
}

// GetDiversityIndex returns the current population diversity in [0,1].
func (pm *PopulationManager) GetDiversityIndex(ctx context.Context) (float64, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.diversity, nil
}

// Generation returns the current generation counter.
func (pm *PopulationManager) Generation() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.generation
}

//
// ─── POOL MAINTENANCE ─────────────────────────────────────────────────────────
//

// updateDiversityIndex computes 1 − mean pairwise Jaccard similarity
// over the parent pool. Fewer than two variants means full diversity.
// Caller holds the write lock.
func (pm *PopulationManager) updateDiversityIndex() error {
	if len(pm.parentPool) < 2 {
		pm.diversity = 1.0
		return nil
	}

	var total float64
	var pairs int
	for i := 0; i < len(pm.parentPool); i++ {
		for j := i + 1; j < len(pm.parentPool); j++ {
			v1 := pm.variants[pm.parentPool[i]]
			v2 := pm.variants[pm.parentPool[j]]
			if v1 == nil || v2 == nil || v1.DiversitySig == "" || v2.DiversitySig == "" {
				continue
			}
			sim, err := DiversitySimilarity(v1.DiversitySig, v2.DiversitySig)
			if err != nil {
				return err
			}
			total += sim
			pairs++
		}
	}

	if pairs == 0 {
		pm.diversity = 1.0
		return nil
	}
	pm.diversity = 1.0 - total/float64(pairs)
	return nil
}

// updateParentPool ranks scored variants by overall fitness and takes
// the top ShadowPoolSize as the breeding pool; the archive unions in
// the elite up to EliteSize·3. Caller holds the write lock.
func (pm *PopulationManager) updateParentPool() {
	type candidate struct {
		id      string
		fitness float64
	}

	var candidates []candidate
	for id, summary := range pm.fitness {
		if _, exists := pm.variants[id]; exists {
			candidates = append(candidates, candidate{id: id, fitness: ComputeOverallFitness(*summary)})
		}
	}
	if len(candidates) == 0 {
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].fitness != candidates[j].fitness {
			return candidates[i].fitness > candidates[j].fitness
		}
		return candidates[i].id < candidates[j].id
	})

	pm.parentPool = pm.parentPool[:0]
	for i := 0; i < len(candidates) && i < pm.config.ShadowPoolSize; i++ {
		pm.parentPool = append(pm.parentPool, candidates[i].id)
	}

	archiveSet := make(map[string]struct{}, len(pm.archivePool)+pm.config.EliteSize)
	for _, id := range pm.archivePool {
		archiveSet[id] = struct{}{}
	}
	for i := 0; i < len(candidates) && i < pm.config.EliteSize; i++ {
		archiveSet[candidates[i].id] = struct{}{}
	}
	pm.archivePool = pm.archivePool[:0]
	for id := range archiveSet {
		pm.archivePool = append(pm.archivePool, id)
		if len(pm.archivePool) >= pm.config.EliteSize*3 {
			break
		}
	}
	sort.Strings(pm.archivePool)

	pm.bestByGen = append(pm.bestByGen, candidates[0].fitness)
	if len(pm.bestByGen) > bestFitnessHistory {
		pm.bestByGen = pm.bestByGen[1:]
	}

	shadowSize := minInt(len(pm.parentPool), pm.config.ShadowPoolSize)
	pm.activePoolsByPhase[PhaseShadow] = append([]string(nil), pm.parentPool[:shadowSize]...)

	stagedSize := minInt(len(pm.archivePool), pm.config.StagedPoolSize)
	pm.activePoolsByPhase[PhaseStaged] = append([]string(nil), pm.archivePool[:stagedSize]...)
}

// pickTournament samples candidates without replacement.
func (pm *PopulationManager) pickTournament(size int) []string {
	if len(pm.parentPool) <= size {
		return append([]string(nil), pm.parentPool...)
	}
	candidates := make([]string, 0, size)
	used := make(map[int]bool, size)
	for len(candidates) < size {
		idx := pm.rndIntn(len(pm.parentPool))
		if !used[idx] {
			candidates = append(candidates, pm.parentPool[idx])
			used[idx] = true
		}
	}
	return candidates
}

// runTournament scores each candidate as fitness − λ·maxSimilarity to
// the parents already selected this round and returns the best id.
func (pm *PopulationManager) runTournament(candidates []string, selected []AntibodyVariant) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	bestScore := -1.0
	winner := ""
	for _, id := range candidates {
		variant := pm.variants[id]
		summary := pm.fitness[id]
		if variant == nil || summary == nil {
			continue
		}

		score := ComputeOverallFitness(*summary) - pm.config.DiversityLambda*pm.maxSimilarityTo(variant, selected)
		if score > bestScore {
			bestScore = score
			winner = id
		}
	}
	return winner
}

func (pm *PopulationManager) maxSimilarityTo(candidate *AntibodyVariant, selected []AntibodyVariant) float64 {
	if candidate.DiversitySig == "" || len(selected) == 0 {
		return 0
	}
	var maxSim float64
	for i := range selected {
		if selected[i].DiversitySig == "" || selected[i].ID == candidate.ID {
			continue
		}
		sim, err := DiversitySimilarity(candidate.DiversitySig, selected[i].DiversitySig)
		if err != nil {
			continue // incomparable signatures contribute no penalty
		}
		if sim > maxSim {
			maxSim = sim
		}
	}
	return maxSim
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

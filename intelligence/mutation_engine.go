// Package intelligence - genetic operators and diversity signatures
package intelligence

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/metrics"
)

const (
	// Bitset size for diversity signatures (512 bits = 64 bytes)
	DiversityBitsetSize = 512

	// Feature hashing salt to prevent adversarial feature collisions
	FeatureHashSalt = "aswarm-diversity-v1"

	// Diversity signature version (prefix for encoded bitsets)
	DiversitySigVersion = "v1"

	// Retry budget for generating a non-colliding feature name
	featureAddRetries = 64
)

// MutationConfig controls mutation probabilities and magnitudes.
type MutationConfig struct {
	ParamJitterProb   float64 // probability to jitter the confidence threshold
	ParamJitterSigma  float64 // stddev for Gaussian jitter on hybrid weights
	ThresholdDelta    float64 // stddev for Gaussian jitter on the threshold
	MaxComplexityHint int     // optional guardrail; 0=ignore

	FeatureToggleProb float64 // per-feature probability to flip a binary rule feature
	FeatureAddProb    float64 // probability to add a fresh feature
	FeatureRemoveProb float64 // probability to remove a feature (iff >=2 remain)

	WeightShuffleProb float64 // probability to jitter hybrid weights
}

// DefaultMutationConfig returns the production operator rates.
func DefaultMutationConfig() MutationConfig {
	return MutationConfig{
		ParamJitterProb:   0.6,
		ParamJitterSigma:  0.08,
		ThresholdDelta:    0.05,
		FeatureToggleProb: 0.05,
		FeatureAddProb:    0.02,
		FeatureRemoveProb: 0.02,
		WeightShuffleProb: 0.10,
		MaxComplexityHint: 0,
	}
}

// MutationDiff records what a mutation changed, for audit trails.
type MutationDiff struct {
	ThresholdBefore float64     `json:"threshold_before"`
	ThresholdAfter  float64     `json:"threshold_after"`
	Toggled         []string    `json:"toggled,omitempty"`
	Added           []string    `json:"added,omitempty"`
	Removed         []string    `json:"removed,omitempty"`
	HybridBefore    *HybridSpec `json:"hybrid_before,omitempty"`
	HybridAfter     *HybridSpec `json:"hybrid_after,omitempty"`
}

// Mutator is the slice of the mutation engine the population manager
// depends on.
type Mutator interface {
	Mutate(ctx context.Context, parent AntibodySpec, cfg MutationConfig) (AntibodySpec, error)
	CrossOver(ctx context.Context, parents []AntibodySpec, cfg MutationConfig) (AntibodySpec, error)
	ValidateSpec(ctx context.Context, spec AntibodySpec, cfg MutationConfig) error
	ComputeDiversitySignature(ctx context.Context, spec AntibodySpec) (string, error)
}

// MutationEngine implements the genetic operators over antibody specs.
// The RNG lives behind a mutex; the engine is otherwise stateless and
// safe for concurrent callers.
type MutationEngine struct {
	rng     *rand.Rand
	mu      sync.Mutex
	metrics metrics.Collector
}

// NewMutationEngine builds an engine seeded for reproducible lineages.
// Seed 0 falls back to wall-clock entropy.
func NewMutationEngine(seed int64) *MutationEngine {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MutationEngine{
		rng:     rand.New(rand.NewSource(seed)),
		metrics: metrics.Nop{},
	}
}

// WithMetrics attaches a collector; returns the engine for chaining.
func (me *MutationEngine) WithMetrics(c metrics.Collector) *MutationEngine {
	me.metrics = c
	return me
}

// WithSeed derives a fresh engine with a deterministic seed, used for
// replayable offspring bursts.
func (me *MutationEngine) WithSeed(seed int64) *MutationEngine {
	return &MutationEngine{
		rng:     rand.New(rand.NewSource(seed)),
		metrics: me.metrics,
	}
}

// SeedForOffspring derives a stable seed from SHA-256(parentID||index)
// so lineage replay produces identical children.
func SeedForOffspring(parentID string, index int) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", parentID, index)))
	return int64(sum[0])<<56 | int64(sum[1])<<48 | int64(sum[2])<<40 | int64(sum[3])<<32 |
		int64(sum[4])<<24 | int64(sum[5])<<16 | int64(sum[6])<<8 | int64(sum[7])
}

// Thread-safe RNG helpers
func (me *MutationEngine) float64() float64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.rng.Float64()
}

func (me *MutationEngine) normFloat64() float64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.rng.NormFloat64()
}

func (me *MutationEngine) int31() int32 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.rng.Int31()
}

func (me *MutationEngine) intn(n int) int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.rng.Intn(n)
}

// ctxDone maps context cancellation onto the cancelled error kind.
func ctxDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return evoerr.Wrap(evoerr.KindCancelled, ctx.Err(), "operation cancelled")
	default:
		return nil
	}
}

// MutateWithDiff applies the genetic operators and returns both the
// child spec and an auditable diff.
func (me *MutationEngine) MutateWithDiff(ctx context.Context, parent AntibodySpec, cfg MutationConfig) (AntibodySpec, *MutationDiff, error) {
	if err := ctxDone(ctx); err != nil {
		return AntibodySpec{}, nil, err
	}

	diff := &MutationDiff{ThresholdBefore: parent.Scope.ConfidenceThreshold}
	mutant := DeepCopySpec(parent)

	if mutant.Detector.Hybrid != nil {
		diff.HybridBefore = &HybridSpec{
			RuleWeight:  mutant.Detector.Hybrid.RuleWeight,
			ModelWeight: mutant.Detector.Hybrid.ModelWeight,
		}
	}

	if me.float64() < cfg.ParamJitterProb {
		delta := me.normFloat64() * cfg.ThresholdDelta
		mutant.Scope.ConfidenceThreshold = Clamp01(mutant.Scope.ConfidenceThreshold + delta)
	}

	switch mutant.Detector.Type {
	case DetectorRule:
		if mutant.Detector.Rule != nil {
			if err := ctxDone(ctx); err != nil {
				return AntibodySpec{}, nil, err
			}
			if err := me.mutateRuleFeatures(mutant.Detector.Rule, cfg, diff); err != nil {
				return AntibodySpec{}, nil, err
			}
		}
	case DetectorHybrid:
		if mutant.Detector.Hybrid != nil {
			if err := ctxDone(ctx); err != nil {
				return AntibodySpec{}, nil, err
			}
			if err := me.mutateHybridWeights(mutant.Detector.Hybrid, cfg); err != nil {
				return AntibodySpec{}, nil, err
			}
		}
		if mutant.Detector.Rule != nil {
			if err := me.mutateRuleFeatures(mutant.Detector.Rule, cfg, diff); err != nil {
				return AntibodySpec{}, nil, err
			}
		}
	case DetectorModel:
		// Model-side operators need the training pipeline; feature bags
		// stay untouched for now.
	}

	diff.ThresholdAfter = mutant.Scope.ConfidenceThreshold
	if mutant.Detector.Hybrid != nil {
		diff.HybridAfter = &HybridSpec{
			RuleWeight:  mutant.Detector.Hybrid.RuleWeight,
			ModelWeight: mutant.Detector.Hybrid.ModelWeight,
		}
	}

	me.sanitizeSpec(&mutant)

	if err := me.ValidateSpec(ctx, mutant, cfg); err != nil {
		return AntibodySpec{}, nil, err
	}
	return mutant, diff, nil
}

// Mutate is MutateWithDiff without the audit trail.
func (me *MutationEngine) Mutate(ctx context.Context, parent AntibodySpec, cfg MutationConfig) (AntibodySpec, error) {
	variant, _, err := me.MutateWithDiff(ctx, parent, cfg)
	return variant, err
}

// MutateN produces a burst of children with deterministic lineage seeds.
func (me *MutationEngine) MutateN(ctx context.Context, parent AntibodySpec, parentID string, cfg MutationConfig, n int) ([]AntibodySpec, error) {
	variants := make([]AntibodySpec, 0, n)
	for i := 0; i < n; i++ {
		if err := ctxDone(ctx); err != nil {
			return nil, err
		}
		engine := me.WithSeed(SeedForOffspring(parentID, i))
		variant, err := engine.Mutate(ctx, parent, cfg)
		if err != nil {
			return nil, fmt.Errorf("offspring %d: %w", i, err)
		}
		variants = append(variants, variant)
	}
	return variants, nil
}

// CrossOver combines features from two or more parents. Rule children
// take each feature from a uniformly random rule parent; hybrid
// children average weights across hybrid parents and renormalize.
func (me *MutationEngine) CrossOver(ctx context.Context, parents []AntibodySpec, cfg MutationConfig) (AntibodySpec, error) {
	if err := ctxDone(ctx); err != nil {
		return AntibodySpec{}, err
	}
	if len(parents) < 2 {
		return AntibodySpec{}, evoerr.New(evoerr.KindInvalidSpec, "crossover requires at least 2 parents, got %d", len(parents))
	}

	offspring := DeepCopySpec(parents[0])

	if offspring.Detector.Type == DetectorRule && offspring.Detector.Rule != nil {
		me.crossoverRuleFeatures(offspring.Detector.Rule, parents)
	}
	if offspring.Detector.Type == DetectorHybrid && offspring.Detector.Hybrid != nil {
		me.crossoverHybridWeights(offspring.Detector.Hybrid, parents)
	}

	me.sanitizeSpec(&offspring)

	if err := me.ValidateSpec(ctx, offspring, cfg); err != nil {
		return AntibodySpec{}, err
	}
	return offspring, nil
}

// ValidateSpec enforces the safety constraints every generated spec
// must satisfy.
func (me *MutationEngine) ValidateSpec(ctx context.Context, spec AntibodySpec, cfg MutationConfig) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}

	if spec.Scope.ConfidenceThreshold < 0.0 || spec.Scope.ConfidenceThreshold > 1.0 {
		return evoerr.New(evoerr.KindInvalidSpec, "confidence_threshold %.3f must be in [0,1]", spec.Scope.ConfidenceThreshold)
	}

	if spec.Detector.Type == DetectorHybrid {
		h := spec.Detector.Hybrid
		if h == nil {
			return evoerr.New(evoerr.KindUnsupportedVariant, "hybrid detector requires hybrid weights")
		}
		if math.IsNaN(h.RuleWeight) || math.IsNaN(h.ModelWeight) ||
			math.IsInf(h.RuleWeight, 0) || math.IsInf(h.ModelWeight, 0) {
			return evoerr.New(evoerr.KindNumericalDegenerate, "hybrid weights are not finite")
		}
		if h.RuleWeight < 0 || h.ModelWeight < 0 {
			return evoerr.New(evoerr.KindInvalidSpec, "hybrid weights must be non-negative: rule=%.3f, model=%.3f", h.RuleWeight, h.ModelWeight)
		}
		if sum := h.RuleWeight + h.ModelWeight; math.Abs(sum-1.0) > 1e-6 {
			return evoerr.New(evoerr.KindInvalidSpec, "hybrid weights must sum to 1.0, got %.6f", sum)
		}
	}

	if len(spec.Scope.Environments) == 0 {
		return evoerr.New(evoerr.KindInvalidSpec, "at least one environment must be specified")
	}

	if spec.Detector.Type == DetectorRule && spec.Detector.Rule != nil {
		if spec.Detector.Rule.Pattern == "" {
			return evoerr.New(evoerr.KindInvalidSpec, "rule pattern cannot be empty")
		}
		if len(spec.Detector.Rule.Pattern) > 2048 {
			return evoerr.New(evoerr.KindInvalidSpec, "rule pattern too long: %d > 2048 chars", len(spec.Detector.Rule.Pattern))
		}
	}

	if cfg.MaxComplexityHint > 0 {
		if c := specComplexity(spec); c > cfg.MaxComplexityHint {
			return evoerr.New(evoerr.KindInvalidSpec, "spec complexity %d exceeds limit %d", c, cfg.MaxComplexityHint)
		}
	}
	return nil
}

// ComputeDiversitySignature hashes the spec's salient features into a
// versioned 512-bit set, base64-encoded with a version prefix.
func (me *MutationEngine) ComputeDiversitySignature(ctx context.Context, spec AntibodySpec) (string, error) {
	if err := ctxDone(ctx); err != nil {
		return "", err
	}
	bitset := make([]byte, DiversityBitsetSize/8)
	hashSpecToBitset(spec, bitset)
	return DiversitySigVersion + ":" + base64.StdEncoding.EncodeToString(bitset), nil
}

//
// ─── OPERATOR INTERNALS ───────────────────────────────────────────────────────
//

func (me *MutationEngine) sanitizeSpec(spec *AntibodySpec) {
	if spec.Detector.Rule != nil {
		spec.Detector.Rule.Pattern = strings.TrimSpace(spec.Detector.Rule.Pattern)
	}
	if len(spec.Scope.Labels) > 0 {
		normalized := make(map[string]string, len(spec.Scope.Labels))
		for k, v := range spec.Scope.Labels {
			normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		spec.Scope.Labels = normalized
	}
}

func (me *MutationEngine) mutateRuleFeatures(rule *RuleSpec, cfg MutationConfig, diff *MutationDiff) error {
	for feature, value := range rule.Features {
		if me.float64() >= cfg.FeatureToggleProb {
			continue
		}
		switch value {
		case "0":
			rule.Features[feature] = "1"
			diff.Toggled = append(diff.Toggled, feature)
		case "1":
			rule.Features[feature] = "0"
			diff.Toggled = append(diff.Toggled, feature)
		default:
			// Non-binary values are left alone; the counter tells us how
			// often the operator runs dry.
			me.metrics.NonBinaryFeature()
		}
	}

	if me.float64() < cfg.FeatureAddProb {
		if rule.Features == nil {
			rule.Features = map[string]string{}
		}
		added := false
		for attempt := 0; attempt < featureAddRetries; attempt++ {
			name := fmt.Sprintf("mutated_feature_%d", me.int31())
			if _, exists := rule.Features[name]; !exists {
				rule.Features[name] = "1"
				diff.Added = append(diff.Added, name)
				added = true
				break
			}
		}
		if !added {
			return evoerr.New(evoerr.KindFeatureNamespaceExhausted, "no unique feature name after %d attempts", featureAddRetries)
		}
	}

	if me.float64() < cfg.FeatureRemoveProb && len(rule.Features) > 1 {
		keys := make([]string, 0, len(rule.Features))
		for k := range rule.Features {
			keys = append(keys, k)
		}
		removeKey := keys[me.intn(len(keys))]
		delete(rule.Features, removeKey)
		diff.Removed = append(diff.Removed, removeKey)
	}
	return nil
}

func (me *MutationEngine) mutateHybridWeights(hybrid *HybridSpec, cfg MutationConfig) error {
	if me.float64() >= cfg.WeightShuffleProb {
		return nil
	}

	newRule := math.Max(0.0, hybrid.RuleWeight+me.normFloat64()*cfg.ParamJitterSigma)
	newModel := math.Max(0.0, hybrid.ModelWeight+me.normFloat64()*cfg.ParamJitterSigma)

	sum := newRule + newModel
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		// Degenerate jitter; keep the prior weights.
		return nil
	}
	hybrid.RuleWeight = newRule / sum
	hybrid.ModelWeight = newModel / sum
	return nil
}

func (me *MutationEngine) crossoverRuleFeatures(offspring *RuleSpec, parents []AntibodySpec) {
	all := make(map[string][]string) // feature -> values across rule parents
	for _, p := range parents {
		if p.Detector.Type == DetectorRule && p.Detector.Rule != nil {
			for feature, value := range p.Detector.Rule.Features {
				all[feature] = append(all[feature], value)
			}
		}
	}
	if offspring.Features == nil {
		offspring.Features = map[string]string{}
	}
	for feature, values := range all {
		offspring.Features[feature] = values[me.intn(len(values))]
	}
}

func (me *MutationEngine) crossoverHybridWeights(offspring *HybridSpec, parents []AntibodySpec) {
	var rw, mw []float64
	for _, p := range parents {
		if p.Detector.Type == DetectorHybrid && p.Detector.Hybrid != nil {
			rw = append(rw, p.Detector.Hybrid.RuleWeight)
			mw = append(mw, p.Detector.Hybrid.ModelWeight)
		}
	}
	if len(rw) == 0 {
		return
	}
	avgR, avgM := mean(rw), mean(mw)
	if sum := avgR + avgM; sum > 0 {
		offspring.RuleWeight = avgR / sum
		offspring.ModelWeight = avgM / sum
	}
}

func specComplexity(spec AntibodySpec) int {
	c := 0
	if spec.Detector.Rule != nil {
		c += len(spec.Detector.Rule.Features)
		c += len(spec.Detector.Rule.Pattern) / 10
	}
	if spec.Detector.Model != nil {
		c += len(spec.Detector.Model.Features)
	}
	if spec.Detector.Hybrid != nil {
		c += 2
	}
	return c
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

//
// ─── DIVERSITY SIGNATURES ─────────────────────────────────────────────────────
//

func hashSpecToBitset(spec AntibodySpec, bitset []byte) {
	setBit := func(material string) {
		h := sha256.Sum256([]byte(FeatureHashSalt + material))
		idx := (int(h[0])<<8 | int(h[1])) % DiversityBitsetSize
		bitset[idx/8] |= 1 << (idx % 8)
	}

	setBit("type:" + spec.Detector.Type)

	if spec.Detector.Rule != nil {
		feats := make([]string, 0, len(spec.Detector.Rule.Features))
		for k, v := range spec.Detector.Rule.Features {
			feats = append(feats, k+"="+v)
		}
		sort.Strings(feats)
		for _, f := range feats {
			setBit(f)
		}
	}

	if spec.Detector.Model != nil {
		feats := make([]string, 0, len(spec.Detector.Model.Features))
		for k, v := range spec.Detector.Model.Features {
			feats = append(feats, k+"="+v.Canonical())
		}
		sort.Strings(feats)
		for _, f := range feats {
			setBit(f)
		}
	}

	if spec.Detector.Hybrid != nil {
		rw := int(spec.Detector.Hybrid.RuleWeight * 1000)
		mw := int(spec.Detector.Hybrid.ModelWeight * 1000)
		setBit(fmt.Sprintf("rw:%d|mw:%d", rw, mw))
	}

	setBit(fmt.Sprintf("conf:%d", int(spec.Scope.ConfidenceThreshold*1000)))
}

// DiversitySimilarity computes bitwise Jaccard similarity between two
// versioned signatures. Signatures of different versions are
// incomparable and fail loudly.
func DiversitySimilarity(sig1, sig2 string) (float64, error) {
	v1, body1, ok1 := strings.Cut(sig1, ":")
	v2, body2, ok2 := strings.Cut(sig2, ":")
	if !ok1 || !ok2 {
		return 0, evoerr.New(evoerr.KindInvalidSpec, "malformed diversity signature")
	}
	if v1 != v2 {
		return 0, evoerr.New(evoerr.KindInvalidSpec, "diversity signature version mismatch: %s vs %s", v1, v2)
	}

	b1, err := base64.StdEncoding.DecodeString(body1)
	if err != nil {
		return 0, evoerr.Wrap(evoerr.KindInvalidSpec, err, "decode diversity bitset")
	}
	b2, err := base64.StdEncoding.DecodeString(body2)
	if err != nil {
		return 0, evoerr.Wrap(evoerr.KindInvalidSpec, err, "decode diversity bitset")
	}
	if len(b1) != len(b2) {
		return 0, evoerr.New(evoerr.KindInvalidSpec, "bitset length mismatch: %d vs %d", len(b1), len(b2))
	}

	intersection, union := 0, 0
	for i := range b1 {
		intersection += popcount(b1[i] & b2[i])
		union += popcount(b1[i] | b2[i])
	}
	if union == 0 {
		return 1.0, nil // two empty bitsets are identical
	}
	return float64(intersection) / float64(union), nil
}

// DiversityDistance is 1 − similarity.
func DiversityDistance(sig1, sig2 string) (float64, error) {
	sim, err := DiversitySimilarity(sig1, sig2)
	if err != nil {
		return 0, err
	}
	return 1.0 - sim, nil
}

func popcount(b byte) int {
	count := 0
	for b != 0 {
		count += int(b & 1)
		b >>= 1
	}
	return count
}

// Package intelligence - combat-based fitness evaluation
package intelligence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aswarm/evolution-core/evoerr"
)

const (
	MaxBattleHistory = 50000 // ring buffer size for battle history
	MaxWorkers       = 20    // bounded parallelism per evaluation

	MinSampleSize = 30   // statistical significance floor
	MaxSampleSize = 1000 // resource protection ceiling

	evaluationTimeout = 10 * time.Minute
	trialTimeout      = 30 * time.Second
	detectionTimeout  = 5 * time.Second

	// Stability score defaults
	SingleEnvStability        = 0.8 // single environment observed
	InsufficientDataStability = 0.5 // fewer than 10 battles

	// DefaultTargetFPR is the operating-point ceiling for ROC selection.
	DefaultTargetFPR = 0.001

	stabilityWindow = 100 // recent battles considered per antibody
)

// AttackResult is the outcome of a red attack execution.
type AttackResult struct {
	AttackID       string
	Pattern        string
	Success        bool
	Techniques     []string
	DurationMs     float64
	BlastRadiusIPs int
}

// DetectionResult is the blue side's detection outcome. LatencyMs is
// the detector-reported latency, never replaced with wall clock.
type DetectionResult struct {
	Detected   bool
	LatencyMs  float64
	Confidence float64
	RingLevel  int
	FalseAlarm bool
}

// BattleRecord is one red-vs-blue confrontation with full context.
type BattleRecord struct {
	AntibodyID      string
	AttackResult    AttackResult
	DetectionResult DetectionResult
	BattleID        string
	Timestamp       time.Time
	Environment     string
	MonotonicMs     float64 // wall-clock battle duration, kept apart from detector latency
}

// BattleResult aggregates one trial's outcome for the result channel.
type BattleResult struct {
	AttackResult    AttackResult
	DetectionResult DetectionResult
	MonotonicMs     float64
	Err             error
}

// Sample is a labeled score for ROC analysis.
type Sample struct {
	Score float64
	Label int // 1=attack, 0=benign
}

// FitnessEvaluator orchestrates red-vs-blue battles with bounded
// parallelism. The three combat hooks are injected function fields so
// tests and alternate arenas can replace them wholesale.
type FitnessEvaluator struct {
	LaunchRedAttack      func(ctx context.Context, pattern, battleID string) (*AttackResult, error)
	MonitorBlueDetection func(ctx context.Context, battleID, antibodyID string, timeout time.Duration) (*DetectionResult, error)
	GenerateBenignSample func(ctx context.Context, antibodyID string) (*DetectionResult, error)

	// TargetFPR caps the ROC operating point; zero means the default.
	TargetFPR float64

	battleHistory []BattleRecord
	historyIndex  int
	historyFull   bool
	mu            sync.RWMutex
}

// NewFitnessEvaluator builds an evaluator with no combat hooks wired.
// Callers must inject LaunchRedAttack, MonitorBlueDetection, and
// GenerateBenignSample before evaluating.
func NewFitnessEvaluator() *FitnessEvaluator {
	return &FitnessEvaluator{
		TargetFPR:     DefaultTargetFPR,
		battleHistory: make([]BattleRecord, MaxBattleHistory),
	}
}

// EvaluateFitness runs attackSamples + benignSamples combat trials for
// one antibody and reduces the stream into a FitnessSummary. Sample
// bounds are [30,1000]; the whole run is capped at ten minutes.
func (fe *FitnessEvaluator) EvaluateFitness(ctx context.Context, antibodyID string, attackSamples, benignSamples int, environment string) (FitnessSummary, error) {
	total := attackSamples + benignSamples
	if total < MinSampleSize {
		return FitnessSummary{}, evoerr.New(evoerr.KindInsufficientSamples, "sample size %d < %d", total, MinSampleSize)
	}
	if total > MaxSampleSize {
		return FitnessSummary{}, evoerr.New(evoerr.KindExcessiveSamples, "sample size %d > %d", total, MaxSampleSize)
	}
	if attackSamples <= 0 {
		return FitnessSummary{}, evoerr.New(evoerr.KindInsufficientSamples, "at least one attack sample required")
	}
	if fe.LaunchRedAttack == nil || fe.MonitorBlueDetection == nil {
		return FitnessSummary{}, evoerr.New(evoerr.KindExternalAttackFailed, "combat hooks not wired")
	}
	if benignSamples > 0 && fe.GenerateBenignSample == nil {
		return FitnessSummary{}, evoerr.New(evoerr.KindExternalDetectionFailed, "benign sample hook not wired")
	}

	runCtx, cancel := context.WithTimeout(ctx, evaluationTimeout)
	defer cancel()

	workerCount := minInt(MaxWorkers, total)
	tasks := make(chan battleTask, total)
	results := make(chan BattleResult, workerCount)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go fe.battleWorker(runCtx, &wg, tasks, results, antibodyID)
	}

	go func() {
		defer close(tasks)
		for i := 0; i < attackSamples; i++ {
			select {
			case tasks <- battleTask{attack: true, index: i}:
			case <-runCtx.Done():
				return
			}
		}
		for i := 0; i < benignSamples; i++ {
			select {
			case tasks <- battleTask{index: i}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var samples []Sample
	truePositives := 0
	falsePositives := 0
	totalLatency := 0.0
	latencies := make([]float64, 0, attackSamples)
	blastSum := 0

	for i := 0; i < total; i++ {
		select {
		case result, ok := <-results:
			if !ok {
				return FitnessSummary{}, evoerr.New(evoerr.KindExternalDetectionFailed, "worker channel closed prematurely at %d/%d", i, total)
			}
			if result.Err != nil {
				return FitnessSummary{}, fmt.Errorf("battle %d: %w", i, result.Err)
			}

			label := 1
			if result.AttackResult.Pattern == "benign" {
				label = 0
			}
			samples = append(samples, Sample{Score: result.DetectionResult.Confidence, Label: label})

			if result.DetectionResult.Detected {
				if label == 1 {
					truePositives++
				} else {
					falsePositives++
				}
			}
			if result.DetectionResult.FalseAlarm {
				falsePositives++
			}

			// Only attack samples feed latency and blast metrics.
			if label == 1 {
				totalLatency += result.DetectionResult.LatencyMs
				latencies = append(latencies, result.DetectionResult.LatencyMs)
				blastSum += result.AttackResult.BlastRadiusIPs
			}

			fe.addBattleHistory(BattleRecord{
				AntibodyID:      antibodyID,
				AttackResult:    result.AttackResult,
				DetectionResult: result.DetectionResult,
				BattleID:        fmt.Sprintf("battle-%d", time.Now().UnixNano()),
				Timestamp:       time.Now(),
				Environment:     environment,
				MonotonicMs:     result.MonotonicMs,
			})

		case <-runCtx.Done():
			return FitnessSummary{}, evoerr.Wrap(evoerr.KindTrialTimeout, runCtx.Err(), "evaluation window expired")
		}
	}

	detectionRate := float64(truePositives) / float64(attackSamples)
	avgLatency := totalLatency / float64(attackSamples)
	lo, hi := Wilson(truePositives, attackSamples, 0.05)

	targetFPR := fe.TargetFPR
	if targetFPR == 0 {
		targetFPR = DefaultTargetFPR
	}

	var roc *ROCSummary
	if benignSamples > 0 {
		tpr, threshold, fpr := tprAtFPR(samples, targetFPR)
		roc = &ROCSummary{Threshold: threshold, TPR: tpr, FPR: fpr}
	}

	avgBlast := float64(blastSum) / float64(attackSamples)

	return FitnessSummary{
		DetectionRate:   detectionRate,
		AvgLatencyMs:    avgLatency,
		P95LatencyMs:    percentile95(latencies),
		ROC:             roc,
		ConfidenceLower: lo,
		ConfidenceUpper: hi,
		StabilityScore:  fe.EnvironmentStability(antibodyID),
		SampleSize:      total,
		AvgBlastRadius:  avgBlast,
		ContainmentCost: (avgLatency / 1000.0) * avgBlast,
		BlastRadius:     RingForBlastRadius(avgBlast),
	}, nil
}

type battleTask struct {
	attack bool
	index  int
}

func (fe *FitnessEvaluator) battleWorker(ctx context.Context, wg *sync.WaitGroup, tasks <-chan battleTask, results chan<- BattleResult, antibodyID string) {
	defer wg.Done()

	for task := range tasks {
		select {
		case <-ctx.Done():
			return
		default:
		}

		battleCtx, cancel := context.WithTimeout(ctx, trialTimeout)
		var result BattleResult
		if task.attack {
			result = fe.runAttackTrial(battleCtx, antibodyID, task.index)
		} else {
			result = fe.runBenignTrial(battleCtx, antibodyID, task.index)
		}
		cancel()

		select {
		case results <- result:
		case <-ctx.Done():
			return
		}
	}
}

func (fe *FitnessEvaluator) runAttackTrial(ctx context.Context, antibodyID string, trialNum int) BattleResult {
	battleID := fmt.Sprintf("attack-%s-%d-%d", antibodyID, trialNum, time.Now().UnixNano())

	start := time.Now()
	attack, err := fe.LaunchRedAttack(ctx, "privilege-escalation", battleID)
	if err != nil {
		return BattleResult{Err: wrapTrialErr(ctx, evoerr.KindExternalAttackFailed, err, "red attack")}
	}

	detection, err := fe.MonitorBlueDetection(ctx, battleID, antibodyID, detectionTimeout)
	if err != nil {
		return BattleResult{Err: wrapTrialErr(ctx, evoerr.KindExternalDetectionFailed, err, "blue detection")}
	}

	return BattleResult{
		AttackResult:    *attack,
		DetectionResult: *detection,
		MonotonicMs:     float64(time.Since(start).Nanoseconds()) / 1e6,
	}
}

func (fe *FitnessEvaluator) runBenignTrial(ctx context.Context, antibodyID string, sampleNum int) BattleResult {
	start := time.Now()

	detection, err := fe.GenerateBenignSample(ctx, antibodyID)
	if err != nil {
		return BattleResult{Err: wrapTrialErr(ctx, evoerr.KindExternalDetectionFailed, err, "benign sample")}
	}

	return BattleResult{
		AttackResult: AttackResult{
			AttackID:   fmt.Sprintf("benign-%d", sampleNum),
			Pattern:    "benign",
			Techniques: []string{},
		},
		DetectionResult: *detection,
		MonotonicMs:     float64(time.Since(start).Nanoseconds()) / 1e6,
	}
}

// wrapTrialErr distinguishes a blown trial deadline from a hook failure.
func wrapTrialErr(ctx context.Context, kind evoerr.Kind, err error, stage string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return evoerr.Wrap(evoerr.KindTrialTimeout, err, "%s timed out", stage)
	}
	return evoerr.Wrap(kind, err, "%s failed", stage)
}

// tprAtFPR sorts samples by score descending and sweeps thresholds,
// grouping ties, to find the best TPR among operating points with
// fpr <= targetFPR. A +Inf threshold means no sampled score qualified
// and the only compliant point admits nothing. Returns NaN threshold
// when either class is empty.
func tprAtFPR(samples []Sample, targetFPR float64) (tpr, threshold, fpr float64) {
	if len(samples) == 0 {
		return 0, math.NaN(), 0
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Score > samples[j].Score
	})

	var pos, neg int
	for _, s := range samples {
		if s.Label == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0, math.NaN(), 0
	}

	// Start from the operating point above every score: nothing admitted,
	// TPR 0 at FPR 0. Strict targets fall back here when every sampled
	// threshold lets too many negatives through.
	var tp, fp int
	bestTPR, bestThreshold, bestFPR := 0.0, math.Inf(1), 0.0

	for i := 0; i < len(samples); {
		current := samples[i].Score

		j := i
		for j < len(samples) && samples[j].Score == current {
			if samples[j].Label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}

		currFPR := float64(fp) / float64(neg)
		currTPR := float64(tp) / float64(pos)
		if currFPR <= targetFPR && currTPR >= bestTPR {
			bestTPR, bestThreshold, bestFPR = currTPR, current, currFPR
		}

		i = j
	}

	return bestTPR, bestThreshold, bestFPR
}

// addBattleHistory is an O(1) ring-buffer append.
func (fe *FitnessEvaluator) addBattleHistory(record BattleRecord) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.battleHistory[fe.historyIndex] = record
	fe.historyIndex = (fe.historyIndex + 1) % MaxBattleHistory
	if fe.historyIndex == 0 {
		fe.historyFull = true
	}
}

// EnvironmentStability scores cross-environment detection consistency
// from the antibody's recent battles: neutral 0.5 under 10 battles,
// 0.8 for a single environment, otherwise exp(−4·variance) of the
// per-environment detection-rate means.
func (fe *FitnessEvaluator) EnvironmentStability(antibodyID string) float64 {
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	recent := fe.recentBattles(antibodyID, stabilityWindow)
	if len(recent) < 10 {
		return InsufficientDataStability
	}

	envDetections := make(map[string][]float64)
	for _, battle := range recent {
		env := battle.Environment
		if env == "" {
			env = "unknown"
		}
		detected := 0.0
		if battle.DetectionResult.Detected {
			detected = 1.0
		}
		envDetections[env] = append(envDetections[env], detected)
	}

	if len(envDetections) < 2 {
		return SingleEnvStability
	}

	envMeans := make([]float64, 0, len(envDetections))
	for _, detections := range envDetections {
		envMeans = append(envMeans, mean(detections))
	}

	overall := mean(envMeans)
	variance := 0.0
	for _, m := range envMeans {
		diff := m - overall
		variance += diff * diff
	}
	variance /= float64(len(envMeans))

	return Clamp01(math.Exp(-4.0 * variance))
}

// recentBattles walks the ring buffer backwards collecting up to
// maxCount battles for the given antibody. Caller holds at least a
// read lock.
func (fe *FitnessEvaluator) recentBattles(antibodyID string, maxCount int) []BattleRecord {
	recent := make([]BattleRecord, 0, maxCount)
	count := MaxBattleHistory
	if !fe.historyFull {
		count = fe.historyIndex
	}

	for i := 0; i < count && len(recent) < maxCount; i++ {
		idx := (fe.historyIndex - 1 - i + MaxBattleHistory) % MaxBattleHistory
		if fe.battleHistory[idx].AntibodyID == antibodyID {
			recent = append(recent, fe.battleHistory[idx])
		}
	}
	return recent
}

// RecentBattles exposes per-antibody history for status reporting.
func (fe *FitnessEvaluator) RecentBattles(antibodyID string, maxCount int) []BattleRecord {
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	return fe.recentBattles(antibodyID, maxCount)
}

// percentile95 returns the ceil(0.95n)−1 indexed element after sorting.
// It sorts the slice in place.
func percentile95(latencies []float64) float64 {
	if len(latencies) == 0 {
		return 0
	}
	sort.Float64s(latencies)
	idx := int(math.Ceil(0.95*float64(len(latencies)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return latencies[idx]
}

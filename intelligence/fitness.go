// Package intelligence - fitness summaries and scoring math
package intelligence

import (
	"math"
)

// Latency thresholds for the fitness blend.
const (
	P95OKMs  = 500.0  // p95 at or under this scores full latency credit
	P95BadMs = 2000.0 // p95 at or over this scores zero
)

// ROCSummary is the selected operating point from a ROC sweep.
type ROCSummary struct {
	Threshold float64 `json:"threshold"`
	TPR       float64 `json:"tpr"`
	FPR       float64 `json:"fpr"`
}

// FitnessSummary carries the statistics the promotion pipeline gates on.
// Latency fields cover attack samples only.
type FitnessSummary struct {
	DetectionRate   float64     `json:"detection_rate"`
	AvgLatencyMs    float64     `json:"avg_latency_ms"`
	P95LatencyMs    float64     `json:"p95_latency_ms"`
	ROC             *ROCSummary `json:"roc,omitempty"`
	ConfidenceLower float64     `json:"confidence_lower"`
	ConfidenceUpper float64     `json:"confidence_upper"`
	StabilityScore  float64     `json:"stability_score"`
	SampleSize      int         `json:"sample_size"`
	AvgBlastRadius  float64     `json:"avg_blast_radius"`
	ContainmentCost float64     `json:"containment_cost"`
	BlastRadius     string      `json:"blast_radius,omitempty"` // ring-1..ring-5
	OverallFitness  float64     `json:"overall_fitness,omitempty"`
}

// MeetsPromotionSLO reports whether this summary clears the promotion
// bar: enough samples for statistical power, Wilson lower bound at or
// above the TPR floor, and (when a ROC point exists) FPR at or under
// the ceiling.
func (s FitnessSummary) MeetsPromotionSLO(minTPRLB, maxFPRUB float64) bool {
	if s.SampleSize < 200 {
		return false
	}
	if s.ConfidenceLower < minTPRLB {
		return false
	}
	if s.ROC != nil && s.ROC.FPR > maxFPRUB {
		return false
	}
	return true
}

// ExtendedFitnessSummary adds confusion-matrix and operational fields
// used by the richer fitness blend.
type ExtendedFitnessSummary struct {
	FitnessSummary

	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1Score        float64 `json:"f1_score"`

	CPUCores float64 `json:"cpu_cores"`
	MemoryMB float64 `json:"memory_mb"`

	SafetyViolations int `json:"safety_violations"`

	VariantID   string `json:"variant_id"`
	Environment string `json:"environment"`
	EvaluatedAt int64  `json:"evaluated_at"`
}

// Wilson computes the two-sided Wilson score interval for a binomial
// proportion. Exact z values keep the bounds bit-stable across builds.
// Zero trials yields (0,0).
func Wilson(successes, trials int, alpha float64) (lo, hi float64) {
	if trials == 0 {
		return 0, 0
	}

	z := 1.959963984540054 // 95%
	switch alpha {
	case 0.10:
		z = 1.6448536269514729
	case 0.01:
		z = 2.5758293035489004
	}

	p := float64(successes) / float64(trials)
	n := float64(trials)

	denom := 1 + (z*z)/n
	center := p + (z*z)/(2*n)
	half := z * math.Sqrt((p*(1-p)+(z*z)/(4*n))/n)

	return math.Max(0, (center-half)/denom), math.Min(1, (center+half)/denom)
}

// WilsonLower is the one-sided convenience used by the extended blend.
func WilsonLower(successes, trials int) float64 {
	lo, _ := Wilson(successes, trials, 0.05)
	return lo
}

// Clamp01 pins a score to [0,1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func latencyCredit(p95 float64) float64 {
	switch {
	case p95 <= 0:
		return 1.0
	case p95 <= P95OKMs:
		return 1.0
	case p95 >= P95BadMs:
		return 0.0
	default:
		return 1.0 - (p95-P95OKMs)/(P95BadMs-P95OKMs)
	}
}

func ringPenalty(ring string) float64 {
	switch ring {
	case "ring-2":
		return 0.9
	case "ring-3":
		return 0.7
	case "ring-4":
		return 0.5
	case "ring-5":
		return 0.3
	default:
		return 1.0
	}
}

// ComputeOverallFitness blends detection confidence, stability, latency,
// and blast penalty into one monotone score. A precomputed
// OverallFitness short-circuits the blend.
func ComputeOverallFitness(s FitnessSummary) float64 {
	if s.OverallFitness > 0 {
		return s.OverallFitness
	}

	base := s.ConfidenceLower
	if base == 0 && s.SampleSize > 0 {
		base = 0.5 // unknown confidence scores neutral
	}

	stability := s.StabilityScore
	if stability == 0 {
		stability = 0.5
	}

	raw := 0.5*base + 0.2*stability + 0.2*latencyCredit(s.P95LatencyMs) + 0.1*ringPenalty(s.BlastRadius)
	return Clamp01(raw)
}

// ComputeExtendedFitness scores a summary carrying confusion-matrix
// fields. Safety violations decay the score exponentially; the
// detection term mixes F1 with the Wilson lower bound on TPR.
func ComputeExtendedFitness(e ExtendedFitnessSummary) float64 {
	f1 := e.F1Score
	if f1 == 0 && (e.Precision > 0 || e.Recall > 0) {
		if den := e.Precision + e.Recall; den > 0 {
			f1 = 2 * (e.Precision * e.Recall) / den
		}
	}

	p95 := e.P95LatencyMs
	if p95 <= 0 {
		p95 = e.AvgLatencyMs
	}

	safety := 1.0
	if e.SafetyViolations > 0 {
		safety = math.Exp(-0.7 * float64(e.SafetyViolations))
	}

	wilson := 1.0
	if e.TruePositives+e.FalseNegatives > 0 {
		wilson = WilsonLower(e.TruePositives, e.TruePositives+e.FalseNegatives)
	}

	stability := e.StabilityScore
	if stability == 0 {
		stability = 0.5
	}

	detect := 0.7*f1 + 0.3*wilson
	return Clamp01(detect * safety * latencyCredit(p95) * stability)
}

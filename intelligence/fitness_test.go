package intelligence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWilsonShrinksTowardHalf(t *testing.T) {
	// 9/10 and 90/100 have the same point estimate; the smaller sample
	// must carry a wider interval.
	loSmall, hiSmall := Wilson(9, 10, 0.05)
	loBig, hiBig := Wilson(90, 100, 0.05)

	assert.Less(t, loSmall, loBig)
	assert.Greater(t, hiSmall-loSmall, hiBig-loBig)
}

func TestWilsonBounds(t *testing.T) {
	lo, hi := Wilson(0, 0, 0.05)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 0.0, hi)

	lo, hi = Wilson(10, 10, 0.05)
	assert.Greater(t, lo, 0.6)
	assert.Equal(t, 1.0, hi)

	lo, hi = Wilson(0, 10, 0.05)
	assert.Equal(t, 0.0, lo)
	assert.Less(t, hi, 0.4)

	// known value: 95/100 at 95% confidence gives lower bound ~0.888
	lo, _ = Wilson(95, 100, 0.05)
	assert.InDelta(t, 0.8882, lo, 0.001)
}

func TestWilsonAlphaWidensWith99(t *testing.T) {
	lo95, hi95 := Wilson(80, 100, 0.05)
	lo99, hi99 := Wilson(80, 100, 0.01)
	assert.Less(t, lo99, lo95)
	assert.Greater(t, hi99, hi95)
}

func TestMeetsPromotionSLO(t *testing.T) {
	good := FitnessSummary{SampleSize: 300, ConfidenceLower: 0.85, ROC: &ROCSummary{FPR: 0.0005}}
	assert.True(t, good.MeetsPromotionSLO(0.80, 0.001))

	tooFew := good
	tooFew.SampleSize = 100
	assert.False(t, tooFew.MeetsPromotionSLO(0.80, 0.001))

	lowBound := good
	lowBound.ConfidenceLower = 0.75
	assert.False(t, lowBound.MeetsPromotionSLO(0.80, 0.001))

	noisyFPR := good
	noisyFPR.ROC = &ROCSummary{FPR: 0.01}
	assert.False(t, noisyFPR.MeetsPromotionSLO(0.80, 0.001))

	noROC := good
	noROC.ROC = nil
	assert.True(t, noROC.MeetsPromotionSLO(0.80, 0.001), "missing ROC skips the FPR gate")
}

func TestComputeOverallFitnessMonotone(t *testing.T) {
	low := ComputeOverallFitness(FitnessSummary{ConfidenceLower: 0.5, StabilityScore: 0.5, SampleSize: 100})
	high := ComputeOverallFitness(FitnessSummary{ConfidenceLower: 0.9, StabilityScore: 0.5, SampleSize: 100})
	assert.Greater(t, high, low)

	fast := ComputeOverallFitness(FitnessSummary{ConfidenceLower: 0.8, P95LatencyMs: 100, SampleSize: 100})
	slow := ComputeOverallFitness(FitnessSummary{ConfidenceLower: 0.8, P95LatencyMs: 1900, SampleSize: 100})
	assert.Greater(t, fast, slow)

	narrow := ComputeOverallFitness(FitnessSummary{ConfidenceLower: 0.8, BlastRadius: "ring-1", SampleSize: 100})
	wide := ComputeOverallFitness(FitnessSummary{ConfidenceLower: 0.8, BlastRadius: "ring-5", SampleSize: 100})
	assert.Greater(t, narrow, wide)
}

func TestComputeOverallFitnessShortCircuit(t *testing.T) {
	s := FitnessSummary{OverallFitness: 0.42, ConfidenceLower: 0.99}
	assert.Equal(t, 0.42, ComputeOverallFitness(s))
}

func TestComputeExtendedFitnessSafetyDecay(t *testing.T) {
	base := ExtendedFitnessSummary{
		FitnessSummary: FitnessSummary{StabilityScore: 0.9, P95LatencyMs: 200},
		TruePositives:  90,
		FalseNegatives: 10,
		Precision:      0.9,
		Recall:         0.9,
	}
	clean := ComputeExtendedFitness(base)

	violated := base
	violated.SafetyViolations = 1
	assert.Less(t, ComputeExtendedFitness(violated), clean)

	worse := base
	worse.SafetyViolations = 3
	assert.Less(t, ComputeExtendedFitness(worse), ComputeExtendedFitness(violated))
}

func TestRingForBlastRadius(t *testing.T) {
	assert.Equal(t, "ring-1", RingForBlastRadius(0.5))
	assert.Equal(t, "ring-1", RingForBlastRadius(1))
	assert.Equal(t, "ring-2", RingForBlastRadius(3))
	assert.Equal(t, "ring-3", RingForBlastRadius(10))
	assert.Equal(t, "ring-4", RingForBlastRadius(40))
	assert.Equal(t, "ring-5", RingForBlastRadius(200))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(2))
	assert.Equal(t, 0.5, Clamp01(0.5))
}

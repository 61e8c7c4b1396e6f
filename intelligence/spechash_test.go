package intelligence

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/evoerr"
)

func ruleSpec() AntibodySpec {
	return AntibodySpec{
		Detector: DetectorSpec{
			Type: DetectorRule,
			Rule: &RuleSpec{
				Pattern:    "lateral-movement",
				EngineHint: "re2",
				Features:   map[string]string{"syn_burst": "1", "port_scan": "0", "dns_tunnel": "1"},
			},
		},
		Scope: ScopeSpec{
			Environments:        []string{"prod", "staging"},
			Labels:              map[string]string{"team": "sec", "zone": "edge"},
			ConfidenceThreshold: 0.75,
		},
		Lineage: LineageSpec{ParentID: "variant-root", Generation: 3},
	}
}

func TestSpecHashDeterministic(t *testing.T) {
	h1, err := ComputeSpecHash(ruleSpec())
	require.NoError(t, err)
	h2, err := ComputeSpecHash(ruleSpec())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSpecHashIgnoresMapOrder(t *testing.T) {
	a := ruleSpec()
	b := ruleSpec()
	// rebuild the maps in a different insertion order
	b.Detector.Rule.Features = map[string]string{"dns_tunnel": "1", "port_scan": "0", "syn_burst": "1"}
	b.Scope.Labels = map[string]string{"zone": "edge", "team": "sec"}
	b.Scope.Environments = []string{"staging", "prod"}

	ha, err := ComputeSpecHash(a)
	require.NoError(t, err)
	hb, err := ComputeSpecHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestSpecHashSensitiveToContent(t *testing.T) {
	base, err := ComputeSpecHash(ruleSpec())
	require.NoError(t, err)

	changed := ruleSpec()
	changed.Detector.Rule.Features["syn_burst"] = "0"
	h, err := ComputeSpecHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	changed = ruleSpec()
	changed.Scope.ConfidenceThreshold = 0.76
	h, err = ComputeSpecHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)

	changed = ruleSpec()
	changed.Lineage.Generation = 4
	h, err = ComputeSpecHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, base, h)
}

func TestSpecHashRejectsNonFinite(t *testing.T) {
	spec := ruleSpec()
	spec.Scope.ConfidenceThreshold = math.NaN()
	_, err := ComputeSpecHash(spec)
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))

	spec = AntibodySpec{
		Detector: DetectorSpec{
			Type:   DetectorHybrid,
			Hybrid: &HybridSpec{RuleWeight: math.Inf(1), ModelWeight: 0.5},
		},
		Scope: ScopeSpec{Environments: []string{"prod"}},
	}
	_, err = ComputeSpecHash(spec)
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))
}

func TestSpecHashDiscriminatesDetectorType(t *testing.T) {
	rule := ruleSpec()
	hybrid := ruleSpec()
	hybrid.Detector.Type = DetectorHybrid
	hybrid.Detector.Hybrid = &HybridSpec{RuleWeight: 0.5, ModelWeight: 0.5}

	hr, err := ComputeSpecHash(rule)
	require.NoError(t, err)
	hh, err := ComputeSpecHash(hybrid)
	require.NoError(t, err)
	assert.NotEqual(t, hr, hh)
}

func TestGenerateVariantID(t *testing.T) {
	id1 := GenerateVariantID("mutation", 3, 0, "variant-parent")
	id2 := GenerateVariantID("mutation", 3, 0, "variant-parent")
	assert.Equal(t, id1, id2, "identity derives from the lineage tuple alone")
	assert.True(t, strings.HasPrefix(id1, "variant-"))

	assert.NotEqual(t, id1, GenerateVariantID("mutation", 3, 1, "variant-parent"))
	assert.NotEqual(t, id1, GenerateVariantID("mutation", 4, 0, "variant-parent"))
	assert.NotEqual(t, id1, GenerateVariantID("crossover", 3, 0, "variant-parent"))
	assert.NotEqual(t, id1, GenerateVariantID("mutation", 3, 0, "variant-other"))
}

func TestFeatureValueCanonical(t *testing.T) {
	n, err := FeatureNumber(0.1)
	require.NoError(t, err)
	assert.Equal(t, "n:0.1", n.Canonical())
	assert.Equal(t, "s:tcp", FeatureString("tcp").Canonical())
	assert.Equal(t, "b:true", FeatureBool(true).Canonical())

	_, err = FeatureNumber(math.NaN())
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))
	_, err = FeatureValueOf([]string{"nope"})
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))
}

// Package intelligence - deterministic antibody spec identity
package intelligence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aswarm/evolution-core/evoerr"
)

// ComputeSpecHash produces a stable SHA-256 over the canonical spec
// serialization: tagged-union discriminant first, maps by sorted key,
// sets by sorted element, floats in shortest-round-trip form. Equal
// specs hash equally across processes and platforms. Non-finite
// numeric fields are rejected.
func ComputeSpecHash(spec AntibodySpec) (string, error) {
	if err := checkFinite("scope.confidence_threshold", spec.Scope.ConfidenceThreshold); err != nil {
		return "", err
	}

	h := sha256.New()

	h.Write([]byte("detector.type:"))
	h.Write([]byte(spec.Detector.Type))
	h.Write([]byte(";"))

	switch spec.Detector.Type {
	case DetectorRule:
		if spec.Detector.Rule != nil {
			h.Write([]byte("rule.pattern:"))
			h.Write([]byte(spec.Detector.Rule.Pattern))
			h.Write([]byte(";"))
			h.Write([]byte("rule.engine_hint:"))
			h.Write([]byte(spec.Detector.Rule.EngineHint))
			h.Write([]byte(";"))
			hashStringMap(h, spec.Detector.Rule.Features, "rule.features.")
		}
	case DetectorModel:
		if spec.Detector.Model != nil {
			h.Write([]byte("model.training_data:"))
			h.Write([]byte(spec.Detector.Model.TrainingData))
			h.Write([]byte(";"))
			hashFeatureMap(h, spec.Detector.Model.Features, "model.features.")
		}
	case DetectorHybrid:
		if spec.Detector.Hybrid != nil {
			if err := checkFinite("hybrid.rule_weight", spec.Detector.Hybrid.RuleWeight); err != nil {
				return "", err
			}
			if err := checkFinite("hybrid.model_weight", spec.Detector.Hybrid.ModelWeight); err != nil {
				return "", err
			}
			h.Write([]byte("hybrid.rule_weight:"))
			h.Write([]byte(formatFloat(spec.Detector.Hybrid.RuleWeight)))
			h.Write([]byte(";"))
			h.Write([]byte("hybrid.model_weight:"))
			h.Write([]byte(formatFloat(spec.Detector.Hybrid.ModelWeight)))
			h.Write([]byte(";"))
		}
	}

	h.Write([]byte("scope.environments:"))
	h.Write([]byte(joinSorted(spec.Scope.Environments)))
	h.Write([]byte(";"))

	h.Write([]byte("scope.namespaces:"))
	h.Write([]byte(joinSorted(spec.Scope.Namespaces)))
	h.Write([]byte(";"))

	hashStringMap(h, spec.Scope.Labels, "scope.labels.")

	h.Write([]byte("scope.confidence_threshold:"))
	h.Write([]byte(formatFloat(spec.Scope.ConfidenceThreshold)))
	h.Write([]byte(";"))

	// Lineage is identity material only through the parent linkage.
	h.Write([]byte("lineage.parent_id:"))
	h.Write([]byte(spec.Lineage.ParentID))
	h.Write([]byte(";"))
	h.Write([]byte("lineage.generation:"))
	h.Write([]byte(strconv.Itoa(spec.Lineage.Generation)))
	h.Write([]byte(";"))

	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkFinite(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return evoerr.New(evoerr.KindInvalidSpec, "%s is not finite: %v", field, v)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func joinSorted(elems []string) string {
	if len(elems) == 0 {
		return ""
	}
	sorted := make([]string, len(elems))
	copy(sorted, elems)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func hashStringMap(h hash.Hash, m map[string]string, prefix string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s%s=%s;", prefix, k, m[k])
	}
}

func hashFeatureMap(h hash.Hash, m map[string]FeatureValue, prefix string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s%s=%s;", prefix, k, m[k].Canonical())
	}
}

// GenerateVariantID derives the deterministic variant identity from the
// lineage tuple (kind, generation, offspring index, parent ids).
func GenerateVariantID(kind string, generation, index int, parents ...string) string {
	base := fmt.Sprintf("%s|g=%d|i=%d|p=%s", kind, generation, index, strings.Join(parents, ","))
	sum := sha256.Sum256([]byte(base))
	return fmt.Sprintf("variant-%x", sum[:8])
}

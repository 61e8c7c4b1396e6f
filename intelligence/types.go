// Package intelligence - A-SWARM antibody model and evolution core types
package intelligence

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/aswarm/evolution-core/evoerr"
)

// Deployment phases an antibody moves through.
const (
	PhasePending = "pending"
	PhaseShadow  = "shadow"
	PhaseStaged  = "staged"
	PhaseCanary  = "canary"
	PhaseActive  = "active"
	PhaseRetired = "retired"
)

// DetectorRule, DetectorModel, DetectorHybrid are the closed set of
// detector discriminants.
const (
	DetectorRule   = "rule"
	DetectorModel  = "model"
	DetectorHybrid = "hybrid"
)

//
// ─── ANTIBODY SPEC ────────────────────────────────────────────────────────────
//

type AntibodySpec struct {
	Detector DetectorSpec `json:"detector"`
	Scope    ScopeSpec    `json:"scope"`
	Lineage  LineageSpec  `json:"lineage,omitempty"`
	Controls ControlsSpec `json:"controls,omitempty"`
}

type DetectorSpec struct {
	Type   string      `json:"type"` // rule, model, hybrid
	Rule   *RuleSpec   `json:"rule,omitempty"`
	Model  *ModelSpec  `json:"model,omitempty"`
	Hybrid *HybridSpec `json:"hybrid,omitempty"`
}

type RuleSpec struct {
	Pattern    string            `json:"pattern"`
	Features   map[string]string `json:"features"`
	EngineHint string            `json:"engine_hint"`
}

type ModelSpec struct {
	Features     map[string]FeatureValue `json:"features"`
	TrainingData string                  `json:"training_data"`
}

type HybridSpec struct {
	RuleWeight  float64 `json:"rule_weight"`
	ModelWeight float64 `json:"model_weight"`
}

type ScopeSpec struct {
	Environments        []string          `json:"environments"`
	Namespaces          []string          `json:"namespaces,omitempty"`
	Labels              map[string]string `json:"labels,omitempty"`
	ConfidenceThreshold float64           `json:"confidence_threshold,omitempty"`
}

type LineageSpec struct {
	ParentID     string    `json:"parent_id,omitempty"`
	Generation   int       `json:"generation,omitempty"`
	MutationType string    `json:"mutation_type,omitempty"`
	CreationTime time.Time `json:"creation_time,omitempty"`
	Creator      string    `json:"creator,omitempty"`
}

type ControlsSpec struct {
	TTLHours    int  `json:"ttl_hours,omitempty"`
	ShadowHours int  `json:"shadow_hours,omitempty"`
	MaxRing     int  `json:"max_ring,omitempty"`
	AutoPromote bool `json:"auto_promote,omitempty"`
}

//
// ─── MODEL FEATURE VALUES ─────────────────────────────────────────────────────
//

type featureKind uint8

const (
	featureString featureKind = iota
	featureNumber
	featureBool
)

// FeatureValue is the sum type for model feature bags. Only string,
// float64, and bool are representable; construction from anything else
// fails with invalid_spec. The zero value is the empty string.
type FeatureValue struct {
	kind featureKind
	s    string
	f    float64
	b    bool
}

func FeatureString(s string) FeatureValue { return FeatureValue{kind: featureString, s: s} }
func FeatureBool(b bool) FeatureValue     { return FeatureValue{kind: featureBool, b: b} }

// FeatureNumber rejects NaN and Inf so every stored value is hashable.
func FeatureNumber(f float64) (FeatureValue, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return FeatureValue{}, evoerr.New(evoerr.KindInvalidSpec, "model feature value is not finite: %v", f)
	}
	return FeatureValue{kind: featureNumber, f: f}, nil
}

// FeatureValueOf converts a dynamically-typed value into a FeatureValue.
func FeatureValueOf(v any) (FeatureValue, error) {
	switch x := v.(type) {
	case string:
		return FeatureString(x), nil
	case float64:
		return FeatureNumber(x)
	case int:
		return FeatureNumber(float64(x))
	case bool:
		return FeatureBool(x), nil
	default:
		return FeatureValue{}, evoerr.New(evoerr.KindInvalidSpec, "unsupported model feature type %T", v)
	}
}

// Canonical returns the stable string form used for hashing. Numbers use
// shortest-round-trip formatting so the same value canonicalizes
// identically on every platform.
func (v FeatureValue) Canonical() string {
	switch v.kind {
	case featureNumber:
		return "n:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case featureBool:
		return "b:" + strconv.FormatBool(v.b)
	default:
		return "s:" + v.s
	}
}

func (v FeatureValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case featureNumber:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, evoerr.New(evoerr.KindInvalidSpec, "model feature value is not finite")
		}
		return json.Marshal(v.f)
	case featureBool:
		return json.Marshal(v.b)
	default:
		return json.Marshal(v.s)
	}
}

func (v *FeatureValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fv, err := FeatureValueOf(raw)
	if err != nil {
		return err
	}
	*v = fv
	return nil
}

//
// ─── VARIANTS AND POPULATION STATE ────────────────────────────────────────────
//

// AntibodyVariant is an antibody spec plus the lineage metadata that
// makes mutation reproducible.
type AntibodyVariant struct {
	ID           string       `json:"id"`
	SpecHash     string       `json:"spec_hash"`
	ParentIDs    []string     `json:"parent_ids,omitempty"`
	Generation   int          `json:"generation"`
	Spec         AntibodySpec `json:"spec"`
	ProposedBy   string       `json:"proposed_by,omitempty"`
	CreatedAt    int64        `json:"created_at"`
	DiversitySig string       `json:"diversity_signature,omitempty"`
}

// PopulationConfig tunes the genetic search.
type PopulationConfig struct {
	ShadowPoolSize  int     `json:"shadow_pool_size"`
	StagedPoolSize  int     `json:"staged_pool_size"`
	EliteSize       int     `json:"elite_size"`
	MutationRate    float64 `json:"mutation_rate"`
	CrossoverRate   float64 `json:"crossover_rate"`
	DiversityLambda float64 `json:"diversity_lambda"`
}

// DefaultPopulationConfig matches the autonomous loop defaults.
func DefaultPopulationConfig() PopulationConfig {
	return PopulationConfig{
		ShadowPoolSize:  50,
		StagedPoolSize:  10,
		EliteSize:       10,
		MutationRate:    0.1,
		CrossoverRate:   0.2,
		DiversityLambda: 0.3,
	}
}

// PopulationState is the persisted snapshot of a population manager.
type PopulationState struct {
	Generation       int                        `json:"generation"`
	ActivePools      map[string][]string        `json:"active_pools"`
	ParentPool       []string                   `json:"parent_pool"`
	ArchivePool      []string                   `json:"archive_pool"`
	Variants         map[string]AntibodyVariant `json:"variants"`
	Fitness          map[string]FitnessSummary  `json:"fitness"`
	SpecHashes       map[string]string          `json:"spec_hashes"`
	Diversity        float64                    `json:"diversity"`
	BestFitness      float64                    `json:"best_fitness"`
	BestFitnessByGen []float64                  `json:"best_fitness_by_gen"`
	Params           PopulationConfig           `json:"params"`
	LastUpdated      int64                      `json:"last_updated"`
}

//
// ─── ANTIBODY CUSTOM RESOURCE ─────────────────────────────────────────────────
//

type AntibodyStatus struct {
	Fitness    FitnessStatus      `json:"fitness,omitempty"`
	Deployment DeploymentStatus   `json:"deployment,omitempty"`
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

type FitnessStatus struct {
	TPRAtTargetFPR *float64 `json:"tpr_at_target_fpr,omitempty"`
	MTTDP95Ms      float64  `json:"mttd_p95_ms"`
	BlastRadius    string   `json:"blast_radius,omitempty"`
	StabilityScore float64  `json:"stability_score"`
	WilsonLower    float64  `json:"wilson_lower"`
	WilsonUpper    float64  `json:"wilson_upper"`
	SampleSize     int      `json:"sample_size"`
}

type DeploymentStatus struct {
	Phase                 string    `json:"phase,omitempty"`
	ClustersDeployed      []string  `json:"clusters_deployed,omitempty"`
	ShadowStart           time.Time `json:"shadow_start,omitempty"`
	PromotionEligible     time.Time `json:"promotion_eligible,omitempty"`
	LastPromotionTime     time.Time `json:"last_promotion_time,omitempty"`
	CurrentReconcilePhase string    `json:"current_reconcile_phase,omitempty"`
	SafetyViolations      int       `json:"safety_violations,omitempty"`
	LastUpdate            time.Time `json:"last_update,omitempty"`
}

type Antibody struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`
	Spec              AntibodySpec   `json:"spec"`
	Status            AntibodyStatus `json:"status,omitempty"`
}

type AntibodyList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Antibody `json:"items"`
}

// GroupVersion identifies the antibody CRD API.
var GroupVersion = schema.GroupVersion{Group: "aswarm.dev", Version: "v1alpha1"}

// AddToScheme registers Antibody types with a runtime scheme.
func AddToScheme(s *runtime.Scheme) error {
	s.AddKnownTypes(GroupVersion, &Antibody{}, &AntibodyList{})
	metav1.AddToGroupVersion(s, GroupVersion)
	return nil
}

func (a *Antibody) DeepCopyObject() runtime.Object {
	out := new(Antibody)
	a.DeepCopyInto(out)
	return out
}

func (a *Antibody) DeepCopyInto(out *Antibody) {
	out.TypeMeta = a.TypeMeta
	a.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = DeepCopySpec(a.Spec)
	out.Status = a.Status
	if a.Status.Conditions != nil {
		out.Status.Conditions = make([]metav1.Condition, len(a.Status.Conditions))
		copy(out.Status.Conditions, a.Status.Conditions)
	}
	if a.Status.Deployment.ClustersDeployed != nil {
		out.Status.Deployment.ClustersDeployed = make([]string, len(a.Status.Deployment.ClustersDeployed))
		copy(out.Status.Deployment.ClustersDeployed, a.Status.Deployment.ClustersDeployed)
	}
	if a.Status.Fitness.TPRAtTargetFPR != nil {
		v := *a.Status.Fitness.TPRAtTargetFPR
		out.Status.Fitness.TPRAtTargetFPR = &v
	}
}

func (l *AntibodyList) DeepCopyObject() runtime.Object {
	out := new(AntibodyList)
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	if l.Items != nil {
		out.Items = make([]Antibody, len(l.Items))
		for i := range l.Items {
			l.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
	return out
}

// DeepCopySpec clones an AntibodySpec so mutation never aliases the
// parent's maps or slices.
func DeepCopySpec(spec AntibodySpec) AntibodySpec {
	cp := AntibodySpec{
		Detector: DetectorSpec{Type: spec.Detector.Type},
		Scope: ScopeSpec{
			Environments:        append([]string(nil), spec.Scope.Environments...),
			ConfidenceThreshold: spec.Scope.ConfidenceThreshold,
		},
		Lineage:  spec.Lineage,
		Controls: spec.Controls,
	}
	if len(spec.Scope.Namespaces) > 0 {
		cp.Scope.Namespaces = append([]string(nil), spec.Scope.Namespaces...)
	}
	if len(spec.Scope.Labels) > 0 {
		cp.Scope.Labels = make(map[string]string, len(spec.Scope.Labels))
		for k, v := range spec.Scope.Labels {
			cp.Scope.Labels[k] = v
		}
	}
	if spec.Detector.Rule != nil {
		cp.Detector.Rule = &RuleSpec{
			Pattern:    spec.Detector.Rule.Pattern,
			EngineHint: spec.Detector.Rule.EngineHint,
			Features:   make(map[string]string, len(spec.Detector.Rule.Features)),
		}
		for k, v := range spec.Detector.Rule.Features {
			cp.Detector.Rule.Features[k] = v
		}
	}
	if spec.Detector.Model != nil {
		cp.Detector.Model = &ModelSpec{
			TrainingData: spec.Detector.Model.TrainingData,
			Features:     make(map[string]FeatureValue, len(spec.Detector.Model.Features)),
		}
		for k, v := range spec.Detector.Model.Features {
			cp.Detector.Model.Features[k] = v
		}
	}
	if spec.Detector.Hybrid != nil {
		cp.Detector.Hybrid = &HybridSpec{
			RuleWeight:  spec.Detector.Hybrid.RuleWeight,
			ModelWeight: spec.Detector.Hybrid.ModelWeight,
		}
	}
	return cp
}

// RingForBlastRadius converts an average blast radius (affected IPs)
// into the ring enum carried by the CRD.
func RingForBlastRadius(avg float64) string {
	switch {
	case avg <= 1:
		return "ring-1"
	case avg <= 5:
		return "ring-2"
	case avg <= 15:
		return "ring-3"
	case avg <= 50:
		return "ring-4"
	default:
		return "ring-5"
	}
}

// ValidatePhase rejects phases outside the closed set.
func ValidatePhase(phase string) error {
	switch phase {
	case PhasePending, PhaseShadow, PhaseStaged, PhaseCanary, PhaseActive, PhaseRetired:
		return nil
	}
	return evoerr.New(evoerr.KindInvalidSpec, "unknown phase %q", phase)
}

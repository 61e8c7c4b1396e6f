// Package intelligence - gated promotion state machine over the
// antibody custom resource
package intelligence

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/aswarm/evolution-core/metrics"
)

// Gate abort reasons, used as the promotion_aborts_total label.
const (
	AbortCooldown         = "cooldown"
	AbortWilsonBound      = "wilson_bound"
	AbortCanaryCap        = "canary_cap"
	AbortSafetyViolations = "safety_violations"
	AbortIdempotency      = "idempotency"
)

// PromotionGates carries the safety-gate thresholds.
type PromotionGates struct {
	CooldownHours           int     // min hours between promotions
	MinWilsonBound          float64 // Wilson lower bound floor
	MaxCanaryPct            float64 // canary ceiling as percent of fleet
	SafetyViolationLimit    int     // tolerated violations
	MinTPRLowerBound        float64 // SLO TPR floor for shadow->staged
	MaxFPRUpperBound        float64 // SLO FPR ceiling for shadow->staged
	MinShadowHours          int     // default shadow dwell when controls omit it
	FitnessPromoteThreshold float64 // overall-fitness floor for federation
}

// DefaultPromotionGates returns the production thresholds.
func DefaultPromotionGates() PromotionGates {
	return PromotionGates{
		CooldownHours:           4,
		MinWilsonBound:          0.70,
		MaxCanaryPct:            5.0,
		SafetyViolationLimit:    0,
		MinTPRLowerBound:        0.90,
		MaxFPRUpperBound:        0.001,
		MinShadowHours:          168,
		FitnessPromoteThreshold: 0.70,
	}
}

// FleetCounts is the cluster-wide census the canary cap gate needs.
type FleetCounts struct {
	Total  int
	Canary int
}

// PromotionController advances antibodies through the deployment
// phases, writing the Status subresource through the orchestrator
// client. Transitions beyond shadow pass the safety gates in order;
// the first failing gate labels exactly one abort increment.
type PromotionController struct {
	Client client.Client
	Gates  PromotionGates

	// Broadcast is invoked when an antibody reaches active with
	// overall fitness at or above FitnessPromoteThreshold. Nil disables
	// federation scheduling.
	Broadcast func(ctx context.Context, ab *Antibody, fit FitnessSummary) error

	// Evaluator provides battle history for status reporting; optional.
	Evaluator *FitnessEvaluator

	metrics metrics.Collector
	log     zerolog.Logger
	now     func() time.Time
}

// NewPromotionController wires a controller with the given client and
// gate thresholds.
func NewPromotionController(c client.Client, gates PromotionGates, collector metrics.Collector, log zerolog.Logger) *PromotionController {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &PromotionController{
		Client:  c,
		Gates:   gates,
		metrics: collector,
		log:     log,
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (pc *PromotionController) SetNow(now func() time.Time) { pc.now = now }

// EvaluateAndUpdate fetches the antibody, writes fitness status and
// conditions, then runs the promotion state machine.
func (pc *PromotionController) EvaluateAndUpdate(ctx context.Context, name, namespace string, fit FitnessSummary, fleet FleetCounts) error {
	ab := &Antibody{}
	key := types.NamespacedName{Name: name, Namespace: namespace}
	if err := pc.Client.Get(ctx, key, ab); err != nil {
		return fmt.Errorf("fetch antibody %s/%s: %w", namespace, name, err)
	}

	if err := pc.updateStatus(ctx, ab, fit); err != nil {
		return fmt.Errorf("status update: %w", err)
	}
	if err := pc.Reconcile(ctx, ab, fit, fleet); err != nil {
		return fmt.Errorf("promotion: %w", err)
	}
	return nil
}

func (pc *PromotionController) updateStatus(ctx context.Context, ab *Antibody, fit FitnessSummary) error {
	now := metav1.NewTime(pc.now())

	status := FitnessStatus{
		MTTDP95Ms:      fit.P95LatencyMs,
		StabilityScore: fit.StabilityScore,
		WilsonLower:    fit.ConfidenceLower,
		WilsonUpper:    fit.ConfidenceUpper,
		SampleSize:     fit.SampleSize,
		BlastRadius:    RingForBlastRadius(fit.AvgBlastRadius),
	}
	if fit.ROC != nil && !math.IsNaN(fit.ROC.Threshold) {
		tpr := fit.ROC.TPR
		status.TPRAtTargetFPR = &tpr
	}
	ab.Status.Fitness = status
	ab.Status.Deployment.LastUpdate = now.Time

	pc.setConditions(&ab.Status, fit, now)

	if err := pc.Client.Status().Update(ctx, ab); err != nil {
		return fmt.Errorf("orchestrator status update: %w", err)
	}
	return nil
}

func (pc *PromotionController) setConditions(status *AntibodyStatus, fit FitnessSummary, now metav1.Time) {
	conds := make([]metav1.Condition, 0, 3)

	conds = append(conds, metav1.Condition{
		Type:               "Ready",
		Status:             metav1.ConditionTrue,
		LastTransitionTime: now,
		Reason:             "FitnessEvaluated",
		Message:            fmt.Sprintf("Evaluated %d samples, detection rate=%.3f", fit.SampleSize, fit.DetectionRate),
	})

	validated := metav1.Condition{
		Type:               "Validated",
		Status:             metav1.ConditionFalse,
		LastTransitionTime: now,
		Reason:             "InsufficientSamples",
		Message:            fmt.Sprintf("Only %d samples (need 200+)", fit.SampleSize),
	}
	if fit.SampleSize >= 200 {
		validated.Status = metav1.ConditionTrue
		validated.Reason = "StatisticallyValid"
		validated.Message = fmt.Sprintf("95%% Wilson CI: [%.3f, %.3f]", fit.ConfidenceLower, fit.ConfidenceUpper)
	}
	conds = append(conds, validated)

	promoted := metav1.Condition{
		Type:               "Promoted",
		Status:             metav1.ConditionFalse,
		LastTransitionTime: now,
		Reason:             "BelowThreshold",
		Message:            fmt.Sprintf("TPR lower bound %.3f < %.3f required", fit.ConfidenceLower, pc.Gates.MinTPRLowerBound),
	}
	if fit.MeetsPromotionSLO(pc.Gates.MinTPRLowerBound, pc.Gates.MaxFPRUpperBound) {
		promoted.Status = metav1.ConditionTrue
		promoted.Reason = "MeetsSLO"
		if fit.ROC != nil && !math.IsNaN(fit.ROC.Threshold) {
			promoted.Message = fmt.Sprintf("TPR %.3f at FPR %.4f", fit.ROC.TPR, fit.ROC.FPR)
		} else {
			promoted.Message = "Meets promotion criteria"
		}
	}
	conds = append(conds, promoted)

	status.Conditions = conds
}

// Reconcile runs one pass of the phase state machine.
func (pc *PromotionController) Reconcile(ctx context.Context, ab *Antibody, fit FitnessSummary, fleet FleetCounts) error {
	phase := ab.Status.Deployment.Phase
	if phase == "" {
		phase = PhasePending
	}
	now := pc.now()

	// Quality-loss and TTL retirement bypass the promotion gates.
	if retired, err := pc.maybeRetire(ctx, ab, fit, phase, now); retired || err != nil {
		return err
	}

	target := pc.nextPhase(ab, fit, phase, now)
	if target == phase {
		return nil
	}

	gated := phase != PhasePending // first reconcile into shadow is initialization
	if gated {
		if reason := pc.firstFailingGate(ab, fit, target, fleet, now); reason != "" {
			pc.metrics.PromotionAbort(reason)
			pc.log.Info().
				Str("antibody", ab.Name).
				Str("from", phase).
				Str("to", target).
				Str("reason", reason).
				Msg("promotion blocked")
			return nil
		}
	} else if ab.Status.Deployment.CurrentReconcilePhase == target {
		// Redelivered initialization; already applied.
		pc.metrics.PromotionAbort(AbortIdempotency)
		return nil
	}

	return pc.applyTransition(ctx, ab, fit, phase, target, now)
}

// nextPhase evaluates the transition guards for the current phase.
func (pc *PromotionController) nextPhase(ab *Antibody, fit FitnessSummary, phase string, now time.Time) string {
	switch phase {
	case PhasePending:
		return PhaseShadow

	case PhaseShadow:
		if !ab.Status.Deployment.PromotionEligible.IsZero() &&
			now.Before(ab.Status.Deployment.PromotionEligible) {
			return phase
		}
		if fit.MeetsPromotionSLO(pc.Gates.MinTPRLowerBound, pc.Gates.MaxFPRUpperBound) {
			return PhaseStaged
		}

	case PhaseStaged:
		if ab.Spec.Controls.AutoPromote && fit.StabilityScore >= 0.8 {
			return PhaseCanary
		}

	case PhaseCanary:
		// canary -> active is driven by an external rollout process.
	}
	return phase
}

// firstFailingGate checks the safety gates in order and returns the
// first failing gate's reason, or "" when all pass.
func (pc *PromotionController) firstFailingGate(ab *Antibody, fit FitnessSummary, target string, fleet FleetCounts, now time.Time) string {
	dep := &ab.Status.Deployment

	if !dep.LastPromotionTime.IsZero() {
		cooldown := time.Duration(pc.Gates.CooldownHours) * time.Hour
		if now.Sub(dep.LastPromotionTime) < cooldown {
			return AbortCooldown
		}
	}

	if fit.ConfidenceLower < pc.Gates.MinWilsonBound {
		return AbortWilsonBound
	}

	// Canary cap counts the candidate itself so the fleet never
	// exceeds the ceiling after the promotion lands.
	if target == PhaseCanary && fleet.Total > 0 {
		if float64(fleet.Canary+1)/float64(fleet.Total) > pc.Gates.MaxCanaryPct/100.0 {
			return AbortCanaryCap
		}
	}

	if dep.SafetyViolations > pc.Gates.SafetyViolationLimit {
		return AbortSafetyViolations
	}

	if dep.CurrentReconcilePhase == target {
		return AbortIdempotency
	}

	return ""
}

func (pc *PromotionController) applyTransition(ctx context.Context, ab *Antibody, fit FitnessSummary, from, target string, now time.Time) error {
	dep := &ab.Status.Deployment
	dep.Phase = target
	dep.CurrentReconcilePhase = target
	dep.LastPromotionTime = now
	dep.LastUpdate = now

	if target == PhaseShadow {
		dep.ShadowStart = now
		shadowHours := ab.Spec.Controls.ShadowHours
		if shadowHours <= 0 {
			shadowHours = pc.Gates.MinShadowHours
		}
		dep.PromotionEligible = now.Add(time.Duration(shadowHours) * time.Hour)
	}

	if err := pc.Client.Status().Update(ctx, ab); err != nil {
		return fmt.Errorf("orchestrator status update (phase %s): %w", target, err)
	}

	pc.metrics.PromotionAttempt(target)
	pc.log.Info().
		Str("antibody", ab.Name).
		Str("from", from).
		Str("to", target).
		Msg("antibody promoted")

	if target == PhaseActive && pc.Broadcast != nil {
		if ComputeOverallFitness(fit) >= pc.Gates.FitnessPromoteThreshold {
			if err := pc.Broadcast(ctx, ab, fit); err != nil {
				// Federation is best-effort; the promotion stands.
				pc.log.Warn().Err(err).Str("antibody", ab.Name).Msg("federation broadcast scheduling failed")
			}
		}
	}
	return nil
}

// maybeRetire handles active->retired on sustained quality loss and
// TTL expiry from any live phase.
func (pc *PromotionController) maybeRetire(ctx context.Context, ab *Antibody, fit FitnessSummary, phase string, now time.Time) (bool, error) {
	if phase == PhaseRetired {
		return true, nil
	}

	retire := false
	reason := ""
	if phase == PhaseActive && fit.ConfidenceLower < 0.70 {
		retire = true
		reason = "quality loss"
	}
	if !retire && ab.Spec.Controls.TTLHours > 0 && !ab.CreationTimestamp.IsZero() {
		if now.Sub(ab.CreationTimestamp.Time) > time.Duration(ab.Spec.Controls.TTLHours)*time.Hour {
			retire = true
			reason = "ttl expired"
		}
	}
	if !retire {
		return false, nil
	}

	ab.Status.Deployment.Phase = PhaseRetired
	ab.Status.Deployment.CurrentReconcilePhase = PhaseRetired
	ab.Status.Deployment.LastUpdate = now
	if err := pc.Client.Status().Update(ctx, ab); err != nil {
		return true, fmt.Errorf("orchestrator status update (retire): %w", err)
	}

	pc.metrics.PromotionAttempt(PhaseRetired)
	pc.log.Info().
		Str("antibody", ab.Name).
		Str("from", phase).
		Str("reason", reason).
		Msg("antibody retired")
	return true, nil
}

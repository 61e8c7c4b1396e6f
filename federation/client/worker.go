package client

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aswarm/evolution-core/eventbus"
	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/federation/wire"
	"github.com/aswarm/evolution-core/hll"
	"github.com/aswarm/evolution-core/intelligence"
)

// Worker owns the outbound federation path: it folds federation-topic
// events into per-antibody coverage sketches and broadcasts a sketch
// when its antibody reaches the active phase with sufficient fitness.
type Worker struct {
	broadcaster *Broadcaster
	sketchCfg   hll.Config
	threshold   float64 // overall-fitness floor for broadcasting

	// AllowOpaqueSketch synthesizes payload bytes instead of
	// marshalling a real sketch. Test environments only.
	AllowOpaqueSketch bool

	mu       sync.Mutex
	coverage map[string]*hll.Sketch

	log zerolog.Logger
	now func() time.Time
}

// NewWorker wires a federation worker.
func NewWorker(b *Broadcaster, sketchCfg hll.Config, threshold float64, log zerolog.Logger) *Worker {
	return &Worker{
		broadcaster: b,
		sketchCfg:   sketchCfg,
		threshold:   threshold,
		coverage:    make(map[string]*hll.Sketch),
		log:         log,
		now:         time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (w *Worker) SetNow(now func() time.Time) { w.now = now }

// Observe folds federation-topic events into the coverage sketch of
// the antibody named in the event features. Unattributed events are
// dropped.
func (w *Worker) Observe(events []eventbus.LearningEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ev := range events {
		antibodyID := ev.Features["antibody_id"]
		if antibodyID == "" || ev.Signature == "" {
			continue
		}
		sketch, ok := w.coverage[antibodyID]
		if !ok {
			var err error
			sketch, err = hll.New(w.sketchCfg)
			if err != nil {
				w.log.Error().Err(err).Msg("coverage sketch allocation failed")
				return
			}
			w.coverage[antibodyID] = sketch
		}
		sketch.AddString(ev.Signature)
	}
}

// Coverage returns a copy of the sketch accumulated for an antibody.
func (w *Worker) Coverage(antibodyID string) (*hll.Sketch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.coverage[antibodyID]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// BroadcastAntibody shares the antibody's coverage sketch with all
// peers. Called on the transition into the active phase; antibodies
// below the fitness floor are skipped without error. The result is a
// multi-status aggregate; only a total failure is returned as an error.
func (w *Worker) BroadcastAntibody(ctx context.Context, ab *intelligence.Antibody, fit intelligence.FitnessSummary) error {
	overall := intelligence.ComputeOverallFitness(fit)
	if overall < w.threshold {
		w.log.Debug().
			Str("antibody", ab.Name).
			Float64("fitness", overall).
			Float64("threshold", w.threshold).
			Msg("fitness below federation floor, not broadcasting")
		return nil
	}

	data, err := w.sketchBytes(ab.Name)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	ring := intelligence.RingForBlastRadius(fit.AvgBlastRadius)
	meta := &wire.SketchMetadata{
		ClusterID:           w.broadcaster.ClusterID,
		AntibodyID:          ab.Name,
		AntibodyPhase:       wire.AntibodyPhaseActive,
		SignatureType:       wire.SignatureTypeBehavioral,
		BlastRadius:         blastRadiusFromRing(ring),
		CreatedAtUnix:       w.now().Unix(),
		ConfidenceLevel:     fit.ConfidenceLower,
		SketchHash:          sum[:],
		CardinalityEstimate: w.cardinality(ab.Name),
	}

	res := w.broadcaster.Broadcast(ctx, data, meta)
	w.log.Info().
		Str("antibody", ab.Name).
		Int("ok", res.Succeeded()).
		Int("failed", res.Failed()).
		Msg("sketch broadcast complete")

	if len(res.Outcomes) > 0 && res.Succeeded() == 0 {
		return evoerr.New(evoerr.KindPeerUnreachable, "no peer accepted the sketch for %s", ab.Name)
	}
	return nil
}

func (w *Worker) sketchBytes(antibodyID string) ([]byte, error) {
	if w.AllowOpaqueSketch {
		// Deterministic filler so tests can assert on the payload.
		sum := sha256.Sum256([]byte("opaque-sketch:" + antibodyID))
		return sum[:], nil
	}
	w.mu.Lock()
	sketch, ok := w.coverage[antibodyID]
	w.mu.Unlock()
	if !ok {
		var err error
		sketch, err = hll.New(w.sketchCfg)
		if err != nil {
			return nil, err
		}
	}
	return sketch.MarshalBinary()
}

func (w *Worker) cardinality(antibodyID string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.coverage[antibodyID]; ok {
		return s.Count()
	}
	return 0
}

func blastRadiusFromRing(ring string) wire.BlastRadius {
	switch ring {
	case "ring-1":
		return wire.BlastRadiusRing1
	case "ring-2":
		return wire.BlastRadiusRing2
	case "ring-3":
		return wire.BlastRadiusRing3
	case "ring-4":
		return wire.BlastRadiusRing4
	case "ring-5":
		return wire.BlastRadiusRing5
	default:
		return wire.BlastRadiusUnspecified
	}
}

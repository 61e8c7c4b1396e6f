package metrics

import (
	"strings"
	"sync"
)

// Fake records every signal for assertion in tests.
type Fake struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
	cycleObs []float64
}

func NewFake() *Fake {
	return &Fake{
		counters: make(map[string]int),
		gauges:   make(map[string]float64),
	}
}

func (f *Fake) inc(name string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := name
	if len(labels) > 0 {
		key += "{" + strings.Join(labels, ",") + "}"
	}
	f.counters[key]++
}

func (f *Fake) set(name string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauges[name] = v
}

// Counter returns the recorded count for name with the given label
// values, e.g. Counter("evolution_cycles_total", "success").
func (f *Fake) Counter(name string, labels ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := name
	if len(labels) > 0 {
		key += "{" + strings.Join(labels, ",") + "}"
	}
	return f.counters[key]
}

// Gauge returns the last recorded gauge value.
func (f *Fake) Gauge(name string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gauges[name]
}

func (f *Fake) EventProcessed(eventType, env, cluster string) {
	f.inc("events_processed_total", eventType, env, cluster)
}

func (f *Fake) EventDropped(eventType, env, cluster string) {
	f.inc("events_dropped_total", eventType, env, cluster)
}

func (f *Fake) SetQueueSize(n int)               { f.set("queue_size", float64(n)) }
func (f *Fake) SetQueueUtilization(frac float64) { f.set("queue_utilization", frac) }
func (f *Fake) SetQueueAgeSeconds(age float64)   { f.set("queue_age_seconds", age) }

func (f *Fake) EvolutionCycle(result string) { f.inc("evolution_cycles_total", result) }

func (f *Fake) ObserveCycleSeconds(s float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycleObs = append(f.cycleObs, s)
}

func (f *Fake) EvolutionSkipped(reason string) { f.inc("evolution_skipped_total", reason) }
func (f *Fake) PromotionAttempt(phase string)  { f.inc("promotion_attempts_total", phase) }
func (f *Fake) PromotionAbort(reason string)   { f.inc("promotion_aborts_total", reason) }
func (f *Fake) FederationShare(peer, outcome string) {
	f.inc("federation_shares_total", peer, outcome)
}
func (f *Fake) FederationReplay(peer string) { f.inc("federation_replays_total", peer) }
func (f *Fake) NonBinaryFeature()            { f.inc("mutation_non_binary_feature_total") }

var _ Collector = (*Fake)(nil)

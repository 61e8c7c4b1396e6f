// Package metrics defines the injected collector interface used by the
// evolution core. Components never talk to a process-wide registry;
// they receive a Collector and the daemons decide whether it is backed
// by Prometheus or a test fake.
package metrics

// Collector receives the core's observability signals. Label values are
// passed positionally; implementations own the metric families.
type Collector interface {
	// Event bus.
	EventProcessed(eventType, env, cluster string)
	EventDropped(eventType, env, cluster string)
	SetQueueSize(n int)
	SetQueueUtilization(frac float64)
	SetQueueAgeSeconds(age float64)

	// Autonomous loop.
	EvolutionCycle(result string)
	ObserveCycleSeconds(seconds float64)
	EvolutionSkipped(reason string)

	// Promotion controller.
	PromotionAttempt(phase string)
	PromotionAbort(reason string)

	// Federation.
	FederationShare(peer, outcome string)
	FederationReplay(peer string)

	// Mutation engine.
	NonBinaryFeature()
}

// Nop is a Collector that discards everything. Useful as a default so
// components never nil-check their collector.
type Nop struct{}

func (Nop) EventProcessed(string, string, string) {}
func (Nop) EventDropped(string, string, string)   {}
func (Nop) SetQueueSize(int)                      {}
func (Nop) SetQueueUtilization(float64)           {}
func (Nop) SetQueueAgeSeconds(float64)            {}
func (Nop) EvolutionCycle(string)                 {}
func (Nop) ObserveCycleSeconds(float64)           {}
func (Nop) EvolutionSkipped(string)               {}
func (Nop) PromotionAttempt(string)               {}
func (Nop) PromotionAbort(string)                 {}
func (Nop) FederationShare(string, string)        {}
func (Nop) FederationReplay(string)               {}
func (Nop) NonBinaryFeature()                     {}

var _ Collector = Nop{}

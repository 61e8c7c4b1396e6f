package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector on top of a prometheus Registerer.
type Prometheus struct {
	eventsProcessed  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	queueSize        prometheus.Gauge
	queueUtilization prometheus.Gauge
	queueAge         prometheus.Gauge

	evolutionCycles  *prometheus.CounterVec
	cycleSeconds     prometheus.Histogram
	evolutionSkipped *prometheus.CounterVec

	promotionAttempts *prometheus.CounterVec
	promotionAborts   *prometheus.CounterVec

	federationShares  *prometheus.CounterVec
	federationReplays *prometheus.CounterVec

	nonBinaryFeatures prometheus.Counter
}

// NewPrometheus registers the core's metric families on reg and returns
// the collector. Panics on duplicate registration, same as the
// underlying library; call once per process.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_events_processed_total",
			Help: "Learning events accepted by the event bus.",
		}, []string{"event_type", "env", "cluster"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_events_dropped_total",
			Help: "Learning events dropped due to queue overflow.",
		}, []string{"event_type", "env", "cluster"}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aswarm_queue_size",
			Help: "Current event bus queue depth.",
		}),
		queueUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aswarm_queue_utilization",
			Help: "Event bus queue depth as a fraction of capacity.",
		}),
		queueAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aswarm_queue_age_seconds",
			Help: "Age of the oldest enqueued event, 0 when empty.",
		}),
		evolutionCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_evolution_cycles_total",
			Help: "Autonomous loop cycles by result.",
		}, []string{"result"}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aswarm_evolution_cycle_seconds",
			Help:    "Wall-clock duration of evolution cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		evolutionSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_evolution_skipped_total",
			Help: "Evolution cycles skipped before doing work.",
		}, []string{"reason"}),
		promotionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_promotion_attempts_total",
			Help: "Successful phase promotions by target phase.",
		}, []string{"phase"}),
		promotionAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_promotion_aborts_total",
			Help: "Promotions blocked by a safety gate, labeled with the first failing gate.",
		}, []string{"reason"}),
		federationShares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_federation_shares_total",
			Help: "Per-peer sketch share outcomes.",
		}, []string{"peer", "outcome"}),
		federationReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aswarm_federation_replays_total",
			Help: "Rejected replayed federation requests by peer.",
		}, []string{"peer"}),
		nonBinaryFeatures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aswarm_mutation_non_binary_feature_total",
			Help: "Rule features skipped by the toggle operator because the value is not binary.",
		}),
	}

	reg.MustRegister(
		p.eventsProcessed, p.eventsDropped,
		p.queueSize, p.queueUtilization, p.queueAge,
		p.evolutionCycles, p.cycleSeconds, p.evolutionSkipped,
		p.promotionAttempts, p.promotionAborts,
		p.federationShares, p.federationReplays,
		p.nonBinaryFeatures,
	)
	return p
}

func (p *Prometheus) EventProcessed(eventType, env, cluster string) {
	p.eventsProcessed.WithLabelValues(eventType, env, cluster).Inc()
}

func (p *Prometheus) EventDropped(eventType, env, cluster string) {
	p.eventsDropped.WithLabelValues(eventType, env, cluster).Inc()
}

func (p *Prometheus) SetQueueSize(n int)                { p.queueSize.Set(float64(n)) }
func (p *Prometheus) SetQueueUtilization(frac float64)  { p.queueUtilization.Set(frac) }
func (p *Prometheus) SetQueueAgeSeconds(age float64)    { p.queueAge.Set(age) }
func (p *Prometheus) EvolutionCycle(result string)      { p.evolutionCycles.WithLabelValues(result).Inc() }
func (p *Prometheus) ObserveCycleSeconds(s float64)     { p.cycleSeconds.Observe(s) }
func (p *Prometheus) EvolutionSkipped(reason string)    { p.evolutionSkipped.WithLabelValues(reason).Inc() }
func (p *Prometheus) PromotionAttempt(phase string)     { p.promotionAttempts.WithLabelValues(phase).Inc() }
func (p *Prometheus) PromotionAbort(reason string)      { p.promotionAborts.WithLabelValues(reason).Inc() }
func (p *Prometheus) FederationShare(peer, outcome string) {
	p.federationShares.WithLabelValues(peer, outcome).Inc()
}
func (p *Prometheus) FederationReplay(peer string) { p.federationReplays.WithLabelValues(peer).Inc() }
func (p *Prometheus) NonBinaryFeature()            { p.nonBinaryFeatures.Inc() }

var _ Collector = (*Prometheus)(nil)

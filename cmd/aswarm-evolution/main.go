// aswarm-evolution runs the autonomous evolution loop: it drains the
// learning event bus, scores the breeding pool in synthetic combat,
// breeds the next cohort, and drives promotions.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/aswarm/evolution-core/config"
	"github.com/aswarm/evolution-core/eventbus"
	fedclient "github.com/aswarm/evolution-core/federation/client"
	"github.com/aswarm/evolution-core/federation/signing"
	"github.com/aswarm/evolution-core/federation/wire"
	"github.com/aswarm/evolution-core/hll"
	"github.com/aswarm/evolution-core/intelligence"
	"github.com/aswarm/evolution-core/metrics"
)

func main() {
	var (
		configPath  string
		metricsAddr string
		logJSON     bool
	)

	root := &cobra.Command{
		Use:   "aswarm-evolution",
		Short: "Autonomous antibody evolution daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logJSON)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, metricsAddr, log)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "prometheus listen address")
	root.Flags().BoolVar(&logJSON, "log-json", false, "force JSON logs even on a TTY")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(forceJSON bool) zerolog.Logger {
	if !forceJSON && isatty.IsTerminal(os.Stderr.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config, metricsAddr string, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg)

	bus := eventbus.New(eventbus.Options{
		Capacity: cfg.Learning.QueueCapacity,
		WALDir:   cfg.Learning.WALDir,
		Cluster:  cfg.Federation.ClusterID,
	}, collector, log)
	defer bus.Close()

	engine := intelligence.NewMutationEngine(time.Now().UnixNano()).WithMetrics(collector)
	popCfg := intelligence.DefaultPopulationConfig()
	if cfg.Evolution.CohortSize > 0 {
		popCfg.ShadowPoolSize = cfg.Evolution.CohortSize
	}

	pop, err := restoreOrNewPopulation(ctx, cfg.Evolution.SnapshotDir, popCfg, engine, log)
	if err != nil {
		return err
	}

	eval := intelligence.NewFitnessEvaluator()
	installSyntheticCombat(eval)

	loop := intelligence.NewLoop(bus, pop, eval, intelligence.LoopConfig{
		Interval:    cfg.Evolution.Interval,
		MinEvents:   cfg.Evolution.MinEvents,
		CohortSize:  cfg.Evolution.CohortSize,
		ParentCount: cfg.Evolution.ParentCount,
		Environment: cfg.Evolution.Environment,
	}, collector, log)

	loop.CircuitBreaker = func() bool {
		if v, err := strconv.ParseBool(os.Getenv("EVOLUTION_CIRCUIT_BREAKER")); err == nil {
			return v
		}
		return cfg.Evolution.CircuitBreaker
	}

	worker, closePeers, err := buildFederationWorker(cfg, collector, log)
	if err != nil {
		return err
	}
	if worker != nil {
		defer closePeers()
		loop.FederationSink = func(ctx context.Context, events []eventbus.LearningEvent) {
			worker.Observe(events)
		}
	}

	if controller := buildPromotionController(cfg, collector, log); controller != nil {
		if worker != nil {
			controller.Broadcast = worker.BroadcastAntibody
		}
		loop.AttemptPromotion = func(ctx context.Context, variantID string, fit intelligence.FitnessSummary) error {
			return controller.EvaluateAndUpdate(ctx, variantID, "aswarm", fit, intelligence.FleetCounts{})
		}
	}

	go persistSnapshots(ctx, cfg.Evolution.SnapshotDir, pop, cfg.Evolution.Interval, log)
	go serveMetrics(ctx, metricsAddr, reg, log)

	log.Info().Str("environment", cfg.Evolution.Environment).Msg("evolution daemon starting")
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func restoreOrNewPopulation(ctx context.Context, dir string, popCfg intelligence.PopulationConfig, engine intelligence.Mutator, log zerolog.Logger) (*intelligence.PopulationManager, error) {
	if dir == "" {
		return intelligence.NewPopulationManager(popCfg, engine, log), nil
	}
	store, err := intelligence.NewSnapshotStore(dir)
	if err != nil {
		return nil, err
	}
	state, err := store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if state != nil {
		log.Info().Int("generation", state.Generation).Msg("restoring population snapshot")
		return intelligence.RestorePopulation(*state, engine, log), nil
	}
	return intelligence.NewPopulationManager(popCfg, engine, log), nil
}

func persistSnapshots(ctx context.Context, dir string, pop *intelligence.PopulationManager, interval time.Duration, log zerolog.Logger) {
	if dir == "" {
		return
	}
	store, err := intelligence.NewSnapshotStore(dir)
	if err != nil {
		log.Error().Err(err).Msg("snapshot store unavailable")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := pop.Snapshot(ctx)
			if err != nil {
				continue
			}
			if err := store.Put(ctx, state); err != nil {
				log.Warn().Err(err).Msg("snapshot persist failed")
			}
		}
	}
}

func buildPromotionController(cfg config.Config, collector metrics.Collector, log zerolog.Logger) *intelligence.PromotionController {
	restCfg, err := ctrl.GetConfig()
	if err != nil {
		log.Warn().Err(err).Msg("no kubeconfig, promotion disabled")
		return nil
	}
	scheme := runtime.NewScheme()
	if err := intelligence.AddToScheme(scheme); err != nil {
		log.Warn().Err(err).Msg("scheme registration failed, promotion disabled")
		return nil
	}
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		log.Warn().Err(err).Msg("orchestrator client unavailable, promotion disabled")
		return nil
	}
	gates := intelligence.DefaultPromotionGates()
	gates.CooldownHours = cfg.Promotion.CooldownHours
	gates.MinWilsonBound = cfg.Promotion.MinWilsonBound
	gates.MaxCanaryPct = cfg.Promotion.MaxCanaryPct
	gates.SafetyViolationLimit = cfg.Promotion.SafetyViolationLimit
	gates.FitnessPromoteThreshold = cfg.Promotion.FitnessPromoteThreshold
	return intelligence.NewPromotionController(c, gates, collector, log)
}

// buildFederationWorker wires the outbound sketch path when peers are
// configured. The shared HMAC secret comes from FEDERATION_HMAC_SECRET;
// without it the daemon runs but never broadcasts.
func buildFederationWorker(cfg config.Config, collector metrics.Collector, log zerolog.Logger) (*fedclient.Worker, func(), error) {
	if len(cfg.Federation.Peers) == 0 {
		return nil, nil, nil
	}
	secret := os.Getenv("FEDERATION_HMAC_SECRET")
	if secret == "" {
		log.Warn().Msg("peers configured but FEDERATION_HMAC_SECRET unset, federation broadcast disabled")
		return nil, nil, nil
	}
	keyID := os.Getenv("FEDERATION_KEY_ID")
	if keyID == "" {
		keyID = "default"
	}

	seq, err := fedclient.OpenSeqStore(cfg.Federation.SeqCounterPath)
	if err != nil {
		return nil, nil, err
	}

	sketchCfg := hll.DefaultConfig()
	if cfg.Federation.SketchPrecision != 0 {
		sketchCfg.Precision = cfg.Federation.SketchPrecision
	}
	if cfg.Federation.SketchSalt != "" {
		sketchCfg.Salt = cfg.Federation.SketchSalt
	}
	if err := sketchCfg.Validate(); err != nil {
		return nil, nil, err
	}

	var (
		peers []fedclient.Peer
		conns []*grpc.ClientConn
	)
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for _, p := range cfg.Federation.Peers {
		conn, err := grpc.NewClient(p.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial peer %s at %s: %w", p.ClusterID, p.Addr, err)
		}
		conns = append(conns, conn)
		peers = append(peers, fedclient.Peer{ClusterID: p.ClusterID, Client: wire.NewFederatorClient(conn)})
	}

	signer := &signing.Signer{KeyID: keyID, HMACSecret: []byte(secret)}
	b := fedclient.NewBroadcaster(cfg.Federation.ClusterID, peers, signer, seq, collector, log)
	w := fedclient.NewWorker(b, sketchCfg, cfg.Promotion.FitnessPromoteThreshold, log)
	w.AllowOpaqueSketch = cfg.Federation.AllowOpaqueSketch

	log.Info().Int("peers", len(peers)).Msg("federation broadcast enabled")
	return w, closeAll, nil
}

// installSyntheticCombat wires self-contained combat hooks so the loop
// can run without a live orchestrator. Real deployments replace these
// with orchestrator adapters.
func installSyntheticCombat(eval *intelligence.FitnessEvaluator) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	eval.LaunchRedAttack = func(ctx context.Context, pattern, battleID string) (*intelligence.AttackResult, error) {
		return &intelligence.AttackResult{
			AttackID:       battleID,
			Pattern:        pattern,
			Success:        true,
			DurationMs:     50 + rng.Float64()*150,
			BlastRadiusIPs: 1 + rng.Intn(5),
		}, nil
	}
	eval.MonitorBlueDetection = func(ctx context.Context, battleID, antibodyID string, timeout time.Duration) (*intelligence.DetectionResult, error) {
		detected := rng.Float64() < 0.85
		return &intelligence.DetectionResult{
			Detected:   detected,
			LatencyMs:  100 + rng.Float64()*400,
			Confidence: 0.6 + rng.Float64()*0.4,
			RingLevel:  1 + rng.Intn(2),
		}, nil
	}
	eval.GenerateBenignSample = func(ctx context.Context, antibodyID string) (*intelligence.DetectionResult, error) {
		return &intelligence.DetectionResult{
			Detected:   rng.Float64() < 0.001,
			Confidence: rng.Float64() * 0.2,
		}, nil
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

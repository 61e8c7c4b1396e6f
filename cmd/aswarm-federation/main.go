// aswarm-federation serves the Federator gRPC service: it receives
// signed coverage sketches from peer clusters, enforces rate limits and
// replay defense, and merges attested sketches into the local store.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"github.com/aswarm/evolution-core/config"
	"github.com/aswarm/evolution-core/federation/server"
	"github.com/aswarm/evolution-core/federation/signing"
	"github.com/aswarm/evolution-core/federation/wire"
	"github.com/aswarm/evolution-core/hll"
	"github.com/aswarm/evolution-core/metrics"
)

func main() {
	var (
		configPath  string
		keysPath    string
		metricsAddr string
		logJSON     bool
	)

	root := &cobra.Command{
		Use:   "aswarm-federation",
		Short: "Federation sketch-exchange daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logJSON)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Federation.ClusterID == "" {
				return fmt.Errorf("federation.cluster_id is required (or set CLUSTER_ID)")
			}

			keyring, err := loadKeyring(keysPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, keyring, metricsAddr, log)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	root.Flags().StringVar(&keysPath, "peer-keys", "", "YAML file of peer verification keys")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", ":9091", "prometheus listen address")
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

// peerKeysFile maps peer cluster ids to base64-encoded key material.
type peerKeysFile struct {
	HMAC    map[string]string `yaml:"hmac"`
	Ed25519 map[string]string `yaml:"ed25519"`
}

func loadKeyring(path string) (signing.Keyring, error) {
	ring := signing.NewStaticKeyring()
	if path == "" {
		return ring, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read peer keys %s: %w", path, err)
	}
	var file peerKeysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse peer keys %s: %w", path, err)
	}
	for cluster, enc := range file.HMAC {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("hmac key for %s: %w", cluster, err)
		}
		ring.SetHMACKey(cluster, key)
	}
	for cluster, enc := range file.Ed25519 {
		pub, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("ed25519 key for %s: %w", cluster, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 key for %s is %d bytes, want %d", cluster, len(pub), ed25519.PublicKeySize)
		}
		ring.SetEd25519Pub(cluster, ed25519.PublicKey(pub))
	}
	return ring, nil
}

func run(ctx context.Context, cfg config.Config, keyring signing.Keyring, metricsAddr string, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg)

	sketchCfg := hll.DefaultConfig()
	if cfg.Federation.SketchPrecision != 0 {
		sketchCfg.Precision = cfg.Federation.SketchPrecision
	}
	if cfg.Federation.SketchSalt != "" {
		sketchCfg.Salt = cfg.Federation.SketchSalt
	}
	if err := sketchCfg.Validate(); err != nil {
		return err
	}

	fed := server.New(server.Config{
		ClusterID:         cfg.Federation.ClusterID,
		Sketch:            sketchCfg,
		Quorum:            cfg.Federation.Quorum,
		TrustThreshold:    cfg.Federation.TrustThreshold,
		RateLimitRPM:      cfg.Federation.RateLimitRPM,
		NonceTTL:          cfg.Federation.NonceTTL,
		SkewWindow:        cfg.Federation.SkewWindow,
		AllowOpaqueSketch: cfg.Federation.AllowOpaqueSketch,
	}, hll.NewMemoryStore(), keyring, collector, log)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(log)))
	wire.RegisterFederatorServer(grpcServer, fed)

	lis, err := net.Listen("tcp", cfg.Federation.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Federation.ListenAddr, err)
	}

	go serveMetrics(ctx, metricsAddr, reg, log)
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down federation server")
		grpcServer.GracefulStop()
	}()

	log.Info().
		Str("addr", cfg.Federation.ListenAddr).
		Str("cluster", cfg.Federation.ClusterID).
		Int("precision", sketchCfg.Precision).
		Msg("federation server listening")
	return grpcServer.Serve(lis)
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		evt := log.Debug().Str("method", info.FullMethod).Dur("duration", time.Since(start))
		if err != nil {
			evt = log.Warn().Str("method", info.FullMethod).Dur("duration", time.Since(start)).Err(err)
		}
		evt.Msg("rpc handled")
		return resp, err
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

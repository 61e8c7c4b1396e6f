package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aswarm/evolution-core/federation/signing"
	"github.com/aswarm/evolution-core/federation/wire"
	"github.com/aswarm/evolution-core/hll"
	"github.com/aswarm/evolution-core/metrics"
)

// Version reported in health responses.
const Version = "1.0.0"

// Outcome labels for federation_shares_total.
const (
	OutcomeOK               = "ok"
	OutcomeRateLimited      = "rate_limited"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeReplay           = "replay"
	OutcomeTrust            = "trust_below_threshold"
	OutcomeInvalidSketch    = "invalid_sketch"
	OutcomeError            = "error"
)

// Config tunes one federation server.
type Config struct {
	ClusterID      string
	Sketch         hll.Config
	Quorum         int     // distinct trusted peers before merge; min 1
	TrustThreshold float64 // 0 selects DefaultTrustThreshold
	RateLimitRPM   int
	NonceTTL       time.Duration
	SkewWindow     time.Duration

	// AllowOpaqueSketch accepts attestations whose payload does not
	// decode as a local-config sketch; they count toward quorum but
	// never merge. Test environments only.
	AllowOpaqueSketch bool
}

// Federation implements wire.FederatorServer.
type Federation struct {
	cfg     Config
	store   hll.Store
	keyring signing.Keyring
	limiter RateLimiter
	replay  ReplayGuard
	trust   *trustBook
	quorum  *quorumTracker
	metrics metrics.Collector
	log     zerolog.Logger
	now     func() time.Time
}

// New builds a federation server.
func New(cfg Config, store hll.Store, keyring signing.Keyring, collector metrics.Collector, log zerolog.Logger) *Federation {
	if cfg.Quorum < 1 {
		cfg.Quorum = 1
	}
	if cfg.TrustThreshold <= 0 {
		cfg.TrustThreshold = DefaultTrustThreshold
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Federation{
		cfg:     cfg,
		store:   store,
		keyring: keyring,
		limiter: NewTokenBucket(cfg.RateLimitRPM),
		replay:  NewReplayGuard(cfg.NonceTTL, cfg.SkewWindow),
		trust:   newTrustBook(),
		quorum:  newQuorumTracker(),
		metrics: collector,
		log:     log,
		now:     time.Now,
	}
}

// SetNow overrides the clock on the server and its admission controls,
// for tests.
func (f *Federation) SetNow(now func() time.Time) {
	f.now = now
	if tb, ok := f.limiter.(*tokenBucket); ok {
		tb.SetNow(now)
	}
	if sr, ok := f.replay.(*simpleReplay); ok {
		sr.SetNow(now)
	}
}

// TrustScore exposes a peer's current score.
func (f *Federation) TrustScore(clusterID string) TrustScore {
	return f.trust.get(clusterID)
}

// ShareSketch receives a signed sketch attestation from a peer and
// merges it into the local store once quorum is reached.
func (f *Federation) ShareSketch(ctx context.Context, req *wire.ShareSketchRequest) (*wire.ShareSketchResponse, error) {
	if req.ClusterID == "" {
		return nil, status.Error(codes.InvalidArgument, "cluster_id is required")
	}
	if req.ClusterID == f.cfg.ClusterID {
		return nil, status.Error(codes.InvalidArgument, "cannot share sketch with self")
	}
	peer := req.ClusterID

	if reject := f.admit(peer, req, wire.UniqueKeyForShare(req)); reject != nil {
		return &wire.ShareSketchResponse{
			Success:    false,
			ErrorCode:  reject.code,
			Message:    reject.message,
			ReceiverID: f.cfg.ClusterID,
		}, nil
	}

	if req.Metadata == nil || len(req.SketchData) == 0 {
		f.reject(peer, OutcomeInvalidSketch)
		return f.shareFailure(wire.ErrorCodeInvalidSketch, "missing sketch payload"), nil
	}

	sum := sha256.Sum256(req.SketchData)
	if !bytes.Equal(sum[:], req.Metadata.SketchHash) {
		f.reject(peer, OutcomeInvalidSketch)
		return f.shareFailure(wire.ErrorCodeInvalidSketch, "sketch hash mismatch"), nil
	}

	sketch, err := hll.UnmarshalBinary(req.SketchData, f.cfg.Sketch)
	if err != nil && !f.cfg.AllowOpaqueSketch {
		f.reject(peer, OutcomeInvalidSketch)
		f.log.Warn().Err(err).Str("peer", peer).Msg("rejecting sketch payload")
		return f.shareFailure(wire.ErrorCodeInvalidSketch, err.Error()), nil
	}

	contentKey := req.Metadata.AntibodyID + ":" + hex.EncodeToString(req.Metadata.SketchHash)
	attesters := f.quorum.record(contentKey, peer)

	if attesters >= f.cfg.Quorum && sketch != nil {
		key := hll.SketchKey{
			ClusterID:  peer,
			AntibodyID: req.Metadata.AntibodyID,
			Phase:      req.Metadata.AntibodyPhase.String(),
		}
		if err := f.store.Merge(ctx, key, sketch); err != nil {
			f.reject(peer, OutcomeError)
			f.log.Error().Err(err).Str("peer", peer).Msg("sketch merge failed")
			return f.shareFailure(wire.ErrorCodeInternalError, "failed to store sketch"), nil
		}
		f.quorum.settle(contentKey)
	}

	f.trust.observe(peer, true)
	f.metrics.FederationShare(peer, OutcomeOK)
	f.log.Info().
		Str("peer", peer).
		Str("antibody", req.Metadata.AntibodyID).
		Str("phase", req.Metadata.AntibodyPhase.String()).
		Int("attesters", attesters).
		Msg("sketch attestation accepted")

	return &wire.ShareSketchResponse{
		Success:         true,
		ErrorCode:       wire.ErrorCodeUnspecified,
		Message:         "sketch received",
		ReceiverID:      f.cfg.ClusterID,
		ProcessedAtUnix: f.now().Unix(),
	}, nil
}

// RequestSketch returns recent local sketches to a verified peer.
func (f *Federation) RequestSketch(ctx context.Context, req *wire.RequestSketchRequest) (*wire.RequestSketchResponse, error) {
	if req.ClusterID == "" {
		return nil, status.Error(codes.InvalidArgument, "cluster_id is required")
	}
	peer := req.ClusterID

	if reject := f.admit(peer, req, wire.UniqueKeyForRequest(req)); reject != nil {
		return &wire.RequestSketchResponse{
			Success:   false,
			ErrorCode: reject.code,
			ClusterID: f.cfg.ClusterID,
		}, nil
	}

	opts := hll.ListOptions{Limit: int(req.Limit)}
	if req.SinceUnix > 0 {
		opts.Since = time.Unix(req.SinceUnix, 0)
	}
	entries, err := f.store.List(ctx, opts)
	if err != nil {
		f.reject(peer, OutcomeError)
		return &wire.RequestSketchResponse{
			Success:   false,
			ErrorCode: wire.ErrorCodeInternalError,
			ClusterID: f.cfg.ClusterID,
		}, nil
	}

	var records []*wire.SketchRecord
	for _, entry := range entries {
		data, err := entry.Sketch.MarshalBinary()
		if err != nil {
			f.log.Warn().Err(err).Str("antibody", entry.Key.AntibodyID).Msg("skipping unmarshalable sketch")
			continue
		}
		sum := sha256.Sum256(data)
		records = append(records, &wire.SketchRecord{
			Metadata: &wire.SketchMetadata{
				ClusterID:           entry.Key.ClusterID,
				AntibodyID:          entry.Key.AntibodyID,
				AntibodyPhase:       wire.PhaseFromString(entry.Key.Phase),
				CardinalityEstimate: entry.Sketch.Count(),
				CreatedAtUnix:       entry.UpdatedAt.Unix(),
				SketchHash:          sum[:],
			},
			SketchData: data,
		})
	}

	f.trust.observe(peer, true)
	f.metrics.FederationShare(peer, OutcomeOK)
	return &wire.RequestSketchResponse{
		Success:         true,
		Sketches:        records,
		ClusterID:       f.cfg.ClusterID,
		RespondedAtUnix: f.now().Unix(),
	}, nil
}

// ReportHealth answers a verified health probe with store statistics.
func (f *Federation) ReportHealth(ctx context.Context, req *wire.HealthReportRequest) (*wire.HealthReportResponse, error) {
	if req.ClusterID == "" {
		return nil, status.Error(codes.InvalidArgument, "cluster_id is required")
	}
	if reject := f.admit(req.ClusterID, req, wire.UniqueKeyForHealth(req)); reject != nil {
		return nil, status.Error(codes.PermissionDenied, reject.message)
	}

	stats := f.store.Stats()
	return &wire.HealthReportResponse{
		ClusterID:      f.cfg.ClusterID,
		Status:         wire.HealthStatusHealthy,
		SketchCount:    int64(stats.TotalSketches),
		LastUpdateUnix: stats.LastUpdate.Unix(),
		Version:        Version,
		Capabilities:   []string{"hll-merge", "quorum-attestation", "rate-limiting"},
	}, nil
}

type rejection struct {
	code    wire.ErrorCode
	message string
}

// admit runs the shared admission pipeline: rate limit, signature,
// replay. A nil return admits the request.
func (f *Federation) admit(peer string, msg wire.Signed, unique [24]byte) *rejection {
	if ok, _, _ := f.limiter.Allow(peer); !ok {
		f.reject(peer, OutcomeRateLimited)
		return &rejection{wire.ErrorCodeRateLimited, "rate limit exceeded"}
	}

	if err := signing.Verify(f.keyring, peer, msg); err != nil {
		f.reject(peer, OutcomeInvalidSignature)
		f.log.Warn().Err(err).Str("peer", peer).Msg("signature verification failed")
		return &rejection{wire.ErrorCodeInvalidSignature, "signature verification failed"}
	}

	seq, ts := msg.Tail()
	if err := f.replay.Check(peer, seq, ts, unique[:]); err != nil {
		f.metrics.FederationReplay(peer)
		f.reject(peer, OutcomeReplay)
		f.log.Warn().Err(err).Str("peer", peer).Uint64("seq", seq).Msg("replay rejected")
		return &rejection{wire.ErrorCodeReplayDetected, "replay detected"}
	}

	if score := f.trust.get(peer); score.Reliability < f.cfg.TrustThreshold {
		f.reject(peer, OutcomeTrust)
		return &rejection{wire.ErrorCodeTrustBelowThreshold, "peer trust below threshold"}
	}
	return nil
}

func (f *Federation) reject(peer, outcome string) {
	f.trust.observe(peer, false)
	f.metrics.FederationShare(peer, outcome)
}

func (f *Federation) shareFailure(code wire.ErrorCode, msg string) *wire.ShareSketchResponse {
	return &wire.ShareSketchResponse{
		Success:    false,
		ErrorCode:  code,
		Message:    msg,
		ReceiverID: f.cfg.ClusterID,
	}
}

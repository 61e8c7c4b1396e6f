package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/federation/signing"
	"github.com/aswarm/evolution-core/federation/wire"
	"github.com/aswarm/evolution-core/metrics"
)

const (
	defaultPeerConcurrency = 5
	defaultCallTimeout     = 5 * time.Second
	defaultMaxRetries      = 3
)

// Peer is one federation target.
type Peer struct {
	ClusterID string
	Client    ShareClient
}

// ShareClient is the slice of the Federator client the broadcaster
// needs; *wire.FederatorClient satisfies it.
type ShareClient interface {
	ShareSketch(ctx context.Context, req *wire.ShareSketchRequest, opts ...grpc.CallOption) (*wire.ShareSketchResponse, error)
}

// PeerOutcome records one peer's result within a broadcast.
type PeerOutcome struct {
	Peer string
	Err  error // nil on success
}

// BroadcastResult is the multi-status aggregate; a broadcast never
// fails all-or-nothing.
type BroadcastResult struct {
	Outcomes []PeerOutcome
}

// Succeeded counts peers that accepted the share.
func (r BroadcastResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts peers that did not.
func (r BroadcastResult) Failed() int { return len(r.Outcomes) - r.Succeeded() }

// Broadcaster fans one sketch out to all peers with bounded concurrency
// and per-peer retries.
type Broadcaster struct {
	ClusterID string
	Peers     []Peer
	Signer    *signing.Signer
	Seq       *SeqStore

	Concurrency int           // default 5
	CallTimeout time.Duration // default 5s
	MaxRetries  uint64        // default 3

	metrics metrics.Collector
	log     zerolog.Logger
}

// NewBroadcaster wires a broadcaster.
func NewBroadcaster(clusterID string, peers []Peer, signer *signing.Signer, seq *SeqStore, collector metrics.Collector, log zerolog.Logger) *Broadcaster {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Broadcaster{
		ClusterID:   clusterID,
		Peers:       peers,
		Signer:      signer,
		Seq:         seq,
		Concurrency: defaultPeerConcurrency,
		CallTimeout: defaultCallTimeout,
		MaxRetries:  defaultMaxRetries,
		metrics:     collector,
		log:         log,
	}
}

// Broadcast shares the sketch with every peer. Each peer gets its own
// sequence number and nonce; retries reuse them so receivers can
// deduplicate on (sender, sequence).
func (b *Broadcaster) Broadcast(ctx context.Context, sketchData []byte, meta *wire.SketchMetadata) BroadcastResult {
	outcomes := make([]PeerOutcome, len(b.Peers))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Concurrency)

	for i, peer := range b.Peers {
		i, peer := i, peer
		g.Go(func() error {
			err := b.shareWithPeer(ctx, peer, sketchData, meta)
			mu.Lock()
			outcomes[i] = PeerOutcome{Peer: peer.ClusterID, Err: err}
			mu.Unlock()

			outcome := "ok"
			if err != nil {
				outcome = string(evoerr.KindOf(err))
				if outcome == "" {
					outcome = "error"
				}
				b.log.Warn().Err(err).Str("peer", peer.ClusterID).Msg("sketch share failed")
			}
			b.metrics.FederationShare(peer.ClusterID, outcome)
			return nil // per-peer failures never cancel the group
		})
	}
	_ = g.Wait()
	return BroadcastResult{Outcomes: outcomes}
}

func (b *Broadcaster) shareWithPeer(ctx context.Context, peer Peer, sketchData []byte, meta *wire.SketchMetadata) error {
	seq, err := b.Seq.Next()
	if err != nil {
		return err
	}

	req := &wire.ShareSketchRequest{
		ClusterID:  b.ClusterID,
		SketchData: sketchData,
		Metadata:   meta,
	}
	req.SequenceNumber = seq
	req.TimestampUnix = time.Now().Unix()
	if err := b.Signer.Sign(req); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.RandomizationFactor = 1.0 // full jitter
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, b.MaxRetries), ctx)

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.CallTimeout)
		defer cancel()

		resp, err := peer.Client.ShareSketch(callCtx, req)
		if err != nil {
			return evoerr.Wrap(evoerr.KindPeerUnreachable, err, "share with %s", peer.ClusterID)
		}
		if resp.Success {
			return nil
		}
		switch resp.ErrorCode {
		case wire.ErrorCodeRateLimited:
			// retryable: the bucket refills at the minute boundary
			return evoerr.New(evoerr.KindRateLimited, "peer %s rate limited the share", peer.ClusterID)
		case wire.ErrorCodeReplayDetected:
			return backoff.Permanent(evoerr.New(evoerr.KindReplay, "peer %s flagged replay", peer.ClusterID))
		case wire.ErrorCodeInvalidSignature:
			return backoff.Permanent(evoerr.New(evoerr.KindSignatureInvalid, "peer %s rejected signature", peer.ClusterID))
		case wire.ErrorCodeInvalidSketch:
			return backoff.Permanent(evoerr.New(evoerr.KindCorruptSketch, "peer %s rejected sketch: %s", peer.ClusterID, resp.Message))
		default:
			return evoerr.New(evoerr.KindPeerUnreachable, "peer %s refused share: %s", peer.ClusterID, resp.Message)
		}
	}
	return backoff.Retry(attempt, policy)
}

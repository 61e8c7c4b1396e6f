package client

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/federation/signing"
	"github.com/aswarm/evolution-core/federation/wire"
	"github.com/aswarm/evolution-core/metrics"
)

// fakeShareClient scripts per-call responses and records what it saw.
type fakeShareClient struct {
	mu        sync.Mutex
	responses []*wire.ShareSketchResponse
	err       error
	calls     int
	requests  []*wire.ShareSketchRequest
}

func (f *fakeShareClient) ShareSketch(_ context.Context, req *wire.ShareSketchRequest, _ ...grpc.CallOption) (*wire.ShareSketchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func accept() *wire.ShareSketchResponse {
	return &wire.ShareSketchResponse{Success: true, ReceiverID: "peer"}
}

func refuse(code wire.ErrorCode) *wire.ShareSketchResponse {
	return &wire.ShareSketchResponse{Success: false, ErrorCode: code}
}

func newTestBroadcaster(t *testing.T, peers []Peer) *Broadcaster {
	t.Helper()
	seq, err := OpenSeqStore(filepath.Join(t.TempDir(), "seq"))
	require.NoError(t, err)
	signer := &signing.Signer{KeyID: "key-1", HMACSecret: []byte("secret")}
	b := NewBroadcaster("cluster-east", peers, signer, seq, metrics.NewFake(), zerolog.Nop())
	b.MaxRetries = 1
	return b
}

func TestBroadcastMultiStatus(t *testing.T) {
	good := &fakeShareClient{responses: []*wire.ShareSketchResponse{accept()}}
	bad := &fakeShareClient{responses: []*wire.ShareSketchResponse{refuse(wire.ErrorCodeInvalidSignature)}}

	b := newTestBroadcaster(t, []Peer{
		{ClusterID: "cluster-west", Client: good},
		{ClusterID: "cluster-north", Client: bad},
	})

	res := b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{AntibodyID: "variant-x"})
	assert.Equal(t, 1, res.Succeeded())
	assert.Equal(t, 1, res.Failed())

	for _, o := range res.Outcomes {
		if o.Peer == "cluster-north" {
			assert.True(t, evoerr.IsKind(o.Err, evoerr.KindSignatureInvalid))
		} else {
			assert.NoError(t, o.Err)
		}
	}
}

func TestBroadcastSignsEachRequest(t *testing.T) {
	peer := &fakeShareClient{responses: []*wire.ShareSketchResponse{accept()}}
	b := newTestBroadcaster(t, []Peer{{ClusterID: "cluster-west", Client: peer}})

	res := b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{AntibodyID: "variant-x"})
	require.Equal(t, 1, res.Succeeded())

	require.Len(t, peer.requests, 1)
	req := peer.requests[0]
	assert.Equal(t, "cluster-east", req.ClusterID)
	assert.Equal(t, uint64(1), req.SequenceNumber)
	assert.Len(t, req.NonceBytes, wire.NonceSize)
	assert.NotEmpty(t, req.SigHMAC)
}

// Replay, signature, and sketch rejections are final; the broadcaster
// must not resend them.
func TestBroadcastPermanentFailuresNotRetried(t *testing.T) {
	for _, code := range []wire.ErrorCode{
		wire.ErrorCodeReplayDetected,
		wire.ErrorCodeInvalidSignature,
		wire.ErrorCodeInvalidSketch,
	} {
		peer := &fakeShareClient{responses: []*wire.ShareSketchResponse{refuse(code)}}
		b := newTestBroadcaster(t, []Peer{{ClusterID: "cluster-west", Client: peer}})

		res := b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{})
		assert.Equal(t, 1, res.Failed())
		assert.Equal(t, 1, peer.calls, "error code %v must not be retried", code)
	}
}

func TestBroadcastRetriesRateLimited(t *testing.T) {
	peer := &fakeShareClient{responses: []*wire.ShareSketchResponse{
		refuse(wire.ErrorCodeRateLimited),
		accept(),
	}}
	b := newTestBroadcaster(t, []Peer{{ClusterID: "cluster-west", Client: peer}})

	res := b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{})
	assert.Equal(t, 1, res.Succeeded())
	assert.Equal(t, 2, peer.calls)
}

// Retries reuse the original sequence and nonce so receivers can
// deduplicate instead of double counting.
func TestBroadcastRetryKeepsSequence(t *testing.T) {
	peer := &fakeShareClient{responses: []*wire.ShareSketchResponse{
		refuse(wire.ErrorCodeRateLimited),
		accept(),
	}}
	b := newTestBroadcaster(t, []Peer{{ClusterID: "cluster-west", Client: peer}})

	b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{})
	require.Len(t, peer.requests, 2)
	assert.Equal(t, peer.requests[0].SequenceNumber, peer.requests[1].SequenceNumber)
	assert.Equal(t, peer.requests[0].NonceBytes, peer.requests[1].NonceBytes)
}

func TestBroadcastDistinctSequencesPerPeer(t *testing.T) {
	a := &fakeShareClient{responses: []*wire.ShareSketchResponse{accept()}}
	c := &fakeShareClient{responses: []*wire.ShareSketchResponse{accept()}}
	b := newTestBroadcaster(t, []Peer{
		{ClusterID: "cluster-west", Client: a},
		{ClusterID: "cluster-north", Client: c},
	})

	res := b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{})
	require.Equal(t, 2, res.Succeeded())
	require.Len(t, a.requests, 1)
	require.Len(t, c.requests, 1)
	assert.NotEqual(t, a.requests[0].SequenceNumber, c.requests[0].SequenceNumber)
}

func TestBroadcastNoPeers(t *testing.T) {
	b := newTestBroadcaster(t, nil)
	res := b.Broadcast(context.Background(), []byte("sketch"), &wire.SketchMetadata{})
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, 0, res.Succeeded())
}

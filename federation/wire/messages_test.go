package wire

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/evoerr"
)

func sampleShareRequest(t *testing.T) *ShareSketchRequest {
	t.Helper()
	sketch := []byte("sketch-payload")
	sum := sha256.Sum256(sketch)
	req := &ShareSketchRequest{
		ClusterID:  "cluster-west",
		SketchData: sketch,
		Metadata: &SketchMetadata{
			ClusterID:           "cluster-west",
			AntibodyID:          "variant-a1b2c3d4",
			AntibodyPhase:       AntibodyPhaseActive,
			SignatureType:       SignatureTypeBehavioral,
			BlastRadius:         BlastRadiusRing2,
			CardinalityEstimate: 4213,
			CreatedAtUnix:       1700000000,
			ConfidenceLevel:     0.91,
			SketchHash:          sum[:],
		},
	}
	req.SequenceNumber = 42
	req.TimestampUnix = 1700000100
	req.KeyID = "key-1"
	require.NoError(t, req.FillNonce())
	return req
}

func TestShareSketchRequestRoundTrip(t *testing.T) {
	req := sampleShareRequest(t)
	req.SetAuthHMAC("key-1", []byte("mac-bytes-here"))

	data, err := req.MarshalWire()
	require.NoError(t, err)

	var got ShareSketchRequest
	require.NoError(t, got.UnmarshalWire(data))

	assert.Equal(t, req.ClusterID, got.ClusterID)
	assert.Equal(t, req.SketchData, got.SketchData)
	assert.Equal(t, req.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, req.NonceBytes, got.NonceBytes)
	assert.Equal(t, req.TimestampUnix, got.TimestampUnix)
	assert.Equal(t, req.KeyID, got.KeyID)
	assert.Equal(t, req.SigHMAC, got.SigHMAC)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, *req.Metadata, *got.Metadata)
}

func TestSignViewExcludesAuth(t *testing.T) {
	req := sampleShareRequest(t)
	unsigned := req.SignView()

	req.SetAuthEd25519("key-1", bytes.Repeat([]byte{0xAB}, 64))
	signed := req.SignView()

	assert.Equal(t, unsigned, signed, "attaching a signature must not change the sign view")

	full, err := req.MarshalWire()
	require.NoError(t, err)
	assert.NotEqual(t, unsigned, full)
	assert.True(t, bytes.HasPrefix(full, unsigned), "auth fields trail the signed fields")
}

func TestSignViewCoversReplayFields(t *testing.T) {
	req := sampleShareRequest(t)
	before := req.SignView()

	req.SequenceNumber++
	assert.NotEqual(t, before, req.SignView())

	req.SequenceNumber--
	req.TimestampUnix++
	assert.NotEqual(t, before, req.SignView())
}

func TestUnknownEnumRejected(t *testing.T) {
	req := sampleShareRequest(t)
	req.Metadata.AntibodyPhase = AntibodyPhase(99)
	data, err := req.MarshalWire()
	require.NoError(t, err)

	var got ShareSketchRequest
	err = got.UnmarshalWire(data)
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))
}

func TestNonceLengthEnforced(t *testing.T) {
	req := sampleShareRequest(t)
	req.NonceBytes = []byte("short")
	data, err := req.MarshalWire()
	require.NoError(t, err)

	var got ShareSketchRequest
	err = got.UnmarshalWire(data)
	assert.True(t, evoerr.IsKind(err, evoerr.KindSignatureInvalid))
}

func TestRequestSketchRoundTrip(t *testing.T) {
	req := &RequestSketchRequest{ClusterID: "cluster-east", SinceUnix: 1700000000, Limit: 25}
	req.SequenceNumber = 7
	req.TimestampUnix = 1700000500
	require.NoError(t, req.FillNonce())

	data, err := req.MarshalWire()
	require.NoError(t, err)

	var got RequestSketchRequest
	require.NoError(t, got.UnmarshalWire(data))
	assert.Equal(t, req.ClusterID, got.ClusterID)
	assert.Equal(t, req.SinceUnix, got.SinceUnix)
	assert.Equal(t, req.Limit, got.Limit)
}

func TestRequestSketchResponseRoundTrip(t *testing.T) {
	resp := &RequestSketchResponse{
		Success:   true,
		ClusterID: "cluster-west",
		Sketches: []*SketchRecord{
			{Metadata: &SketchMetadata{AntibodyID: "variant-1"}, SketchData: []byte("one")},
			{Metadata: &SketchMetadata{AntibodyID: "variant-2"}, SketchData: []byte("two")},
		},
		RespondedAtUnix: 1700000900,
	}
	data, err := resp.MarshalWire()
	require.NoError(t, err)

	var got RequestSketchResponse
	require.NoError(t, got.UnmarshalWire(data))
	require.Len(t, got.Sketches, 2)
	assert.Equal(t, "variant-1", got.Sketches[0].Metadata.AntibodyID)
	assert.Equal(t, []byte("two"), got.Sketches[1].SketchData)
}

func TestHealthRoundTrip(t *testing.T) {
	req := &HealthReportRequest{ClusterID: "cluster-east"}
	req.SequenceNumber = 3
	req.TimestampUnix = 1700001000
	require.NoError(t, req.FillNonce())

	data, err := req.MarshalWire()
	require.NoError(t, err)
	var gotReq HealthReportRequest
	require.NoError(t, gotReq.UnmarshalWire(data))
	assert.Equal(t, req.ClusterID, gotReq.ClusterID)

	resp := &HealthReportResponse{
		ClusterID:    "cluster-west",
		Status:       HealthStatusHealthy,
		SketchCount:  12,
		Version:      "1.0.0",
		Capabilities: []string{"hll-merge", "quorum-attestation"},
		Load:         0.25,
	}
	data, err = resp.MarshalWire()
	require.NoError(t, err)
	var gotResp HealthReportResponse
	require.NoError(t, gotResp.UnmarshalWire(data))
	assert.Equal(t, resp.Capabilities, gotResp.Capabilities)
	assert.Equal(t, resp.Load, gotResp.Load)
}

func TestUniqueKeys(t *testing.T) {
	req := sampleShareRequest(t)
	k1 := UniqueKeyForShare(req)
	k2 := UniqueKeyForShare(req)
	assert.Equal(t, k1, k2, "key must be deterministic")

	req.SequenceNumber++
	assert.NotEqual(t, k1, UniqueKeyForShare(req))
}

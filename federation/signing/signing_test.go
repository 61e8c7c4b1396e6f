package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/federation/wire"
)

func sampleRequest(t *testing.T) *wire.ShareSketchRequest {
	t.Helper()
	req := &wire.ShareSketchRequest{
		ClusterID:  "cluster-west",
		SketchData: []byte("sketch-bytes"),
	}
	req.SequenceNumber = 9
	req.TimestampUnix = 1700000000
	return req
}

func TestEd25519SignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ring := NewStaticKeyring()
	ring.SetEd25519Pub("cluster-west", pub)

	signer := &Signer{KeyID: "key-1", Ed25519Priv: priv}
	req := sampleRequest(t)
	require.NoError(t, signer.Sign(req))
	assert.Len(t, req.Nonce(), wire.NonceSize)

	assert.NoError(t, Verify(ring, "cluster-west", req))
}

func TestHMACSignVerify(t *testing.T) {
	secret := []byte("shared-secret-material")
	ring := NewStaticKeyring()
	ring.SetHMACKey("cluster-west", secret)

	signer := &Signer{KeyID: "key-1", HMACSecret: secret}
	req := sampleRequest(t)
	require.NoError(t, signer.Sign(req))

	assert.NoError(t, Verify(ring, "cluster-west", req))
}

func TestTamperedPayloadFailsVerification(t *testing.T) {
	secret := []byte("shared-secret-material")
	ring := NewStaticKeyring()
	ring.SetHMACKey("cluster-west", secret)

	signer := &Signer{KeyID: "key-1", HMACSecret: secret}
	req := sampleRequest(t)
	require.NoError(t, signer.Sign(req))

	req.SketchData = []byte("tampered")
	err := Verify(ring, "cluster-west", req)
	assert.True(t, evoerr.IsKind(err, evoerr.KindSignatureInvalid))
}

func TestTamperedReplayFieldsFailVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ring := NewStaticKeyring()
	ring.SetEd25519Pub("cluster-west", pub)

	signer := &Signer{KeyID: "key-1", Ed25519Priv: priv}
	req := sampleRequest(t)
	require.NoError(t, signer.Sign(req))

	req.SequenceNumber++
	err = Verify(ring, "cluster-west", req)
	assert.True(t, evoerr.IsKind(err, evoerr.KindSignatureInvalid))
}

func TestUnsignedAndUnknownKeyRejected(t *testing.T) {
	ring := NewStaticKeyring()

	req := sampleRequest(t)
	err := Verify(ring, "cluster-west", req)
	assert.True(t, evoerr.IsKind(err, evoerr.KindSignatureInvalid))

	_, priv, err2 := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err2)
	signer := &Signer{KeyID: "key-1", Ed25519Priv: priv}
	require.NoError(t, signer.Sign(req))

	// no key registered for the sender
	err = Verify(ring, "cluster-west", req)
	assert.True(t, evoerr.IsKind(err, evoerr.KindSignatureInvalid))
}

func TestSignerWithoutKeysFails(t *testing.T) {
	signer := &Signer{KeyID: "key-1"}
	err := signer.Sign(sampleRequest(t))
	assert.True(t, evoerr.IsKind(err, evoerr.KindSignatureInvalid))
}

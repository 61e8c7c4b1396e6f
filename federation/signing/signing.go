// Package signing authenticates federation messages. Signatures cover
// the canonical sign view of a request (every field except the auth
// oneof) prefixed with a protocol domain tag.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"

	"github.com/aswarm/evolution-core/evoerr"
)

// A domain tag to separate signatures from other protocols/components.
const domainTag = "ASWARM-FEDERATION-V1"

// addDomain binds bytes to our protocol to prevent cross-protocol reuse.
func addDomain(b []byte) []byte {
	// domainTag || 0x00 || msg
	out := make([]byte, 0, len(domainTag)+1+len(b))
	out = append(out, domainTag...)
	out = append(out, 0)
	out = append(out, b...)
	return out
}

// Ed25519Sign signs the sign-view bytes with the domain tag applied.
func Ed25519Sign(priv ed25519.PrivateKey, view []byte) []byte {
	return ed25519.Sign(priv, addDomain(view))
}

// Ed25519Verify verifies an Ed25519 signature over the sign view.
func Ed25519Verify(pub ed25519.PublicKey, view, sig []byte) error {
	if !ed25519.Verify(pub, addDomain(view), sig) {
		return evoerr.New(evoerr.KindSignatureInvalid, "ed25519 verification failed")
	}
	return nil
}

// HMACSign creates HMAC-SHA256 over the sign-view bytes with the domain
// tag applied.
func HMACSign(key, view []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(addDomain(view))
	return h.Sum(nil)
}

// HMACVerify verifies HMAC-SHA256 over the sign view.
func HMACVerify(key, view, mac []byte) error {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(addDomain(view))
	if !hmac.Equal(mac, h.Sum(nil)) {
		return evoerr.New(evoerr.KindSignatureInvalid, "hmac verification failed")
	}
	return nil
}

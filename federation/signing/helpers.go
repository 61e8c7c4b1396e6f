package signing

import (
	"crypto/ed25519"

	"github.com/aswarm/evolution-core/evoerr"
	"github.com/aswarm/evolution-core/federation/wire"
)

// Signer holds one cluster's outbound signing identity. Ed25519 wins
// when both key kinds are present.
type Signer struct {
	KeyID       string
	Ed25519Priv ed25519.PrivateKey
	HMACSecret  []byte
}

// Sign fills the nonce if empty and attaches a signature over the
// canonical sign view. Re-signing replaces any previous auth.
func (s *Signer) Sign(msg wire.Signed) error {
	if len(msg.Nonce()) == 0 {
		if err := msg.FillNonce(); err != nil {
			return err
		}
	}
	// The sign view excludes the auth fields, so setting the key id
	// first keeps it inside the signed bytes.
	switch {
	case s.Ed25519Priv != nil:
		msg.SetAuthEd25519(s.KeyID, nil)
		sig := Ed25519Sign(s.Ed25519Priv, msg.SignView())
		msg.SetAuthEd25519(s.KeyID, sig)
	case s.HMACSecret != nil:
		msg.SetAuthHMAC(s.KeyID, nil)
		mac := HMACSign(s.HMACSecret, msg.SignView())
		msg.SetAuthHMAC(s.KeyID, mac)
	default:
		return evoerr.New(evoerr.KindSignatureInvalid, "signer has no key material")
	}
	return nil
}

// Verify checks the auth oneof against the sender's keys. An unsigned
// request, a missing key, or a bad signature all fail with
// signature_invalid.
func Verify(keys Keyring, senderClusterID string, msg wire.Signed) error {
	_, sigEd, sigHMAC := msg.AuthFields()
	view := msg.SignView()

	switch {
	case len(sigEd) > 0:
		pub := keys.Ed25519Pub(senderClusterID)
		if pub == nil {
			return evoerr.New(evoerr.KindSignatureInvalid, "no ed25519 key for cluster %s", senderClusterID)
		}
		return Ed25519Verify(pub, view, sigEd)
	case len(sigHMAC) > 0:
		key := keys.HMACKey(senderClusterID)
		if key == nil {
			return evoerr.New(evoerr.KindSignatureInvalid, "no hmac key for cluster %s", senderClusterID)
		}
		return HMACVerify(key, view, sigHMAC)
	default:
		return evoerr.New(evoerr.KindSignatureInvalid, "request is unsigned")
	}
}

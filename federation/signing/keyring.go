package signing

import (
	"crypto/ed25519"
	"sync"
)

// Keyring supplies per-cluster keys to verification helpers.
type Keyring interface {
	HMACKey(clusterID string) []byte               // may return nil
	Ed25519Pub(clusterID string) ed25519.PublicKey // 32 bytes or nil
}

// StaticKeyring is an in-memory keyring populated at startup.
type StaticKeyring struct {
	mu   sync.RWMutex
	hmac map[string][]byte
	eds  map[string]ed25519.PublicKey
}

// NewStaticKeyring returns an empty keyring.
func NewStaticKeyring() *StaticKeyring {
	return &StaticKeyring{
		hmac: make(map[string][]byte),
		eds:  make(map[string]ed25519.PublicKey),
	}
}

// SetHMACKey registers a shared secret for a cluster.
func (k *StaticKeyring) SetHMACKey(clusterID string, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hmac[clusterID] = key
}

// SetEd25519Pub registers a cluster's public key.
func (k *StaticKeyring) SetEd25519Pub(clusterID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.eds[clusterID] = pub
}

func (k *StaticKeyring) HMACKey(clusterID string) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.hmac[clusterID]
}

func (k *StaticKeyring) Ed25519Pub(clusterID string) ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.eds[clusterID]
}

package wire

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// FillNonce sets a fresh 16-byte nonce on the tail.
func (t *replayTail) FillNonce() error {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	t.NonceBytes = nonce
	return nil
}

// UniqueKeyForShare is the 24-byte idempotency key for a share:
// sequence(8 LE) || timestamp(8 LE) || first 8 bytes of the sketch
// hash. Receivers deduplicate on it.
func UniqueKeyForShare(req *ShareSketchRequest) [24]byte {
	var key [24]byte
	binary.LittleEndian.PutUint64(key[0:8], req.SequenceNumber)
	binary.LittleEndian.PutUint64(key[8:16], uint64(req.TimestampUnix))
	var tail []byte
	if req.Metadata != nil && len(req.Metadata.SketchHash) >= 8 {
		tail = req.Metadata.SketchHash[:8]
	} else {
		sum := sha256.Sum256(req.SketchData)
		tail = sum[:8]
	}
	copy(key[16:24], tail)
	return key
}

// UniqueKeyForRequest keys a sketch request by sequence, timestamp, and
// the first 8 nonce bytes.
func UniqueKeyForRequest(req *RequestSketchRequest) [24]byte {
	return tailKey(req.SequenceNumber, req.TimestampUnix, req.NonceBytes)
}

// UniqueKeyForHealth keys a health probe the same way.
func UniqueKeyForHealth(req *HealthReportRequest) [24]byte {
	return tailKey(req.SequenceNumber, req.TimestampUnix, req.NonceBytes)
}

func tailKey(seq uint64, ts int64, nonce []byte) [24]byte {
	var key [24]byte
	binary.LittleEndian.PutUint64(key[0:8], seq)
	binary.LittleEndian.PutUint64(key[8:16], uint64(ts))
	if len(nonce) >= 8 {
		copy(key[16:24], nonce[:8])
	}
	return key
}

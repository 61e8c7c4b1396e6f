package hll

import (
	"bytes"

	"github.com/aswarm/evolution-core/evoerr"
)

// Binary wire format, bit-stable across versions:
//
//	magic(4)="ASWM" | version(1)=1 | precision(1) | salt_fingerprint(8) |
//	registers(ceil(m*6/8))
//
// Registers are packed as consecutive 6-bit values, most significant
// bits first.

var sketchMagic = [4]byte{'A', 'S', 'W', 'M'}

const sketchVersion = 1

const headerLen = 4 + 1 + 1 + 8

// MarshalBinary encodes the sketch in the wire format.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	m := len(s.registers)
	out := make([]byte, headerLen+packedLen(m))
	copy(out[0:4], sketchMagic[:])
	out[4] = sketchVersion
	out[5] = byte(s.cfg.Precision)
	fp := s.cfg.SaltFingerprint()
	copy(out[6:14], fp[:])
	packRegisters(out[headerLen:], s.registers)
	return out, nil
}

// UnmarshalBinary decodes data into a sketch compatible with cfg.
// Version, precision, or salt mismatches fail with incompatible_sketch;
// truncated or malformed payloads fail with corrupt_sketch.
func UnmarshalBinary(data []byte, cfg Config) (*Sketch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(data) < headerLen {
		return nil, evoerr.New(evoerr.KindCorruptSketch, "sketch truncated at %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], sketchMagic[:]) {
		return nil, evoerr.New(evoerr.KindCorruptSketch, "bad sketch magic %x", data[0:4])
	}
	if data[4] != sketchVersion {
		return nil, evoerr.New(evoerr.KindIncompatibleSketch, "sketch version %d, want %d", data[4], sketchVersion)
	}
	prec := int(data[5])
	if prec != cfg.Precision {
		return nil, evoerr.New(evoerr.KindIncompatibleSketch, "sketch precision %d, want %d", prec, cfg.Precision)
	}
	fp := cfg.SaltFingerprint()
	if !bytes.Equal(data[6:14], fp[:]) {
		return nil, evoerr.New(evoerr.KindIncompatibleSketch, "salt fingerprint %x, want %x", data[6:14], fp[:])
	}

	m := 1 << prec
	want := packedLen(m)
	if len(data)-headerLen != want {
		return nil, evoerr.New(evoerr.KindCorruptSketch, "register block %d bytes, want %d", len(data)-headerLen, want)
	}

	s := &Sketch{cfg: cfg, registers: make([]uint8, m)}
	maxRank := uint8(64 - prec + 1)
	if err := unpackRegisters(s.registers, data[headerLen:], maxRank); err != nil {
		return nil, err
	}
	return s, nil
}

func packedLen(m int) int { return (m*6 + 7) / 8 }

// packRegisters writes m 6-bit values MSB-first into dst.
func packRegisters(dst []byte, regs []uint8) {
	bitPos := 0
	for _, r := range regs {
		v := r & 0x3f
		byteIdx := bitPos / 8
		bitOff := bitPos % 8
		if bitOff <= 2 {
			dst[byteIdx] |= v << (2 - bitOff)
		} else {
			dst[byteIdx] |= v >> (bitOff - 2)
			dst[byteIdx+1] |= v << (10 - bitOff)
		}
		bitPos += 6
	}
}

// unpackRegisters reads 6-bit values MSB-first and rejects ranks that
// no hash could produce.
func unpackRegisters(regs []uint8, src []byte, maxRank uint8) error {
	bitPos := 0
	for i := range regs {
		byteIdx := bitPos / 8
		bitOff := bitPos % 8
		var v uint8
		if bitOff <= 2 {
			v = (src[byteIdx] >> (2 - bitOff)) & 0x3f
		} else {
			hi := src[byteIdx] << (bitOff - 2)
			lo := src[byteIdx+1] >> (10 - bitOff)
			v = (hi | lo) & 0x3f
		}
		if v > maxRank {
			return evoerr.New(evoerr.KindCorruptSketch, "register %d rank %d out of range", i, v)
		}
		regs[i] = v
		bitPos += 6
	}
	return nil
}

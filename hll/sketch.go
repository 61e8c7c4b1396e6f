// Package hll implements a HyperLogLog++ cardinality sketch with a
// register-wise-max CRDT merge. The hash is SHA-256 over a domain salt
// plus the item so estimates converge across clusters that share the
// same salt.
package hll

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/bits"

	"github.com/aswarm/evolution-core/evoerr"
)

const (
	MinPrecision = 4
	MaxPrecision = 16

	// DefaultPrecision gives m=16384 registers, standard error ~0.81%.
	DefaultPrecision = 14

	// DefaultSalt is the domain salt clusters must agree on.
	DefaultSalt = "aswarm-federation-hll-v1"
)

// Config pins the parameters two sketches must share to be mergeable.
type Config struct {
	Precision int    // p, register count is 2^p
	Salt      string // hash domain salt
}

// DefaultConfig returns the federation-wide default configuration.
func DefaultConfig() Config {
	return Config{Precision: DefaultPrecision, Salt: DefaultSalt}
}

// Validate rejects precisions outside [4,16] and empty salts.
func (c Config) Validate() error {
	if c.Precision < MinPrecision || c.Precision > MaxPrecision {
		return evoerr.New(evoerr.KindInvalidSpec, "precision %d outside [%d,%d]", c.Precision, MinPrecision, MaxPrecision)
	}
	if c.Salt == "" {
		return evoerr.New(evoerr.KindInvalidSpec, "empty hash salt")
	}
	return nil
}

// SaltFingerprint is the first 8 bytes of SHA-256 over the salt, the
// value carried on the wire so receivers can reject foreign salts
// without learning them.
func (c Config) SaltFingerprint() [8]byte {
	sum := sha256.Sum256([]byte(c.Salt))
	var fp [8]byte
	copy(fp[:], sum[:8])
	return fp
}

// Sketch is a dense HLL++ register vector. Not safe for concurrent use;
// callers serialize access.
type Sketch struct {
	cfg       Config
	registers []uint8 // one 6-bit rank per register, stored in a byte
}

// New allocates an empty sketch for the configuration.
func New(cfg Config) (*Sketch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sketch{
		cfg:       cfg,
		registers: make([]uint8, 1<<cfg.Precision),
	}, nil
}

// Config returns the sketch parameters.
func (s *Sketch) Config() Config { return s.cfg }

// Registers exposes a copy of the register vector.
func (s *Sketch) Registers() []uint8 {
	out := make([]uint8, len(s.registers))
	copy(out, s.registers)
	return out
}

// Add observes one item.
func (s *Sketch) Add(item []byte) {
	h := sha256.New()
	h.Write([]byte(s.cfg.Salt))
	h.Write([]byte{0x00})
	h.Write(item)
	sum := h.Sum(nil)
	x := binary.BigEndian.Uint64(sum[:8])

	p := uint(s.cfg.Precision)
	idx := x >> (64 - p)
	// Rank of the first set bit in the remaining 64-p bits, 1-based.
	w := x<<p | 1<<(p-1) // sentinel bit caps the rank at 64-p+1
	rank := uint8(bits.LeadingZeros64(w) + 1)
	if rank > s.registers[idx] {
		s.registers[idx] = rank
	}
}

// AddString observes a string item.
func (s *Sketch) AddString(item string) { s.Add([]byte(item)) }

// Merge folds other into s register-wise. The operation is associative,
// commutative, and idempotent. Mismatched precision or salt fails with
// incompatible_sketch.
func (s *Sketch) Merge(other *Sketch) error {
	if other == nil {
		return nil
	}
	if other.cfg.Precision != s.cfg.Precision || other.cfg.Salt != s.cfg.Salt {
		return evoerr.New(evoerr.KindIncompatibleSketch,
			"cannot merge p=%d salt=%x into p=%d salt=%x",
			other.cfg.Precision, other.cfg.SaltFingerprint(),
			s.cfg.Precision, s.cfg.SaltFingerprint())
	}
	for i, r := range other.registers {
		if r > s.registers[i] {
			s.registers[i] = r
		}
	}
	return nil
}

// Clone returns an independent copy.
func (s *Sketch) Clone() *Sketch {
	c := &Sketch{cfg: s.cfg, registers: make([]uint8, len(s.registers))}
	copy(c.registers, s.registers)
	return c
}

// Count estimates the cardinality. Small cardinalities fall back to
// linear counting; the raw estimate otherwise uses the standard
// bias-corrected alpha constant for the register count.
func (s *Sketch) Count() uint64 {
	m := float64(len(s.registers))

	var sum float64
	zeros := 0
	for _, r := range s.registers {
		sum += math.Exp2(-float64(r))
		if r == 0 {
			zeros++
		}
	}

	raw := alpha(len(s.registers)) * m * m / sum

	if raw <= 2.5*m && zeros > 0 {
		return uint64(math.Round(m * math.Log(m/float64(zeros))))
	}
	return uint64(math.Round(raw))
}

// StandardError is the expected relative error, 1.04/sqrt(m).
func (s *Sketch) StandardError() float64 {
	return 1.04 / math.Sqrt(float64(len(s.registers)))
}

func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

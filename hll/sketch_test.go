package hll

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aswarm/evolution-core/evoerr"
)

func newTestSketch(t *testing.T, p int) *Sketch {
	t.Helper()
	s, err := New(Config{Precision: p, Salt: DefaultSalt})
	require.NoError(t, err)
	return s
}

func fill(s *Sketch, prefix string, n int) {
	for i := 0; i < n; i++ {
		s.AddString(fmt.Sprintf("%s-%d", prefix, i))
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{Precision: 3, Salt: DefaultSalt})
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))

	_, err = New(Config{Precision: 17, Salt: DefaultSalt})
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))

	_, err = New(Config{Precision: 14})
	assert.True(t, evoerr.IsKind(err, evoerr.KindInvalidSpec))

	for p := MinPrecision; p <= MaxPrecision; p++ {
		_, err := New(Config{Precision: p, Salt: DefaultSalt})
		assert.NoError(t, err)
	}
}

func TestCountSmallUsesLinearCounting(t *testing.T) {
	s := newTestSketch(t, 14)
	fill(s, "item", 100)

	got := float64(s.Count())
	assert.InDelta(t, 100, got, 5, "small cardinalities should be near exact")
}

func TestCountWithinStandardError(t *testing.T) {
	s := newTestSketch(t, 14)
	const n = 100000
	fill(s, "item", n)

	got := float64(s.Count())
	tolerance := 3 * s.StandardError() * n
	assert.InDelta(t, n, got, tolerance)
}

func TestAddIsIdempotent(t *testing.T) {
	s := newTestSketch(t, 12)
	fill(s, "dup", 1000)
	before := s.Count()
	fill(s, "dup", 1000)
	assert.Equal(t, before, s.Count())
}

func TestMergeCommutativeAssociativeIdempotent(t *testing.T) {
	a := newTestSketch(t, 12)
	b := newTestSketch(t, 12)
	fill(a, "a", 5000)
	fill(b, "b", 5000)

	ab := a.Clone()
	require.NoError(t, ab.Merge(b))
	ba := b.Clone()
	require.NoError(t, ba.Merge(a))
	assert.Equal(t, ab.Registers(), ba.Registers(), "merge must be commutative")

	again := ab.Clone()
	require.NoError(t, again.Merge(b))
	assert.Equal(t, ab.Registers(), again.Registers(), "merge must be idempotent")
}

// Three disjoint sets of 10k, 20k, and 30k items must estimate close to
// 60k regardless of merge order.
func TestMergeOrderEquivalence(t *testing.T) {
	build := func(prefix string, n int) *Sketch {
		s := newTestSketch(t, 14)
		fill(s, prefix, n)
		return s
	}
	s1 := build("one", 10000)
	s2 := build("two", 20000)
	s3 := build("three", 30000)

	orders := [][]*Sketch{
		{s1, s2, s3},
		{s3, s1, s2},
		{s2, s3, s1},
	}
	var counts []uint64
	for _, order := range orders {
		merged := newTestSketch(t, 14)
		for _, s := range order {
			require.NoError(t, merged.Merge(s))
		}
		counts = append(counts, merged.Count())
	}

	assert.Equal(t, counts[0], counts[1], "merge order must not change the estimate")
	assert.Equal(t, counts[0], counts[2])

	rel := math.Abs(float64(counts[0])-60000) / 60000
	assert.Less(t, rel, 0.02, "estimate %d outside 2%% of 60000", counts[0])
}

func TestMergeIncompatible(t *testing.T) {
	a := newTestSketch(t, 12)
	b := newTestSketch(t, 14)
	err := a.Merge(b)
	assert.True(t, evoerr.IsKind(err, evoerr.KindIncompatibleSketch))

	c, err := New(Config{Precision: 12, Salt: "other-salt"})
	require.NoError(t, err)
	err = a.Merge(c)
	assert.True(t, evoerr.IsKind(err, evoerr.KindIncompatibleSketch))
}

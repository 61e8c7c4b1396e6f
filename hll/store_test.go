package hll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMergeAccumulates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := SketchKey{ClusterID: "west", AntibodyID: "variant-abc", Phase: "active"}

	first := newTestSketch(t, 12)
	fill(first, "first", 2000)
	require.NoError(t, store.Merge(ctx, key, first))

	second := newTestSketch(t, 12)
	fill(second, "second", 2000)
	require.NoError(t, store.Merge(ctx, key, second))

	entry, ok := store.Get(ctx, key)
	require.True(t, ok)
	assert.Greater(t, entry.Sketch.Count(), first.Count())

	// the stored sketch is independent of the inputs
	fill(first, "later", 1000)
	again, _ := store.Get(ctx, key)
	assert.Equal(t, entry.Sketch.Count(), again.Sketch.Count())
}

func TestMemoryStoreListSinceAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	store.SetNow(func() time.Time { return now })

	for i, id := range []string{"a", "b", "c"} {
		now = now.Add(time.Duration(i) * time.Hour)
		s := newTestSketch(t, 12)
		fill(s, id, 100)
		require.NoError(t, store.Merge(ctx, SketchKey{ClusterID: "x", AntibodyID: id}, s))
	}

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// newest first
	assert.Equal(t, "c", all[0].Key.AntibodyID)

	recent, err := store.List(ctx, ListOptions{Since: time.Unix(1700000000, 0).Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := store.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].Key.AntibodyID)

	stats := store.Stats()
	assert.Equal(t, 3, stats.TotalSketches)
}

package hll

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SketchKey identifies one coverage sketch stream.
type SketchKey struct {
	ClusterID  string
	AntibodyID string
	Phase      string
}

// StoredSketch is a sketch plus its bookkeeping.
type StoredSketch struct {
	Key       SketchKey
	Sketch    *Sketch
	UpdatedAt time.Time
}

// ListOptions filters List results.
type ListOptions struct {
	Since time.Time // zero means no lower bound
	Limit int       // 0 means unlimited
}

// StoreStats summarizes store contents.
type StoreStats struct {
	TotalSketches int
	LastUpdate    time.Time
}

// Store is the sketch persistence interface the federation server
// depends on.
type Store interface {
	// Merge folds sketch into the entry for key, creating it if absent.
	Merge(ctx context.Context, key SketchKey, sketch *Sketch) error
	Get(ctx context.Context, key SketchKey) (*StoredSketch, bool)
	List(ctx context.Context, opts ListOptions) ([]StoredSketch, error)
	Stats() StoreStats
}

// MemoryStore keeps sketches in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sketches map[SketchKey]*StoredSketch
	now      func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sketches: make(map[SketchKey]*StoredSketch),
		now:      time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (m *MemoryStore) SetNow(now func() time.Time) { m.now = now }

// Merge folds sketch into the stored entry for key.
func (m *MemoryStore) Merge(ctx context.Context, key SketchKey, sketch *Sketch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.sketches[key]
	if !ok {
		m.sketches[key] = &StoredSketch{Key: key, Sketch: sketch.Clone(), UpdatedAt: m.now()}
		return nil
	}
	if err := entry.Sketch.Merge(sketch); err != nil {
		return err
	}
	entry.UpdatedAt = m.now()
	return nil
}

// Get returns a copy of the entry for key.
func (m *MemoryStore) Get(ctx context.Context, key SketchKey) (*StoredSketch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sketches[key]
	if !ok {
		return nil, false
	}
	cp := *entry
	cp.Sketch = entry.Sketch.Clone()
	return &cp, true
}

// List returns entries updated at or after opts.Since, newest first.
func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]StoredSketch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []StoredSketch
	for _, entry := range m.sketches {
		if !opts.Since.IsZero() && entry.UpdatedAt.Before(opts.Since) {
			continue
		}
		cp := *entry
		cp.Sketch = entry.Sketch.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Stats reports the store size and freshest update.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := StoreStats{TotalSketches: len(m.sketches)}
	for _, entry := range m.sketches {
		if entry.UpdatedAt.After(stats.LastUpdate) {
			stats.LastUpdate = entry.UpdatedAt
		}
	}
	return stats
}

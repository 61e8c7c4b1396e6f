// Package intelligence - population snapshot persistence
package intelligence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SnapshotStore persists population snapshots as JSON files, one per
// generation, with an atomic rename so readers never observe a torn
// write.
type SnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewSnapshotStore roots a store at dir, creating it if needed.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	return &SnapshotStore{dir: dir}, nil
}

// Put writes the snapshot for its generation.
func (s *SnapshotStore) Put(ctx context.Context, state PopulationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot gen %d: %w", state.Generation, err)
	}

	final := s.pathFor(state.Generation)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Latest loads the highest-generation snapshot, or nil when none exist.
func (s *SnapshotStore) Latest(ctx context.Context) (*PopulationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && filepath.Ext(name) == ".json" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	// Fixed-width generation numbers make lexical order generation order.
	sort.Strings(names)
	latest := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(s.dir, latest))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", latest, err)
	}
	var state PopulationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", latest, err)
	}
	return &state, nil
}

func (s *SnapshotStore) pathFor(generation int) string {
	return filepath.Join(s.dir, fmt.Sprintf("population-%08d.json", generation))
}

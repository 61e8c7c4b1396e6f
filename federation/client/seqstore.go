// Package client implements the outbound federation side: a crash-safe
// sequence counter, a bounded-concurrency broadcaster with retries, and
// the worker that turns local learning events into shared sketches.
package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// SeqStore hands out monotonically increasing sequence numbers and
// persists the high-water mark with an atomic rename so a crash never
// reissues a number.
type SeqStore struct {
	mu   sync.Mutex
	path string
	next uint64
}

// OpenSeqStore loads or creates the counter file.
func OpenSeqStore(path string) (*SeqStore, error) {
	s := &SeqStore{path: path, next: 1}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		v, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse sequence counter %s: %w", path, perr)
		}
		s.next = v + 1
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create counter dir: %w", err)
		}
	default:
		return nil, fmt.Errorf("read sequence counter %s: %w", path, err)
	}
	return s, nil
}

// Next returns the next sequence number after durably recording it.
func (s *SeqStore) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("write sequence counter: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("commit sequence counter: %w", err)
	}
	s.next = seq + 1
	return seq, nil
}

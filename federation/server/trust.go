package server

import "sync"

// TrustScore tracks how much a peer's attestations are worth.
type TrustScore struct {
	Reliability float64
	Response    float64
	Consensus   float64
}

// DefaultTrustThreshold is the floor below which peers are rejected.
const DefaultTrustThreshold = 0.3

// trustBook maintains per-peer scores with a simple success/failure
// nudge. New peers start at 0.5 reliability.
type trustBook struct {
	mu     sync.Mutex
	scores map[string]*TrustScore
}

func newTrustBook() *trustBook {
	return &trustBook{scores: make(map[string]*TrustScore)}
}

func (t *trustBook) get(clusterID string) TrustScore {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.getLocked(clusterID)
}

func (t *trustBook) getLocked(clusterID string) *TrustScore {
	if s, ok := t.scores[clusterID]; ok {
		return s
	}
	s := &TrustScore{Reliability: 0.5, Response: 1.0, Consensus: 1.0}
	t.scores[clusterID] = s
	return s
}

// observe nudges the score after an interaction. Failures cost more
// than successes earn.
func (t *trustBook) observe(clusterID string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.getLocked(clusterID)
	if success {
		s.Reliability = clamp01(s.Reliability + 0.01)
		s.Response = clamp01(s.Response + 0.01)
	} else {
		s.Reliability = clamp01(s.Reliability - 0.05)
		s.Response = clamp01(s.Response - 0.02)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// quorumTracker counts distinct trusted peers attesting the same sketch
// content before it may merge into local state.
type quorumTracker struct {
	mu      sync.Mutex
	pending map[string]map[string]struct{} // content key -> peer set
}

func newQuorumTracker() *quorumTracker {
	return &quorumTracker{pending: make(map[string]map[string]struct{})}
}

// record registers an attestation and returns the distinct-peer count.
func (q *quorumTracker) record(contentKey, peer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.pending[contentKey]
	if !ok {
		set = make(map[string]struct{})
		q.pending[contentKey] = set
	}
	set[peer] = struct{}{}
	return len(set)
}

// settle drops the pending entry once the content has merged.
func (q *quorumTracker) settle(contentKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, contentKey)
}

// Package server hosts the federation gRPC service plus its admission
// controls: per-cluster rate limits and replay defense.
package server

import (
	"sync"
	"time"

	"github.com/aswarm/evolution-core/evoerr"
)

// DefaultRateLimitRPM is the per-cluster request budget per minute.
const DefaultRateLimitRPM = 600

// Token-bucket RL per cluster.
type RateLimiter interface {
	Allow(clusterID string) (ok bool, reset time.Time, remaining int)
}

type tokenBucket struct {
	mu   sync.Mutex
	rpm  int // tokens per minute; must be >0
	now  func() time.Time
	bkts map[string]bucket
}

type bucket struct {
	tokens int
	reset  time.Time
}

// NewTokenBucket builds a limiter refilling rpm tokens at each minute
// boundary. rpm <= 0 selects the default.
func NewTokenBucket(rpm int) *tokenBucket {
	if rpm <= 0 {
		rpm = DefaultRateLimitRPM
	}
	return &tokenBucket{
		rpm:  rpm,
		now:  time.Now,
		bkts: map[string]bucket{},
	}
}

func (t *tokenBucket) Allow(id string) (bool, time.Time, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bkts[id]
	now := t.now()

	if now.After(b.reset) {
		b.tokens = t.rpm
		b.reset = now.Truncate(time.Minute).Add(time.Minute)
	}

	if b.tokens <= 0 {
		t.bkts[id] = b
		return false, b.reset, 0
	}

	b.tokens--
	t.bkts[id] = b
	if b.tokens < 0 { // shouldn't happen, but don't return negative
		b.tokens = 0
	}
	return true, b.reset, b.tokens
}

// SetNow overrides the clock, for tests.
func (t *tokenBucket) SetNow(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn != nil {
		t.now = fn
	}
}

// ReplayGuard rejects repeated or stale requests per sender.
type ReplayGuard interface {
	Check(cluster string, seq uint64, ts int64, unique []byte) error
}

// DefaultNonceTTL bounds how long a uniqueness token stays hot.
const DefaultNonceTTL = time.Hour

// DefaultSkewWindow bounds acceptable clock drift on timestamps.
const DefaultSkewWindow = 5 * time.Minute

type simpleReplay struct {
	mu        sync.Mutex
	watermark map[string]uint64           // highest accepted sequence
	seen      map[string]map[string]int64 // unique token -> expiresAt
	ttl       time.Duration
	skew      time.Duration
	now       func() time.Time
}

// NewReplayGuard builds a guard with the given nonce TTL and timestamp
// skew window; zero values select the defaults.
func NewReplayGuard(ttl, skew time.Duration) *simpleReplay {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if skew <= 0 {
		skew = DefaultSkewWindow
	}
	return &simpleReplay{
		watermark: map[string]uint64{},
		seen:      map[string]map[string]int64{},
		ttl:       ttl,
		skew:      skew,
		now:       time.Now,
	}
}

// Check enforces, per sender: strictly increasing sequence numbers, a
// fresh uniqueness token within the TTL, and a timestamp inside the
// skew window. Every rejection carries the replay kind.
func (r *simpleReplay) Check(cluster string, seq uint64, ts int64, uniq []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	drift := now.Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(r.skew/time.Second) {
		return evoerr.New(evoerr.KindReplay, "timestamp %d outside skew window", ts)
	}

	if seq <= r.watermark[cluster] {
		return evoerr.New(evoerr.KindReplay, "sequence %d at or below watermark %d", seq, r.watermark[cluster])
	}

	if len(uniq) == 0 {
		return evoerr.New(evoerr.KindReplay, "empty uniqueness token")
	}
	if r.seen[cluster] == nil {
		r.seen[cluster] = map[string]int64{}
	}
	key := string(uniq)
	if exp, ok := r.seen[cluster][key]; ok && now.Unix() <= exp {
		return evoerr.New(evoerr.KindReplay, "uniqueness token reused within ttl")
	}

	r.watermark[cluster] = seq
	r.seen[cluster][key] = now.Add(r.ttl).Unix()

	// opportunistic GC (cheap): drop a few expired entries on writes
	gcChecked := 0
	for k, exp := range r.seen[cluster] {
		if exp < now.Unix() {
			delete(r.seen[cluster], k)
		}
		gcChecked++
		if gcChecked > 64 { // cap work per call
			break
		}
	}
	return nil
}

// SetNow overrides the clock, for tests.
func (r *simpleReplay) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.now = fn
	}
}

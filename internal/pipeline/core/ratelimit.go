// Package core provides the sharded in-process rate limiter.
package core

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterOptions configures limiter sharding and clock.
type RateLimiterOptions struct {
	Shards          int
	MaxKeysPerShard int
	Now             func() time.Time
}

// RateLimiter admits calls per (policy, key) against named budgets.
type RateLimiter struct {
	policies map[string]RateLimitPolicy
	shards   []*limiterShard
	now      func() time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	lru     *LRUKeys
}

type limitEntry struct {
	mu           sync.Mutex
	policy       RateLimitPolicy
	evicted      bool
	windowStart  time.Time
	used         int
	blockedUntil time.Time
	admissions   []time.Time
	bucket       *rate.Limiter
}

// NewRateLimiter constructs a limiter for the given policies.
func NewRateLimiter(policies []RateLimitPolicy, opts RateLimiterOptions) (*RateLimiter, error) {
	if len(policies) == 0 {
		return nil, Wrap(CodeInvalidInput, "at least one policy is required", nil)
	}
	if opts.Shards <= 0 {
		opts.Shards = 16
	}
	if opts.MaxKeysPerShard < 0 {
		opts.MaxKeysPerShard = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	byName := make(map[string]RateLimitPolicy, len(policies))
	for _, policy := range policies {
		policy := policy
		if err := policy.Validate(); err != nil {
			return nil, Wrap(CodeInvalidInput, "invalid policy", err)
		}
		if _, exists := byName[policy.Name]; exists {
			return nil, Wrap(CodeInvalidInput, fmt.Sprintf("duplicate policy %s", policy.Name), nil)
		}
		byName[policy.Name] = policy
	}
	shards := make([]*limiterShard, opts.Shards)
	for i := range shards {
		shards[i] = &limiterShard{
			entries: make(map[string]*limitEntry),
			lru:     NewLRUKeys(opts.MaxKeysPerShard),
		}
	}
	return &RateLimiter{policies: byName, shards: shards, now: opts.Now}, nil
}

// Policy returns the named policy.
func (rl *RateLimiter) Policy(name string) (RateLimitPolicy, bool) {
	if rl == nil {
		return RateLimitPolicy{}, false
	}
	policy, ok := rl.policies[name]
	return policy, ok
}

// Consume spends one point of policy for key.
func (rl *RateLimiter) Consume(ctx context.Context, policyName, key string) (*Decision, error) {
	if rl == nil {
		return nil, Wrap(CodeUnavailable, "rate limiter unavailable", nil)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	policy, ok := rl.policies[policyName]
	if !ok {
		return nil, Wrap(CodeInvalidInput, fmt.Sprintf("unknown policy %s", policyName), nil)
	}
	if key == "" {
		return nil, Wrap(CodeInvalidInput, "key is required", nil)
	}

	for {
		entry := rl.entry(policy, key)
		entry.mu.Lock()
		if entry.evicted {
			entry.mu.Unlock()
			continue
		}
		decision := entry.consume(rl.now())
		entry.mu.Unlock()
		return decision, nil
	}
}

// Blocked reports whether key is inside an active block for policy.
func (rl *RateLimiter) Blocked(policyName, key string) (time.Duration, bool) {
	if rl == nil {
		return 0, false
	}
	shard := rl.shardFor(policyName, key)
	shard.mu.Lock()
	entry, ok := shard.entries[storageKey(policyName, key)]
	shard.mu.Unlock()
	if !ok {
		return 0, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := rl.now()
	if now.Before(entry.blockedUntil) {
		return entry.blockedUntil.Sub(now), true
	}
	return 0, false
}

// Reset clears all state for key under policy.
func (rl *RateLimiter) Reset(policyName, key string) {
	if rl == nil {
		return
	}
	shard := rl.shardFor(policyName, key)
	storage := storageKey(policyName, key)
	shard.mu.Lock()
	entry, ok := shard.entries[storage]
	if ok {
		delete(shard.entries, storage)
		shard.lru.Remove(storage)
	}
	shard.mu.Unlock()
	if ok {
		entry.mu.Lock()
		entry.evicted = true
		entry.mu.Unlock()
	}
}

// Keys returns the number of tracked keys across shards.
func (rl *RateLimiter) Keys() int {
	if rl == nil {
		return 0
	}
	total := 0
	for _, shard := range rl.shards {
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

func (rl *RateLimiter) entry(policy RateLimitPolicy, key string) *limitEntry {
	shard := rl.shardFor(policy.Name, key)
	storage := storageKey(policy.Name, key)

	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[storage]
	if !ok {
		entry = newLimitEntry(policy)
		shard.entries[storage] = entry
	}
	shard.lru.Touch(storage)
	now := rl.now()
	shard.lru.EvictIfNeeded(func(candidate string) bool {
		if candidate == storage {
			return false
		}
		victim := shard.entries[candidate]
		if victim == nil {
			return true
		}
		if !victim.mu.TryLock() {
			return false
		}
		defer victim.mu.Unlock()
		if !victim.idle(now) {
			return false
		}
		victim.evicted = true
		delete(shard.entries, candidate)
		return true
	})
	return entry
}

func (rl *RateLimiter) shardFor(policyName, key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(policyName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return rl.shards[int(h.Sum32()%uint32(len(rl.shards)))]
}

func storageKey(policyName, key string) string {
	return policyName + ":" + key
}

func newLimitEntry(policy RateLimitPolicy) *limitEntry {
	entry := &limitEntry{policy: policy}
	if policy.Algorithm == AlgorithmTokenBucket {
		every := policy.Window / time.Duration(policy.Points)
		entry.bucket = rate.NewLimiter(rate.Every(every), policy.Points)
	}
	return entry
}

func (e *limitEntry) consume(now time.Time) *Decision {
	decision := &Decision{Policy: e.policy.Name, Limit: e.policy.Points}
	if now.Before(e.blockedUntil) {
		decision.RetryAfter = e.blockedUntil.Sub(now)
		decision.ResetAfter = decision.RetryAfter
		return decision
	}

	var admitted bool
	switch e.policy.Algorithm {
	case AlgorithmSlidingWindow:
		admitted = e.consumeSliding(now, decision)
	case AlgorithmTokenBucket:
		admitted = e.consumeBucket(now, decision)
	default:
		admitted = e.consumeFixed(now, decision)
	}
	if admitted {
		decision.Allowed = true
		decision.RetryAfter = 0
		return decision
	}
	if e.policy.BlockDuration > 0 {
		e.blockedUntil = now.Add(e.policy.BlockDuration)
		decision.RetryAfter = e.policy.BlockDuration
		decision.ResetAfter = e.policy.BlockDuration
	}
	return decision
}

func (e *limitEntry) consumeFixed(now time.Time, decision *Decision) bool {
	if e.windowStart.IsZero() || !now.Before(e.windowStart.Add(e.policy.Window)) {
		e.windowStart = now
		e.used = 0
	}
	resetAfter := e.windowStart.Add(e.policy.Window).Sub(now)
	decision.ResetAfter = resetAfter
	if e.used >= e.policy.Points {
		decision.RetryAfter = resetAfter
		return false
	}
	e.used++
	decision.Remaining = e.policy.Points - e.used
	return true
}

func (e *limitEntry) consumeSliding(now time.Time, decision *Decision) bool {
	e.pruneAdmissions(now)
	if len(e.admissions) >= e.policy.Points {
		wait := e.admissions[0].Add(e.policy.Window).Sub(now)
		decision.RetryAfter = wait
		decision.ResetAfter = wait
		return false
	}
	e.admissions = append(e.admissions, now)
	decision.Remaining = e.policy.Points - len(e.admissions)
	decision.ResetAfter = e.admissions[0].Add(e.policy.Window).Sub(now)
	return true
}

func (e *limitEntry) consumeBucket(now time.Time, decision *Decision) bool {
	admitted := e.bucket.AllowN(now, 1)
	tokens := e.bucket.TokensAt(now)
	perToken := e.policy.Window / time.Duration(e.policy.Points)
	if tokens < 0 {
		tokens = 0
	}
	decision.Remaining = int(math.Floor(tokens))
	missing := float64(e.policy.Points) - tokens
	decision.ResetAfter = time.Duration(missing * float64(perToken))
	if !admitted {
		decision.RetryAfter = time.Duration((1 - tokens) * float64(perToken))
		if decision.RetryAfter <= 0 {
			decision.RetryAfter = time.Millisecond
		}
	}
	return admitted
}

func (e *limitEntry) pruneAdmissions(now time.Time) {
	cutoff := now.Add(-e.policy.Window)
	drop := 0
	for drop < len(e.admissions) && !e.admissions[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		e.admissions = append(e.admissions[:0], e.admissions[drop:]...)
	}
}

// idle reports whether the entry holds no state that eviction would lose.
func (e *limitEntry) idle(now time.Time) bool {
	if now.Before(e.blockedUntil) {
		return false
	}
	switch e.policy.Algorithm {
	case AlgorithmSlidingWindow:
		e.pruneAdmissions(now)
		return len(e.admissions) == 0
	case AlgorithmTokenBucket:
		return e.bucket.TokensAt(now) >= float64(e.policy.Points)
	default:
		return e.windowStart.IsZero() || !now.Before(e.windowStart.Add(e.policy.Window))
	}
}

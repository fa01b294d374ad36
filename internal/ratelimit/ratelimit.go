// Package ratelimit implements the sliding-window admission control the
// gateway applies per agent and per (agent, service) pair.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"credproxy/internal/clock"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	mu     sync.Mutex
	events []time.Time
}

// Limiter is a process-local sliding-window rate limiter. Each key's
// accounting is guarded by that key's own bucket mutex, so distinct keys
// never contend on the hot path; only bucket creation and idle eviction take
// the map-wide lock, and only briefly.
type Limiter struct {
	clock   clock.Clock
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// New builds a Limiter that reads time from clk.
func New(clk clock.Clock) *Limiter {
	return &Limiter{clock: clk, buckets: make(map[string]*bucket)}
}

// Check evaluates and, if admitted, records one event for key against the
// given limit and window. Two concurrent calls on the same key with
// limit=1 yield exactly one Allowed and one Denied.
func (l *Limiter) Check(key string, limit int, window time.Duration) Decision {
	b := l.bucketFor(key)
	now := l.clock.Now()
	windowStart := now.Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.events[:0]
	for _, t := range b.events {
		if !t.Before(windowStart) {
			kept = append(kept, t)
		}
	}
	b.events = kept

	if len(b.events) >= limit {
		retryAfter := b.events[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	b.events = append(b.events, now)
	return Decision{Allowed: true}
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// Sweep drops buckets that have recorded no event within window of now,
// bounding memory growth under agent churn. It takes the map-wide write
// lock for its duration, which excludes Check entirely — that's what makes
// eviction race-free: a bucket can only be deleted while nothing can be
// concurrently discovering or mutating it via bucketFor.
func (l *Limiter) Sweep(window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	windowStart := now.Add(-window)
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := len(b.events) == 0
		if !idle {
			idle = b.events[len(b.events)-1].Before(windowStart)
		}
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}

// RunSweeper periodically calls Sweep until ctx is cancelled.
func (l *Limiter) RunSweeper(ctx context.Context, interval, window time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(window)
		}
	}
}

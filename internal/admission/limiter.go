package admission

import (
	"sync"
	"time"
)

// Category partitions traffic so a burst in one request class cannot
// starve another for the same identity.
type Category string

const (
	CategoryGeneral     Category = "general"
	CategoryMatchCreate Category = "match_create"
	CategoryAction      Category = "action"
)

// Limit configures a token bucket: burst capacity and sustained refill rate
type Limit struct {
	Capacity     float64 // max tokens
	RefillPerSec float64 // tokens added per second
}

type bucketKey struct {
	identity string
	category Category
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter gates requests with one token bucket per (identity, category)
// pair. Buckets refill lazily at consumption time from elapsed wall-clock
// time, so no background thread is required for correctness; a cleanup
// loop only bounds memory for long-gone identities.
type Limiter struct {
	mu       sync.Mutex
	limits   map[Category]Limit
	fallback Limit
	buckets  map[bucketKey]*bucket

	now    func() time.Time
	stopCh chan struct{}
}

// NewLimiter creates a limiter with per-category limits. Categories not in
// the map fall back to the provided default limit.
func NewLimiter(limits map[Category]Limit, fallback Limit) *Limiter {
	l := &Limiter{
		limits:   limits,
		fallback: fallback,
		buckets:  make(map[bucketKey]*bucket),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// TryConsume deducts one token for the identity in the given category. It
// returns false, leaving the bucket untouched, when no token is available.
func (l *Limiter) TryConsume(identity string, category Category) bool {
	limit, ok := l.limits[category]
	if !ok {
		limit = l.fallback
	}
	if limit.Capacity <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := bucketKey{identity: identity, category: category}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit.Capacity, lastRefill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * limit.RefillPerSec
			if b.tokens > limit.Capacity {
				b.tokens = limit.Capacity
			}
			b.lastRefill = now
		}
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// BucketCount returns the number of live buckets (diagnostic)
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// cleanupLoop periodically evicts buckets that have refilled to capacity
// and sat idle, which makes them indistinguishable from fresh ones.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		limit, ok := l.limits[key.category]
		if !ok {
			limit = l.fallback
		}
		elapsed := now.Sub(b.lastRefill).Seconds()
		if b.tokens+elapsed*limit.RefillPerSec >= limit.Capacity {
			delete(l.buckets, key)
		}
	}
}

// Stop halts the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stopCh)
}

package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxBuckets  = 10000 // distinct keys tracked at once
	idleTimeout = 10 * time.Minute
)

// RateLimiter is a keyed token bucket limiter, usually keyed by client IP.
type RateLimiter struct {
	buckets    map[string]*bucket
	stopCh     chan struct{}
	stopOnce   sync.Once
	cleanupWG  sync.WaitGroup
	limit      rate.Limit
	burst      int
	maxBuckets int
	mu         sync.Mutex
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requests per window for each key, with bursts of up
// to requests.
func NewRateLimiter(requests int, per time.Duration) *RateLimiter {
	if requests < 1 {
		requests = 1
	}
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		limit:      rate.Every(per / time.Duration(requests)),
		burst:      requests,
		maxBuckets: maxBuckets,
		stopCh:     make(chan struct{}),
	}

	rl.cleanupWG.Add(1)
	go rl.cleanupRoutine()

	return rl
}

// Allow reports whether a request for key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	now := time.Now()
	if !exists {
		if len(rl.buckets) >= rl.maxBuckets {
			rl.evictOldest()
		}
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) cleanupRoutine() {
	defer rl.cleanupWG.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup drops buckets that have been idle long enough to be full again.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleTimeout {
			delete(rl.buckets, key)
		}
	}
}

// evictOldest removes the least recently used bucket. Called with mu held.
func (rl *RateLimiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, b := range rl.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = b.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.buckets, oldestKey)
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.cleanupWG.Wait()
}

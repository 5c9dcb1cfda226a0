package api

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	limiterCapacity = 10000
	limiterIdleTTL  = 10 * time.Minute
)

// StartLimiter caps how often each user may start workflow runs. Limiters of
// idle users are evicted.
type StartLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewStartLimiter allows perMinute starts per user with the given burst. A
// non-positive rate disables limiting.
func NewStartLimiter(perMinute float64, burst int) *StartLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &StartLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](limiterCapacity, nil, limiterIdleTTL),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
	}
}

// Allow reports whether userID may start another run now.
func (l *StartLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(userID)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	// re-adding refreshes the idle TTL
	l.limiters.Add(userID, lim)
	l.mu.Unlock()
	return lim.Allow()
}

package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// requestLimiter keeps one token bucket per principal. A non-positive rate
// disables it.
type requestLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newRequestLimiter(perSec float64, burst int) *requestLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &requestLimiter{
		limit:    rate.Limit(perSec),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

func (l *requestLimiter) allow(principalID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[principalID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[principalID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter admits capacity messages per refill period with bursts of up
// to capacity.
type rateLimiter struct {
	capacity   int
	refillRate time.Duration
	limiter    *rate.Limiter
	mutex      sync.Mutex
}

func NewRateLimiter(capacity int, refillRate time.Duration) RateLimiter {
	rl := &rateLimiter{
		capacity:   capacity,
		refillRate: refillRate,
	}
	rl.limiter = rl.newLimiter()
	return rl
}

func (rl *rateLimiter) newLimiter() *rate.Limiter {
	if rl.refillRate <= 0 {
		return rate.NewLimiter(rate.Inf, rl.capacity)
	}
	every := rl.refillRate / time.Duration(rl.capacity)
	return rate.NewLimiter(rate.Every(every), rl.capacity)
}

func (rl *rateLimiter) Allow() bool {
	rl.mutex.Lock()
	l := rl.limiter
	rl.mutex.Unlock()
	return l.Allow()
}

func (rl *rateLimiter) Reset() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	rl.limiter = rl.newLimiter()
}

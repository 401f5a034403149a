package server

import "time"

// frameLimiter is a token bucket over one connection's inbound frames. A
// full bucket holds Burst tokens and an empty one refills completely over
// RefillInterval. It is owned by the connection's read pump and is not safe
// for concurrent use.
type frameLimiter struct {
	burst    float64
	perToken time.Duration
	tokens   float64
	last     time.Time
	now      func() time.Time
}

func newFrameLimiter(cfg RateLimitConfig) *frameLimiter {
	burst := max(cfg.Burst, 1)
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &frameLimiter{
		burst:    float64(burst),
		perToken: max(interval/time.Duration(burst), time.Nanosecond),
		tokens:   float64(burst),
		last:     time.Now(),
		now:      time.Now,
	}
}

// allow takes one token if available.
func (l *frameLimiter) allow() bool {
	now := l.now()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.tokens = min(l.burst, l.tokens+float64(elapsed)/float64(l.perToken))
	}
	l.last = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

package resilience

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitError is a provider's "too many requests" answer. RetryAfter is
// the server's hint, zero when it gave none.
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return e.Provider + ": rate limit"
	}
	return e.Provider + ": rate limit: " + e.Message
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// ParseRetryAfter reads a Retry-After header given in seconds. Dates and
// garbage yield zero.
func ParseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker shields a synthesis vendor from repeated connects after it
// starts answering with rate limits. Only rate limits trip it. Once the
// cooldown ends a single probe is let through; its outcome closes or reopens
// the breaker.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     BreakerState
	strikes   int
	openUntil time.Time
	probing   bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock replaces the time source. Call before first use.
func (c *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	c.now = now
	return c
}

// Allow reports whether a connect may be attempted. A nil breaker always
// allows.
func (c *CircuitBreaker) Allow() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	switch c.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return false
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.state
}

// OpenUntil is the end of the current cooldown, zero unless open.
func (c *CircuitBreaker) OpenUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != BreakerOpen {
		return time.Time{}
	}
	return c.openUntil
}

func (c *CircuitBreaker) OnSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.state = BreakerClosed
	c.strikes = 0
	c.probing = false
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *CircuitBreaker) OnError(err error) {
	if c == nil {
		return
	}
	var rl RateLimitError
	c.mu.Lock()
	defer c.mu.Unlock()
	if !errors.As(err, &rl) {
		c.probing = false
		return
	}
	if c.state == BreakerHalfOpen {
		c.trip(rl.RetryAfter)
		return
	}
	c.strikes++
	if c.strikes >= c.threshold {
		c.trip(rl.RetryAfter)
	}
}

func (c *CircuitBreaker) trip(hint time.Duration) {
	wait := c.cooldown
	if hint > wait {
		wait = hint
	}
	c.state = BreakerOpen
	c.openUntil = c.now().Add(wait)
	c.strikes = 0
	c.probing = false
}

func (c *CircuitBreaker) advance() {
	if c.state == BreakerOpen && !c.now().Before(c.openUntil) {
		c.state = BreakerHalfOpen
		c.probing = false
	}
}

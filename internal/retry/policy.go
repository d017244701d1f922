package retry

import (
	"sync"
	"time"
)

// Policy tracks reconnect attempts for one connection. It is not tied to any
// timer; the owner asks for the next delay and schedules it itself.
type Policy struct {
	mu       sync.Mutex
	config   BackoffConfig
	attempts int
}

// NewPolicy creates a policy with a zeroed attempt counter.
func NewPolicy(config BackoffConfig) *Policy {
	return &Policy{config: config}
}

// Next consumes one attempt and returns the delay before it. ok is false once
// MaxAttempts attempts have been consumed; the counter is left unchanged then.
func (p *Policy) Next() (delay time.Duration, attempt int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.config.MaxAttempts {
		return 0, p.attempts, false
	}
	p.attempts++
	return p.config.Delay(p.attempts), p.attempts, true
}

// Reset zeroes the attempt counter after a successful connect.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

// Attempts returns the number of attempts consumed since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Exhausted reports whether no attempts remain.
func (p *Policy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts >= p.config.MaxAttempts
}

func (p *Policy) Config() BackoffConfig {
	return p.config
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Kind identifies an independently limited event class.
type Kind string

const (
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
)

// Rule caps an event kind at Max events per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// DefaultRules returns the stock per-client policy.
func DefaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindMessage: {Max: 20, Window: time.Minute},
		KindTyping:  {Max: 30, Window: time.Minute},
	}
}

type counterKey struct {
	client string
	kind   Kind
}

type counter struct {
	count   int
	resetAt time.Time
}

// Limiter tracks fixed-window counters per client key and kind.
// Bursts of up to twice the cap are possible across a window boundary.
type Limiter struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
	rules    map[Kind]Rule
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter enforcing rules. Kinds without a rule are never limited.
func New(rules map[Kind]Rule, opts ...Option) *Limiter {
	l := &Limiter{
		counters: make(map[counterKey]*counter),
		rules:    copyRules(rules),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether client may perform another event of kind now.
// If allowed, the event is counted.
func (l *Limiter) Allow(client string, kind Kind) bool {
	rule, ok := l.rules[kind]
	if !ok || rule.Max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := counterKey{client: client, kind: kind}
	c, ok := l.counters[k]
	if !ok {
		c = &counter{resetAt: now.Add(rule.Window)}
		l.counters[k] = c
	}
	if now.After(c.resetAt) {
		c.count = 0
		c.resetAt = now.Add(rule.Window)
	}

	if c.count >= rule.Max {
		return false
	}
	c.count++
	return true
}

// Sweep drops counters whose window has expired. It returns the number removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, c := range l.counters {
		if now.After(c.resetAt) {
			delete(l.counters, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}

// Run sweeps expired counters every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func copyRules(rules map[Kind]Rule) map[Kind]Rule {
	out := make(map[Kind]Rule, len(rules))
	for k, r := range rules {
		out[k] = r
	}
	return out
}

package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	// DefaultLimit is the number of requests allowed per window.
	DefaultLimit = 100
	// DefaultWindow is the fixed window length.
	DefaultWindow = 15 * time.Minute
)

// ErrLimitExceeded is returned by Limiter.Allow when the key has exhausted its window.
var ErrLimitExceeded = errors.New("ratelimit: limit exceeded")

// Decision reports the counter state after a hit.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

// Store counts hits per key inside fixed windows. Implementations must be safe for concurrent use
// and share state across instances when deployed behind a load balancer.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter applies a limit and window to a Store.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	clock  func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLimiter constructs a limiter. Non-positive limit or window fall back to the defaults.
func NewLimiter(store Store, limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{store: store, limit: limit, window: window, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Limit returns the configured request budget per window.
func (l *Limiter) Limit() int {
	return l.limit
}

// Allow records a hit for key and returns ErrLimitExceeded once the window budget is spent.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l == nil || l.store == nil {
		return Decision{Allowed: true}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	decision, err := l.store.Hit(ctx, key, l.limit, l.window, l.clock().UTC())
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		return decision, ErrLimitExceeded
	}
	return decision, nil
}

func decide(count, limit int, resetAt time.Time, allowed bool) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Count: count, Remaining: remaining, ResetAt: resetAt}
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

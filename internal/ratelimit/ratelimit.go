package ratelimit

import (
	"context"
	"strconv"
	"time"
)

type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter is a fixed-window counter shared through the key-value store, so
// every instance behind a load balancer sees the same budget.
type Limiter struct {
	counter Counter
	name    string
	limit   int
	window  time.Duration
	now     func() time.Time
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

func New(counter Counter, name string, limit int, window time.Duration) *Limiter {
	return &Limiter{counter: counter, name: name, limit: limit, window: window, now: time.Now}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	if l.limit <= 0 || l.window <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	start := now.Truncate(l.window)
	key := "ratelimit:" + l.name + ":" + subject + ":" + strconv.FormatInt(start.Unix(), 10)
	n, err := l.counter.Incr(ctx, key, l.window)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Limit: l.limit, Allowed: n <= int64(l.limit)}
	if d.Allowed {
		d.Remaining = l.limit - int(n)
		return d, nil
	}
	d.RetryAfter = start.Add(l.window).Sub(now)
	return d, nil
}

package store

import (
	"context"
	"sync"
	"time"
)

// opLimiter throttles store operations to a per-minute budget using a fixed
// window. GPU hosts are billed per second; a runaway poll loop must not also
// run up request charges.
type opLimiter struct {
	mu sync.Mutex

	maxOpsPerMinute int
	count           int
	windowEnd       time.Time
}

func newOpLimiter(maxOpsPerMinute int) *opLimiter {
	return &opLimiter{maxOpsPerMinute: maxOpsPerMinute}
}

// reserve blocks until the current window admits one more operation, or the
// context is done.
func (l *opLimiter) reserve(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		if now.After(l.windowEnd) {
			l.count = 1
			l.windowEnd = now.Add(1 * time.Minute)
			l.mu.Unlock()
			return nil
		}
		if l.count < l.maxOpsPerMinute {
			l.count++
			l.mu.Unlock()
			return nil
		}
		wait := l.windowEnd.Sub(now)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// limitedStore decorates a Store with the op limiter. Multi-object helpers
// built on the primitives inherit the limit automatically.
type limitedStore struct {
	s Store
	l *opLimiter
}

// WithRateLimit bounds the wrapped store to opsPerMinute operations.
func WithRateLimit(s Store, opsPerMinute int) Store {
	return &limitedStore{s: s, l: newOpLimiter(opsPerMinute)}
}

func (ls *limitedStore) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ls.l.reserve(ctx); err != nil {
		return nil, err
	}
	return ls.s.List(ctx, prefix)
}

func (ls *limitedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ls.l.reserve(ctx); err != nil {
		return nil, err
	}
	return ls.s.Get(ctx, key)
}

func (ls *limitedStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ls.l.reserve(ctx); err != nil {
		return err
	}
	return ls.s.Put(ctx, key, data)
}

func (ls *limitedStore) Delete(ctx context.Context, key string) error {
	if err := ls.l.reserve(ctx); err != nil {
		return err
	}
	return ls.s.Delete(ctx, key)
}

func (ls *limitedStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ls.l.reserve(ctx); err != nil {
		return false, err
	}
	return ls.s.Exists(ctx, key)
}

func (ls *limitedStore) Stat(ctx context.Context, key string) (*Object, error) {
	if err := ls.l.reserve(ctx); err != nil {
		return nil, err
	}
	return ls.s.Stat(ctx, key)
}

func (ls *limitedStore) Move(ctx context.Context, src, dst string) error {
	if err := ls.l.reserve(ctx); err != nil {
		return err
	}
	return ls.s.Move(ctx, src, dst)
}

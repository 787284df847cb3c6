package driver

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ConcurrencyLimit wraps |svc| so that at most |n| calls run at once.
// Ready acquires a slot which Call releases on completion.
func ConcurrencyLimit(svc Service, n int64) Service {
	return &concurrencyLimited{inner: svc, sem: semaphore.NewWeighted(n)}
}

type concurrencyLimited struct {
	inner Service
	sem   *semaphore.Weighted
}

func (s *concurrencyLimited) Ready(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	return s.inner.Ready(ctx)
}

func (s *concurrencyLimited) Call(ctx context.Context, req Request) (Response, error) {
	defer s.sem.Release(1)
	return s.inner.Call(ctx, req)
}

// RateLimit wraps |svc| so that requests are admitted at most at
// |limit| per second, with bursts of |burst|.
func RateLimit(svc Service, limit rate.Limit, burst int) Service {
	return &rateLimited{inner: svc, limiter: rate.NewLimiter(limit, burst)}
}

type rateLimited struct {
	inner   Service
	limiter *rate.Limiter
}

func (s *rateLimited) Ready(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.Ready(ctx)
}

func (s *rateLimited) Call(ctx context.Context, req Request) (Response, error) {
	return s.inner.Call(ctx, req)
}

package valuecache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loader produces the value of a key on a cache miss.
type Loader[T any] func(ctx context.Context) (T, error)

// Get is the typed form of Store.Get. A value of another type is reported
// as absent.
func Get[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Prefetch returns the live cached value of key, or calls loader, stores
// its result with ttl and returns it. Loader errors are returned and
// nothing is stored.
//
// Concurrent misses on the same key each call loader unless
// Opts.SingleFlight is set, in which case they share one call.
func Prefetch[T any](ctx context.Context, s *Store, key string, loader Loader[T], ttl time.Duration) (T, error) {
	if v, ok := Get[T](s, key); ok {
		return v, nil
	}

	var zero T
	if !s.opts.SingleFlight {
		v, err := loader(ctx)
		if err != nil {
			return zero, err
		}
		s.Set(key, v, ttl)
		return v, nil
	}

	// The shared call must not be canceled by whichever caller happened
	// to start it.
	sharedCtx := context.WithoutCancel(ctx)
	ch := s.sf.DoChan(key, func() (any, error) {
		v, err := loader(sharedCtx)
		if err != nil {
			return nil, err
		}
		s.Set(key, v, ttl)
		return v, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, ok := r.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cached value of %s has type %T", key, r.Val)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// RefreshInBackground calls loader in a new goroutine and stores the result.
// It never blocks. Errors are logged and dropped. Use Store.Wait to wait
// for pending refreshes.
func RefreshInBackground[T any](ctx context.Context, s *Store, key string, loader Loader[T], ttl time.Duration) {
	bgCtx := context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.opts.Logger.Error("background refresh panicked", zap.String("key", key), zap.Any("panic", r))
			}
		}()

		v, err := loader(bgCtx)
		if err != nil {
			s.opts.Logger.Warn("background refresh failed", zap.String("key", key), zap.Error(err))
			return
		}
		s.Set(key, v, ttl)
	}()
}

type WarmupEntry struct {
	Key    string
	Loader Loader[any]
	TTL    time.Duration
}

// Warmup prefetches all entries concurrently and returns when every loader
// has finished. Failures are logged and discarded.
func Warmup(ctx context.Context, s *Store, entries []WarmupEntry) {
	var g errgroup.Group
	for _, we := range entries {
		g.Go(func() error {
			if _, err := Prefetch(ctx, s, we.Key, we.Loader, we.TTL); err != nil {
				s.opts.Logger.Debug("warmup failed", zap.String("key", we.Key), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

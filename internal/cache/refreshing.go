package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/genledger/internal/clock"
)

var ErrLoaderRequired = errors.New("cache loader is required")

// Loader fetches the authoritative value behind a Refreshing cache.
type Loader[T any] func(ctx context.Context) (T, error)

// Refreshing holds a single process-wide value that is reloaded once its TTL
// has elapsed. Each process refreshes on its own schedule; there is no
// cross-instance invalidation.
type Refreshing[T any] struct {
	mu       sync.Mutex
	loader   Loader[T]
	ttl      time.Duration
	clock    clock.Clock
	value    T
	loadedAt time.Time
	valid    bool
}

func NewRefreshing[T any](loader Loader[T], ttl time.Duration, clk clock.Clock) (*Refreshing[T], error) {
	if loader == nil {
		return nil, ErrLoaderRequired
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Refreshing[T]{loader: loader, ttl: ttl, clock: clk}, nil
}

// Get returns the cached value, reloading it when missing or expired. When a
// reload fails and a previous value exists, the stale value is returned along
// with the load error so the caller can decide whether to use it.
func (r *Refreshing[T]) Get(ctx context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.valid && (r.ttl <= 0 || now.Sub(r.loadedAt) < r.ttl) {
		return r.value, nil
	}

	value, err := r.loader(ctx)
	if err != nil {
		return r.value, err
	}
	r.value = value
	r.loadedAt = now
	r.valid = true
	return value, nil
}

// Invalidate drops the cached value so the next Get reloads it.
func (r *Refreshing[T]) Invalidate() {
	r.mu.Lock()
	r.valid = false
	r.mu.Unlock()
}

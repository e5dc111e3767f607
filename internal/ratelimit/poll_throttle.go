package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genledger/internal/cache"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyPollJob = "genledger:poll:job:"

	localIdleTTL = 10 * time.Minute
)

// PollThrottle limits provider status queries caused by client polls of one job. With redis
// the budget is shared across instances; otherwise each instance keeps its own.
type PollThrottle struct {
	log    *zap.Logger
	clock  clock.Clock
	bucket *TokenBucket
	rate   float64
	burst  int

	mu        sync.Mutex
	local     *cache.TTLCache[string, *rate.Limiter]
	lastSweep time.Time
}

func NewPollThrottle(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) *PollThrottle {
	r := cfg.Poll.RatePerSecond
	if r <= 0 {
		r = 0.5
	}
	burst := cfg.Poll.Burst
	if burst <= 0 {
		burst = 1
	}
	return &PollThrottle{
		log:    log.Named("ratelimit.poll"),
		clock:  clk,
		bucket: NewTokenBucket(client),
		rate:   r,
		burst:  burst,
		local:  cache.NewTTLCache[string, *rate.Limiter](clk),
	}
}

// Allow reports whether this poll may query the provider. A redis failure falls back to the
// local limiter.
func (t *PollThrottle) Allow(ctx context.Context, jobID string) bool {
	if t.bucket != nil {
		d, err := t.bucket.Allow(ctx, keyPollJob+jobID, t.rate, t.burst)
		if err == nil {
			return d.Allowed
		}
		t.log.Warn("shared poll throttle unavailable", zap.Error(err))
	}
	return t.allowLocal(jobID)
}

func (t *PollThrottle) allowLocal(jobID string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSweep) > localIdleTTL {
		t.local.Prune()
		t.lastSweep = now
	}

	limiter, ok := t.local.Get(jobID)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(t.rate), t.burst)
	}
	t.local.Set(jobID, limiter, localIdleTTL)
	return limiter.AllowN(now, 1)
}

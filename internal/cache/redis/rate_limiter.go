package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradedesk/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// Redis sorted set per key. The Lua script trims, counts and records in one
// round trip so concurrent proxies share one budget.
type RateLimiter struct {
	rdb    *redis.Client
	ns     keyspace
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		ns:     c.ns,
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
}

func (rl *RateLimiter) rateLimitKey(key string) string {
	return rl.ns.key("ratelimit", key)
}

// Allow counts one request for key when it fits in the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	now := rl.now().UnixMicro()
	res, err := rl.script.Run(ctx, rl.rdb,
		[]string{rl.rateLimitKey(key)},
		now, window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 3 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: unexpected reply %v", key, res)
	}
	return decide(res[0] == 1, res[1], res[2], now, limit, window), nil
}

// decide turns the script reply into a decision. oldest is the timestamp in
// microseconds of the request that leaves the window first.
func decide(allowed bool, count, oldest, now int64, limit int, window time.Duration) domain.RateDecision {
	d := domain.RateDecision{
		Allowed:   allowed,
		Remaining: max(0, limit-int(count)),
	}
	if !allowed {
		wait := time.Duration(oldest+window.Microseconds()-now) * time.Microsecond
		d.RetryAfter = min(max(wait, 0), window)
	}
	return d
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

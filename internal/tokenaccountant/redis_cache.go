package tokenaccountant

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenCache is satisfied by both the in-process cache and redisCache, so
// Accountant doesn't need to know which backend it's talking to.
type tokenCache interface {
	Get(model, text string) (int, bool)
	Set(model, text string, count int)
}

// redisCache shares token counts across proxy instances, replacing the
// teacher's in-process-only TokenCache when RESERVOIR_REDIS_URL is set.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisCache(url string, ttl time.Duration) (*redisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &redisCache{client: redis.NewClient(opt), ttl: ttl}, nil
}

func (r *redisCache) Get(model, text string) (int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := r.client.Get(ctx, "rsv:tok:"+hashKey(model, text)).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (r *redisCache) Set(model, text string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.client.Set(ctx, "rsv:tok:"+hashKey(model, text), count, r.ttl).Err()
}

func (r *redisCache) Close() error { return r.client.Close() }

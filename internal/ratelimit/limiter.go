// Package ratelimit throttles game-port admissions with Redis counters
// using INCR plus EXPIRE windows. The check runs on the accept
// goroutine, never on the event loop, and fails open: a Redis outage
// slows nothing and blocks nobody, it only suspends throttling.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of the Redis API the limiter needs; satisfied by
// *redis.Client and by test fakes.
type Client interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisClient adapts a go-redis connection to Client.
type RedisClient struct {
	R *redis.Client
}

func (c RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.R.Incr(ctx, key).Result()
}

func (c RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.R.Expire(ctx, key, ttl).Err()
}

func (c RedisClient) Del(ctx context.Context, key string) error {
	return c.R.Del(ctx, key).Err()
}

// Rule is one throttling policy: key prefix, ceiling, and window.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleConnect caps game connections per address. Legitimate clients
	// reconnect a handful of times a minute at worst; connection storms
	// come from stuck scripts and scanners.
	RuleConnect = Rule{Key: "rs:conn:", Limit: 30, Window: time.Minute}

	// RuleHandshake caps websocket upgrade attempts per address, which
	// are costlier than raw accepts.
	RuleHandshake = Rule{Key: "rs:ws:", Limit: 15, Window: time.Minute}
)

const checkTimeout = 500 * time.Millisecond

// Limiter performs admission checks against Redis.
type Limiter struct {
	client Client
}

func NewLimiter(client Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether id is still under rule's ceiling, counting this
// call. The first hit in a window sets the expiry that ends it.
func (l *Limiter) Allow(id string, rule Rule) bool {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	key := rule.Key + id
	count, err := l.client.Incr(ctx, key)
	if err != nil {
		log.Printf("ratelimit: incr %s: %v", key, err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window); err != nil {
			log.Printf("ratelimit: expire %s: %v", key, err)
			// no TTL means the key would throttle forever; drop it
			l.client.Del(ctx, key)
			return true
		}
	}
	return int(count) <= rule.Limit
}

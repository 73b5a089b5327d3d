package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RegPrefix is the Redis key prefix for mirrored registrations.
const RegPrefix = "reg:"

const mirrorTimeout = 2 * time.Second

// Mirror shadows the registration table into Redis. All writes happen
// off the event-loop goroutine and errors are logged, never surfaced:
// the in-memory table is authoritative and Redis being down must not
// stop logins.
type Mirror struct {
	client *redis.Client
}

// NewMirror connects to Redis and verifies the connection.
func NewMirror(addr string) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: redis connection failed: %w", err)
	}
	return &Mirror{client: client}, nil
}

func mirrorKey(e Entry) string {
	return fmt.Sprintf("%s%08x:%s", RegPrefix, e.Key, e.Name)
}

func (m *Mirror) publish(e Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		key := mirrorKey(e)
		pipe := m.client.Pipeline()
		pipe.HSet(ctx, key, map[string]interface{}{
			"name": e.Name,
			"uid":  e.UID,
			"seen": time.Now().Unix(),
		})
		pipe.Expire(ctx, key, Timeout)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("registry: mirror %s: %v", key, err)
		}
	}()
}

func (m *Mirror) forget(e Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := m.client.Del(ctx, mirrorKey(e)).Err(); err != nil {
			log.Printf("registry: mirror forget %s: %v", mirrorKey(e), err)
		}
	}()
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

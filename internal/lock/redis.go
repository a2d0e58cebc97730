// Package lock provides a Redis-backed mutual exclusion guard so only one
// replica runs a scheduled task at a time.
package lock

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "promotions:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient opens a Redis client and checks connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Redis acquires short-lived locks with SET NX PX.
type Redis struct {
	client *goredis.Client
	prefix string
}

// NewRedis returns a locker that namespaces keys under prefix.
func NewRedis(client *goredis.Client, prefix string) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// TryLock takes key for ttl. It returns acquired=false without error when
// another holder owns the key. The returned release is safe to call after the
// lock has expired.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	if r.client == nil {
		return nil, false, fmt.Errorf("redis client is nil")
	}
	if key == "" || ttl <= 0 {
		return nil, false, fmt.Errorf("invalid lock request")
	}
	fullKey := r.prefix + key
	token := ulid.MustNew(ulid.Now(), rand.Reader).String()

	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) {
		_ = releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err()
	}
	return release, true, nil
}

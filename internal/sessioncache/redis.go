package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ernest01982/tuktukadmin/internal/backend"
)

const defaultPrefix = "tuktuk:session"

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and pings it with a short timeout.
func Dial(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Redis stores sessions as JSON values with a TTL.
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis wraps client. An empty prefix selects "tuktuk:session".
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(key string) string {
	return r.prefix + ":" + key
}

func (r *Redis) Load(ctx context.Context, key string) (*backend.Session, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("sessioncache: load: %w", err)
	}
	var sess backend.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("sessioncache: decode: %w", err)
	}
	return &sess, nil
}

func (r *Redis) Save(ctx context.Context, key string, sess *backend.Session, ttl time.Duration) error {
	if sess == nil {
		return r.Clear(ctx, key)
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessioncache: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("sessioncache: save: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("sessioncache: clear: %w", err)
	}
	return nil
}

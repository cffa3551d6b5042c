package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendguard/sendguard/internal/core"
)

// Redis caches records as JSON documents in Redis with a per-key expiry.
// It lets several engine processes share one warm cache.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOption configures a Redis cache.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix (default "sendguard:ratelimit").
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			r.prefix = p
		}
	}
}

// NewRedis wraps an existing client. A non-positive ttl uses DefaultTTL.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration, opts ...RedisOption) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Redis{
		rdb:    rdb,
		prefix: "sendguard:ratelimit",
		ttl:    ttl,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RedisConfig describes how to reach a Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis creates a client and verifies connectivity.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) key(connectionID string) string {
	return r.prefix + ":" + connectionID
}

func (r *Redis) Get(ctx context.Context, connectionID string) (*core.Record, bool, error) {
	payload, err := r.rdb.Get(ctx, r.key(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}

	var rec core.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = r.rdb.Del(ctx, r.key(connectionID)).Err()
		return nil, false, fmt.Errorf("decode cached record: %w", err)
	}
	return &rec, true, nil
}

// setIfNewer writes ARGV[1] with a PX expiry of ARGV[3] unless the stored
// document carries a version above ARGV[2]. Undecodable entries are replaced.
var setIfNewer = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current then
		local ok, doc = pcall(cjson.decode, current)
		if ok and type(doc) == 'table' then
			local version = tonumber(doc['version'])
			if version and version > tonumber(ARGV[2]) then
				return 0
			end
		end
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
	return 1
`)

func (r *Redis) Set(ctx context.Context, rec *core.Record) error {
	if rec == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cached record: %w", err)
	}
	err = setIfNewer.Run(ctx, r.rdb, []string{r.key(rec.ConnectionID)},
		payload, rec.Version, r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, connectionID string) error {
	if err := r.rdb.Del(ctx, r.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

// Ping checks that the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

var _ Cache = (*Redis)(nil)

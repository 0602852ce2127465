package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "lock: connect redis at %s", cfg.Addr)
	}
	return rdb, nil
}

// RedisLocker takes SET NX locks with an owner token so only the holder can
// release. Acquire polls with capped backoff until ctx is done.
type RedisLocker struct {
	rdb       redis.Cmdable
	keyPrefix string
}

// NewRedisLocker creates a locker on rdb. Keys are prefixed with keyPrefix.
func NewRedisLocker(rdb redis.Cmdable, keyPrefix string) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "lead-dedupe:lock:"
	}
	return &RedisLocker{rdb: rdb, keyPrefix: keyPrefix}
}

// Acquire blocks until the key is free or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lockKey := l.keyPrefix + key
	token := uuid.New().String()
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, eris.Wrapf(err, "lock: setnx %s", lockKey)
		}
		if ok {
			zap.L().Debug("lock: acquired", zap.String("key", lockKey))
			return &redisLease{rdb: l.rdb, key: lockKey, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ErrNotAcquired, "key %s", lockKey)
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

type redisLease struct {
	rdb   redis.Cmdable
	key   string
	token string
}

func (le *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.rdb, []string{le.key}, le.token).Int64()
	if err != nil {
		return eris.Wrapf(err, "lock: release %s", le.key)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

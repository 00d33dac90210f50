package registrar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "reg"
	DefaultTTL = time.Hour
)

var ErrNotRegistered = errors.New("registrar: address not registered")

// ClientProvider hands out the current connection. The credit store swaps
// its client after failures, so the registrar never caches one.
type ClientProvider interface {
	Client() *redis.Client
}

type RedisRegistrar struct {
	rdb    ClientProvider
	logger *zap.Logger
}

func NewRedisRegistrar(rdb ClientProvider, logger *zap.Logger) *RedisRegistrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRegistrar{rdb: rdb, logger: logger.Named("registrar")}
}

func bindingKey(aor string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, aor)
}

// Register binds aor to contact for ttl. A non-positive ttl removes the binding.
func (r *RedisRegistrar) Register(ctx context.Context, aor, contact string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.Unregister(ctx, aor)
	}
	r.logger.Debug("binding stored",
		zap.String("aor", aor),
		zap.String("contact", contact),
		zap.Duration("ttl", ttl))
	return r.rdb.Client().Set(ctx, bindingKey(aor), contact, ttl).Err()
}

func (r *RedisRegistrar) Unregister(ctx context.Context, aor string) error {
	return r.rdb.Client().Del(ctx, bindingKey(aor)).Err()
}

func (r *RedisRegistrar) Lookup(ctx context.Context, aor string) (string, error) {
	val, err := r.rdb.Client().Get(ctx, bindingKey(aor)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s: %w", aor, ErrNotRegistered)
	} else if err != nil {
		return "", err
	}
	return val, nil
}

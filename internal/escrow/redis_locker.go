package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/pkg/logger"
)

const (
	defaultLeaseTTL   = 10 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
)

// releaseScript 仅在租约仍持有本方令牌时删除它。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 为每个 escrow 发放租约，连接同一 Redis 的所有副本共享这些租约。
type RedisLocker struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedisLocker 创建锁。ttl 限定崩溃的持有者最多阻塞 escrow 多久。
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "escrowd:lock:"
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retryDelay: defaultRetryDelay}
}

// Lock 实现 Locker。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "acquire leg lease")
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(name, token) })
	}, nil
}

func (l *RedisLocker) release(name, token string) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, l.client, []string{name}, token).Err(); err != nil {
		logger.Named("escrow.lock").Warn("release leg lease failed",
			slog.String("key", name),
			slog.Any("error", err),
		)
	}
}

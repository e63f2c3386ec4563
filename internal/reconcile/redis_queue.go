package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "CrossChain-Escrow/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现对账队列。客户端由调用方创建和关闭，
// 以便与 RedisLocker 共用连接池。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "escrowd:reconcile"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis")
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将 escrow ID 投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, escrowID string) error {
	if err := q.client.LPush(ctx, q.queue, escrowID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取待对账的 escrow。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis consume")
					return
				}
				if len(values) != 2 {
					continue
				}
				escrowID := values[1]
				if handlerErr := handler(ctx, escrowID); handlerErr != nil {
					// 处理失败时重新投递到队尾。
					_ = q.client.RPush(ctx, q.queue, escrowID).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 不关闭共享的 Redis 客户端。
func (q *RedisQueue) Close() error {
	return nil
}

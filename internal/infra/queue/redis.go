package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-topics-bot/internal/infra/metrics"
)

// RedisSignal будит обработчик очереди при появлении новой задачи.
// Сами задачи живут в Postgres, в Redis лежат только пустые уведомления.
type RedisSignal struct {
	client *redis.Client
	key    string
}

// NewRedisSignal создаёт сигнал на указанном ключе.
func NewRedisSignal(client *redis.Client, key string) *RedisSignal {
	return &RedisSignal{client: client, key: key}
}

// Notify публикует уведомление о новой задаче.
func (s *RedisSignal) Notify(ctx context.Context) error {
	start := time.Now()
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, "1")
	// Хвост не нужен: одного уведомления достаточно, чтобы обработчик проснулся.
	pipe.LTrim(ctx, s.key, 0, 63)
	_, err := pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "lpush", s.key, start, err)
	return err
}

// Wait блокируется до уведомления или истечения timeout.
// Возвращает true, если уведомление получено.
func (s *RedisSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := s.client.BRPop(ctx, timeout, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, ctx.Err()
		}
		return false, err
	}
	return true, nil
}

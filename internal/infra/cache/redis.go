package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-topics-bot/internal/domain"
	"tg-topics-bot/internal/infra/metrics"
)

// RedisCache реализует domain.Cache и domain.TopicObserver через Redis.
type RedisCache struct {
	client      *redis.Client
	topicsTTL   time.Duration
	topicsLimit int64
}

var (
	_ domain.Cache         = (*RedisCache)(nil)
	_ domain.TopicObserver = (*RedisCache)(nil)
)

// NewRedis создаёт кэш. topicsTTL и topicsLimit ограничивают множества замеченных топиков.
func NewRedis(client *redis.Client, topicsTTL time.Duration, topicsLimit int) *RedisCache {
	return &RedisCache{client: client, topicsTTL: topicsTTL, topicsLimit: int64(topicsLimit)}
}

// Once выполняет функцию, если ключ ещё не задан, и сообщает, была ли она вызвана.
// При ошибке fn ключ снимается, чтобы повтор был возможен.
func (c *RedisCache) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) (bool, error) {
	start := time.Now()
	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "once", start, err)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return true, err
	}
	return true, nil
}

func topicsKey(chatID int64) string {
	return fmt.Sprintf("observed_topics:%d", chatID)
}

// ObserveTopic запоминает идентификатор топика, замеченный в чате.
func (c *RedisCache) ObserveTopic(ctx context.Context, chatID int64, topicID int) error {
	key := topicsKey(chatID)
	if c.topicsLimit > 0 {
		size, err := c.client.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if size >= c.topicsLimit {
			return nil
		}
	}
	start := time.Now()
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, topicID)
	if c.topicsTTL > 0 {
		pipe.Expire(ctx, key, c.topicsTTL)
	}
	_, err := pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "sadd", "observed_topics", start, err)
	return err
}

// ObservedTopics возвращает замеченные топики по возрастанию.
func (c *RedisCache) ObservedTopics(ctx context.Context, chatID int64) ([]int, error) {
	start := time.Now()
	members, err := c.client.SMembers(ctx, topicsKey(chatID)).Result()
	metrics.ObserveNetworkRequest("redis", "smembers", "observed_topics", start, err)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(members))
	for _, m := range members {
		id, convErr := strconv.Atoi(m)
		if convErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

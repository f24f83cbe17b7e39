package history

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultWindowKey 发言窗口在 redis 中的键名
const defaultWindowKey = "chatflow:speaking_window"

// RedisWindowStore 把公平性发言窗口镜像到 redis，
// 实现 orchestrator.HistoryStore。
type RedisWindowStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisWindowStore 创建窗口存储。key 为空时使用默认键名，
// ttl <= 0 表示窗口不过期。
func NewRedisWindowStore(client *redis.Client, key string, ttl time.Duration) *RedisWindowStore {
	if key == "" {
		key = defaultWindowKey
	}
	return &RedisWindowStore{client: client, key: key, ttl: ttl}
}

// SaveWindow 覆盖保存当前窗口
func (s *RedisWindowStore) SaveWindow(ctx context.Context, window []string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(window) > 0 {
		values := make([]interface{}, len(window))
		for i, id := range window {
			values[i] = id
		}
		pipe.RPush(ctx, s.key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save speaking window: %w", err)
	}
	return nil
}

// LoadWindow 读取持久化的窗口，键不存在时返回空窗口
func (s *RedisWindowStore) LoadWindow(ctx context.Context) ([]string, error) {
	window, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load speaking window: %w", err)
	}
	return window, nil
}

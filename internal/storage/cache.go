package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const seenKeyPrefix = "article:seen:"

// Cache 封装 Redis：文章去重标记与接口列表缓存。nil 时所有方法都是空操作
type Cache struct {
	Redis *redis.Client
}

// NewCache ping 失败只返回错误给调用方记录，客户端仍可用（Redis 恢复后自动重连）
func NewCache(addr string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return &Cache{Redis: rdb}, rdb.Ping(ctx).Err()
}

// MarkSeen 首次出现返回 true
func (c *Cache) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if c == nil || c.Redis == nil {
		return true, nil
	}
	return c.Redis.SetNX(ctx, seenKeyPrefix+id, time.Now().Unix(), ttl).Result()
}

// Forget 撤销去重标记，用于后续写入失败的情况
func (c *Cache) Forget(ctx context.Context, id string) error {
	if c == nil || c.Redis == nil {
		return nil
	}
	return c.Redis.Del(ctx, seenKeyPrefix+id).Err()
}

// GetJSON 命中返回 true；解码失败视为未命中
func (c *Cache) GetJSON(ctx context.Context, key string, v any) bool {
	if c == nil || c.Redis == nil {
		return false
	}
	bs, err := c.Redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(bs, v) == nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil || c.Redis == nil {
		return
	}
	if bs, err := json.Marshal(v); err == nil {
		_ = c.Redis.Set(ctx, key, bs, ttl).Err()
	}
}

func (c *Cache) Close() error {
	if c == nil || c.Redis == nil {
		return nil
	}
	return c.Redis.Close()
}

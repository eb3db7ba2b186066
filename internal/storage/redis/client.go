package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
}

// Client 包装 go-redis 客户端，向上提供缓存、存储与发布能力。
type Client struct {
	rdb *redis.Client
}

// NewClient 建立 Redis 连接并验证连通性。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get 读取键值。键不存在时返回 ok=false 而非错误。
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Redis 读取失败: %w", err)
	}
	return value, true, nil
}

// Set 写入键值，ttl 为 0 时永不过期。
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis 写入失败: %w", err)
	}
	return nil
}

// Delete 删除键。键不存在时视为成功。
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("Redis 删除失败: %w", err)
	}
	return nil
}

// SetNX 原子地写入不存在的键，返回是否写入成功。
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis SETNX 失败: %w", err)
	}
	return ok, nil
}

// Exists 判断键是否存在。
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("Redis EXISTS 失败: %w", err)
	}
	return n > 0, nil
}

// Keys 按模式列出键。仅用于低频的管理类查询。
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis KEYS 失败: %w", err)
	}
	return keys, nil
}

// PublishMessage 向指定频道发布消息。
func (c *Client) PublishMessage(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布消息失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/storage"
)

const (
	statisticsKey = "relay:statistics"

	fieldSentEmails      = "sent_emails"
	fieldProxiedImages   = "proxied_images"
	fieldExpandedURLs    = "expanded_urls"
	fieldRemovedTrackers = "removed_trackers"
	fieldUpdatedAt       = "updated_at"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 缓存实现，同时提供统计计数与限流计数
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ storage.StatisticsRepository = (*Cache)(nil)

// NewCache 基于已连接的客户端创建缓存
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

func aliasKey(address string) string {
	return "alias:" + strings.ToLower(address)
}

func reservedKey(address string) string {
	return "reserved:" + strings.ToLower(address)
}

func userKey(id string) string {
	return "user:" + id
}

func (c *Cache) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// ========== 别名缓存 ==========

// CacheAlias 按地址缓存别名
func (c *Cache) CacheAlias(ctx context.Context, alias *domain.Alias) error {
	return c.setJSON(ctx, aliasKey(alias.Address()), alias)
}

// GetCachedAlias 获取缓存的别名
func (c *Cache) GetCachedAlias(ctx context.Context, address string) (*domain.Alias, error) {
	var alias domain.Alias
	if err := c.getJSON(ctx, aliasKey(address), &alias); err != nil {
		return nil, err
	}
	return &alias, nil
}

// DeleteCachedAlias 删除别名缓存
func (c *Cache) DeleteCachedAlias(ctx context.Context, address string) error {
	return c.client.Del(ctx, aliasKey(address)).Err()
}

// CacheReservedAlias 按地址缓存保留别名（含成员）
func (c *Cache) CacheReservedAlias(ctx context.Context, alias *domain.ReservedAlias) error {
	return c.setJSON(ctx, reservedKey(alias.Address()), alias)
}

// GetCachedReservedAlias 获取缓存的保留别名
func (c *Cache) GetCachedReservedAlias(ctx context.Context, address string) (*domain.ReservedAlias, error) {
	var alias domain.ReservedAlias
	if err := c.getJSON(ctx, reservedKey(address), &alias); err != nil {
		return nil, err
	}
	return &alias, nil
}

// DeleteCachedReservedAlias 删除保留别名缓存
func (c *Cache) DeleteCachedReservedAlias(ctx context.Context, address string) error {
	return c.client.Del(ctx, reservedKey(address)).Err()
}

// ========== 用户缓存 ==========

// CacheUser 缓存用户信息
func (c *Cache) CacheUser(ctx context.Context, user *domain.User) error {
	return c.setJSON(ctx, userKey(user.ID), user)
}

// GetCachedUser 获取缓存的用户信息
func (c *Cache) GetCachedUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := c.getJSON(ctx, userKey(id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// DeleteCachedUser 删除用户缓存
func (c *Cache) DeleteCachedUser(ctx context.Context, id string) error {
	return c.client.Del(ctx, userKey(id)).Err()
}

// ========== 统计计数 ==========

// IncrementStatistics 在 MULTI/EXEC 中用 HINCRBY 累加
func (c *Cache) IncrementStatistics(ctx context.Context, delta domain.StatisticsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, statisticsKey, fieldSentEmails, delta.SentEmails)
		pipe.HIncrBy(ctx, statisticsKey, fieldProxiedImages, delta.ProxiedImages)
		pipe.HIncrBy(ctx, statisticsKey, fieldExpandedURLs, delta.ExpandedURLs)
		pipe.HIncrBy(ctx, statisticsKey, fieldRemovedTrackers, delta.RemovedTrackers)
		pipe.HSet(ctx, statisticsKey, fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339))
		return nil
	})
	return err
}

// GetStatistics 读取统计快照
func (c *Cache) GetStatistics(ctx context.Context) (*domain.Statistics, error) {
	values, err := c.client.HGetAll(ctx, statisticsKey).Result()
	if err != nil {
		return nil, err
	}

	stats := &domain.Statistics{ID: domain.StatisticsRowID}
	counters := map[string]*int64{
		fieldSentEmails:      &stats.SentEmails,
		fieldProxiedImages:   &stats.ProxiedImages,
		fieldExpandedURLs:    &stats.ExpandedURLs,
		fieldRemovedTrackers: &stats.RemovedTrackers,
	}
	for field, dst := range counters {
		raw, ok := values[field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = n
	}
	if raw, ok := values[fieldUpdatedAt]; ok {
		stats.UpdatedAt, _ = time.Parse(time.RFC3339, raw)
	}
	return stats, nil
}

// ========== 限流计数 ==========

// IncrementRateLimit 增加限流计数
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.Pipeline()

	// 增加计数
	incr := pipe.Incr(ctx, key)

	// 刷新窗口过期时间
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return incr.Val(), nil
}

// Ping 测试连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

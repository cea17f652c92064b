package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================
// 接收者订阅状态缓存
// ============================================================
//
// 网关对未订阅用户的投递必然失败（永久性错误）。
// 投递失败返回"未订阅"错误码后写入缓存，后续发往同一接收者的
// 消息可以直接快速失败，不再浪费网关调用。
// 缓存带过期时间：用户重新订阅后最多延迟一个 TTL 恢复投递。

const (
	subscriptionKeyPrefix = "msgcenter:unsub:"
	subscriptionTTL       = 30 * time.Minute
)

type SubscriptionCache struct {
	client *redis.Client
}

func NewSubscriptionCache(client *redis.Client) *SubscriptionCache {
	return &SubscriptionCache{client: client}
}

func (c *SubscriptionCache) key(receiverID int64) string {
	return fmt.Sprintf("%s%d", subscriptionKeyPrefix, receiverID)
}

// MarkUnsubscribed 标记接收者未订阅消息推送
func (c *SubscriptionCache) MarkUnsubscribed(ctx context.Context, receiverID int64) error {
	return c.client.Set(ctx, c.key(receiverID), 1, subscriptionTTL).Err()
}

// IsUnsubscribed 检查接收者是否已知未订阅
//
// 缓存不可用时按"可投递"处理，由网关兜底判断。
func (c *SubscriptionCache) IsUnsubscribed(ctx context.Context, receiverID int64) bool {
	n, err := c.client.Exists(ctx, c.key(receiverID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// ClearUnsubscribed 清除未订阅标记（手动重试时调用）
func (c *SubscriptionCache) ClearUnsubscribed(ctx context.Context, receiverID int64) error {
	return c.client.Del(ctx, c.key(receiverID)).Err()
}

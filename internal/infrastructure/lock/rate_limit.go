package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RetryRateLimiter 手动重试频率限制（按用户维度的固定窗口计数）
//
// INCR + 首次设置过期时间：窗口内超过上限的请求直接拒绝。
// Redis 不可用时放行，由状态 CAS 兜底幂等。
type RetryRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRetryRateLimiter(client *redis.Client, limit int) *RetryRateLimiter {
	return &RetryRateLimiter{
		client: client,
		limit:  limit,
		window: time.Minute,
	}
}

// Allow 检查 userID 在当前窗口内是否还有重试配额
func (r *RetryRateLimiter) Allow(ctx context.Context, userID int64) bool {
	if r.client == nil || r.limit <= 0 {
		return true
	}

	key := fmt.Sprintf("msgcenter:retry:rate:%d:%d", userID, time.Now().Unix()/int64(r.window.Seconds()))

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		r.client.Expire(ctx, key, r.window)
	}

	return count <= int64(r.limit)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/infrastructure/cache"
	"messagecenter/internal/infrastructure/lock"
	"messagecenter/internal/infrastructure/mq"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
	"messagecenter/pkg/idgen"

	"github.com/go-redis/redis/v8"
)

var (
	ErrNotRetryable = errors.New("只能重试发送失败的消息")
	ErrRateLimited  = errors.New("重试过于频繁，请稍后再试")
)

// RetryService 手动重试
//
// 自动重试调度器之外的显式操作入口：重置重试额度、清除永久失败标记，
// 带独立的审计轨迹（日志 + message.retried 事件）。
type RetryService struct {
	repo        repository.MessageRepository
	cfg         *config.Config
	redisClient *redis.Client
	rateLimiter *lock.RetryRateLimiter
	subCache    *cache.SubscriptionCache
	publisher   mq.EventPublisher
}

func NewRetryService(
	repo repository.MessageRepository,
	cfg *config.Config,
	redisClient *redis.Client,
	subCache *cache.SubscriptionCache,
	publisher mq.EventPublisher,
) *RetryService {
	return &RetryService{
		repo:        repo,
		cfg:         cfg,
		redisClient: redisClient,
		rateLimiter: lock.NewRetryRateLimiter(redisClient, cfg.Business.ManualRetryRateLimit),
		subCache:    subCache,
		publisher:   publisher,
	}
}

// ManualRetry 手动重试一条失败消息
//
// 只有发送者可以重试自己的消息。重试把 retry_count 归零并清除
// permanent 标记 —— 这是操作者的显式决定（比如确认接收者已重新订阅）。
func (s *RetryService) ManualRetry(ctx context.Context, msgNo string, requesterID int64) (*model.Message, error) {
	if s.rateLimiter != nil && !s.rateLimiter.Allow(ctx, requesterID) {
		return nil, ErrRateLimited
	}

	msg, err := s.repo.GetByMsgNo(ctx, msgNo)
	if err != nil {
		return nil, err
	}

	if msg.SenderID == nil || *msg.SenderID != requesterID {
		return nil, ErrForbidden
	}
	if msg.Status != model.MessageStatusFailed {
		return nil, ErrNotRetryable
	}

	// 按消息维度加锁，防止双开页面重复提交产生重复审计事件
	if s.redisClient != nil {
		retryLock := lock.NewRetryLock(s.redisClient, msgNo, idgen.GenerateMsgNo())
		if err := retryLock.Lock(ctx, 100*time.Millisecond, 10); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer retryLock.Unlock(ctx)
	}

	if err := s.repo.RequeueManual(ctx, msgNo); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("重试消息失败: %w", err)
	}

	// 操作者确认可以重发，同步清掉接收者的未订阅标记
	if s.subCache != nil {
		if err := s.subCache.ClearUnsubscribed(ctx, msg.ReceiverID); err != nil {
			log.Printf("[Retry] 清除未订阅标记失败: receiverID=%d, err=%v", msg.ReceiverID, err)
		}
	}

	msg, err = s.repo.GetByMsgNo(ctx, msgNo)
	if err != nil {
		return nil, err
	}

	// 审计轨迹：操作日志 + 事件
	log.Printf("[Retry] 手动重试: msgNo=%s, operatorID=%d", msgNo, requesterID)
	if s.publisher != nil {
		s.publisher.PublishMessageEvent(mq.EventMessageRetried, msg, &requesterID)
	}

	return msg, nil
}

package job

import (
	"context"
	"log"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
	"messagecenter/pkg/backoff"
)

// RetryScheduler 重试调度器
//
// 周期扫描有重试资格的失败消息，退避时间到了就重新入队（failed → pending），
// 真正的投递仍由 Dispatcher 完成，调度器自己不碰网关。
// 永久失败和重试耗尽的消息不在扫描范围内，由统计和手动重试兜底。
type RetryScheduler struct {
	repo      repository.MessageRepository
	cfg       *config.Config
	backoff   *backoff.Exponential
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewRetryScheduler(repo repository.MessageRepository, cfg *config.Config) *RetryScheduler {
	interval := time.Duration(cfg.Business.RetryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	base := time.Duration(cfg.Business.RetryBackoffBaseSeconds) * time.Second
	if base <= 0 {
		base = time.Minute
	}
	max := time.Duration(cfg.Business.RetryBackoffMaxSeconds) * time.Second
	if max <= 0 {
		max = 30 * time.Minute
	}

	return &RetryScheduler{
		repo:      repo,
		cfg:       cfg,
		backoff:   backoff.NewExponential(base, max),
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 100,
	}
}

func (s *RetryScheduler) Start(ctx context.Context) {
	log.Println("[RetryScheduler] 重试调度任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RetryScheduler] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[RetryScheduler] 任务停止")
			return
		case <-ticker.C:
			s.requeueEligible(ctx)
		}
	}
}

func (s *RetryScheduler) Stop() {
	close(s.stopCh)
}

// requeueEligible 一轮扫描：把退避时间已到的失败消息重新入队
func (s *RetryScheduler) requeueEligible(ctx context.Context) {
	messages, err := s.repo.GetRetryable(ctx, s.batchSize)
	if err != nil {
		log.Printf("[RetryScheduler] 查询待重试消息失败: %v", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	now := time.Now()
	requeued := 0
	for _, msg := range messages {
		if !s.Eligible(msg, now) {
			continue
		}

		if err := s.repo.Requeue(ctx, msg.MsgNo); err != nil {
			// 冲突说明消息已被手动重试等操作抢先流转，跳过即可
			log.Printf("[RetryScheduler] 重新入队失败: msgNo=%s, err=%v", msg.MsgNo, err)
			continue
		}
		requeued++
		log.Printf("[RetryScheduler] 消息重新入队: msgNo=%s, retryCount=%d", msg.MsgNo, msg.RetryCount)
	}

	if requeued > 0 {
		log.Printf("[RetryScheduler] 本轮重新入队 %d 条消息", requeued)
	}
}

// Eligible 判定消息当前是否满足重试条件
//
// 条件：失败、非永久、重试次数未耗尽、距上次流转已过退避时间。
// 退避时间按已失败次数指数增长（base * 2^(retryCount-1)，封顶 max）。
func (s *RetryScheduler) Eligible(msg *model.Message, now time.Time) bool {
	if !msg.Retryable() {
		return false
	}
	// retryCount 在失败时已+1，第一次失败后的退避用 attempt=0 档位
	delay := s.backoff.Delay(msg.RetryCount - 1)
	return now.Sub(msg.UpdatedAt) >= delay
}

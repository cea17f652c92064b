package job

import (
	"context"
	"log"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/repository"
)

// dispatchTimeoutReason 看门狗落表的失败原因，固定文案便于检索
const dispatchTimeoutReason = "dispatch timeout"

// DispatchWatchdog 投递超时看门狗
//
// dispatching 是短暂的锁定状态：worker 崩溃或进程被杀时，
// 消息会永远卡在 dispatching。看门狗周期扫描超过阈值的消息，
// 条件更新回 failed，使其重新获得重试资格而不是永久卡死。
type DispatchWatchdog struct {
	repo      repository.MessageRepository
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewDispatchWatchdog(repo repository.MessageRepository, cfg *config.Config) *DispatchWatchdog {
	return &DispatchWatchdog{
		repo:      repo,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 100,
	}
}

func (w *DispatchWatchdog) Start(ctx context.Context) {
	log.Println("[DispatchWatchdog] 投递超时看门狗启动")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DispatchWatchdog] 收到停止信号，任务退出")
			return
		case <-w.stopCh:
			log.Println("[DispatchWatchdog] 任务停止")
			return
		case <-ticker.C:
			w.sweepStuck(ctx)
		}
	}
}

func (w *DispatchWatchdog) Stop() {
	close(w.stopCh)
}

// sweepStuck 一轮扫描：把卡死的 dispatching 消息判为失败
func (w *DispatchWatchdog) sweepStuck(ctx context.Context) {
	timeout := w.cfg.Business.DispatchTimeout()
	if timeout <= 0 {
		timeout = time.Minute
	}

	before := time.Now().Add(-timeout)
	messages, err := w.repo.GetStuckDispatching(ctx, before, w.batchSize)
	if err != nil {
		log.Printf("[DispatchWatchdog] 查询卡死消息失败: %v", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Printf("[DispatchWatchdog] 发现 %d 条投递超时消息", len(messages))

	swept := 0
	for _, msg := range messages {
		// 超时的那次尝试也算一次失败，计入重试次数
		err := w.repo.MarkFailed(ctx, msg.MsgNo, dispatchTimeoutReason, false)
		if err != nil {
			// 冲突说明 worker 赶在扫描后落了终态，以 worker 的结果为准
			log.Printf("[DispatchWatchdog] 标记超时失败: msgNo=%s, err=%v", msg.MsgNo, err)
			continue
		}
		swept++
		log.Printf("[DispatchWatchdog] 消息投递超时已重置: msgNo=%s, retryCount=%d", msg.MsgNo, msg.RetryCount+1)
	}

	if swept > 0 {
		log.Printf("[DispatchWatchdog] 本轮重置 %d 条超时消息", swept)
	}
}

package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/gateway"
	"messagecenter/internal/infrastructure/cache"
	"messagecenter/internal/infrastructure/mq"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
)

// Dispatcher 投递器
//
// N 个 worker 并发轮询存储：原子抢占一条 pending 消息、调用网关、
// 用条件更新落终态。抢占本身就是并发保护，worker 之间、
// 甚至多个服务进程之间都不会重复投递同一条消息。
type Dispatcher struct {
	repo      repository.MessageRepository
	client    gateway.Client
	subCache  *cache.SubscriptionCache
	publisher mq.EventPublisher
	cfg       *config.Config

	workers      int
	pollInterval time.Duration
	sendTimeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	repo repository.MessageRepository,
	client gateway.Client,
	subCache *cache.SubscriptionCache,
	publisher mq.EventPublisher,
	cfg *config.Config,
) *Dispatcher {
	workers := cfg.Business.DispatchWorkers
	if workers <= 0 {
		workers = 4
	}
	pollInterval := time.Duration(cfg.Business.DispatchPollMillis) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	sendTimeout := time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}

	return &Dispatcher{
		repo:         repo,
		client:       client,
		subCache:     subCache,
		publisher:    publisher,
		cfg:          cfg,
		workers:      workers,
		pollInterval: pollInterval,
		sendTimeout:  sendTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Start 启动 worker 池
func (d *Dispatcher) Start(ctx context.Context) {
	log.Printf("[Dispatcher] 投递器启动: workers=%d", d.workers)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
}

// Stop 停止并等待所有 worker 退出
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	log.Println("[Dispatcher] 投递器已停止")
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Dispatcher] worker %d 收到停止信号，退出", workerID)
			return
		case <-d.stopCh:
			return
		default:
		}

		msg, err := d.repo.ClaimNextPending(ctx)
		if err != nil {
			log.Printf("[Dispatcher] worker %d 抢占消息失败: %v", workerID, err)
			d.sleep(ctx)
			continue
		}
		if msg == nil {
			// 无待投递消息，等待下一轮
			d.sleep(ctx)
			continue
		}

		d.dispatch(ctx, msg)
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-time.After(d.pollInterval):
	}
}

// dispatch 投递一条已抢占的消息并落终态
//
// 进入这里时消息处于 dispatching，本 worker 独占。
// 任何错误都落到消息记录上，不向外传播。
func (d *Dispatcher) dispatch(ctx context.Context, msg *model.Message) {
	// 已知未订阅的接收者直接快速失败，省一次网关调用
	if d.subCache != nil && d.subCache.IsUnsubscribed(ctx, msg.ReceiverID) {
		d.fail(ctx, msg, "接收者未订阅消息推送", true)
		return
	}

	payload, err := gateway.Render(msg)
	if err != nil {
		// 内容与 kind 不匹配属于数据问题，重试不可能成功
		d.fail(ctx, msg, err.Error(), true)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	externalID, err := d.client.Send(sendCtx, msg.ReceiverID, payload)
	if err != nil {
		reason, permanent := classify(err)
		if gateway.IsNotSubscribed(err) && d.subCache != nil {
			if cacheErr := d.subCache.MarkUnsubscribed(ctx, msg.ReceiverID); cacheErr != nil {
				log.Printf("[Dispatcher] 写入未订阅标记失败: receiverID=%d, err=%v", msg.ReceiverID, cacheErr)
			}
		}
		d.fail(ctx, msg, reason, permanent)
		return
	}

	if err := d.repo.MarkSent(ctx, msg.MsgNo, externalID); err != nil {
		// 冲突说明 watchdog 在投递期间把消息判了超时，结果已由对方落表
		log.Printf("[Dispatcher] 更新消息状态失败: msgNo=%s, err=%v", msg.MsgNo, err)
		return
	}

	log.Printf("[Dispatcher] 消息投递成功: msgNo=%s, externalID=%s", msg.MsgNo, externalID)

	now := time.Now()
	msg.Status = model.MessageStatusSent
	msg.ExternalID = &externalID
	msg.SentAt = &now
	msg.LastError = nil
	if d.publisher != nil {
		d.publisher.PublishMessageEvent(mq.EventMessageSent, msg, nil)
	}
}

func (d *Dispatcher) fail(ctx context.Context, msg *model.Message, reason string, permanent bool) {
	if err := d.repo.MarkFailed(ctx, msg.MsgNo, reason, permanent); err != nil {
		log.Printf("[Dispatcher] 标记消息失败状态失败: msgNo=%s, err=%v", msg.MsgNo, err)
		return
	}

	log.Printf("[Dispatcher] 消息投递失败: msgNo=%s, permanent=%v, reason=%s", msg.MsgNo, permanent, reason)

	msg.Status = model.MessageStatusFailed
	msg.RetryCount++
	msg.LastError = &reason
	msg.Permanent = permanent
	if d.publisher != nil {
		d.publisher.PublishMessageEvent(mq.EventMessageFailed, msg, nil)
	}
}

// classify 把网关调用错误映射到内部错误分类
//
// 网关业务错误按错误码判定永久/临时；超时与传输错误一律临时，
// 但错误信息区分记录，便于排查。
func classify(err error) (reason string, permanent bool) {
	if ge, ok := gateway.AsError(err); ok {
		return ge.Error(), ge.Permanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "发送超时: " + err.Error(), false
	}
	return "网络错误: " + err.Error(), false
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/infrastructure/mq"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
)

var (
	ErrNotRecallable = errors.New("消息无法撤回")
)

// RecallService 撤回守卫
//
// 撤回是协作式的：不会中断进行中的投递。撤回与投递竞态时，
// 投递的终态优先，撤回方收到冲突后需要对已 sent 的消息重新发起。
type RecallService struct {
	repo      repository.MessageRepository
	cfg       *config.Config
	publisher mq.EventPublisher
}

func NewRecallService(repo repository.MessageRepository, cfg *config.Config, publisher mq.EventPublisher) *RecallService {
	return &RecallService{
		repo:      repo,
		cfg:       cfg,
		publisher: publisher,
	}
}

// Recall 撤回消息
//
// 预检查只用于给出友好的错误信息；真正的判定在仓储层的
// 原子条件更新里（状态、发送者、窗口同时校验），
// 预检查与执行之间的任何并发变化都以 ErrConflict 返回。
func (s *RecallService) Recall(ctx context.Context, msgNo string, requesterID int64) (*model.Message, error) {
	msg, err := s.repo.GetByMsgNo(ctx, msgNo)
	if err != nil {
		return nil, err
	}

	window := s.cfg.Business.RecallWindow()
	if !msg.CanRecall(requesterID, window, time.Now()) {
		// 区分"不是你的消息"和"状态/窗口不满足"
		if msg.SenderID == nil || *msg.SenderID != requesterID {
			return nil, ErrForbidden
		}
		// 已撤回的消息再次撤回与并发撤回同样按冲突处理
		if msg.Status == model.MessageStatusRecalled {
			return nil, repository.ErrConflict
		}
		return nil, ErrNotRecallable
	}

	if err := s.repo.RecallSent(ctx, msgNo, requesterID, window); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("撤回消息失败: %w", err)
	}

	msg, err = s.repo.GetByMsgNo(ctx, msgNo)
	if err != nil {
		return nil, err
	}

	log.Printf("[Recall] 消息已撤回: msgNo=%s, senderID=%d", msgNo, requesterID)
	if s.publisher != nil {
		s.publisher.PublishMessageEvent(mq.EventMessageRecalled, msg, &requesterID)
	}

	return msg, nil
}

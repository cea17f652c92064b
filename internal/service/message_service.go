package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"messagecenter/internal/config"
	"messagecenter/internal/gateway"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
	"messagecenter/pkg/idgen"
)

var (
	ErrForbidden = errors.New("无权操作此消息")
	// ErrInvalidRequest 同步校验失败，不落库、不重试，按参数错误返回
	ErrInvalidRequest = errors.New("参数校验失败")
)

// MessageService 消息创建与查询
type MessageService struct {
	repo repository.MessageRepository
	cfg  *config.Config
}

func NewMessageService(repo repository.MessageRepository, cfg *config.Config) *MessageService {
	return &MessageService{
		repo: repo,
		cfg:  cfg,
	}
}

// SendRequest 发送消息请求
type SendRequest struct {
	SenderID   *int64 // 系统消息时为空
	ReceiverID int64
	Kind       string
	Payload    string
	Priority   int
}

// Send 创建一条待投递消息
//
// 只做同步校验和落库，真正的投递由 Dispatcher 异步完成。
// 创建成功即返回 pending，最终结果通过查询接口或统计观察。
func (s *MessageService) Send(ctx context.Context, req *SendRequest) (*model.Message, error) {
	if err := s.validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	msg := &model.Message{
		MsgNo:      idgen.GenerateMsgNo(),
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Kind:       req.Kind,
		Payload:    req.Payload,
		Status:     model.MessageStatusPending,
		MaxRetry:   s.cfg.Business.MaxRetryCount,
		Priority:   req.Priority,
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("创建消息失败: %w", err)
	}

	return msg, nil
}

// validate 创建前的同步校验，校验失败不落库、不重试
func (s *MessageService) validate(req *SendRequest) error {
	if req.ReceiverID <= 0 {
		return errors.New("接收者不能为空")
	}
	if !model.IsValidKind(req.Kind) {
		return fmt.Errorf("不支持的消息类型: %s", req.Kind)
	}
	if req.Payload == "" {
		return errors.New("消息内容不能为空")
	}
	if max := s.cfg.Business.ContentMaxLength; max > 0 && utf8.RuneCountInString(req.Payload) > max {
		return fmt.Errorf("消息内容不能超过%d个字符", max)
	}
	if req.Priority == 0 {
		req.Priority = model.PriorityNormal
	}
	if !model.IsValidPriority(req.Priority) {
		return fmt.Errorf("优先级不合法: %d", req.Priority)
	}
	// 内容结构与 kind 匹配性校验，与投递时的渲染共用一套规则
	if err := gateway.ValidatePayload(req.Kind, req.Payload); err != nil {
		return fmt.Errorf("消息内容不合法: %w", err)
	}
	return nil
}

// BatchItem 批量发送中的单条消息
type BatchItem struct {
	ReceiverID int64  `json:"receiver_id"`
	Kind       string `json:"kind"`
	Payload    string `json:"payload"`
	Priority   int    `json:"priority"`
}

// BatchRejected 批量发送中被拒绝的条目
type BatchRejected struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// BatchResult 批量发送结果
type BatchResult struct {
	BatchNo  string          `json:"batch_no"`
	Created  []string        `json:"created"`
	Rejected []BatchRejected `json:"rejected"`
}

// BatchSend 批量发送
//
// 每条消息独立校验、独立创建：单条非法只拒绝该条，不影响其余条目。
// 批次只是一次请求的逻辑分组，创建后各消息的投递互相独立，没有批次级事务。
func (s *MessageService) BatchSend(ctx context.Context, senderID int64, items []BatchItem) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: 消息列表不能为空", ErrInvalidRequest)
	}
	if max := s.cfg.Business.BatchMaxSize; max > 0 && len(items) > max {
		return nil, fmt.Errorf("%w: 批量发送消息数量不能超过%d条", ErrInvalidRequest, max)
	}

	result := &BatchResult{
		BatchNo:  idgen.GenerateBatchNo(),
		Created:  []string{},
		Rejected: []BatchRejected{},
	}

	for i, item := range items {
		req := &SendRequest{
			SenderID:   &senderID,
			ReceiverID: item.ReceiverID,
			Kind:       item.Kind,
			Payload:    item.Payload,
			Priority:   item.Priority,
		}

		msg, err := s.Send(ctx, req)
		if err != nil {
			result.Rejected = append(result.Rejected, BatchRejected{
				Index:  i,
				Reason: err.Error(),
			})
			continue
		}
		result.Created = append(result.Created, msg.MsgNo)
	}

	return result, nil
}

// List 分页查询消息列表
func (s *MessageService) List(ctx context.Context, filter repository.ListFilter) ([]*model.Message, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}

// Detail 查询消息详情
//
// 只有发送者和接收者可以查看。
func (s *MessageService) Detail(ctx context.Context, msgNo string, userID int64) (*model.Message, error) {
	msg, err := s.repo.GetByMsgNo(ctx, msgNo)
	if err != nil {
		return nil, err
	}

	isSender := msg.SenderID != nil && *msg.SenderID == userID
	if !isSender && msg.ReceiverID != userID {
		return nil, ErrForbidden
	}

	return msg, nil
}

// CanRecall 计算消息当前是否可由 userID 撤回（详情接口的展示字段）
func (s *MessageService) CanRecall(msg *model.Message, userID int64) bool {
	return msg.CanRecall(userID, s.cfg.Business.RecallWindow(), time.Now())
}

package repository

import (
	"context"
	"errors"
	"time"

	"messagecenter/internal/model"
)

var (
	ErrMessageNotFound = errors.New("消息不存在")
	// ErrConflict 状态并发冲突：期望状态与当前状态不符（被其他 worker 抢先、
	// 重复撤回、撤回窗口已过等），调用方应重新读取后决定是否重试
	ErrConflict = errors.New("消息状态冲突")
)

// ListFilter 消息列表查询条件
type ListFilter struct {
	UserID    int64  // 查询者，限定只能看到自己发送或接收的消息
	Direction string // all / sent / received
	Status    string
	Kind      string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

// StatsFilter 统计查询条件
type StatsFilter struct {
	SenderID  *int64 // 为空时统计全量（管理端）
	StartDate *time.Time
	EndDate   *time.Time
}

// MessageStats 按状态聚合的投递统计
type MessageStats struct {
	Total       int64   `json:"total"`
	Sent        int64   `json:"sent"`
	Pending     int64   `json:"pending"`
	Failed      int64   `json:"failed"`
	Recalled    int64   `json:"recalled"`
	SuccessRate float64 `json:"success_rate"`
}

// MessageRepository 消息存储契约
//
// 所有状态变更都是带期望状态的单行条件更新（乐观并发），
// 这是整个子系统"同一消息至多一个并发投递者"保证的落点。
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	GetByMsgNo(ctx context.Context, msgNo string) (*model.Message, error)

	// ClaimNextPending 原子抢占一条待投递消息（pending → dispatching）
	// 按优先级降序、创建时间升序选取；无待投递消息时返回 (nil, nil)
	ClaimNextPending(ctx context.Context) (*model.Message, error)

	// MarkSent 投递成功（dispatching → sent），记录网关消息ID和发送时间
	MarkSent(ctx context.Context, msgNo, externalID string) error

	// MarkFailed 投递失败（dispatching → failed），重试次数+1
	MarkFailed(ctx context.Context, msgNo, reason string, permanent bool) error

	// Requeue 自动重试重新入队（failed → pending），不重置重试次数
	Requeue(ctx context.Context, msgNo string) error

	// RequeueManual 手动重试（failed → pending），重置重试次数并清除永久失败标记
	RequeueManual(ctx context.Context, msgNo string) error

	// RecallSent 撤回（sent → recalled）
	// 发送者与撤回窗口在同一条 UPDATE 的 WHERE 中再次校验，
	// 预检查与执行之间的并发变化以 ErrConflict 暴露
	RecallSent(ctx context.Context, msgNo string, senderID int64, window time.Duration) error

	List(ctx context.Context, filter ListFilter) ([]*model.Message, int64, error)
	Stats(ctx context.Context, filter StatsFilter) (*MessageStats, error)

	// GetRetryable 查询有自动重试资格的失败消息（不含退避时间判断）
	GetRetryable(ctx context.Context, limit int) ([]*model.Message, error)
	CountRetryable(ctx context.Context) (int64, error)

	// GetStuckDispatching 查询卡在 dispatching 超过阈值的消息（worker 崩溃遗留）
	GetStuckDispatching(ctx context.Context, before time.Time, limit int) ([]*model.Message, error)

	// CleanExpired 清理 before 之前创建的终态消息，返回删除条数
	CleanExpired(ctx context.Context, before time.Time) (int64, error)
}

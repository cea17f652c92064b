package repository

import (
	"context"
	"errors"
	"math"
	"time"

	"messagecenter/internal/model"

	"gorm.io/gorm"
)

// claimCandidates 单次抢占最多尝试的候选条数
// 抢占 CAS 失败说明别的 worker 抢先了，换下一条候选，避免空转
const claimCandidates = 3

type GormMessageRepo struct {
	db *gorm.DB
}

func NewGormMessageRepo(db *gorm.DB) *GormMessageRepo {
	return &GormMessageRepo{db: db}
}

func (r *GormMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *GormMessageRepo) GetByMsgNo(ctx context.Context, msgNo string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Where("msg_no = ?", msgNo).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// ClaimNextPending 原子抢占一条待投递消息
//
// 先选出最优候选，再用带期望状态的条件更新抢占。
// RowsAffected == 0 说明被其他 worker 抢先，换下一条候选。
// 条件更新对多进程部署同样有效，不依赖进程内互斥。
func (r *GormMessageRepo) ClaimNextPending(ctx context.Context) (*model.Message, error) {
	for i := 0; i < claimCandidates; i++ {
		var msg model.Message
		err := r.db.WithContext(ctx).
			Where("status = ?", model.MessageStatusPending).
			Order("priority DESC, created_at ASC, id ASC").
			First(&msg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}

		result := r.db.WithContext(ctx).
			Model(&model.Message{}).
			Where("id = ? AND status = ?", msg.ID, model.MessageStatusPending).
			Update("status", model.MessageStatusDispatching)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			msg.Status = model.MessageStatusDispatching
			return &msg, nil
		}
		// 抢占失败，候选已被其他 worker 拿走
	}
	return nil, nil
}

func (r *GormMessageRepo) MarkSent(ctx context.Context, msgNo, externalID string) error {
	now := time.Now()
	return r.transition(ctx, msgNo, model.MessageStatusDispatching, map[string]interface{}{
		"status":      model.MessageStatusSent,
		"external_id": externalID,
		"sent_at":     &now,
		"last_error":  nil,
	})
}

func (r *GormMessageRepo) MarkFailed(ctx context.Context, msgNo, reason string, permanent bool) error {
	return r.transition(ctx, msgNo, model.MessageStatusDispatching, map[string]interface{}{
		"status":      model.MessageStatusFailed,
		"last_error":  reason,
		"permanent":   permanent,
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

func (r *GormMessageRepo) Requeue(ctx context.Context, msgNo string) error {
	return r.transition(ctx, msgNo, model.MessageStatusFailed, map[string]interface{}{
		"status": model.MessageStatusPending,
	})
}

func (r *GormMessageRepo) RequeueManual(ctx context.Context, msgNo string) error {
	return r.transition(ctx, msgNo, model.MessageStatusFailed, map[string]interface{}{
		"status":      model.MessageStatusPending,
		"retry_count": 0,
		"permanent":   false,
		"last_error":  nil,
	})
}

// RecallSent 撤回消息
//
// 发送者与撤回窗口放进 UPDATE 的 WHERE 里一起校验：
// 预检查通过后窗口刚好过期、或消息被并发撤回/重新流转，
// 都会表现为 RowsAffected == 0，统一按冲突返回。
func (r *GormMessageRepo) RecallSent(ctx context.Context, msgNo string, senderID int64, window time.Duration) error {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("msg_no = ? AND status = ? AND sender_id = ? AND sent_at >= ?",
			msgNo, model.MessageStatusSent, senderID, now.Add(-window)).
		Updates(map[string]interface{}{
			"status":      model.MessageStatusRecalled,
			"recalled_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// transition 带期望状态的单行条件更新
func (r *GormMessageRepo) transition(ctx context.Context, msgNo, fromStatus string, updates map[string]interface{}) error {
	toStatus, _ := updates["status"].(string)
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrConflict
	}

	result := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("msg_no = ? AND status = ?", msgNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *GormMessageRepo) List(ctx context.Context, filter ListFilter) ([]*model.Message, int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Message{})

	switch filter.Direction {
	case "sent":
		query = query.Where("sender_id = ?", filter.UserID)
	case "received":
		query = query.Where("receiver_id = ?", filter.UserID)
	default:
		query = query.Where("sender_id = ? OR receiver_id = ?", filter.UserID, filter.UserID)
	}

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.StartDate != nil {
		query = query.Where("created_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("created_at <= ?", *filter.EndDate)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var messages []*model.Message
	err := query.
		Order("created_at DESC").
		Offset((filter.Page - 1) * filter.Limit).
		Limit(filter.Limit).
		Find(&messages).Error

	return messages, total, err
}

// Stats 按状态聚合统计
//
// dispatching 是短暂的内部锁定状态，对外统计并入 pending。
func (r *GormMessageRepo) Stats(ctx context.Context, filter StatsFilter) (*MessageStats, error) {
	query := r.db.WithContext(ctx).Model(&model.Message{})

	if filter.SenderID != nil {
		query = query.Where("sender_id = ?", *filter.SenderID)
	}
	if filter.StartDate != nil {
		query = query.Where("created_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("created_at <= ?", *filter.EndDate)
	}

	var rows []struct {
		Status string
		Count  int64
	}
	err := query.
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &MessageStats{}
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case model.MessageStatusSent:
			stats.Sent += row.Count
		case model.MessageStatusPending, model.MessageStatusDispatching:
			stats.Pending += row.Count
		case model.MessageStatusFailed:
			stats.Failed += row.Count
		case model.MessageStatusRecalled:
			stats.Recalled += row.Count
		}
	}

	stats.SuccessRate = SuccessRate(stats.Sent, stats.Total)
	return stats, nil
}

// SuccessRate 投递成功率（百分比，保留两位小数），total 为 0 时返回 0
func SuccessRate(sent, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(sent)/float64(total)*100*100) / 100
}

func (r *GormMessageRepo) GetRetryable(ctx context.Context, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("status = ? AND permanent = ? AND retry_count < max_retry",
			model.MessageStatusFailed, false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *GormMessageRepo) CountRetryable(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("status = ? AND permanent = ? AND retry_count < max_retry",
			model.MessageStatusFailed, false).
		Count(&count).Error
	return count, err
}

func (r *GormMessageRepo) GetStuckDispatching(ctx context.Context, before time.Time, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.MessageStatusDispatching, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// CleanExpired 清理终态消息（sent / recalled / 重试耗尽的 failed）
//
// pending 和 dispatching 不在清理范围内，进行中的投递不会被删掉。
func (r *GormMessageRepo) CleanExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ? AND (status IN ? OR (status = ? AND (permanent = ? OR retry_count >= max_retry)))",
			before,
			[]string{model.MessageStatusSent, model.MessageStatusRecalled},
			model.MessageStatusFailed, true).
		Delete(&model.Message{})
	return result.RowsAffected, result.Error
}

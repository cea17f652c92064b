package model

import (
	"time"
)

const (
	MessageStatusPending     = "pending"     // 等待投递
	MessageStatusDispatching = "dispatching" // 投递中（临时锁定状态）
	MessageStatusSent        = "sent"        // 投递成功
	MessageStatusFailed      = "failed"      // 投递失败
	MessageStatusRecalled    = "recalled"    // 已撤回
)

// ValidStatusTransitions 消息状态机
//
// pending → dispatching：Dispatcher 抢占（原子条件更新，同一消息只能被一个 worker 抢到）
// dispatching → sent/failed：网关投递结果
// failed → pending：重试调度器或手动重试重新入队
// sent → recalled：撤回窗口内由发送者撤回
var ValidStatusTransitions = map[string][]string{
	MessageStatusPending:     {MessageStatusDispatching},
	MessageStatusDispatching: {MessageStatusSent, MessageStatusFailed},
	MessageStatusFailed:      {MessageStatusPending},
	MessageStatusSent:        {MessageStatusRecalled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

const (
	MessageKindText     = "text"
	MessageKindTemplate = "template"
	MessageKindMedia    = "media"
	MessageKindSystem   = "system"
)

var validKinds = map[string]bool{
	MessageKindText:     true,
	MessageKindTemplate: true,
	MessageKindMedia:    true,
	MessageKindSystem:   true,
}

func IsValidKind(kind string) bool {
	return validKinds[kind]
}

const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

func IsValidPriority(priority int) bool {
	return priority >= PriorityLow && priority <= PriorityHigh
}

type Message struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MsgNo      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"msg_no"`
	SenderID   *int64     `gorm:"index" json:"sender_id"` // 系统消息时为空
	ReceiverID int64      `gorm:"index;not null" json:"receiver_id"`
	Kind       string     `gorm:"type:varchar(20);index;not null" json:"kind"`
	Payload    string     `gorm:"type:text;not null" json:"payload"` // JSON 格式，按 kind 解释
	Status     string     `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	ExternalID *string    `gorm:"type:varchar(100)" json:"external_id"` // 网关返回的 msgid
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	MaxRetry   int        `gorm:"not null;default:3" json:"max_retry"`
	LastError  *string    `gorm:"type:text" json:"last_error"`
	Permanent  bool       `gorm:"not null;default:false" json:"permanent"` // 永久失败，不再自动重试
	Priority   int        `gorm:"type:tinyint;not null;default:2" json:"priority"`
	SentAt     *time.Time `json:"sent_at"`
	RecalledAt *time.Time `json:"recalled_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Message) TableName() string {
	return "messages"
}

// CanRecall 检查消息是否可由 requesterID 撤回
//
// 条件：请求者是发送者、消息已发送、且发送时间在撤回窗口内。
// 这里只是预检查，真正的撤回在仓储层的原子条件更新中再次校验。
func (m *Message) CanRecall(requesterID int64, window time.Duration, now time.Time) bool {
	if m.SenderID == nil || *m.SenderID != requesterID {
		return false
	}
	if m.Status != MessageStatusSent {
		return false
	}
	if m.SentAt == nil {
		return false
	}
	return now.Sub(*m.SentAt) <= window
}

// Retryable 是否还有自动重试资格（不含退避时间判断）
func (m *Message) Retryable() bool {
	return m.Status == MessageStatusFailed && !m.Permanent && m.RetryCount < m.MaxRetry
}

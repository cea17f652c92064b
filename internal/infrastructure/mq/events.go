package mq

import (
	"encoding/json"
	"log"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/model"
)

// 消息生命周期事件类型
const (
	EventMessageSent     = "message.sent"
	EventMessageFailed   = "message.failed"
	EventMessageRecalled = "message.recalled"
	EventMessageRetried  = "message.retried" // 手动重试的审计事件
)

// MessageEvent 投递生命周期事件，供下游（统计、审计、通知）消费
type MessageEvent struct {
	Event      string  `json:"event"`
	MsgNo      string  `json:"msg_no"`
	SenderID   *int64  `json:"sender_id"`
	ReceiverID int64   `json:"receiver_id"`
	Kind       string  `json:"kind"`
	Status     string  `json:"status"`
	ExternalID *string `json:"external_id,omitempty"`
	LastError  *string `json:"last_error,omitempty"`
	RetryCount int     `json:"retry_count"`
	Permanent  bool    `json:"permanent"`
	OperatorID *int64  `json:"operator_id,omitempty"` // 手动重试时的操作者
	OccurredAt string  `json:"occurred_at"`
}

// EventPublisher 事件发布接口，便于后台任务在测试中替换
type EventPublisher interface {
	PublishMessageEvent(event string, msg *model.Message, operatorID *int64)
}

// KafkaEventPublisher 基于 Kafka 的事件发布实现
//
// 发布失败只记录日志，不影响消息本身的状态流转。
type KafkaEventPublisher struct {
	topic string
}

func NewKafkaEventPublisher(cfg *config.KafkaConfig) *KafkaEventPublisher {
	return &KafkaEventPublisher{topic: cfg.Topic.MessageEvent}
}

func (p *KafkaEventPublisher) PublishMessageEvent(event string, msg *model.Message, operatorID *int64) {
	payload := MessageEvent{
		Event:      event,
		MsgNo:      msg.MsgNo,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Kind:       msg.Kind,
		Status:     msg.Status,
		ExternalID: msg.ExternalID,
		LastError:  msg.LastError,
		RetryCount: msg.RetryCount,
		Permanent:  msg.Permanent,
		OperatorID: operatorID,
		OccurredAt: time.Now().Format(time.RFC3339),
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[MQ] 序列化事件失败: msgNo=%s, err=%v", msg.MsgNo, err)
		return
	}

	if err := SendMessage(p.topic, msg.MsgNo, string(payloadBytes)); err != nil {
		log.Printf("[MQ] 发布事件失败: event=%s, msgNo=%s, err=%v", event, msg.MsgNo, err)
	}
}

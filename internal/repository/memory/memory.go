// Package memory 提供 MessageRepository 的内存实现，用于测试。
//
// 状态流转语义与 MySQL 实现保持一致：所有变更都是带期望状态的
// 比较交换，抢占与撤回在锁内完成，可直接用于并发正确性测试。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"messagecenter/internal/model"
	"messagecenter/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	nextID   int64
	messages map[string]*model.Message // msgNo -> message
}

func NewStore() *Store {
	return &Store{
		messages: make(map[string]*model.Message),
	}
}

func (s *Store) Create(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = s.nextID
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	clone := *msg
	s.messages[msg.MsgNo] = &clone
	return nil
}

func (s *Store) GetByMsgNo(ctx context.Context, msgNo string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgNo]
	if !ok {
		return nil, repository.ErrMessageNotFound
	}
	clone := *msg
	return &clone, nil
}

func (s *Store) ClaimNextPending(ctx context.Context) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.Message
	for _, msg := range s.messages {
		if msg.Status != model.MessageStatusPending {
			continue
		}
		if best == nil || claimBefore(msg, best) {
			best = msg
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = model.MessageStatusDispatching
	best.UpdatedAt = time.Now()
	clone := *best
	return &clone, nil
}

// claimBefore 抢占排序：优先级高在前，同优先级创建早在前
func claimBefore(a, b *model.Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) MarkSent(ctx context.Context, msgNo, externalID string) error {
	now := time.Now()
	return s.cas(msgNo, model.MessageStatusDispatching, func(msg *model.Message) {
		msg.Status = model.MessageStatusSent
		msg.ExternalID = &externalID
		msg.SentAt = &now
		msg.LastError = nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, msgNo, reason string, permanent bool) error {
	return s.cas(msgNo, model.MessageStatusDispatching, func(msg *model.Message) {
		msg.Status = model.MessageStatusFailed
		msg.LastError = &reason
		msg.Permanent = permanent
		msg.RetryCount++
	})
}

func (s *Store) Requeue(ctx context.Context, msgNo string) error {
	return s.cas(msgNo, model.MessageStatusFailed, func(msg *model.Message) {
		msg.Status = model.MessageStatusPending
	})
}

func (s *Store) RequeueManual(ctx context.Context, msgNo string) error {
	return s.cas(msgNo, model.MessageStatusFailed, func(msg *model.Message) {
		msg.Status = model.MessageStatusPending
		msg.RetryCount = 0
		msg.Permanent = false
		msg.LastError = nil
	})
}

func (s *Store) RecallSent(ctx context.Context, msgNo string, senderID int64, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgNo]
	if !ok {
		return repository.ErrMessageNotFound
	}

	now := time.Now()
	if msg.Status != model.MessageStatusSent ||
		msg.SenderID == nil || *msg.SenderID != senderID ||
		msg.SentAt == nil || msg.SentAt.Before(now.Add(-window)) {
		return repository.ErrConflict
	}

	msg.Status = model.MessageStatusRecalled
	msg.RecalledAt = &now
	msg.UpdatedAt = now
	return nil
}

func (s *Store) cas(msgNo, expectedStatus string, apply func(*model.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[msgNo]
	if !ok {
		return repository.ErrMessageNotFound
	}
	if msg.Status != expectedStatus {
		return repository.ErrConflict
	}

	apply(msg)
	msg.UpdatedAt = time.Now()
	return nil
}

func (s *Store) List(ctx context.Context, filter repository.ListFilter) ([]*model.Message, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Message
	for _, msg := range s.messages {
		if !matchList(msg, filter) {
			continue
		}
		clone := *msg
		matched = append(matched, &clone)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := (filter.Page - 1) * filter.Limit
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func matchList(msg *model.Message, filter repository.ListFilter) bool {
	isSender := msg.SenderID != nil && *msg.SenderID == filter.UserID
	isReceiver := msg.ReceiverID == filter.UserID
	switch filter.Direction {
	case "sent":
		if !isSender {
			return false
		}
	case "received":
		if !isReceiver {
			return false
		}
	default:
		if !isSender && !isReceiver {
			return false
		}
	}

	if filter.Status != "" && msg.Status != filter.Status {
		return false
	}
	if filter.Kind != "" && msg.Kind != filter.Kind {
		return false
	}
	if filter.StartDate != nil && msg.CreatedAt.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && msg.CreatedAt.After(*filter.EndDate) {
		return false
	}
	return true
}

func (s *Store) Stats(ctx context.Context, filter repository.StatsFilter) (*repository.MessageStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &repository.MessageStats{}
	for _, msg := range s.messages {
		if filter.SenderID != nil && (msg.SenderID == nil || *msg.SenderID != *filter.SenderID) {
			continue
		}
		if filter.StartDate != nil && msg.CreatedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && msg.CreatedAt.After(*filter.EndDate) {
			continue
		}

		stats.Total++
		switch msg.Status {
		case model.MessageStatusSent:
			stats.Sent++
		case model.MessageStatusPending, model.MessageStatusDispatching:
			stats.Pending++
		case model.MessageStatusFailed:
			stats.Failed++
		case model.MessageStatusRecalled:
			stats.Recalled++
		}
	}

	stats.SuccessRate = repository.SuccessRate(stats.Sent, stats.Total)
	return stats, nil
}

func (s *Store) GetRetryable(ctx context.Context, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Message
	for _, msg := range s.messages {
		if !msg.Retryable() {
			continue
		}
		clone := *msg
		out = append(out, &clone)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountRetryable(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, msg := range s.messages {
		if msg.Retryable() {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetStuckDispatching(ctx context.Context, before time.Time, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Message
	for _, msg := range s.messages {
		if msg.Status != model.MessageStatusDispatching || !msg.UpdatedAt.Before(before) {
			continue
		}
		clone := *msg
		out = append(out, &clone)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CleanExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for msgNo, msg := range s.messages {
		if !msg.CreatedAt.Before(before) {
			continue
		}
		terminal := msg.Status == model.MessageStatusSent ||
			msg.Status == model.MessageStatusRecalled ||
			(msg.Status == model.MessageStatusFailed && (msg.Permanent || msg.RetryCount >= msg.MaxRetry))
		if terminal {
			delete(s.messages, msgNo)
			deleted++
		}
	}
	return deleted, nil
}

// Put 直接放入一条消息（测试用，绕过状态机）
func (s *Store) Put(msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == 0 {
		s.nextID++
		msg.ID = s.nextID
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}
	clone := *msg
	s.messages[msg.MsgNo] = &clone
}

var _ repository.MessageRepository = (*Store)(nil)

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"messagecenter/internal/infrastructure/mq"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
	"messagecenter/internal/repository/memory"
)

// fakePublisher 记录发布的事件
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	event      string
	msgNo      string
	operatorID *int64
}

func (p *fakePublisher) PublishMessageEvent(event string, msg *model.Message, operatorID *int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{event: event, msgNo: msg.MsgNo, operatorID: operatorID})
}

func (p *fakePublisher) last() (publishedEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return publishedEvent{}, false
	}
	return p.events[len(p.events)-1], true
}

func putSentMessage(store *memory.Store, msgNo string, senderID int64, sentAgo time.Duration) {
	sentAt := time.Now().Add(-sentAgo)
	store.Put(&model.Message{
		MsgNo:      msgNo,
		SenderID:   &senderID,
		ReceiverID: 2,
		Kind:       model.MessageKindText,
		Payload:    `{"text":"hi"}`,
		Status:     model.MessageStatusSent,
		SentAt:     &sentAt,
	})
}

func TestRecall(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	pub := &fakePublisher{}
	svc := NewRecallService(store, testConfig(), pub)
	ctx := context.Background()

	putSentMessage(store, "MSG-R1", 1, time.Minute)

	msg, err := svc.Recall(ctx, "MSG-R1", 1)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if msg.Status != model.MessageStatusRecalled {
		t.Fatalf("status = %s, want recalled", msg.Status)
	}
	if msg.RecalledAt == nil {
		t.Fatalf("recalled_at not set")
	}

	ev, ok := pub.last()
	if !ok || ev.event != mq.EventMessageRecalled || ev.msgNo != "MSG-R1" {
		t.Fatalf("published event = %+v", ev)
	}
	if ev.operatorID == nil || *ev.operatorID != 1 {
		t.Fatalf("operator = %v, want 1", ev.operatorID)
	}
}

func TestRecall_DoubleRecall(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	svc := NewRecallService(store, testConfig(), nil)
	ctx := context.Background()

	putSentMessage(store, "MSG-R2", 1, time.Minute)

	if _, err := svc.Recall(ctx, "MSG-R2", 1); err != nil {
		t.Fatalf("first recall: %v", err)
	}
	// 第二次撤回无论走预检查还是条件更新，都报冲突
	if _, err := svc.Recall(ctx, "MSG-R2", 1); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second recall = %v, want ErrConflict", err)
	}
	if _, err := svc.Recall(ctx, "MSG-R2", 1); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("third recall = %v, want ErrConflict", err)
	}
}

func TestRecall_Forbidden(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	svc := NewRecallService(store, testConfig(), nil)

	putSentMessage(store, "MSG-R3", 1, time.Minute)

	if _, err := svc.Recall(context.Background(), "MSG-R3", 999); !errors.Is(err, ErrForbidden) {
		t.Fatalf("recall by stranger = %v, want ErrForbidden", err)
	}
}

func TestRecall_WindowExpired(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	svc := NewRecallService(store, testConfig(), nil)

	// 窗口 120 秒，3 分钟前发送的消息不可撤回
	putSentMessage(store, "MSG-R4", 1, 3*time.Minute)

	if _, err := svc.Recall(context.Background(), "MSG-R4", 1); !errors.Is(err, ErrNotRecallable) {
		t.Fatalf("recall after window = %v, want ErrNotRecallable", err)
	}
}

func TestRecall_NotSent(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	svc := NewRecallService(store, testConfig(), nil)

	senderID := int64(1)
	store.Put(&model.Message{
		MsgNo:      "MSG-R5",
		SenderID:   &senderID,
		ReceiverID: 2,
		Kind:       model.MessageKindText,
		Payload:    `{"text":"hi"}`,
		Status:     model.MessageStatusPending,
	})

	if _, err := svc.Recall(context.Background(), "MSG-R5", 1); !errors.Is(err, ErrNotRecallable) {
		t.Fatalf("recall pending = %v, want ErrNotRecallable", err)
	}
}

func TestRecall_NotFound(t *testing.T) {
	t.Parallel()

	svc := NewRecallService(memory.NewStore(), testConfig(), nil)

	if _, err := svc.Recall(context.Background(), "MSG-NONE", 1); !errors.Is(err, repository.ErrMessageNotFound) {
		t.Fatalf("recall missing = %v, want ErrMessageNotFound", err)
	}
}

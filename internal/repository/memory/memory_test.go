package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"messagecenter/internal/model"
	"messagecenter/internal/repository"
)

func newMessage(msgNo string, status string) *model.Message {
	senderID := int64(1)
	return &model.Message{
		MsgNo:      msgNo,
		SenderID:   &senderID,
		ReceiverID: 2,
		Kind:       model.MessageKindText,
		Payload:    `{"content":"hello"}`,
		Status:     status,
		MaxRetry:   3,
		Priority:   model.PriorityNormal,
	}
}

func TestPut_DefaultsTimestamps(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	store.Put(newMessage("MSG-TS0", model.MessageStatusSent))

	msg, err := store.GetByMsgNo(ctx, "MSG-TS0")
	if err != nil {
		t.Fatalf("GetByMsgNo: %v", err)
	}
	if msg.CreatedAt.IsZero() || msg.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not defaulted: created=%v updated=%v", msg.CreatedAt, msg.UpdatedAt)
	}

	// 刚放入的终态消息不会被当作过期数据清理
	deleted, err := store.CleanExpired(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CleanExpired: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}

	// 显式给定的时间戳不被覆盖
	old := time.Now().Add(-48 * time.Hour)
	explicit := newMessage("MSG-TS1", model.MessageStatusSent)
	explicit.CreatedAt = old
	store.Put(explicit)

	msg, _ = store.GetByMsgNo(ctx, "MSG-TS1")
	if !msg.CreatedAt.Equal(old) {
		t.Fatalf("created_at = %v, want %v", msg.CreatedAt, old)
	}
}

func TestClaimNextPending_AtMostOnce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	msg := newMessage("MSG001", model.MessageStatusPending)
	if err := store.Create(ctx, msg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 多个 worker 并发抢占同一条 pending 消息，只能有一个抢到
	const workers = 20
	var wg sync.WaitGroup
	claimed := make(chan *model.Message, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.ClaimNextPending(ctx)
			if err != nil {
				t.Errorf("ClaimNextPending: %v", err)
				return
			}
			if got != nil {
				claimed <- got
			}
		}()
	}
	wg.Wait()
	close(claimed)

	var winners int
	for range claimed {
		winners++
	}
	if winners != 1 {
		t.Fatalf("claimed %d times, want exactly 1", winners)
	}

	after, err := store.GetByMsgNo(ctx, "MSG001")
	if err != nil {
		t.Fatalf("GetByMsgNo: %v", err)
	}
	if after.Status != model.MessageStatusDispatching {
		t.Fatalf("status = %s, want dispatching", after.Status)
	}
}

func TestClaimNextPending_PriorityOrder(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Now()

	low := newMessage("MSG-LOW", model.MessageStatusPending)
	low.Priority = model.PriorityLow
	low.CreatedAt = base.Add(-3 * time.Minute)
	store.Put(low)

	normalOld := newMessage("MSG-NORMAL-OLD", model.MessageStatusPending)
	normalOld.CreatedAt = base.Add(-2 * time.Minute)
	store.Put(normalOld)

	normalNew := newMessage("MSG-NORMAL-NEW", model.MessageStatusPending)
	normalNew.CreatedAt = base.Add(-1 * time.Minute)
	store.Put(normalNew)

	high := newMessage("MSG-HIGH", model.MessageStatusPending)
	high.Priority = model.PriorityHigh
	high.CreatedAt = base
	store.Put(high)

	wantOrder := []string{"MSG-HIGH", "MSG-NORMAL-OLD", "MSG-NORMAL-NEW", "MSG-LOW"}
	for i, want := range wantOrder {
		got, err := store.ClaimNextPending(ctx)
		if err != nil {
			t.Fatalf("ClaimNextPending #%d: %v", i, err)
		}
		if got == nil || got.MsgNo != want {
			t.Fatalf("claim #%d = %+v, want msg_no %s", i, got, want)
		}
	}

	got, err := store.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("ClaimNextPending on empty queue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil when no pending messages, got %s", got.MsgNo)
	}
}

func TestStatusCAS(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	msg := newMessage("MSG002", model.MessageStatusPending)
	store.Put(msg)

	// pending 状态下 MarkSent 必须失败
	if err := store.MarkSent(ctx, "MSG002", "wx-123"); err != repository.ErrConflict {
		t.Fatalf("MarkSent on pending = %v, want ErrConflict", err)
	}

	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}
	if err := store.MarkSent(ctx, "MSG002", "wx-123"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	// 重复 MarkSent 冲突
	if err := store.MarkSent(ctx, "MSG002", "wx-456"); err != repository.ErrConflict {
		t.Fatalf("double MarkSent = %v, want ErrConflict", err)
	}

	after, _ := store.GetByMsgNo(ctx, "MSG002")
	if after.ExternalID == nil || *after.ExternalID != "wx-123" {
		t.Fatalf("external_id = %v, want wx-123", after.ExternalID)
	}
	if after.SentAt == nil {
		t.Fatalf("sent_at not set")
	}
}

func TestMarkFailedAndRequeue(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	msg := newMessage("MSG003", model.MessageStatusDispatching)
	store.Put(msg)

	if err := store.MarkFailed(ctx, "MSG003", "网络错误", false); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	after, _ := store.GetByMsgNo(ctx, "MSG003")
	if after.Status != model.MessageStatusFailed {
		t.Fatalf("status = %s, want failed", after.Status)
	}
	if after.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", after.RetryCount)
	}
	if after.LastError == nil || *after.LastError != "网络错误" {
		t.Fatalf("last_error = %v", after.LastError)
	}

	if err := store.Requeue(ctx, "MSG003"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	after, _ = store.GetByMsgNo(ctx, "MSG003")
	if after.Status != model.MessageStatusPending {
		t.Fatalf("status after requeue = %s, want pending", after.Status)
	}
	// 自动重入队保留重试计数
	if after.RetryCount != 1 {
		t.Fatalf("retry_count after requeue = %d, want 1", after.RetryCount)
	}

	// pending 状态不能再次 Requeue
	if err := store.Requeue(ctx, "MSG003"); err != repository.ErrConflict {
		t.Fatalf("Requeue on pending = %v, want ErrConflict", err)
	}
}

func TestRequeueManual_ResetsRetryState(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	msg := newMessage("MSG004", model.MessageStatusFailed)
	msg.RetryCount = 3
	msg.Permanent = true
	reason := "用户未订阅"
	msg.LastError = &reason
	store.Put(msg)

	if err := store.RequeueManual(ctx, "MSG004"); err != nil {
		t.Fatalf("RequeueManual: %v", err)
	}

	after, _ := store.GetByMsgNo(ctx, "MSG004")
	if after.Status != model.MessageStatusPending {
		t.Fatalf("status = %s, want pending", after.Status)
	}
	if after.RetryCount != 0 || after.Permanent || after.LastError != nil {
		t.Fatalf("retry state not reset: count=%d permanent=%v lastErr=%v",
			after.RetryCount, after.Permanent, after.LastError)
	}
}

func TestRecallSent(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	const window = 2 * time.Minute

	sentAt := time.Now().Add(-time.Minute)
	msg := newMessage("MSG005", model.MessageStatusSent)
	msg.SentAt = &sentAt
	store.Put(msg)

	// 非发送者撤回失败
	if err := store.RecallSent(ctx, "MSG005", 999, window); err != repository.ErrConflict {
		t.Fatalf("recall by non-sender = %v, want ErrConflict", err)
	}

	if err := store.RecallSent(ctx, "MSG005", 1, window); err != nil {
		t.Fatalf("RecallSent: %v", err)
	}

	after, _ := store.GetByMsgNo(ctx, "MSG005")
	if after.Status != model.MessageStatusRecalled {
		t.Fatalf("status = %s, want recalled", after.Status)
	}
	if after.RecalledAt == nil {
		t.Fatalf("recalled_at not set")
	}

	// 重复撤回冲突
	if err := store.RecallSent(ctx, "MSG005", 1, window); err != repository.ErrConflict {
		t.Fatalf("double recall = %v, want ErrConflict", err)
	}
}

func TestRecallSent_WindowExpired(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	sentAt := time.Now().Add(-3 * time.Minute)
	msg := newMessage("MSG006", model.MessageStatusSent)
	msg.SentAt = &sentAt
	store.Put(msg)

	if err := store.RecallSent(ctx, "MSG006", 1, 2*time.Minute); err != repository.ErrConflict {
		t.Fatalf("recall after window = %v, want ErrConflict", err)
	}
}

func TestListFilterAndPaging(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		msg := newMessage(fmt.Sprintf("MSG-L%d", i), model.MessageStatusSent)
		msg.CreatedAt = base.Add(time.Duration(i) * time.Second)
		store.Put(msg)
	}
	// 其他用户的消息不应出现
	other := newMessage("MSG-OTHER", model.MessageStatusSent)
	otherSender := int64(77)
	other.SenderID = &otherSender
	other.ReceiverID = 88
	store.Put(other)

	msgs, total, err := store.List(ctx, repository.ListFilter{
		UserID: 1, Direction: "sent", Page: 1, Limit: 3,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	if len(msgs) != 3 {
		t.Fatalf("page size = %d, want 3", len(msgs))
	}
	// 最新创建的排在前面
	if msgs[0].MsgNo != "MSG-L4" {
		t.Fatalf("first = %s, want MSG-L4", msgs[0].MsgNo)
	}

	msgs, _, err = store.List(ctx, repository.ListFilter{
		UserID: 1, Direction: "sent", Page: 2, Limit: 3,
	})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("page 2 size = %d, want 2", len(msgs))
	}

	// 按接收方向过滤
	msgs, total, err = store.List(ctx, repository.ListFilter{
		UserID: 88, Direction: "received", Page: 1, Limit: 10,
	})
	if err != nil {
		t.Fatalf("List received: %v", err)
	}
	if total != 1 || msgs[0].MsgNo != "MSG-OTHER" {
		t.Fatalf("received list = %d/%v", total, msgs)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	put := func(msgNo, status string) {
		store.Put(newMessage(msgNo, status))
	}
	for i := 0; i < 6; i++ {
		put(fmt.Sprintf("MSG-S%d", i), model.MessageStatusSent)
	}
	put("MSG-P0", model.MessageStatusPending)
	put("MSG-P1", model.MessageStatusDispatching) // 统计口径算 pending
	put("MSG-F0", model.MessageStatusFailed)
	put("MSG-R0", model.MessageStatusRecalled)

	senderID := int64(1)
	stats, err := store.Stats(ctx, repository.StatsFilter{SenderID: &senderID})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.Total != 10 || stats.Sent != 6 || stats.Pending != 2 || stats.Failed != 1 || stats.Recalled != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SuccessRate != 60.0 {
		t.Fatalf("success_rate = %v, want 60.0", stats.SuccessRate)
	}
}

func TestGetRetryableAndCount(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	eligible := newMessage("MSG-RT0", model.MessageStatusFailed)
	eligible.RetryCount = 1
	store.Put(eligible)

	exhausted := newMessage("MSG-RT1", model.MessageStatusFailed)
	exhausted.RetryCount = 3
	store.Put(exhausted)

	permanent := newMessage("MSG-RT2", model.MessageStatusFailed)
	permanent.Permanent = true
	store.Put(permanent)

	store.Put(newMessage("MSG-RT3", model.MessageStatusSent))

	msgs, err := store.GetRetryable(ctx, 10)
	if err != nil {
		t.Fatalf("GetRetryable: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MsgNo != "MSG-RT0" {
		t.Fatalf("retryable = %v", msgs)
	}

	count, err := store.CountRetryable(ctx)
	if err != nil {
		t.Fatalf("CountRetryable: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestGetStuckDispatching(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	now := time.Now()

	stuck := newMessage("MSG-ST0", model.MessageStatusDispatching)
	stuck.UpdatedAt = now.Add(-time.Minute)
	store.Put(stuck)

	fresh := newMessage("MSG-ST1", model.MessageStatusDispatching)
	fresh.UpdatedAt = now
	store.Put(fresh)

	msgs, err := store.GetStuckDispatching(ctx, now.Add(-30*time.Second), 10)
	if err != nil {
		t.Fatalf("GetStuckDispatching: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MsgNo != "MSG-ST0" {
		t.Fatalf("stuck = %v", msgs)
	}
}

func TestCleanExpired(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	oldSent := newMessage("MSG-C0", model.MessageStatusSent)
	oldSent.CreatedAt = old
	store.Put(oldSent)

	oldRecalled := newMessage("MSG-C1", model.MessageStatusRecalled)
	oldRecalled.CreatedAt = old
	store.Put(oldRecalled)

	// 还有重试资格的失败消息不能清理
	oldFailedRetryable := newMessage("MSG-C2", model.MessageStatusFailed)
	oldFailedRetryable.RetryCount = 1
	oldFailedRetryable.CreatedAt = old
	store.Put(oldFailedRetryable)

	oldFailedExhausted := newMessage("MSG-C3", model.MessageStatusFailed)
	oldFailedExhausted.RetryCount = 3
	oldFailedExhausted.CreatedAt = old
	store.Put(oldFailedExhausted)

	oldPending := newMessage("MSG-C4", model.MessageStatusPending)
	oldPending.CreatedAt = old
	store.Put(oldPending)

	recentSent := newMessage("MSG-C5", model.MessageStatusSent)
	store.Put(recentSent)

	deleted, err := store.CleanExpired(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("CleanExpired: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}

	for _, msgNo := range []string{"MSG-C2", "MSG-C4", "MSG-C5"} {
		if _, err := store.GetByMsgNo(ctx, msgNo); err != nil {
			t.Fatalf("message %s unexpectedly removed", msgNo)
		}
	}
	for _, msgNo := range []string{"MSG-C0", "MSG-C1", "MSG-C3"} {
		if _, err := store.GetByMsgNo(ctx, msgNo); err != repository.ErrMessageNotFound {
			t.Fatalf("message %s not removed", msgNo)
		}
	}
}

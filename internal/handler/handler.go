package handler

import (
	"errors"
	"strconv"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/infrastructure/cache"
	"messagecenter/internal/infrastructure/mq"
	"messagecenter/internal/model"
	"messagecenter/internal/repository"
	"messagecenter/internal/service"
	"messagecenter/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	messageService *service.MessageService
	recallService  *service.RecallService
	retryService   *service.RetryService
	statsService   *service.StatsService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, publisher mq.EventPublisher) *Handler {
	repo := repository.NewGormMessageRepo(db)
	subCache := cache.NewSubscriptionCache(rdb)

	return &Handler{
		messageService: service.NewMessageService(repo, cfg),
		recallService:  service.NewRecallService(repo, cfg, publisher),
		retryService:   service.NewRetryService(repo, cfg, rdb, subCache, publisher),
		statsService:   service.NewStatsService(repo),
	}
}

// ============================================================
// 发送相关接口
// ============================================================

// SendRequest 发送消息请求
type SendRequest struct {
	ReceiverID int64  `json:"receiver_id" binding:"required"`
	Kind       string `json:"kind" binding:"required"`
	Payload    string `json:"payload" binding:"required"`
	Priority   int    `json:"priority"`
}

// Send 发送消息
// POST /api/v1/messages/send
//
// 同步只做校验和落库，立即返回 pending；投递结果通过查询接口观察。
func (h *Handler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	senderID := requesterID(c)
	msg, err := h.messageService.Send(c.Request.Context(), &service.SendRequest{
		SenderID:   &senderID,
		ReceiverID: req.ReceiverID,
		Kind:       req.Kind,
		Payload:    req.Payload,
		Priority:   req.Priority,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"msg_no": msg.MsgNo,
		"status": msg.Status,
	})
}

// BatchSendRequest 批量发送请求
type BatchSendRequest struct {
	Items []service.BatchItem `json:"items" binding:"required"`
}

// BatchSend 批量发送
// POST /api/v1/messages/batch
func (h *Handler) BatchSend(c *gin.Context) {
	var req BatchSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.messageService.BatchSend(c.Request.Context(), requesterID(c), req.Items)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 查询相关接口
// ============================================================

// List 查询消息列表
// GET /api/v1/messages?status=&kind=&direction=&start_date=&end_date=&page=&limit=
func (h *Handler) List(c *gin.Context) {
	filter := repository.ListFilter{
		UserID:    requesterID(c),
		Direction: c.DefaultQuery("direction", "all"),
		Status:    c.Query("status"),
		Kind:      c.Query("kind"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))

	var err error
	if filter.StartDate, filter.EndDate, err = parseDateRange(c); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	messages, total, err := h.messageService.List(c.Request.Context(), filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	items := make([]gin.H, 0, len(messages))
	for _, msg := range messages {
		items = append(items, h.detailView(msg, filter.UserID))
	}

	response.Success(c, gin.H{
		"messages": items,
		"pagination": gin.H{
			"total": total,
			"page":  filter.Page,
			"limit": filter.Limit,
		},
	})
}

// Detail 查询消息详情
// GET /api/v1/messages/:msg_no
func (h *Handler) Detail(c *gin.Context) {
	msgNo := c.Param("msg_no")
	userID := requesterID(c)

	msg, err := h.messageService.Detail(c.Request.Context(), msgNo, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, h.detailView(msg, userID))
}

// detailView 消息详情视图，附带计算字段
func (h *Handler) detailView(msg *model.Message, userID int64) gin.H {
	return gin.H{
		"msg_no":      msg.MsgNo,
		"sender_id":   msg.SenderID,
		"receiver_id": msg.ReceiverID,
		"kind":        msg.Kind,
		"payload":     msg.Payload,
		"status":      msg.Status,
		"external_id": msg.ExternalID,
		"retry_count": msg.RetryCount,
		"max_retry":   msg.MaxRetry,
		"last_error":  msg.LastError,
		"permanent":   msg.Permanent,
		"priority":    msg.Priority,
		"sent_at":     msg.SentAt,
		"recalled_at": msg.RecalledAt,
		"created_at":  msg.CreatedAt,
		"can_recall":  h.messageService.CanRecall(msg, userID),
	}
}

// ============================================================
// 撤回与重试接口
// ============================================================

// Recall 撤回消息
// POST /api/v1/messages/:msg_no/recall
func (h *Handler) Recall(c *gin.Context) {
	msg, err := h.recallService.Recall(c.Request.Context(), c.Param("msg_no"), requesterID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"msg_no": msg.MsgNo,
		"status": msg.Status,
	})
}

// Retry 手动重试
// POST /api/v1/messages/:msg_no/retry
func (h *Handler) Retry(c *gin.Context) {
	msg, err := h.retryService.ManualRetry(c.Request.Context(), c.Param("msg_no"), requesterID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"msg_no":      msg.MsgNo,
		"status":      msg.Status,
		"retry_count": msg.RetryCount,
	})
}

// ============================================================
// 统计与管理接口
// ============================================================

// Stats 查询投递统计（用户视角）
// GET /api/v1/messages/stats?start_date=&end_date=
func (h *Handler) Stats(c *gin.Context) {
	senderID := requesterID(c)
	filter := repository.StatsFilter{SenderID: &senderID}

	var err error
	if filter.StartDate, filter.EndDate, err = parseDateRange(c); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	stats, err := h.statsService.Stats(c.Request.Context(), filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}

// SystemStats 系统级统计（管理端）
// GET /api/v1/admin/messages/stats?start_date=&end_date=
func (h *Handler) SystemStats(c *gin.Context) {
	filter := repository.StatsFilter{}

	var err error
	if filter.StartDate, filter.EndDate, err = parseDateRange(c); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	stats, err := h.statsService.System(c.Request.Context(), filter)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}

// CleanRequest 清理过期消息请求
type CleanRequest struct {
	RetentionDays int `json:"retention_days"`
}

// Clean 清理过期消息（管理端）
// POST /api/v1/admin/messages/clean
func (h *Handler) Clean(c *gin.Context) {
	req := CleanRequest{RetentionDays: 30}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	deleted, err := h.statsService.CleanExpired(c.Request.Context(), req.RetentionDays)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"deleted_count":  deleted,
		"retention_days": req.RetentionDays,
	})
}

// ============================================================
// 辅助函数
// ============================================================

// writeError 业务错误到响应码的统一映射
//
// 校验失败是参数错误，存储等基础设施故障走服务端错误，不混为一谈。
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, repository.ErrMessageNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, repository.ErrConflict):
		response.Error(c, response.CodeConflict, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrNotRecallable):
		response.Error(c, response.CodeNotRecallable, err.Error())
	case errors.Is(err, service.ErrNotRetryable):
		response.Error(c, response.CodeNotRetryable, err.Error())
	case errors.Is(err, service.ErrRateLimited):
		response.Error(c, response.CodeRateLimited, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// parseDateRange 解析 start_date / end_date 查询参数（格式：2006-01-02）
func parseDateRange(c *gin.Context) (*time.Time, *time.Time, error) {
	var startDate, endDate *time.Time

	if s := c.Query("start_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, nil, errors.New("start_date 格式错误，应为 YYYY-MM-DD")
		}
		startDate = &t
	}
	if s := c.Query("end_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, nil, errors.New("end_date 格式错误，应为 YYYY-MM-DD")
		}
		// 含当天
		t = t.Add(24*time.Hour - time.Second)
		endDate = &t
	}

	if startDate != nil && endDate != nil && endDate.Before(*startDate) {
		return nil, nil, errors.New("end_date 不能早于 start_date")
	}

	return startDate, endDate, nil
}

package handler

import (
	"messagecenter/internal/config"
	"messagecenter/internal/infrastructure/mq"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, publisher mq.EventPublisher) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, publisher)

	// API 路由组
	api := r.Group("/api/v1")
	api.Use(RequesterMiddleware())
	{
		// 消息相关
		messages := api.Group("/messages")
		{
			messages.POST("/send", h.Send)
			messages.POST("/batch", h.BatchSend)
			messages.GET("", h.List)
			messages.GET("/stats", h.Stats)
			messages.GET("/:msg_no", h.Detail)
			messages.POST("/:msg_no/recall", h.Recall)
			messages.POST("/:msg_no/retry", h.Retry)
		}

		// 管理相关（管理端限流由外部网关负责）
		admin := api.Group("/admin/messages")
		{
			admin.GET("/stats", h.SystemStats)
			admin.POST("/clean", h.Clean)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

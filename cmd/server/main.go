package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messagecenter/internal/config"
	"messagecenter/internal/dispatcher"
	"messagecenter/internal/gateway"
	"messagecenter/internal/handler"
	"messagecenter/internal/infrastructure/cache"
	"messagecenter/internal/infrastructure/database"
	"messagecenter/internal/infrastructure/mq"
	"messagecenter/internal/job"
	"messagecenter/internal/repository"
	"messagecenter/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	publisher := mq.NewKafkaEventPublisher(&cfg.Kafka)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := repository.NewGormMessageRepo(db)
	subCache := cache.NewSubscriptionCache(redisClient)
	gatewayClient := gateway.NewWeChatClient(&cfg.Gateway)

	// 启动投递器 worker 池
	disp := dispatcher.New(repo, gatewayClient, subCache, publisher, cfg)
	disp.Start(ctx)

	// 启动后台任务
	retryScheduler := job.NewRetryScheduler(repo, cfg)
	go retryScheduler.Start(ctx)

	watchdog := job.NewDispatchWatchdog(repo, cfg)
	go watchdog.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, cfg, publisher)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务，并等待投递 worker 退出
	cancel()
	disp.Stop()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}

package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"messagecenter/internal/repository"
)

// StatsService 投递统计与运维查询
type StatsService struct {
	repo repository.MessageRepository
}

func NewStatsService(repo repository.MessageRepository) *StatsService {
	return &StatsService{repo: repo}
}

// Stats 按条件聚合投递统计（用户视角，限定 senderID）
func (s *StatsService) Stats(ctx context.Context, filter repository.StatsFilter) (*repository.MessageStats, error) {
	return s.repo.Stats(ctx, filter)
}

// SystemStats 系统级统计（管理端），附带待重试数量
type SystemStats struct {
	repository.MessageStats
	RetryableCount int64 `json:"retryable_count"`
}

func (s *StatsService) System(ctx context.Context, filter repository.StatsFilter) (*SystemStats, error) {
	stats, err := s.repo.Stats(ctx, filter)
	if err != nil {
		return nil, err
	}

	retryable, err := s.repo.CountRetryable(ctx)
	if err != nil {
		return nil, err
	}

	return &SystemStats{
		MessageStats:   *stats,
		RetryableCount: retryable,
	}, nil
}

// CleanExpired 清理保留期外的终态消息（管理端）
func (s *StatsService) CleanExpired(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 || retentionDays > 365 {
		return 0, fmt.Errorf("%w: 保留天数必须在1-365之间", ErrInvalidRequest)
	}

	before := time.Now().AddDate(0, 0, -retentionDays)
	deleted, err := s.repo.CleanExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("清理过期消息失败: %w", err)
	}

	log.Printf("[Stats] 清理过期消息: retentionDays=%d, deleted=%d", retentionDays, deleted)
	return deleted, nil
}

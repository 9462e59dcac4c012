package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"vod-transcoder/app/config"
	"vod-transcoder/app/logger"

	"github.com/robfig/cron/v3"
)

// CleanupService 按 cron 表达式定期删除过期的终态任务
type CleanupService struct {
	store *TaskStore
	cfg   config.CleanupConfig
	log   *logger.Logger
	now   func() time.Time

	cron    *cron.Cron
	running bool
	mu      sync.Mutex
}

// NewCleanupService 创建清理服务，表达式非法时返回错误
func NewCleanupService(store *TaskStore, cfg config.CleanupConfig, log *logger.Logger) (*CleanupService, error) {
	if cfg.CompletedDays <= 0 {
		cfg.CompletedDays = 7
	}
	if cfg.FailedDays <= 0 {
		cfg.FailedDays = 30
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}

	s := &CleanupService{
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		cron:  cron.New(),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			s.log.Errorf("定时清理失败: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("无效的清理计划 %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start 启动时先执行一次清理，然后按计划运行
func (s *CleanupService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	if _, err := s.RunNow(context.Background()); err != nil {
		s.log.Errorf("启动清理失败: %v", err)
	}
	s.cron.Start()
	s.log.Infof("任务清理服务已启动，计划: %s", s.cfg.Schedule)
}

// Stop 停止调度并等待正在执行的清理结束
func (s *CleanupService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	<-s.cron.Stop().Done()
	s.log.Info("任务清理服务已停止")
}

// RunNow 立即执行一次清理，返回删除的任务数
func (s *CleanupService) RunNow(ctx context.Context) (int64, error) {
	now := s.now()
	removed, err := s.store.CleanupOldTasks(ctx,
		now.AddDate(0, 0, -s.cfg.CompletedDays),
		now.AddDate(0, 0, -s.cfg.FailedDays))
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.log.Infof("清理了 %d 个过期任务（已完成超过%d天，失败超过%d天）", removed, s.cfg.CompletedDays, s.cfg.FailedDays)
	}
	return removed, nil
}

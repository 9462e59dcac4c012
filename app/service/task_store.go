package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"vod-transcoder/app/logger"
	"vod-transcoder/app/model"
	"vod-transcoder/app/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("任务不存在")
	// ErrTaskNotClaimable 任务已被领取或已结束，不能再调度/取消
	ErrTaskNotClaimable = errors.New("任务已被领取或已结束")
	// ErrTaskNotClaimed 进入执行状态前任务必须已被领取
	ErrTaskNotClaimed = errors.New("任务未被领取")
)

var (
	activeStatuses     = []model.TaskStatus{model.TaskStatusProcessing, model.TaskStatusUploading}
	terminalStatuses   = []model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed}
	readyStatuses      = []model.TaskStatus{model.TaskStatusPending, model.TaskStatusQueued}
	unclaimedStatuses  = []model.TaskStatus{model.TaskStatusPending, model.TaskStatusQueued, model.TaskStatusScheduled}
	claimOrder         = "priority DESC, sort_order ASC, id ASC"
	scheduledDueClause = "((status IN ?) OR (status = ? AND (scheduled_at IS NULL OR scheduled_at <= ?)))"
)

// TaskOption 新建任务时的可选参数
type TaskOption func(*model.Task)

// WithRestricted 使用受限内容的远端目录
func WithRestricted() TaskOption {
	return func(t *model.Task) {
		t.Restricted = true
	}
}

// WithScheduleAt 指定最早可执行时间，时间在未来时任务以 SCHEDULED 创建
func WithScheduleAt(when time.Time) TaskOption {
	return func(t *model.Task) {
		w := when.UTC()
		t.ScheduledAt = &w
	}
}

// QueueStats 队列统计
type QueueStats struct {
	ByStatus map[model.TaskStatus]int64 `json:"by_status"`
	Total    int64                      `json:"total"`
	Active   int64                      `json:"active"`
	Waiting  int64                      `json:"waiting"`
	History  int64                      `json:"history"`
}

// QueueItem 带预计完成时间的队列项
type QueueItem struct {
	Position int        `json:"position"`
	Task     model.Task `json:"task"`
	ETA      float64    `json:"eta"` // 秒
}

// HistoryStats 发布记录统计
type HistoryStats struct {
	Total         int64                    `json:"total"`
	ByType        map[model.TaskType]int64 `json:"by_type"`
	TotalDuration float64                  `json:"total_duration"`
}

// TaskStore 持久化任务表，系统中唯一的共享可变状态
type TaskStore struct {
	db      *gorm.DB
	log     *logger.Logger
	claimMu sync.Mutex
	now     func() time.Time
}

// NewTaskStore 创建任务存储
func NewTaskStore(db *gorm.DB, log *logger.Logger) *TaskStore {
	return &TaskStore{
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AddTask 添加任务。同一 filepath 已有未结束任务时直接返回其ID。
func (s *TaskStore) AddTask(ctx context.Context, filename, filePath string, taskType model.TaskType, priority int, opts ...TaskOption) (uint, error) {
	var id uint
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Task
		err := tx.Where("filepath = ? AND status NOT IN ?", filePath, terminalStatuses).
			Order("id ASC").First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var maxOrder int
		if err := tx.Model(&model.Task{}).Select("COALESCE(MAX(sort_order), 0)").Scan(&maxOrder).Error; err != nil {
			return err
		}

		task := &model.Task{
			Filename:  filename,
			Filepath:  filePath,
			Title:     utils.TitleFromFilename(filename),
			TaskType:  taskType,
			Status:    model.TaskStatusPending,
			Priority:  priority,
			SortOrder: maxOrder + 1,
		}
		for _, opt := range opts {
			opt(task)
		}
		if task.ScheduledAt != nil && task.ScheduledAt.After(s.now()) {
			task.Status = model.TaskStatusScheduled
		}

		if err := tx.Create(task).Error; err != nil {
			return err
		}
		id = task.ID
		created = true
		return nil
	})
	if err != nil {
		s.log.Errorf("添加任务失败: %s, 错误: %v", filePath, err)
		return 0, err
	}

	if created {
		s.log.Infof("任务已添加到队列: TaskID=%d, 文件=%s, 类型=%s, 优先级=%d", id, filename, taskType, priority)
	} else {
		s.log.Infof("任务已存在，跳过添加: TaskID=%d, 文件=%s", id, filePath)
	}
	return id, nil
}

// eligible 可领取任务的查询，按领取顺序排序
func (s *TaskStore) eligible(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Model(&model.Task{}).
		Where("worker_id IS NULL").
		Where(scheduledDueClause, readyStatuses, model.TaskStatusScheduled, now).
		Order(claimOrder)
}

// claim 以比较并交换的方式领取单个任务，返回是否领取成功
func (s *TaskStore) claim(tx *gorm.DB, task *model.Task, workerID string, now time.Time) (bool, error) {
	res := tx.Model(&model.Task{}).
		Where("id = ? AND worker_id IS NULL AND status IN ?", task.ID, unclaimedStatuses).
		Updates(map[string]any{
			"status":     model.TaskStatusProcessing,
			"worker_id":  workerID,
			"started_at": now,
			"progress":   0,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	wid := workerID
	task.Status = model.TaskStatusProcessing
	task.WorkerID = &wid
	task.StartedAt = &now
	task.Progress = 0
	return true, nil
}

// GetPendingTask 为指定 worker 领取一个任务，没有可领取任务时返回 nil
func (s *TaskStore) GetPendingTask(ctx context.Context, workerID string) (*model.Task, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := s.now()
	var claimed *model.Task

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Task
		// 多取几条，前面的若被并发领取可以继续尝试
		if err := s.eligible(tx, now).Limit(8).Find(&candidates).Error; err != nil {
			return err
		}
		for i := range candidates {
			ok, err := s.claim(tx, &candidates[i], workerID, now)
			if err != nil {
				return err
			}
			if ok {
				claimed = &candidates[i]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("领取任务失败: %w", err)
	}
	return claimed, nil
}

// GetPendingTasks 领取至多 limit 个任务，每个任务分配独立的 worker_id
func (s *TaskStore) GetPendingTasks(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := s.now()
	claimed := make([]model.Task, 0, limit)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []model.Task
		if err := s.eligible(tx, now).Limit(limit).Find(&candidates).Error; err != nil {
			return err
		}
		for i := range candidates {
			ok, err := s.claim(tx, &candidates[i], uuid.NewString(), now)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, candidates[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("批量领取任务失败: %w", err)
	}
	return claimed, nil
}

// UpdateStatus 更新状态及附带字段。
// 进入 PROCESSING 时记录 started_at，进入终态时记录 completed_at；
// 离开 PROCESSING/UPLOADING 时清空 worker_id。
func (s *TaskStore) UpdateStatus(ctx context.Context, id uint, status model.TaskStatus, fields map[string]any) error {
	now := s.now()
	updates := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = status

	switch {
	case status == model.TaskStatusProcessing:
		if _, ok := updates["started_at"]; !ok {
			updates["started_at"] = gorm.Expr("CASE WHEN status = ? THEN started_at ELSE ? END", model.TaskStatusProcessing, now)
		}
	case status.IsTerminal():
		updates["completed_at"] = now
	}

	query := s.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", id)
	if status.IsActive() {
		if wid, ok := updates["worker_id"]; !ok || wid == nil {
			delete(updates, "worker_id")
			query = query.Where("worker_id IS NOT NULL")
		}
	} else {
		updates["worker_id"] = nil
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新任务状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return ErrTaskNotClaimed
	}

	s.log.Debugf("任务状态更新: TaskID=%d, 状态=%s", id, status)
	return nil
}

// UpdateProgress 更新进度，只增不减，仅在 PROCESSING 时生效
func (s *TaskStore) UpdateProgress(ctx context.Context, id uint, value float64) error {
	value = clampProgress(value)
	return s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ? AND progress < ?", id, model.TaskStatusProcessing, value).
		UpdateColumn("progress", value).Error
}

// UpdateSortOrder 按给定顺序重新分配 sort_order
func (s *TaskStore) UpdateSortOrder(ctx context.Context, ids []uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			if err := tx.Model(&model.Task{}).Where("id = ?", id).UpdateColumn("sort_order", i+1).Error; err != nil {
				return fmt.Errorf("更新排序失败: TaskID=%d: %w", id, err)
			}
		}
		return nil
	})
}

// ScheduleTask 将未领取的任务改为定时任务
func (s *TaskStore) ScheduleTask(ctx context.Context, id uint, when time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND worker_id IS NULL AND status IN ?", id, unclaimedStatuses).
		Updates(map[string]any{
			"status":       model.TaskStatusScheduled,
			"scheduled_at": when.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return ErrTaskNotClaimable
	}
	s.log.Infof("任务已定时: TaskID=%d, 执行时间=%s", id, when.Format(time.RFC3339))
	return nil
}

// CancelTask 删除尚未被领取的任务
func (s *TaskStore) CancelTask(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND worker_id IS NULL AND status IN ?", id, unclaimedStatuses).
		Delete(&model.Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return ErrTaskNotClaimable
	}
	s.log.Infof("任务已取消: TaskID=%d", id)
	return nil
}

// FailTask 记录一次失败：重试次数加一，未达上限回到 PENDING，否则置为 FAILED
func (s *TaskStore) FailTask(ctx context.Context, id uint, cause error, maxRetries int) (model.TaskStatus, error) {
	var next model.TaskStatus
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := tx.First(&task, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		updates := map[string]any{
			"retry_count":   task.RetryCount + 1,
			"worker_id":     nil,
			"error_message": msg,
		}
		if task.CanRetry(maxRetries) {
			next = model.TaskStatusPending
			updates["progress"] = 0
		} else {
			next = model.TaskStatusFailed
			updates["completed_at"] = s.now()
		}
		updates["status"] = next

		return tx.Model(&model.Task{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// ReleaseTask 将已领取的任务原样放回队列，不计入重试
func (s *TaskStore) ReleaseTask(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{
			"status":     model.TaskStatusPending,
			"worker_id":  nil,
			"progress":   0,
			"started_at": nil,
		}).Error
}

// ResetStuckTasks 启动时恢复：所有 PROCESSING/UPLOADING 任务回到 PENDING，重试次数加一
func (s *TaskStore) ResetStuckTasks(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("status IN ?", activeStatuses).
		Updates(map[string]any{
			"status":      model.TaskStatusPending,
			"worker_id":   nil,
			"progress":    0,
			"retry_count": gorm.Expr("retry_count + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("重置卡住的任务失败: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Warnf("重置了 %d 个卡住的任务", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// GetTask 获取单个任务
func (s *TaskStore) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListTasks 按状态分页列出任务，status 为空时列出全部
func (s *TaskStore) ListTasks(ctx context.Context, status model.TaskStatus, limit, offset int) ([]model.Task, int64, error) {
	var tasks []model.Task
	var total int64

	query := s.db.WithContext(ctx).Model(&model.Task{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// GetStats 按状态统计任务数量
func (s *TaskStore) GetStats(ctx context.Context) (*QueueStats, error) {
	var rows []struct {
		Status model.TaskStatus
		Count  int64
	}
	if err := s.db.WithContext(ctx).Model(&model.Task{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &QueueStats{ByStatus: make(map[model.TaskStatus]int64, len(model.AllTaskStatuses))}
	for _, st := range model.AllTaskStatuses {
		stats.ByStatus[st] = 0
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
		stats.Total += r.Count
		switch {
		case r.Status.IsActive():
			stats.Active += r.Count
		case r.Status == model.TaskStatusPending, r.Status == model.TaskStatusQueued, r.Status == model.TaskStatusScheduled:
			stats.Waiting += r.Count
		}
	}

	if err := s.db.WithContext(ctx).Model(&model.PublishHistory{}).Count(&stats.History).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

// GetQueueWithETA 返回执行中和等待中的任务及预计完成时间。
// 执行中任务: estimated_time * (1 - progress/100)；
// 等待任务: 所有排在它前面的任务（含执行中剩余部分）的 estimated_time 之和。
func (s *TaskStore) GetQueueWithETA(ctx context.Context) ([]QueueItem, error) {
	var active, waiting []model.Task
	db := s.db.WithContext(ctx)

	if err := db.Where("status IN ?", activeStatuses).Order("started_at ASC, id ASC").Find(&active).Error; err != nil {
		return nil, err
	}
	if err := db.Where("status IN ?", unclaimedStatuses).Order(claimOrder).Find(&waiting).Error; err != nil {
		return nil, err
	}

	items := make([]QueueItem, 0, len(active)+len(waiting))
	var ahead float64
	for _, t := range active {
		remaining := t.EstimatedTime * (1 - clampProgress(t.Progress)/100)
		items = append(items, QueueItem{Position: len(items) + 1, Task: t, ETA: remaining})
		ahead += remaining
	}
	for _, t := range waiting {
		items = append(items, QueueItem{Position: len(items) + 1, Task: t, ETA: ahead})
		ahead += t.EstimatedTime
	}
	return items, nil
}

// AppendHistory 追加一条发布记录
func (s *TaskStore) AppendHistory(ctx context.Context, h *model.PublishHistory) error {
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("写入发布记录失败: %w", err)
	}
	return nil
}

// ListHistory 分页列出发布记录，最新的在前
func (s *TaskStore) ListHistory(ctx context.Context, limit, offset int) ([]model.PublishHistory, int64, error) {
	var items []model.PublishHistory
	var total int64

	query := s.db.WithContext(ctx).Model(&model.PublishHistory{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetHistoryStats 发布记录统计
func (s *TaskStore) GetHistoryStats(ctx context.Context) (*HistoryStats, error) {
	var rows []struct {
		TaskType model.TaskType
		Count    int64
		Duration float64
	}
	if err := s.db.WithContext(ctx).Model(&model.PublishHistory{}).
		Select("task_type, COUNT(*) AS count, COALESCE(SUM(duration), 0) AS duration").
		Group("task_type").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &HistoryStats{ByType: make(map[model.TaskType]int64)}
	for _, r := range rows {
		stats.ByType[r.TaskType] = r.Count
		stats.Total += r.Count
		stats.TotalDuration += r.Duration
	}
	return stats, nil
}

// CleanupOldTasks 删除过期的终态任务，发布记录不受影响
func (s *TaskStore) CleanupOldTasks(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	db := s.db.WithContext(ctx)

	res := db.Where("status = ? AND completed_at < ?", model.TaskStatusCompleted, completedBefore.UTC()).Delete(&model.Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理已完成任务失败: %w", res.Error)
	}
	removed := res.RowsAffected

	res = db.Where("status = ? AND completed_at < ?", model.TaskStatusFailed, failedBefore.UTC()).Delete(&model.Task{})
	if res.Error != nil {
		return removed, fmt.Errorf("清理失败任务失败: %w", res.Error)
	}
	return removed + res.RowsAffected, nil
}

func clampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

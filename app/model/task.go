package model

import (
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusQueued     TaskStatus = "QUEUED"
	TaskStatusScheduled  TaskStatus = "SCHEDULED"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusUploading  TaskStatus = "UPLOADING"
	TaskStatusReady      TaskStatus = "READY"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// AllTaskStatuses 全部状态，按生命周期顺序
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusQueued,
	TaskStatusScheduled,
	TaskStatusProcessing,
	TaskStatusUploading,
	TaskStatusReady,
	TaskStatusCompleted,
	TaskStatusFailed,
}

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// IsActive 是否处于被 worker 占有的状态
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusProcessing || s == TaskStatusUploading
}

// TaskType 视频类型
type TaskType string

const (
	TaskTypeLong  TaskType = "long"
	TaskTypeShort TaskType = "short"
)

// ParseTaskType 解析视频类型
func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(s) {
	case TaskTypeLong:
		return TaskTypeLong, true
	case TaskTypeShort:
		return TaskTypeShort, true
	}
	return "", false
}

// Task 转码任务模型
type Task struct {
	ID       uint     `json:"id" gorm:"primaryKey"`
	Filename string   `json:"filename" gorm:"not null"`
	Filepath string   `json:"filepath" gorm:"not null;index"`
	Title    string   `json:"title"`
	TaskType TaskType `json:"task_type" gorm:"size:10;default:long;index"`

	Status      TaskStatus `json:"status" gorm:"size:20;default:PENDING;index"`
	WorkerID    *string    `json:"worker_id" gorm:"size:64;index"` // 仅在 PROCESSING/UPLOADING 时非空
	Progress    float64    `json:"progress" gorm:"default:0"`
	RetryCount  int        `json:"retry_count" gorm:"default:0"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Restricted  bool       `json:"restricted" gorm:"default:false"`

	Duration      float64 `json:"duration"`
	Height        int     `json:"height"`
	EstimatedTime float64 `json:"estimated_time"` // 秒

	OutputDir    string `json:"output_dir"`
	HLSURL       string `json:"hls_url" gorm:"column:hls_url"`
	CoverURL     string `json:"cover_url"`
	PreviewURL   string `json:"preview_url"`
	ErrorMessage string `json:"error_message" gorm:"type:text"`

	Priority  int `json:"priority" gorm:"default:0;index"`
	SortOrder int `json:"sort_order" gorm:"default:0"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TableName 指定表名
func (Task) TableName() string {
	return "tasks"
}

// IsShort 是否为短视频
func (t *Task) IsShort() bool {
	return t.TaskType == TaskTypeShort
}

// CanRetry 检查失败后是否还能回到等待状态
func (t *Task) CanRetry(maxRetries int) bool {
	return t.RetryCount+1 < maxRetries
}

// Worker 返回 worker_id，未被占有时为空串
func (t *Task) Worker() string {
	if t.WorkerID == nil {
		return ""
	}
	return *t.WorkerID
}

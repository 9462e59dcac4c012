package model

import (
	"time"
)

// PublishHistory 发布记录，每个完成的任务追加一条，不做修改
type PublishHistory struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	TaskID     uint      `json:"task_id" gorm:"index;comment:来源任务ID"`
	Filename   string    `json:"filename" gorm:"not null"`
	Title      string    `json:"title"`
	VideoID    int64     `json:"video_id" gorm:"comment:远端视频ID"`
	TaskType   TaskType  `json:"task_type" gorm:"size:10"`
	Duration   float64   `json:"duration"`
	HLSURL     string    `json:"hls_url" gorm:"column:hls_url"`
	CoverURL   string    `json:"cover_url"`
	PreviewURL string    `json:"preview_url"`
	Skipped    bool      `json:"skipped" gorm:"comment:远端判定重复"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName 指定表名
func (PublishHistory) TableName() string {
	return "publish_history"
}

package handler

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"vod-transcoder/app/logger"
	"vod-transcoder/app/model"
	"vod-transcoder/app/service"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// 缓存键
const (
	cacheKeyStats        = "stats"
	cacheKeyQueue        = "queue"
	cacheKeyHistoryStats = "history_stats"
)

// PoolStatus 工作池运行状态，由 service.WorkerPool 实现
type PoolStatus interface {
	ActiveCount() int
}

// TaskHandler 队列查询与管理
type TaskHandler struct {
	store *service.TaskStore
	pool  PoolStatus
	cache *cache.Cache
	log   *logger.Logger
}

// NewTaskHandler 创建任务处理器。统计与队列结果缓存 ttl，写操作后立即失效
func NewTaskHandler(store *service.TaskStore, pool PoolStatus, ttl time.Duration, log *logger.Logger) *TaskHandler {
	return &TaskHandler{
		store: store,
		pool:  pool,
		cache: cache.New(ttl, 10*time.Minute),
		log:   log,
	}
}

// StatsResponse 队列概览
type StatsResponse struct {
	Queue         *service.QueueStats   `json:"queue"`
	History       *service.HistoryStats `json:"history"`
	WorkersActive int                   `json:"workers_active"`
}

// GetStats 队列与发布统计
func (h *TaskHandler) GetStats(c *gin.Context) {
	if cached, ok := h.cache.Get(cacheKeyStats); ok {
		success(c, cached, "success")
		return
	}

	queue, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.serverError(c, "获取队列统计失败", err)
		return
	}
	history, err := h.store.GetHistoryStats(c.Request.Context())
	if err != nil {
		h.serverError(c, "获取发布统计失败", err)
		return
	}

	resp := StatsResponse{Queue: queue, History: history}
	if h.pool != nil {
		resp.WorkersActive = h.pool.ActiveCount()
	}
	h.cache.SetDefault(cacheKeyStats, resp)
	success(c, resp, "success")
}

// GetQueue 执行中与等待中的任务及预计完成时间
func (h *TaskHandler) GetQueue(c *gin.Context) {
	if cached, ok := h.cache.Get(cacheKeyQueue); ok {
		success(c, cached, "success")
		return
	}

	items, err := h.store.GetQueueWithETA(c.Request.Context())
	if err != nil {
		h.serverError(c, "获取队列失败", err)
		return
	}
	h.cache.SetDefault(cacheKeyQueue, items)
	success(c, items, "success")
}

// ListTasks 分页列出任务，可按 status 过滤
func (h *TaskHandler) ListTasks(c *gin.Context) {
	status := model.TaskStatus(c.Query("status"))
	if status != "" && !slices.Contains(model.AllTaskStatuses, status) {
		fail(c, http.StatusBadRequest, "无效的状态: "+string(status))
		return
	}

	limit, offset := pagination(c)
	tasks, total, err := h.store.ListTasks(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.serverError(c, "获取任务列表失败", err)
		return
	}
	success(c, PageData{Items: tasks, Total: total, Limit: limit, Offset: offset}, "success")
}

// GetTask 任务详情
func (h *TaskHandler) GetTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	task, err := h.store.GetTask(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, err)
		return
	}
	success(c, task, "success")
}

// EnqueueRequest 手动入队请求
type EnqueueRequest struct {
	Filepath    string     `json:"filepath" binding:"required"`
	TaskType    string     `json:"task_type" binding:"required"`
	Priority    int        `json:"priority"`
	Restricted  bool       `json:"restricted"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// Enqueue 手动添加任务，同一文件已有未结束任务时返回已有任务
func (h *TaskHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	taskType, ok := model.ParseTaskType(req.TaskType)
	if !ok {
		fail(c, http.StatusBadRequest, "task_type 只能是 long 或 short")
		return
	}
	abs, err := filepath.Abs(req.Filepath)
	if err != nil {
		fail(c, http.StatusBadRequest, "无效的文件路径")
		return
	}
	if fi, err := os.Stat(abs); err != nil || fi.IsDir() {
		fail(c, http.StatusBadRequest, "文件不存在: "+abs)
		return
	}

	var opts []service.TaskOption
	if req.Restricted {
		opts = append(opts, service.WithRestricted())
	}
	if req.ScheduledAt != nil {
		opts = append(opts, service.WithScheduleAt(*req.ScheduledAt))
	}

	id, err := h.store.AddTask(c.Request.Context(), filepath.Base(abs), abs, taskType, req.Priority, opts...)
	if err != nil {
		h.serverError(c, "添加任务失败", err)
		return
	}
	h.invalidate()
	success(c, gin.H{"id": id}, "任务已添加")
}

// ReorderRequest 新的队列顺序
type ReorderRequest struct {
	IDs []uint `json:"ids" binding:"required,min=1"`
}

// Reorder 按给定ID顺序重排等待中的任务
func (h *TaskHandler) Reorder(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if err := h.store.UpdateSortOrder(c.Request.Context(), req.IDs); err != nil {
		h.serverError(c, "更新排序失败", err)
		return
	}
	h.invalidate()
	success(c, nil, "排序已更新")
}

// ScheduleRequest 定时请求
type ScheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

// Schedule 将未领取的任务改为定时执行
func (h *TaskHandler) Schedule(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if err := h.store.ScheduleTask(c.Request.Context(), id, req.ScheduledAt); err != nil {
		h.storeError(c, err)
		return
	}
	h.invalidate()
	success(c, nil, "任务已定时")
}

// Cancel 取消尚未被领取的任务
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.store.CancelTask(c.Request.Context(), id); err != nil {
		h.storeError(c, err)
		return
	}
	h.invalidate()
	success(c, nil, "任务已取消")
}

// ListHistory 分页列出发布记录
func (h *TaskHandler) ListHistory(c *gin.Context) {
	limit, offset := pagination(c)
	items, total, err := h.store.ListHistory(c.Request.Context(), limit, offset)
	if err != nil {
		h.serverError(c, "获取发布记录失败", err)
		return
	}
	success(c, PageData{Items: items, Total: total, Limit: limit, Offset: offset}, "success")
}

// GetHistoryStats 发布统计
func (h *TaskHandler) GetHistoryStats(c *gin.Context) {
	if cached, ok := h.cache.Get(cacheKeyHistoryStats); ok {
		success(c, cached, "success")
		return
	}
	stats, err := h.store.GetHistoryStats(c.Request.Context())
	if err != nil {
		h.serverError(c, "获取发布统计失败", err)
		return
	}
	h.cache.SetDefault(cacheKeyHistoryStats, stats)
	success(c, stats, "success")
}

func (h *TaskHandler) invalidate() {
	h.cache.Flush()
}

// storeError 把存储层的哨兵错误映射为 HTTP 状态码
func (h *TaskHandler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		fail(c, http.StatusNotFound, "任务不存在")
	case errors.Is(err, service.ErrTaskNotClaimable):
		fail(c, http.StatusConflict, "任务已被领取或已结束")
	default:
		h.serverError(c, "操作失败", err)
	}
}

func (h *TaskHandler) serverError(c *gin.Context, message string, err error) {
	h.log.Errorf("%s: %v", message, err)
	fail(c, http.StatusInternalServerError, message)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vod-transcoder/app/config"
	"vod-transcoder/app/logger"
	"vod-transcoder/app/metrics"
	"vod-transcoder/app/model"
	"vod-transcoder/app/transcoder"
	"vod-transcoder/app/uploader"
	"vod-transcoder/app/utils"
	"vod-transcoder/app/utils/callback"
	"vod-transcoder/app/utils/pathhelper"

	"go.uber.org/zap"
)

// ErrUploadIncomplete 必需的产物没有全部传到远端
var ErrUploadIncomplete = errors.New("上传不完整")

// MediaProcessor 媒体处理，由 transcoder.Transcoder 实现
type MediaProcessor interface {
	GetVideoInfo(ctx context.Context, path string) transcoder.VideoInfo
	GenerateHLS(ctx context.Context, input, outDir string, duration float64, height int, opts ...transcoder.HLSOption) (string, error)
	GenerateCovers(ctx context.Context, input, outDir string, duration float64) (string, int, error)
	GeneratePreview(ctx context.Context, input, outDir string, duration float64, name string) (string, bool)
	CoverFormat() string
}

// Deliverer 远端投递，由 uploader.Uploader 实现
type Deliverer interface {
	Layout(restricted bool) uploader.Layout
	UploadFile(ctx context.Context, local, remote string) error
	UploadDirectory(ctx context.Context, localDir, remoteDir string) (uploader.Transferred, error)
}

// Notifier 完成回调，由 callback.Client 实现
type Notifier interface {
	Notify(ctx context.Context, payload callback.Payload) (*callback.Result, error)
}

// PoolOption 工作池可选组件
type PoolOption func(*WorkerPool)

// WithDeliverer 启用上传
func WithDeliverer(d Deliverer) PoolOption {
	return func(p *WorkerPool) {
		p.delivery = d
	}
}

// WithNotifier 启用完成回调
func WithNotifier(n Notifier) PoolOption {
	return func(p *WorkerPool) {
		p.notifier = n
	}
}

// WithFreeSpace 替换磁盘空间探测
func WithFreeSpace(fn FreeSpaceFunc) PoolOption {
	return func(p *WorkerPool) {
		p.freeSpace = fn
	}
}

// WorkerPool 有界并发的转码工作池
type WorkerPool struct {
	store     *TaskStore
	media     MediaProcessor
	delivery  Deliverer
	notifier  Notifier
	cfg       config.WorkerConfig
	paths     config.PathsConfig
	log       *logger.Logger
	freeSpace FreeSpaceFunc

	slots     chan struct{} // 信号量，容量为 max_workers
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.Mutex
}

// NewWorkerPool 创建工作池。max_workers 为 1 时即单 worker 模式
func NewWorkerPool(store *TaskStore, media MediaProcessor, cfg config.WorkerConfig, paths config.PathsConfig, log *logger.Logger, opts ...PoolOption) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = 2 * time.Second
	}

	p := &WorkerPool{
		store:     store,
		media:     media,
		cfg:       cfg,
		paths:     paths,
		log:       log,
		freeSpace: StatfsFreeSpace,
		slots:     make(chan struct{}, cfg.MaxWorkers),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start 启动调度循环
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		p.log.Warn("转码工作池已经在运行中")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.isRunning = true
	p.log.Infof("启动转码工作池，最大并发数: %d", p.cfg.MaxWorkers)

	p.wg.Add(1)
	go p.run(ctx)
}

// Stop 停止调度并等待进行中的任务退出
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return
	}
	p.log.Info("正在停止转码工作池...")
	p.cancel()
	p.wg.Wait()
	p.isRunning = false
	p.log.Info("转码工作池已停止")
}

// Wait 等待当前派发的任务全部结束，不停止调度
func (p *WorkerPool) Wait() {
	for i := 0; i < cap(p.slots); i++ {
		p.slots <- struct{}{}
	}
	for i := 0; i < cap(p.slots); i++ {
		<-p.slots
	}
}

// ActiveCount 正在执行的任务数
func (p *WorkerPool) ActiveCount() int {
	return len(p.slots)
}

func (p *WorkerPool) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		dispatched := p.RunOnce(ctx)

		interval := p.cfg.PollInterval
		if dispatched > 0 || p.ActiveCount() > 0 {
			interval = p.cfg.BusyInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce 执行一轮调度：检查磁盘，按空闲槽位领取任务并派发，返回派发数
func (p *WorkerPool) RunOnce(ctx context.Context) int {
	available := cap(p.slots) - len(p.slots)
	if available <= 0 {
		return 0
	}

	if err := p.checkDisk(); err != nil {
		metrics.DiskCheckSkipsTotal.Inc()
		p.log.Warnf("跳过本轮调度: %v", err)
		return 0
	}

	tasks, err := p.store.GetPendingTasks(ctx, available)
	if err != nil {
		p.log.Errorf("领取任务失败: %v", err)
		return 0
	}

	dispatched := 0
	for i := range tasks {
		task := tasks[i]
		select {
		case p.slots <- struct{}{}:
		default:
			// 槽位被并发占满，放回队列
			if err := p.store.ReleaseTask(context.WithoutCancel(ctx), task.ID); err != nil {
				p.log.Errorf("放回任务失败: TaskID=%d, 错误: %v", task.ID, err)
			}
			continue
		}

		metrics.TasksClaimedTotal.Inc()
		metrics.ActiveWorkers.Inc()
		p.wg.Add(1)
		dispatched++
		go func() {
			defer func() {
				metrics.ActiveWorkers.Dec()
				<-p.slots
				p.wg.Done()
			}()
			p.processTask(ctx, &task)
		}()
	}
	return dispatched
}

// checkDisk 暂存目录所在磁盘的可用空间低于阈值时返回 ErrDiskExhausted
func (p *WorkerPool) checkDisk() error {
	if p.cfg.MinFreeGB <= 0 || p.freeSpace == nil {
		return nil
	}
	if err := os.MkdirAll(p.paths.Processing, 0755); err != nil {
		return fmt.Errorf("创建暂存目录失败: %w", err)
	}
	free, err := p.freeSpace(p.paths.Processing)
	if err != nil {
		p.log.Warnf("获取磁盘空间失败，继续执行: %v", err)
		return nil
	}
	need := uint64(p.cfg.MinFreeGB * bytesPerGB)
	if free < need {
		return fmt.Errorf("%w: 可用 %.2fGB, 需要 %.2fGB", ErrDiskExhausted, float64(free)/bytesPerGB, p.cfg.MinFreeGB)
	}
	return nil
}

// Recover 启动时恢复：崩溃前暂存的源文件放回投放目录，再把卡住的任务重置为 PENDING
func (p *WorkerPool) Recover(ctx context.Context) (int64, error) {
	for _, st := range []model.TaskStatus{model.TaskStatusProcessing, model.TaskStatusUploading} {
		tasks, _, err := p.store.ListTasks(ctx, st, -1, 0)
		if err != nil {
			return 0, fmt.Errorf("查询卡住的任务失败: %w", err)
		}
		for i := range tasks {
			p.restoreSource(p.stagedPath(&tasks[i]), tasks[i].Filepath)
		}
	}
	return p.store.ResetStuckTasks(ctx)
}

// stagedPath 暂存文件名带 worker_id 前缀，保证并发 worker 之间不冲突
func (p *WorkerPool) stagedPath(task *model.Task) string {
	return filepath.Join(p.paths.Processing, task.Worker()+"_"+task.Filename)
}

// pipelineResult 一次成功执行的产物
type pipelineResult struct {
	name       string
	outDir     string
	duration   float64
	hlsURL     string
	coverURL   string
	previewURL string
}

// processTask 执行单个任务，所有错误在此转换为状态变更
func (p *WorkerPool) processTask(ctx context.Context, task *model.Task) {
	start := time.Now()
	p.log.Infof("开始处理任务: TaskID=%d, 文件=%s, 类型=%s, Worker=%s, 重试次数=%d",
		task.ID, task.Filename, task.TaskType, task.Worker(), task.RetryCount)

	if err := p.checkDisk(); err != nil {
		p.releaseTask(ctx, task, err)
		return
	}

	staged := p.stagedPath(task)
	if err := pathhelper.MoveFile(task.Filepath, staged); err != nil {
		p.handleTaskError(ctx, task, "", fmt.Errorf("暂存源文件失败: %w", err))
		return
	}

	res, err := p.execute(ctx, task, staged)
	if err != nil {
		if ctx.Err() != nil {
			// 停止时被中断，不计入重试
			p.restoreSource(staged, task.Filepath)
			p.releaseTask(ctx, task, err)
			return
		}
		p.handleTaskError(ctx, task, staged, err)
		return
	}

	metrics.TasksFinishedTotal.WithLabelValues("completed", string(task.TaskType)).Inc()
	p.log.Info("任务完成",
		zap.Uint("task_id", task.ID),
		zap.String("name", res.name),
		zap.Float64("duration", res.duration),
		zap.Duration("elapsed", time.Since(start).Round(time.Second)),
		zap.String("hls_url", res.hlsURL))
}

// execute 暂存之后的完整流水线
func (p *WorkerPool) execute(ctx context.Context, task *model.Task, staged string) (*pipelineResult, error) {
	if err := p.store.UpdateStatus(ctx, task.ID, model.TaskStatusProcessing, map[string]any{"progress": 0}); err != nil {
		return nil, err
	}

	stageStart := time.Now()
	info := p.media.GetVideoInfo(ctx, staged)
	estimate := transcoder.EstimateTranscodeTime(info.Duration, info.Height, task.IsShort())
	observeStage("probe", stageStart)

	stem := strings.TrimSuffix(task.Filename, filepath.Ext(task.Filename))
	res := &pipelineResult{
		name:     fmt.Sprintf("%d_%s", task.ID, utils.SanitizeName(stem)),
		duration: info.Duration,
	}
	res.outDir = filepath.Join(p.paths.Completed, string(task.TaskType), res.name)
	if err := os.MkdirAll(res.outDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	if err := p.store.UpdateStatus(ctx, task.ID, model.TaskStatusProcessing, map[string]any{
		"duration":       info.Duration,
		"height":         info.Height,
		"estimated_time": estimate,
		"output_dir":     res.outDir,
	}); err != nil {
		return nil, err
	}
	p.log.Infof("视频信息: TaskID=%d, 时长=%.1fs, 高度=%d, 预计耗时=%.0fs", task.ID, info.Duration, info.Height, estimate)

	progress := newProgressReporter(ctx, p.store, task.ID)
	hlsOpts := []transcoder.HLSOption{transcoder.WithProgress(func(v float64) { progress.report(v * 0.8) })}
	if task.IsShort() {
		hlsOpts = append(hlsOpts, transcoder.WithFastPreset())
	}

	stageStart = time.Now()
	hlsDir, err := p.media.GenerateHLS(ctx, staged, res.outDir, info.Duration, info.Height, hlsOpts...)
	observeStage("hls", stageStart)
	if err != nil {
		return nil, err
	}
	progress.report(80)

	stageStart = time.Now()
	coversDir, best, err := p.media.GenerateCovers(ctx, staged, res.outDir, info.Duration)
	observeStage("covers", stageStart)
	if err != nil {
		return nil, err
	}
	progress.report(88)

	previewPath := ""
	if !task.IsShort() {
		stageStart = time.Now()
		if clip, ok := p.media.GeneratePreview(ctx, staged, res.outDir, info.Duration, res.name); ok {
			previewPath = clip
		} else {
			p.log.Warnf("预览生成失败，继续: TaskID=%d", task.ID)
		}
		observeStage("preview", stageStart)
	}
	progress.report(95)

	if err := p.store.UpdateStatus(ctx, task.ID, model.TaskStatusUploading, nil); err != nil {
		return nil, err
	}

	stageStart = time.Now()
	err = p.deliver(ctx, task, res, hlsDir, coversDir, best, previewPath)
	observeStage("upload", stageStart)
	if err != nil {
		return nil, err
	}

	// 产物已经在远端，后续步骤不再响应停止信号
	done := context.WithoutCancel(ctx)

	videoID, skipped := p.notify(done, task, res)

	if err := p.store.AppendHistory(done, &model.PublishHistory{
		TaskID:     task.ID,
		Filename:   task.Filename,
		Title:      task.Title,
		VideoID:    videoID,
		TaskType:   task.TaskType,
		Duration:   res.duration,
		HLSURL:     res.hlsURL,
		CoverURL:   res.coverURL,
		PreviewURL: res.previewURL,
		Skipped:    skipped,
	}); err != nil {
		p.log.Errorf("写入发布记录失败: TaskID=%d, 错误: %v", task.ID, err)
	}

	if err := p.store.UpdateStatus(done, task.ID, model.TaskStatusCompleted, map[string]any{
		"progress":      100,
		"hls_url":       res.hlsURL,
		"cover_url":     res.coverURL,
		"preview_url":   res.previewURL,
		"error_message": "",
	}); err != nil {
		return nil, fmt.Errorf("标记任务完成失败: %w", err)
	}

	// 完成状态落库之后才删除源文件
	if err := os.Remove(staged); err != nil && !os.IsNotExist(err) {
		p.log.Warnf("删除暂存文件失败: %s, 错误: %v", staged, err)
	}
	if p.delivery != nil && !p.cfg.KeepLocalArtifacts {
		if err := os.RemoveAll(res.outDir); err != nil {
			p.log.Warnf("删除本地产物失败: %s, 错误: %v", res.outDir, err)
		}
	}
	return res, nil
}

// deliver 上传 HLS、封面和预览并计算公开地址；未启用上传时使用本地路径
func (p *WorkerPool) deliver(ctx context.Context, task *model.Task, res *pipelineResult, hlsDir, coversDir string, best int, previewPath string) error {
	if p.delivery == nil {
		res.hlsURL = filepath.Join(hlsDir, transcoder.MasterPlaylistName)
		res.coverURL = filepath.Join(coversDir, transcoder.CoverFileName(best, p.media.CoverFormat()))
		res.previewURL = previewPath
		return nil
	}

	layout := p.delivery.Layout(task.Restricted)

	hlsDone, err := p.delivery.UploadDirectory(ctx, hlsDir, layout.HLSDir(res.name))
	if err != nil {
		return err
	}
	if !hlsDone.Has(transcoder.MasterPlaylistName) || hlsDone.CountExt(".ts") == 0 {
		return fmt.Errorf("%w: HLS 主播放列表或切片缺失", ErrUploadIncomplete)
	}
	res.hlsURL = layout.URL(layout.MasterPlaylist(res.name))

	coversDone, err := p.delivery.UploadDirectory(ctx, coversDir, layout.CoversDir(res.name))
	if err != nil {
		return err
	}
	if len(coversDone) == 0 {
		return fmt.Errorf("%w: 封面全部上传失败", ErrUploadIncomplete)
	}
	format := p.media.CoverFormat()
	if !coversDone.Has(transcoder.CoverFileName(best, format)) {
		// 最佳封面没传上去，改用任意一张已上传的
		for _, name := range coversDone {
			if k, ok := transcoder.CoverIndex(name); ok {
				best = k
				break
			}
		}
	}
	res.coverURL = layout.URL(layout.Cover(res.name, best, format))

	if previewPath != "" {
		remote := layout.Preview(filepath.Base(previewPath))
		if err := p.delivery.UploadFile(ctx, previewPath, remote); err != nil {
			p.log.Warnf("预览上传失败，跳过: TaskID=%d, 错误: %v", task.ID, err)
		} else {
			res.previewURL = layout.URL(remote)
		}
	}
	return nil
}

// notify 发送完成回调。失败只记录，不影响任务完成
func (p *WorkerPool) notify(ctx context.Context, task *model.Task, res *pipelineResult) (int64, bool) {
	if p.notifier == nil {
		return 0, false
	}

	payload := callback.Payload{
		Filename:   task.Filename,
		Title:      task.Title,
		IsShort:    task.IsShort(),
		Duration:   res.duration,
		CoverURL:   res.coverURL,
		PreviewURL: res.previewURL,
	}
	if task.Restricted {
		payload.VideoURL = res.hlsURL
	} else {
		payload.HLSURL = res.hlsURL
	}

	result, err := p.notifier.Notify(ctx, payload)
	if err != nil {
		p.log.Errorf("完成回调失败，需要人工核对: TaskID=%d, 文件=%s, HLS=%s, 错误: %v",
			task.ID, task.Filename, res.hlsURL, err)
		return 0, false
	}
	if result.Skipped {
		p.log.Infof("远端已存在相同视频: TaskID=%d, VideoID=%d", task.ID, result.VideoID)
	}
	return result.VideoID, result.Skipped
}

// handleTaskError 失败处理：还能重试时放回源文件，否则移入隔离目录
func (p *WorkerPool) handleTaskError(ctx context.Context, task *model.Task, staged string, cause error) {
	if task.CanRetry(p.cfg.MaxRetries) {
		p.restoreSource(staged, task.Filepath)
	} else {
		p.restoreSource(staged, p.failedPath(task))
	}

	next, err := p.store.FailTask(context.WithoutCancel(ctx), task.ID, cause, p.cfg.MaxRetries)
	if err != nil {
		p.log.Errorf("记录任务失败状态出错: TaskID=%d, 错误: %v", task.ID, err)
		return
	}

	if next == model.TaskStatusFailed {
		metrics.TasksFinishedTotal.WithLabelValues("failed", string(task.TaskType)).Inc()
		p.log.Errorf("任务失败且已达最大重试次数: TaskID=%d, 文件=%s, 错误: %v", task.ID, task.Filename, cause)
		return
	}
	metrics.TasksFinishedTotal.WithLabelValues("retry", string(task.TaskType)).Inc()
	p.log.Warnf("任务失败，等待重试: TaskID=%d, 重试次数=%d/%d, 错误: %v",
		task.ID, task.RetryCount+1, p.cfg.MaxRetries, cause)
}

// failedPath 终态失败的源文件存放位置，不在监控目录内
func (p *WorkerPool) failedPath(task *model.Task) string {
	return filepath.Join(p.paths.Processing, "failed", fmt.Sprintf("%d_%s", task.ID, task.Filename))
}

// releaseTask 不计入重试地放回队列
func (p *WorkerPool) releaseTask(ctx context.Context, task *model.Task, cause error) {
	if err := p.store.ReleaseTask(context.WithoutCancel(ctx), task.ID); err != nil {
		p.log.Errorf("放回任务失败: TaskID=%d, 错误: %v", task.ID, err)
		return
	}
	metrics.TasksFinishedTotal.WithLabelValues("released", string(task.TaskType)).Inc()
	p.log.Warnf("任务已放回队列: TaskID=%d, 原因: %v", task.ID, cause)
}

// restoreSource 尽力把暂存文件移到 dst
func (p *WorkerPool) restoreSource(staged, dst string) {
	if staged == "" {
		return
	}
	if _, err := os.Stat(staged); err != nil {
		return
	}
	if err := pathhelper.MoveFile(staged, dst); err != nil {
		p.log.Errorf("源文件放回失败: %s -> %s, 错误: %v", staged, dst, err)
		return
	}
	p.log.Infof("源文件已移至: %s", dst)
}

func observeStage(stage string, start time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// progressReporter 进度写库节流，整数进度变化时才写入
type progressReporter struct {
	ctx   context.Context
	store *TaskStore
	id    uint
	mu    sync.Mutex
	last  int
}

func newProgressReporter(ctx context.Context, store *TaskStore, id uint) *progressReporter {
	return &progressReporter{ctx: ctx, store: store, id: id, last: -1}
}

func (r *progressReporter) report(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(v) <= r.last {
		return
	}
	r.last = int(v)
	_ = r.store.UpdateProgress(r.ctx, r.id, v)
}

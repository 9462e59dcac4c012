package filewatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vod-transcoder/app/config"
	"vod-transcoder/app/logger"
	"vod-transcoder/app/model"
	"vod-transcoder/app/service"
	"vod-transcoder/app/utils/pathhelper"

	"github.com/fsnotify/fsnotify"
)

// Enqueuer 接收新文件的任务队列，由 service.TaskStore 实现
type Enqueuer interface {
	AddTask(ctx context.Context, filename, filePath string, taskType model.TaskType, priority int, opts ...service.TaskOption) (uint, error)
}

// Manager 投放目录监控管理器，每种视频类型一个监控实例
type Manager struct {
	watchers []*FileWatcher
	logger   *logger.Logger
	mu       sync.RWMutex
}

// NewManager 为 downloads/long 和 downloads/short 创建监控器，未启用时返回 nil
func NewManager(cfg config.WatcherConfig, downloads string, queue Enqueuer, log *logger.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	m := &Manager{logger: log}
	zones := []struct {
		taskType model.TaskType
		priority int
	}{
		{model.TaskTypeLong, cfg.LongPriority},
		{model.TaskTypeShort, cfg.ShortPriority},
	}
	for _, z := range zones {
		fw, err := NewFileWatcher(Zone{
			Dir:                  filepath.Join(downloads, string(z.taskType)),
			TaskType:             z.taskType,
			Priority:             z.priority,
			Extensions:           cfg.Extensions,
			ProcessExistingFiles: cfg.ProcessExistingFiles,
		}, queue, log)
		if err != nil {
			m.stopAll()
			return nil, fmt.Errorf("创建%s监控器失败: %w", z.taskType, err)
		}
		m.watchers = append(m.watchers, fw)
	}
	return m, nil
}

// Start 启动所有监控器
func (m *Manager) Start() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, w := range m.watchers {
		if err := w.Start(); err != nil {
			for j := 0; j < i; j++ {
				m.watchers[j].Stop()
			}
			return fmt.Errorf("启动监控器[%s]失败: %w", w.zone.TaskType, err)
		}
	}
	m.logger.Infof("投放目录监控已启动，共 %d 个目录", len(m.watchers))
	return nil
}

// Stop 停止所有监控器
func (m *Manager) Stop() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopAll()
}

func (m *Manager) stopAll() error {
	var errs []error
	for _, w := range m.watchers {
		if err := w.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("停止监控器[%s]失败: %w", w.zone.TaskType, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info("投放目录监控已停止")
	return nil
}

// Zone 一个投放目录
type Zone struct {
	Dir                  string
	TaskType             model.TaskType
	Priority             int
	Extensions           []string
	ProcessExistingFiles bool
}

// FileWatcher 监控单个投放目录，文件写入稳定后入队
type FileWatcher struct {
	zone    Zone
	queue   Enqueuer
	watcher *fsnotify.Watcher
	logger  *logger.Logger

	settleInterval time.Duration // 两次大小检查的间隔
	maxWait        time.Duration // 等待写入完成的上限

	pending  map[string]struct{} // 正在等待就绪的文件
	pendMu   sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.Mutex
}

// NewFileWatcher 创建监控器，目录不存在时自动创建
func NewFileWatcher(zone Zone, queue Enqueuer, log *logger.Logger) (*FileWatcher, error) {
	if err := os.MkdirAll(zone.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建投放目录失败: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &FileWatcher{
		zone:           zone,
		queue:          queue,
		watcher:        watcher,
		logger:         log,
		settleInterval: 500 * time.Millisecond,
		maxWait:        30 * time.Minute,
		pending:        make(map[string]struct{}),
		stopCh:         make(chan struct{}),
	}, nil
}

// Start 开始监控，按配置扫描已存在的文件
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.watching {
		return fmt.Errorf("监控器[%s]已经在运行", fw.zone.TaskType)
	}
	if err := fw.watcher.Add(fw.zone.Dir); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	fw.watching = true
	fw.wg.Add(1)
	go fw.watchLoop()

	fw.logger.Infof("监控器[%s]已启动，目录: %s，优先级: %d", fw.zone.TaskType, fw.zone.Dir, fw.zone.Priority)

	if fw.zone.ProcessExistingFiles {
		fw.wg.Add(1)
		go func() {
			defer fw.wg.Done()
			fw.ScanExisting()
		}()
	}
	return nil
}

// Stop 停止监控并等待进行中的检查退出
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.watching {
		return fw.watcher.Close()
	}

	close(fw.stopCh)
	err := fw.watcher.Close()
	fw.wg.Wait()
	fw.watching = false

	fw.logger.Infof("监控器[%s]已停止", fw.zone.TaskType)
	return err
}

func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Errorf("监控器[%s]错误: %v", fw.zone.TaskType, err)

		case <-fw.stopCh:
			return
		}
	}
}

// handleEvent 新建或重命名进来的文件在后台等待就绪后入队
func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !fw.shouldProcessFile(event.Name) {
		return
	}
	if !fw.markPending(event.Name) {
		return
	}

	fw.wg.Add(1)
	go func() {
		defer fw.wg.Done()
		defer fw.unmarkPending(event.Name)
		fw.enqueueWhenReady(event.Name)
	}()
}

// ScanExisting 把目录中已有的视频文件入队
func (fw *FileWatcher) ScanExisting() int {
	entries, err := os.ReadDir(fw.zone.Dir)
	if err != nil {
		fw.logger.Errorf("监控器[%s]读取目录失败: %v", fw.zone.TaskType, err)
		return 0
	}

	added := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(fw.zone.Dir, e.Name())
		if !fw.shouldProcessFile(path) {
			continue
		}
		if err := fw.enqueue(path); err != nil {
			fw.logger.Errorf("监控器[%s]入队已存在文件失败: %s, 错误: %v", fw.zone.TaskType, path, err)
			continue
		}
		added++
	}
	fw.logger.Infof("监控器[%s]初始扫描完成，入队 %d 个文件", fw.zone.TaskType, added)
	return added
}

func (fw *FileWatcher) enqueueWhenReady(path string) {
	if err := fw.waitForFileReady(path); err != nil {
		fw.logger.Warnf("监控器[%s]等待文件就绪失败: %s, 错误: %v", fw.zone.TaskType, path, err)
		return
	}
	if err := fw.enqueue(path); err != nil {
		fw.logger.Errorf("监控器[%s]入队失败: %s, 错误: %v", fw.zone.TaskType, path, err)
	}
}

func (fw *FileWatcher) enqueue(path string) error {
	_, err := fw.queue.AddTask(context.Background(), filepath.Base(path), path, fw.zone.TaskType, fw.zone.Priority)
	return err
}

// shouldProcessFile 扩展名匹配且不是隐藏或未完成的临时文件
func (fw *FileWatcher) shouldProcessFile(path string) bool {
	if pathhelper.IsHidden(path) {
		return false
	}
	if len(fw.zone.Extensions) == 0 {
		return true
	}
	return pathhelper.HasExtension(path, fw.zone.Extensions)
}

func (fw *FileWatcher) markPending(path string) bool {
	fw.pendMu.Lock()
	defer fw.pendMu.Unlock()
	if _, ok := fw.pending[path]; ok {
		return false
	}
	fw.pending[path] = struct{}{}
	return true
}

func (fw *FileWatcher) unmarkPending(path string) {
	fw.pendMu.Lock()
	delete(fw.pending, path)
	fw.pendMu.Unlock()
}

// waitForFileReady 文件大小连续两次不变且非空时认为写入完成
func (fw *FileWatcher) waitForFileReady(path string) error {
	timeout := time.After(fw.maxWait)
	var lastSize int64 = -1

	for {
		select {
		case <-fw.stopCh:
			return errors.New("监控器已停止")
		case <-timeout:
			return fmt.Errorf("等待文件就绪超时: %s", path)
		case <-time.After(fw.settleInterval):
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("获取文件信息失败: %w", err)
			}
			size := info.Size()
			if size == lastSize && size > 0 {
				return nil
			}
			lastSize = size
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"vod-transcoder/app/config"
	"vod-transcoder/app/logger"
	"vod-transcoder/app/model"
	"vod-transcoder/app/transcoder"
	"vod-transcoder/app/uploader"
	"vod-transcoder/app/utils/callback"
)

// scriptedRunner 模拟 ffprobe/ffmpeg：按参数写出对应产物
type scriptedRunner struct {
	mu       sync.Mutex
	calls    [][]string
	failHLS  bool
	duration float64
	height   int
	started  chan struct{} // 非空时 HLS 编码阻塞到 ctx 取消
}

func (r *scriptedRunner) Run(ctx context.Context, _ time.Duration, name string, args []string, onStderr func(string)) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	failHLS := r.failHLS
	r.mu.Unlock()

	if name == "ffprobe" {
		return []byte(fmt.Sprintf(`{"format":{"duration":"%.2f"},"streams":[{"codec_type":"video","width":1920,"height":%d}]}`,
			r.duration, r.height)), nil
	}

	out := args[len(args)-1]
	if slices.Contains(args, "hls") && r.started != nil {
		close(r.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if slices.Contains(args, "hls") {
		if failHLS {
			return nil, fmt.Errorf("ffmpeg 超过 60m0s: %w", transcoder.ErrProcessTimeout)
		}
		if onStderr != nil {
			onStderr("time=00:01:00.00")
		}
		if err := os.WriteFile(filepath.Join(filepath.Dir(out), "seg_0000.ts"), []byte("ts"), 0644); err != nil {
			return nil, err
		}
	}
	return nil, os.WriteFile(out, []byte("artifact-"+filepath.Base(out)), 0644)
}

func (r *scriptedRunner) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.Contains(strings.Join(c, " "), substr) {
			n++
		}
	}
	return n
}

func (r *scriptedRunner) setFailHLS(v bool) {
	r.mu.Lock()
	r.failHLS = v
	r.mu.Unlock()
}

type uploadCall struct {
	dir    bool
	local  string
	remote string
}

// fakeDeliverer 记录上传调用，目录上传按本地文件列表返回
type fakeDeliverer struct {
	mu         sync.Mutex
	calls      []uploadCall
	layouts    []bool
	dropMaster bool
	skip       func(rel string) bool // 返回 true 的文件视为上传失败
}

func (d *fakeDeliverer) Layout(restricted bool) uploader.Layout {
	d.mu.Lock()
	d.layouts = append(d.layouts, restricted)
	d.mu.Unlock()
	if restricted {
		return uploader.Layout{Base: "/srv/private", PublicURL: "https://vip.test"}
	}
	return uploader.Layout{Base: "/srv/media", PublicURL: "https://cdn.test/media"}
}

func (d *fakeDeliverer) UploadFile(_ context.Context, local, remote string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, uploadCall{local: local, remote: remote})
	return nil
}

func (d *fakeDeliverer) UploadDirectory(_ context.Context, localDir, remoteDir string) (uploader.Transferred, error) {
	d.mu.Lock()
	d.calls = append(d.calls, uploadCall{dir: true, local: localDir, remote: remoteDir})
	d.mu.Unlock()

	var done uploader.Transferred
	err := filepath.WalkDir(localDir, func(p string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(localDir, p)
		if d.dropMaster && rel == transcoder.MasterPlaylistName {
			return nil
		}
		if d.skip != nil && d.skip(filepath.ToSlash(rel)) {
			return nil
		}
		done = append(done, filepath.ToSlash(rel))
		return nil
	})
	return done, err
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []callback.Payload
	err      error
	during   func() // 回调进行中执行，如模拟停止信号
}

func (n *fakeNotifier) Notify(ctx context.Context, p callback.Payload) (*callback.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	if n.during != nil {
		n.during()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.err != nil {
		return nil, n.err
	}
	return &callback.Result{Success: true, VideoID: 77}, nil
}

type poolFixture struct {
	store    *TaskStore
	pool     *WorkerPool
	runner   *scriptedRunner
	delivery *fakeDeliverer
	notifier *fakeNotifier
	paths    config.PathsConfig
	freeGB   float64
}

func newPoolFixture(t *testing.T, maxWorkers int, opts ...PoolOption) *poolFixture {
	t.Helper()
	root := t.TempDir()
	f := &poolFixture{
		store:    newTestStore(t),
		runner:   &scriptedRunner{duration: 120, height: 1080},
		delivery: &fakeDeliverer{},
		notifier: &fakeNotifier{},
		paths: config.PathsConfig{
			Downloads:  filepath.Join(root, "downloads"),
			Processing: filepath.Join(root, "processing"),
			Completed:  filepath.Join(root, "completed"),
		},
		freeGB: 100,
	}

	media := transcoder.New(transcoder.DefaultOptions(), logger.NewNop(), transcoder.WithRunner(f.runner))
	cfg := config.WorkerConfig{MaxWorkers: maxWorkers, MaxRetries: 3, MinFreeGB: 5, KeepLocalArtifacts: true}
	base := []PoolOption{
		WithDeliverer(f.delivery),
		WithNotifier(f.notifier),
		WithFreeSpace(func(string) (uint64, error) { return uint64(f.freeGB * bytesPerGB), nil }),
	}
	f.pool = NewWorkerPool(f.store, media, cfg, f.paths, logger.NewNop(), append(base, opts...)...)
	return f
}

// drop 在投放目录放入文件并入队
func (f *poolFixture) drop(t *testing.T, name string, taskType model.TaskType, opts ...TaskOption) (uint, string) {
	t.Helper()
	src := filepath.Join(f.paths.Downloads, string(taskType), name)
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("source-video"), 0644); err != nil {
		t.Fatal(err)
	}
	id, err := f.store.AddTask(context.Background(), name, src, taskType, 0, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return id, src
}

func (f *poolFixture) runOnce(t *testing.T) int {
	t.Helper()
	n := f.pool.RunOnce(context.Background())
	f.pool.Wait()
	return n
}

func (f *poolFixture) task(t *testing.T, id uint) *model.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newPoolFixture(t, 2)
	id, src := f.drop(t, "Summer Trip.mp4", model.TaskTypeLong)

	if n := f.runOnce(t); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}

	task := f.task(t, id)
	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("status = %s, error = %s", task.Status, task.ErrorMessage)
	}
	if task.WorkerID != nil || task.Progress != 100 || task.CompletedAt == nil {
		t.Errorf("completed task = %+v", task)
	}
	name := fmt.Sprintf("%d_Summer_Trip", id)
	if task.HLSURL != "https://cdn.test/media/hls/"+name+"/master.m3u8" {
		t.Errorf("hls_url = %s", task.HLSURL)
	}
	if !strings.HasPrefix(task.CoverURL, "https://cdn.test/media/hls/"+name+"/covers/cover_") {
		t.Errorf("cover_url = %s", task.CoverURL)
	}
	if task.PreviewURL != "https://cdn.test/media/previews/"+name+"_preview.mp4" {
		t.Errorf("preview_url = %s", task.PreviewURL)
	}
	if task.Duration != 120 || task.Height != 1080 || task.EstimatedTime != transcoder.EstimateTranscodeTime(120, 1080, false) {
		t.Errorf("probe fields = %v/%d/%v", task.Duration, task.Height, task.EstimatedTime)
	}

	if n := f.runner.count("-b:v 4000k"); n != 1 {
		t.Errorf("1080p-tier encodes = %d, want 1", n)
	}
	if n := f.runner.count("-frames:v"); n != 10 {
		t.Errorf("cover extractions = %d, want 10", n)
	}
	if n := f.runner.count("-c copy -avoid_negative_ts"); n != 5 {
		t.Errorf("preview segments = %d, want 5", n)
	}
	if n := f.runner.count("concat"); n != 1 {
		t.Errorf("preview concat = %d, want 1", n)
	}

	if len(f.delivery.calls) != 3 {
		t.Fatalf("upload calls = %+v, want 3", f.delivery.calls)
	}
	if !f.delivery.calls[0].dir || f.delivery.calls[0].remote != "/srv/media/hls/"+name {
		t.Errorf("hls upload = %+v", f.delivery.calls[0])
	}
	if !f.delivery.calls[1].dir || f.delivery.calls[1].remote != "/srv/media/hls/"+name+"/covers" {
		t.Errorf("covers upload = %+v", f.delivery.calls[1])
	}
	if f.delivery.calls[2].dir || f.delivery.calls[2].remote != "/srv/media/previews/"+name+"_preview.mp4" {
		t.Errorf("preview upload = %+v", f.delivery.calls[2])
	}

	if len(f.notifier.payloads) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(f.notifier.payloads))
	}
	p := f.notifier.payloads[0]
	if !strings.HasSuffix(p.HLSURL, "/master.m3u8") || p.VideoURL != "" || p.IsShort || p.Title != "Summer Trip" {
		t.Errorf("payload = %+v", p)
	}

	history, total, err := f.store.ListHistory(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || history[0].VideoID != 77 || history[0].TaskID != id {
		t.Errorf("history = %+v", history)
	}

	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should have been consumed")
	}
	entries, _ := os.ReadDir(f.paths.Processing)
	if len(entries) != 0 {
		t.Errorf("staging not cleaned: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(f.paths.Completed, "long", name, "hls", "master.m3u8")); err != nil {
		t.Errorf("local artifacts missing: %v", err)
	}
	assertWorkerInvariant(t, f.store)
}

func TestPipelineHLSTimeoutRequeues(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.runner.setFailHLS(true)
	id, src := f.drop(t, "clip.mp4", model.TaskTypeLong)

	f.runOnce(t)

	task := f.task(t, id)
	if task.Status != model.TaskStatusPending || task.RetryCount != 1 || task.WorkerID != nil {
		t.Fatalf("task after timeout = %+v", task)
	}
	if !strings.Contains(task.ErrorMessage, "编码失败") {
		t.Errorf("error_message = %q", task.ErrorMessage)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source not restored to drop zone: %v", err)
	}
	if len(f.delivery.calls) != 0 || len(f.notifier.payloads) != 0 {
		t.Error("nothing should be delivered after a failed encode")
	}

	f.runner.setFailHLS(false)
	f.runOnce(t)
	task = f.task(t, id)
	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("retry did not complete: %s %s", task.Status, task.ErrorMessage)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", task.RetryCount)
	}
	assertWorkerInvariant(t, f.store)
}

func TestPipelineFailsAfterMaxRetries(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.runner.setFailHLS(true)
	id, src := f.drop(t, "bad.mp4", model.TaskTypeShort)

	for i := 0; i < 3; i++ {
		f.runOnce(t)
	}
	task := f.task(t, id)
	if task.Status != model.TaskStatusFailed || task.RetryCount != 3 || task.ErrorMessage == "" {
		t.Fatalf("task = %+v", task)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("terminally failed source must leave the drop zone")
	}
	kept := filepath.Join(f.paths.Processing, "failed", fmt.Sprintf("%d_bad.mp4", id))
	if _, err := os.Stat(kept); err != nil {
		t.Errorf("source lost after terminal failure: %v", err)
	}
	if n := f.runOnce(t); n != 0 {
		t.Errorf("FAILED task dispatched again")
	}
}

func TestLowDiskSkipsClaim(t *testing.T) {
	f := newPoolFixture(t, 2)
	f.freeGB = 1
	id, src := f.drop(t, "a.mp4", model.TaskTypeLong)

	before, err := f.store.GetStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n := f.runOnce(t); n != 0 {
		t.Fatalf("dispatched %d with low disk", n)
	}

	task := f.task(t, id)
	if task.Status != model.TaskStatusPending || task.RetryCount != 0 || task.WorkerID != nil {
		t.Errorf("task changed: %+v", task)
	}
	after, _ := f.store.GetStats(context.Background())
	if after.Total != before.Total || after.Waiting != before.Waiting {
		t.Errorf("queue changed: %+v -> %+v", before, after)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source moved: %v", err)
	}
	if len(f.runner.calls) != 0 {
		t.Error("no media work should start")
	}
}

func TestCallbackFailureStillCompletes(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.notifier.err = errors.New("503 service unavailable")
	id, _ := f.drop(t, "a.mp4", model.TaskTypeLong)

	f.runOnce(t)

	if task := f.task(t, id); task.Status != model.TaskStatusCompleted || task.RetryCount != 0 {
		t.Fatalf("task = %+v", task)
	}
	history, _, _ := f.store.ListHistory(context.Background(), 1, 0)
	if len(history) != 1 || history[0].VideoID != 0 {
		t.Errorf("history = %+v", history)
	}
}

func TestMissingMasterPlaylistFailsTask(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.delivery.dropMaster = true
	id, src := f.drop(t, "a.mp4", model.TaskTypeLong)

	f.runOnce(t)

	task := f.task(t, id)
	if task.Status != model.TaskStatusPending || task.RetryCount != 1 {
		t.Fatalf("task = %+v", task)
	}
	if !strings.Contains(task.ErrorMessage, ErrUploadIncomplete.Error()) {
		t.Errorf("error_message = %q", task.ErrorMessage)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source not restored: %v", err)
	}
	if len(f.notifier.payloads) != 0 {
		t.Error("callback must not fire for an incomplete upload")
	}
}

func TestShortRestrictedTask(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.runner.duration, f.runner.height = 30, 720
	id, _ := f.drop(t, "short.mp4", model.TaskTypeShort, WithRestricted())

	f.runOnce(t)

	task := f.task(t, id)
	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("task = %+v", task)
	}
	if task.PreviewURL != "" || f.runner.count("concat") != 0 {
		t.Error("short videos get no preview")
	}
	if f.runner.count("-preset veryfast") != 1 {
		t.Error("short videos encode with the fast preset")
	}
	if !slices.Equal(f.delivery.layouts, []bool{true}) {
		t.Errorf("layouts = %v", f.delivery.layouts)
	}
	p := f.notifier.payloads[0]
	if p.HLSURL != "" || !strings.HasPrefix(p.VideoURL, "https://vip.test/hls/") || !p.IsShort {
		t.Errorf("payload = %+v", p)
	}
}

func TestPoolRespectsMaxWorkers(t *testing.T) {
	f := newPoolFixture(t, 2)
	for i := 0; i < 3; i++ {
		f.drop(t, fmt.Sprintf("v%d.mp4", i), model.TaskTypeShort)
	}

	if n := f.runOnce(t); n != 2 {
		t.Fatalf("first pass dispatched %d, want 2", n)
	}
	if n := f.runOnce(t); n != 1 {
		t.Fatalf("second pass dispatched %d, want 1", n)
	}
	stats, _ := f.store.GetStats(context.Background())
	if stats.ByStatus[model.TaskStatusCompleted] != 3 {
		t.Errorf("stats = %+v", stats.ByStatus)
	}
}

func TestUploadDisabledUsesLocalPaths(t *testing.T) {
	root := t.TempDir()
	store := newTestStore(t)
	runner := &scriptedRunner{duration: 60, height: 480}
	media := transcoder.New(transcoder.DefaultOptions(), logger.NewNop(), transcoder.WithRunner(runner))
	paths := config.PathsConfig{
		Downloads:  filepath.Join(root, "downloads"),
		Processing: filepath.Join(root, "processing"),
		Completed:  filepath.Join(root, "completed"),
	}
	pool := NewWorkerPool(store, media, config.WorkerConfig{MaxWorkers: 1, MaxRetries: 2}, paths, logger.NewNop())

	src := filepath.Join(paths.Downloads, "long", "a.mp4")
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("v"), 0644); err != nil {
		t.Fatal(err)
	}
	id, err := store.AddTask(context.Background(), "a.mp4", src, model.TaskTypeLong, 0)
	if err != nil {
		t.Fatal(err)
	}

	pool.RunOnce(context.Background())
	pool.Wait()

	task, _ := store.GetTask(context.Background(), id)
	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("task = %+v", task)
	}
	if _, err := os.Stat(task.HLSURL); err != nil {
		t.Errorf("hls_url should point at the local master playlist: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.pool.cfg.PollInterval = 10 * time.Millisecond
	f.pool.cfg.BusyInterval = 10 * time.Millisecond
	id, _ := f.drop(t, "a.mp4", model.TaskTypeShort)

	f.pool.Start()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.task(t, id).Status == model.TaskStatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.pool.Stop()

	if f.task(t, id).Status != model.TaskStatusCompleted {
		t.Fatal("task not completed by background loop")
	}
}

func TestRecoverRestoresStagedSource(t *testing.T) {
	f := newPoolFixture(t, 1)
	ctx := context.Background()
	id, src := f.drop(t, "crash.mp4", model.TaskTypeLong)

	claimed, err := f.store.GetPendingTasks(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	staged := filepath.Join(f.paths.Processing, claimed[0].Worker()+"_crash.mp4")
	if err := os.MkdirAll(f.paths.Processing, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(src, staged); err != nil {
		t.Fatal(err)
	}

	n, err := f.pool.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("staged source not restored: %v", err)
	}
	task := f.task(t, id)
	if task.Status != model.TaskStatusPending || task.RetryCount != 1 || task.WorkerID != nil {
		t.Errorf("task = %+v", task)
	}

	f.runOnce(t)
	if task := f.task(t, id); task.Status != model.TaskStatusCompleted {
		t.Errorf("recovered task did not complete: %s %s", task.Status, task.ErrorMessage)
	}
}

func TestStopReleasesInterruptedTask(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.runner.started = make(chan struct{})
	f.pool.cfg.PollInterval = 10 * time.Millisecond
	id, src := f.drop(t, "long.mp4", model.TaskTypeLong)

	f.pool.Start()
	select {
	case <-f.runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("encode never started")
	}
	f.pool.Stop()

	task := f.task(t, id)
	if task.Status != model.TaskStatusPending || task.RetryCount != 0 || task.WorkerID != nil {
		t.Errorf("task after stop = %+v", task)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source not restored on shutdown: %v", err)
	}
}

func TestStopAfterUploadStillCompletes(t *testing.T) {
	f := newPoolFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 上传完成后、回调期间收到停止信号
	f.notifier.during = cancel
	id, src := f.drop(t, "movie.mp4", model.TaskTypeLong)

	if n := f.pool.RunOnce(ctx); n != 1 {
		t.Fatalf("dispatched %d, want 1", n)
	}
	f.pool.Wait()

	task := f.task(t, id)
	if task.Status != model.TaskStatusCompleted || task.WorkerID != nil {
		t.Fatalf("status=%s worker=%v error=%s", task.Status, task.WorkerID, task.ErrorMessage)
	}
	history, total, err := f.store.ListHistory(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || history[0].VideoID != 77 {
		t.Errorf("history = %+v", history)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("delivered source should not be restored to the drop zone")
	}
	entries, _ := os.ReadDir(f.paths.Processing)
	if len(entries) != 0 {
		t.Errorf("staging not cleaned: %v", entries)
	}
	assertWorkerInvariant(t, f.store)
}

func TestCompletionWriteFailureKeepsSource(t *testing.T) {
	f := newPoolFixture(t, 1)
	id, src := f.drop(t, "movie.mp4", model.TaskTypeLong)
	// 回调期间删掉任务行，完成状态无法落库
	f.notifier.during = func() {
		if err := f.store.db.Delete(&model.Task{}, id).Error; err != nil {
			t.Error(err)
		}
	}

	f.runOnce(t)

	if _, err := os.Stat(src); err != nil {
		t.Errorf("source must survive a failed completion write: %v", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.pool.cfg.PollInterval = 10 * time.Millisecond
	f.pool.cfg.BusyInterval = 10 * time.Millisecond

	f.pool.Start()
	f.pool.Stop()

	id, _ := f.drop(t, "later.mp4", model.TaskTypeShort)
	f.pool.Start()
	defer f.pool.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.task(t, id).Status == model.TaskStatusCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("restarted pool never ran the task: %+v", f.task(t, id))
}

func TestCoverURLFallsBackToUploadedCover(t *testing.T) {
	f := newPoolFixture(t, 1)
	f.delivery.skip = func(rel string) bool {
		return strings.HasPrefix(rel, "cover_") && rel != "cover_2.jpg"
	}
	id, _ := f.drop(t, "pick.mp4", model.TaskTypeShort)

	f.runOnce(t)

	task := f.task(t, id)
	want := fmt.Sprintf("https://cdn.test/media/hls/%d_pick/covers/cover_2.jpg", id)
	if task.Status != model.TaskStatusCompleted || task.CoverURL != want {
		t.Errorf("cover_url = %s (status %s), want %s", task.CoverURL, task.Status, want)
	}
}

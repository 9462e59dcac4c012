package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// 预览片段在 5%-95% 区间内采样
const (
	previewStart = 0.05
	previewEnd   = 0.95
	previewFPS   = 30
)

// PreviewFileName 预览文件名
func PreviewFileName(name string) string {
	return name + "_preview.mp4"
}

// PreviewOffsets 在 [5%, 95%-segLen] 内均匀分布 k 个起点
func PreviewOffsets(duration float64, k int, segLen float64) []float64 {
	if duration <= 0 || k <= 0 {
		return nil
	}
	start := duration * previewStart
	end := duration*previewEnd - segLen
	if end < start {
		end = start
	}
	if k == 1 {
		return []float64{start}
	}
	step := (end - start) / float64(k-1)
	offsets := make([]float64, k)
	for i := range offsets {
		offsets[i] = start + step*float64(i)
	}
	return offsets
}

// GeneratePreview 生成精彩片段预览，返回文件路径；一个片段都没有成功时返回 false。
// 部分片段失败时用成功的片段拼接。临时目录在任何情况下都会被删除。
func (t *Transcoder) GeneratePreview(ctx context.Context, input, outDir string, duration float64, name string) (string, bool) {
	offsets := PreviewOffsets(duration, t.opts.PreviewSegments, t.opts.PreviewSegmentSeconds)
	if len(offsets) == 0 {
		t.log.Warnf("时长未知，跳过预览: %s", filepath.Base(input))
		return "", false
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.log.Warnf("创建输出目录失败: %v", err)
		return "", false
	}
	tmpDir, err := os.MkdirTemp(outDir, ".preview-")
	if err != nil {
		t.log.Warnf("创建预览临时目录失败: %v", err)
		return "", false
	}
	defer os.RemoveAll(tmpDir)

	ok := make([]bool, len(offsets))
	g, gctx := errgroup.WithContext(ctx)
	for i, offset := range offsets {
		i, offset := i, offset
		g.Go(func() error {
			ok[i] = t.buildSegment(gctx, input, tmpDir, i, offset)
			return nil
		})
	}
	_ = g.Wait()

	var segments []string
	for i := range offsets {
		if ok[i] {
			segments = append(segments, segmentPath(tmpDir, i))
		}
	}
	if len(segments) == 0 {
		t.log.Warnf("预览片段全部失败: %s", filepath.Base(input))
		return "", false
	}

	listFile := filepath.Join(tmpDir, "list.txt")
	if err := os.WriteFile(listFile, []byte(concatList(segments)), 0644); err != nil {
		t.log.Warnf("写入拼接列表失败: %v", err)
		return "", false
	}

	dst := filepath.Join(outDir, PreviewFileName(name))
	args := []string{
		"-hide_banner", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-movflags", "+faststart",
		dst,
	}
	if _, err := t.runner.Run(ctx, t.opts.SegmentTimeout, t.opts.FFmpegPath, args, nil); err != nil {
		t.log.Warnf("预览拼接失败: %s, 错误: %v", filepath.Base(input), err)
		_ = os.Remove(dst)
		return "", false
	}

	t.log.Infof("预览生成完成: %s, 片段=%d/%d", filepath.Base(dst), len(segments), len(offsets))
	return dst, true
}

// buildSegment 先流复制截取，失败则直接重编码截取，最后统一编码与分辨率
func (t *Transcoder) buildSegment(ctx context.Context, input, tmpDir string, i int, offset float64) bool {
	raw := filepath.Join(tmpDir, fmt.Sprintf("raw_%02d.mp4", i))
	seg := strconv.FormatFloat(t.opts.PreviewSegmentSeconds, 'f', 3, 64)
	ss := strconv.FormatFloat(offset, 'f', 3, 64)

	copyArgs := []string{"-hide_banner", "-y", "-ss", ss, "-i", input, "-t", seg, "-c", "copy", "-avoid_negative_ts", "make_zero", raw}
	if _, err := t.runner.Run(ctx, t.opts.SegmentTimeout, t.opts.FFmpegPath, copyArgs, nil); err != nil {
		t.log.Debugf("片段 %d 流复制失败，改为重编码: %v", i, err)
		encodeArgs := []string{"-hide_banner", "-y", "-ss", ss, "-i", input, "-t", seg,
			"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", raw}
		if _, err := t.runner.Run(ctx, t.opts.SegmentTimeout, t.opts.FFmpegPath, encodeArgs, nil); err != nil {
			t.log.Debugf("片段 %d 重编码失败: %v", i, err)
			return false
		}
	}

	normArgs := []string{
		"-hide_banner", "-y",
		"-i", raw,
		"-vf", fmt.Sprintf("scale=-2:%d,fps=%d", t.opts.PreviewHeight, previewFPS),
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-ar", "44100", "-ac", "2",
		segmentPath(tmpDir, i),
	}
	if _, err := t.runner.Run(ctx, t.opts.SegmentTimeout, t.opts.FFmpegPath, normArgs, nil); err != nil {
		t.log.Debugf("片段 %d 规范化失败: %v", i, err)
		return false
	}
	return true
}

func segmentPath(tmpDir string, i int) string {
	return filepath.Join(tmpDir, fmt.Sprintf("seg_%02d.mp4", i))
}

// concatList concat demuxer 的文件列表，单引号需转义
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// ErrNoCovers 一张候选封面都没有生成
var ErrNoCovers = errors.New("未生成任何封面")

// 封面图片格式
const (
	CoverFormatJPEG = "jpg"
	CoverFormatWebP = "webp"
)

// CoverFileName 第 i 张（从 1 开始）候选封面的文件名
func CoverFileName(i int, format string) string {
	return "cover_" + strconv.Itoa(i) + "." + format
}

// CoverIndex 从封面文件名解析序号，如 cover_3.webp -> 3
func CoverIndex(name string) (int, bool) {
	stem, ok := strings.CutPrefix(strings.TrimSuffix(name, filepath.Ext(name)), "cover_")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(stem)
	if err != nil || i < 1 {
		return 0, false
	}
	return i, true
}

// coverQualityArgs 各格式的编码质量参数。libwebp 会把 -q:v 当作 0-100 的质量值，不能共用
func coverQualityArgs(format string) []string {
	if format == CoverFormatWebP {
		return []string{"-c:v", "libwebp", "-quality", "90"}
	}
	return []string{"-q:v", "2"}
}

// CoverFormat 当前使用的封面格式
func (t *Transcoder) CoverFormat() string {
	return t.opts.CoverFormat
}

// CoverOffsets 均匀分布的截帧时间点 duration*i/(n+1)
func CoverOffsets(duration float64, n int) []float64 {
	offsets := make([]float64, n)
	for i := 1; i <= n; i++ {
		offsets[i-1] = duration * float64(i) / float64(n+1)
	}
	return offsets
}

type coverCandidate struct {
	index int // 从 1 开始
	path  string
	size  int64
}

// GenerateCovers 截取候选封面并挑选最佳一张，返回封面目录与 1 起始的最佳序号。
// 时长未知时只截取第 0 秒一帧。没有任何候选时返回 ErrNoCovers。
func (t *Transcoder) GenerateCovers(ctx context.Context, input, outDir string, duration float64) (string, int, error) {
	coversDir := filepath.Join(outDir, "covers")
	if err := os.RemoveAll(coversDir); err != nil {
		return "", 0, fmt.Errorf("清理封面目录失败: %w", err)
	}
	if err := os.MkdirAll(coversDir, 0755); err != nil {
		return "", 0, fmt.Errorf("创建封面目录失败: %w", err)
	}

	offsets := []float64{0}
	if duration > 0 {
		offsets = CoverOffsets(duration, t.opts.CoverCount)
	}

	ok := make([]bool, len(offsets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.CoverConcurrency)
	for i, offset := range offsets {
		i, offset := i, offset
		g.Go(func() error {
			dst := filepath.Join(coversDir, CoverFileName(i+1, t.opts.CoverFormat))
			ok[i] = t.extractFrame(gctx, input, dst, offset)
			return nil
		})
	}
	_ = g.Wait()

	var candidates []coverCandidate
	for i := range offsets {
		if !ok[i] {
			continue
		}
		path := filepath.Join(coversDir, CoverFileName(i+1, t.opts.CoverFormat))
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			continue
		}
		candidates = append(candidates, coverCandidate{index: i + 1, path: path, size: fi.Size()})
	}
	if len(candidates) == 0 {
		return "", 0, fmt.Errorf("%w: %s", ErrNoCovers, filepath.Base(input))
	}

	best := t.selectBest(candidates, len(offsets))
	t.log.Infof("封面生成完成: %s, 候选=%d/%d, 最佳=%d", filepath.Base(input), len(candidates), len(offsets), best)
	return coversDir, best, nil
}

// extractFrame 在 offset 处截取一帧，失败返回 false
func (t *Transcoder) extractFrame(ctx context.Context, input, dst string, offset float64) bool {
	args := []string{
		"-hide_banner", "-y",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
	}
	args = append(args, coverQualityArgs(t.opts.CoverFormat)...)
	args = append(args, dst)
	if _, err := t.runner.Run(ctx, t.opts.FrameTimeout, t.opts.FFmpegPath, args, nil); err != nil {
		t.log.Debugf("截帧失败: %s @%.2fs, 错误: %v", filepath.Base(input), offset, err)
		_ = os.Remove(dst)
		return false
	}
	return true
}

// selectBest 逐帧分析评分；任何一张无法解码时整体退回按文件大小评分。
// 所有分数相同时取中间候选。
func (t *Transcoder) selectBest(candidates []coverCandidate, total int) int {
	scores := make([]float64, len(candidates))
	analyzed := true
	for i, c := range candidates {
		img, err := imaging.Open(c.path)
		if err != nil {
			t.log.Debugf("封面解码失败，使用文件大小评分: %s, 错误: %v", c.path, err)
			analyzed = false
			break
		}
		scores[i] = t.scorer(img) + positionBonus(c.index-1, total)
	}

	if !analyzed {
		var maxSize int64
		for _, c := range candidates {
			maxSize = max(maxSize, c.size)
		}
		for i, c := range candidates {
			scores[i] = float64(c.size)/float64(maxSize) + positionBonus(c.index-1, total)
		}
	}

	bestIdx := 0
	allEqual := true
	for i := range scores {
		if scores[i] != scores[0] {
			allEqual = false
		}
		if scores[i] > scores[bestIdx] {
			bestIdx = i
		}
	}
	if allEqual {
		return candidates[len(candidates)/2].index
	}
	return candidates[bestIdx].index
}

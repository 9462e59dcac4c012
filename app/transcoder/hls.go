package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// ErrEncodeFailed 编码失败或超时，任务可重试
var ErrEncodeFailed = errors.New("编码失败")

// MasterPlaylistName 主播放列表文件名
const MasterPlaylistName = "master.m3u8"

var timeMarker = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

// HLSOption GenerateHLS 的可选参数
type HLSOption func(*hlsSettings)

type hlsSettings struct {
	short      bool
	onProgress func(percent float64)
}

// WithFastPreset 短视频使用更快的编码预设
func WithFastPreset() HLSOption {
	return func(s *hlsSettings) {
		s.short = true
	}
}

// WithProgress 接收 0-100 的进度
func WithProgress(fn func(percent float64)) HLSOption {
	return func(s *hlsSettings) {
		s.onProgress = fn
	}
}

// GenerateHLS 生成 HLS 输出，返回 hls 目录。
// 目录会先被清空，重试时覆盖上一次的残留。编码失败或超时返回 ErrEncodeFailed。
func (t *Transcoder) GenerateHLS(ctx context.Context, input, outDir string, duration float64, height int, opts ...HLSOption) (string, error) {
	var settings hlsSettings
	for _, o := range opts {
		o(&settings)
	}

	hlsDir := filepath.Join(outDir, "hls")
	if err := os.RemoveAll(hlsDir); err != nil {
		return "", fmt.Errorf("清理 HLS 目录失败: %w", err)
	}

	ladder := BuildLadder(height, t.opts.MultiRung)
	rung := SelectLadder(height)
	t.log.Infof("开始 HLS 转码: %s, 源高度=%d, 档位=%dk/%dk/%dk, 输出档数=%d",
		filepath.Base(input), height, rung.Bitrate, rung.MaxRate, rung.BufSize, len(ladder))

	for i, r := range ladder {
		rungDir := filepath.Join(hlsDir, r.Name)
		if err := os.MkdirAll(rungDir, 0755); err != nil {
			return "", fmt.Errorf("创建 HLS 目录失败: %w", err)
		}

		base := float64(i) * 100 / float64(len(ladder))
		onLine := func(line string) {
			if settings.onProgress == nil {
				return
			}
			if p, ok := parseProgress(line, duration); ok {
				settings.onProgress(base + p/float64(len(ladder)))
			}
		}

		args := hlsArgs(input, rungDir, r, t.opts.HLSTime, encoderPreset(settings.short))
		if _, err := t.runner.Run(ctx, t.opts.EncodeTimeout, t.opts.FFmpegPath, args, onLine); err != nil {
			return "", fmt.Errorf("%w: 档位 %s: %v", ErrEncodeFailed, r.Name, err)
		}
	}

	master := filepath.Join(hlsDir, MasterPlaylistName)
	if err := os.WriteFile(master, []byte(MasterPlaylist(ladder)), 0644); err != nil {
		return "", fmt.Errorf("写入主播放列表失败: %w", err)
	}

	if settings.onProgress != nil {
		settings.onProgress(100)
	}
	return hlsDir, nil
}

// hlsArgs 单个档位的 ffmpeg 参数
func hlsArgs(input, rungDir string, r Rung, hlsTime int, preset string) []string {
	args := []string{
		"-hide_banner", "-y",
		"-i", input,
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", preset,
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-b:v", kbps(r.Bitrate),
		"-maxrate", kbps(r.MaxRate),
		"-bufsize", kbps(r.BufSize),
	}
	if r.ScaleHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", r.ScaleHeight))
	}
	args = append(args,
		"-g", "48", "-keyint_min", "48", "-sc_threshold", "0",
		"-c:a", "aac", "-b:a", kbps(audioBitrateKbps), "-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(hlsTime),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(rungDir, "seg_%04d.ts"),
		filepath.Join(rungDir, "index.m3u8"),
	)
	return args
}

// parseProgress 从 ffmpeg 输出行中解析 time= 并换算为百分比，限制在 [0,100]
func parseProgress(line string, duration float64) (float64, bool) {
	if duration <= 0 {
		return 0, false
	}
	m := timeMarker.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	sec, _ := strconv.ParseFloat(m[3], 64)
	elapsed := float64(h)*3600 + float64(mi)*60 + sec

	p := elapsed / duration * 100
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p, true
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}

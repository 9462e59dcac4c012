// Package transcoder 把一个源视频加工成 HLS 码率阶梯、候选封面和预览片段。
//
// 它只处理输入文件和输出目录，不关心任务队列与网络传输。所有 ffmpeg/ffprobe
// 调用都以独立进程运行，并各自带有超时：探测类调用较短，整片编码较长。
// 除 GenerateHLS 与 GenerateCovers 在文档中声明的错误外，外部进程失败都在本层
// 转换为零值或 false，不会向上传播。
package transcoder

import (
	"time"

	"vod-transcoder/app/config"
	"vod-transcoder/app/logger"
)

// Options 转码参数
type Options struct {
	FFmpegPath            string
	FFprobePath           string
	ProbeTimeout          time.Duration
	EncodeTimeout         time.Duration
	FrameTimeout          time.Duration
	SegmentTimeout        time.Duration
	HLSTime               int
	MultiRung             bool
	CoverCount            int
	CoverConcurrency      int
	CoverFormat           string // jpg 或 webp
	PreviewSegments       int
	PreviewSegmentSeconds float64
	PreviewHeight         int
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		FFmpegPath:            "ffmpeg",
		FFprobePath:           "ffprobe",
		ProbeTimeout:          30 * time.Second,
		EncodeTimeout:         60 * time.Minute,
		FrameTimeout:          60 * time.Second,
		SegmentTimeout:        120 * time.Second,
		HLSTime:               6,
		CoverCount:            10,
		CoverConcurrency:      4,
		CoverFormat:           CoverFormatJPEG,
		PreviewSegments:       5,
		PreviewSegmentSeconds: 2,
		PreviewHeight:         720,
	}
}

// OptionsFromConfig 由配置生成参数，未设置的项使用默认值
func OptionsFromConfig(cfg config.TranscodeConfig) Options {
	opts := DefaultOptions()
	if cfg.FFmpegPath != "" {
		opts.FFmpegPath = cfg.FFmpegPath
	}
	if cfg.FFprobePath != "" {
		opts.FFprobePath = cfg.FFprobePath
	}
	if cfg.ProbeTimeout > 0 {
		opts.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.EncodeTimeout > 0 {
		opts.EncodeTimeout = cfg.EncodeTimeout
	}
	if cfg.FrameTimeout > 0 {
		opts.FrameTimeout = cfg.FrameTimeout
	}
	if cfg.SegmentTimeout > 0 {
		opts.SegmentTimeout = cfg.SegmentTimeout
	}
	if cfg.HLSTime > 0 {
		opts.HLSTime = cfg.HLSTime
	}
	opts.MultiRung = cfg.MultiRung
	if cfg.CoverCount > 0 {
		opts.CoverCount = cfg.CoverCount
	}
	if cfg.CoverConcurrency > 0 {
		opts.CoverConcurrency = cfg.CoverConcurrency
	}
	if cfg.CoverFormat == CoverFormatJPEG || cfg.CoverFormat == CoverFormatWebP {
		opts.CoverFormat = cfg.CoverFormat
	}
	if cfg.PreviewSegments > 0 {
		opts.PreviewSegments = cfg.PreviewSegments
	}
	if cfg.PreviewSegmentSeconds > 0 {
		opts.PreviewSegmentSeconds = cfg.PreviewSegmentSeconds
	}
	if cfg.PreviewHeight > 0 {
		opts.PreviewHeight = cfg.PreviewHeight
	}
	return opts
}

// Transcoder 无状态的媒体处理器，可被多个 worker 并发使用
type Transcoder struct {
	opts   Options
	runner Runner
	scorer FrameScorer
	log    *logger.Logger
}

// Option 构造参数
type Option func(*Transcoder)

// WithRunner 替换外部命令执行器
func WithRunner(r Runner) Option {
	return func(t *Transcoder) {
		t.runner = r
	}
}

// WithScorer 替换封面评分策略
func WithScorer(s FrameScorer) Option {
	return func(t *Transcoder) {
		t.scorer = s
	}
}

// New 创建转码器
func New(opts Options, log *logger.Logger, options ...Option) *Transcoder {
	t := &Transcoder{
		opts:   opts,
		runner: ExecRunner{},
		scorer: DefaultFrameScorer,
		log:    log,
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Options 返回当前参数
func (t *Transcoder) Options() Options {
	return t.opts
}

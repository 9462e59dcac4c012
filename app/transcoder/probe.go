package transcoder

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// VideoInfo 探测结果，探测失败时各字段为零值
type VideoInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Source   string  `json:"source"` // 时长来源: format, stream, frames
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Duration     string `json:"duration"`
	NbFrames     string `json:"nb_frames"`
	NbReadFrames string `json:"nb_read_frames"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []probeStream `json:"streams"`
}

// countFramesTimeoutFactor -count_frames 需要解码整个视频流，超时放宽
const countFramesTimeoutFactor = 4

// GetVideoInfo 获取时长和高度，按 容器时长 -> 视频流时长 -> 帧数/帧率 逐级回退。
// 从不返回错误：全部失败时 Duration 为 0 并记录警告。
func (t *Transcoder) GetVideoInfo(ctx context.Context, path string) VideoInfo {
	var info VideoInfo

	out, err := t.runner.Run(ctx, t.opts.ProbeTimeout, t.opts.FFprobePath, []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	}, nil)
	if err != nil {
		t.log.Warnf("ffprobe 探测失败，使用降级估算: %s, 错误: %v", path, err)
		return info
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		t.log.Warnf("解析 ffprobe 输出失败: %s, 错误: %v", path, err)
		return info
	}

	stream := firstVideoStream(probe.Streams)
	if stream != nil {
		info.Width = stream.Width
		info.Height = stream.Height
	}

	// 第一级：容器时长
	if d := parseFloat(probe.Format.Duration); d > 0 {
		info.Duration = d
		info.Source = "format"
		return info
	}

	if stream == nil {
		t.log.Warnf("未找到视频流，时长未知: %s", path)
		return info
	}

	// 第二级：视频流时长
	if d := parseFloat(stream.Duration); d > 0 {
		info.Duration = d
		info.Source = "stream"
		return info
	}

	// 第三级：帧数 / 帧率
	if d := framesDuration(stream.NbFrames, stream.RFrameRate, stream.AvgFrameRate); d > 0 {
		info.Duration = d
		info.Source = "frames"
		return info
	}
	if d := t.countFramesDuration(ctx, path); d > 0 {
		info.Duration = d
		info.Source = "frames"
		return info
	}

	t.log.Warnf("无法获取视频时长，按 0 处理: %s", path)
	return info
}

// countFramesDuration 逐帧计数得到时长
func (t *Transcoder) countFramesDuration(ctx context.Context, path string) float64 {
	out, err := t.runner.Run(ctx, t.opts.ProbeTimeout*countFramesTimeoutFactor, t.opts.FFprobePath, []string{
		"-v", "error",
		"-count_frames",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type,nb_read_frames,r_frame_rate,avg_frame_rate",
		"-print_format", "json",
		path,
	}, nil)
	if err != nil {
		t.log.Debugf("ffprobe 帧计数失败: %s, 错误: %v", path, err)
		return 0
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0
	}
	for _, s := range probe.Streams {
		if d := framesDuration(s.NbReadFrames, s.RFrameRate, s.AvgFrameRate); d > 0 {
			return d
		}
	}
	return 0
}

func firstVideoStream(streams []probeStream) *probeStream {
	for i := range streams {
		if streams[i].CodecType == "" || streams[i].CodecType == "video" {
			return &streams[i]
		}
	}
	return nil
}

// framesDuration 帧数除以帧率，优先 r_frame_rate
func framesDuration(frames, rRate, avgRate string) float64 {
	n := parseFloat(frames)
	if n <= 0 {
		return 0
	}
	fps := parseRate(rRate)
	if fps <= 0 {
		fps = parseRate(avgRate)
	}
	if fps <= 0 {
		return 0
	}
	return n / fps
}

// parseRate 解析 "30000/1001" 形式的帧率
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return parseFloat(num)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d <= 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

package transcoder

import (
	"fmt"
	"strings"
)

// Rung 码率阶梯中的一档
type Rung struct {
	Name        string // 输出子目录，如 v0
	Height      int    // 该档的标称高度
	ScaleHeight int    // 缩放目标高度，0 表示保持源分辨率
	Bitrate     int    // kbps
	MaxRate     int    // kbps
	BufSize     int    // kbps
}

// BandwidthBps 主播放列表中的 BANDWIDTH，包含音频
func (r Rung) BandwidthBps() int {
	return (r.MaxRate + audioBitrateKbps) * 1000
}

const audioBitrateKbps = 128

// ladderTiers 按源高度分档，从高到低
var ladderTiers = []struct {
	minHeight int
	rung      Rung
}{
	{1080, Rung{Height: 1080, Bitrate: 4000, MaxRate: 4500, BufSize: 8000}},
	{720, Rung{Height: 720, Bitrate: 2500, MaxRate: 3000, BufSize: 5000}},
	{480, Rung{Height: 480, Bitrate: 1200, MaxRate: 1500, BufSize: 2400}},
	{0, Rung{Height: 360, Bitrate: 800, MaxRate: 1000, BufSize: 1600}},
}

// SelectLadder 按源高度选择码率档位
func SelectLadder(height int) Rung {
	for _, tier := range ladderTiers {
		if height >= tier.minHeight {
			return tier.rung
		}
	}
	return ladderTiers[len(ladderTiers)-1].rung
}

// BuildLadder 构建输出阶梯。单档时按源分辨率输出一档；
// 多档时在源档位之下依次追加更低档位并缩放到对应高度。
func BuildLadder(height int, multi bool) []Rung {
	top := SelectLadder(height)
	top.Name = "v0"
	if height > 0 {
		top.Height = height
	}

	ladder := []Rung{top}
	if !multi {
		return ladder
	}

	below := false
	for _, tier := range ladderTiers {
		if tier.rung.Bitrate == top.Bitrate {
			below = true
			continue
		}
		if !below {
			continue
		}
		r := tier.rung
		r.Name = fmt.Sprintf("v%d", len(ladder))
		r.ScaleHeight = r.Height
		ladder = append(ladder, r)
	}
	return ladder
}

// MasterPlaylist 生成引用各档位 index.m3u8 的主播放列表
func MasterPlaylist(ladder []Rung) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range ladder {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,NAME=\"%dp\"\n", r.BandwidthBps(), r.Height)
		fmt.Fprintf(&b, "%s/index.m3u8\n", r.Name)
	}
	return b.String()
}

// 转码耗时估算参数
const (
	presetFactorShort = 0.35 // veryfast
	presetFactorLong  = 0.6  // medium
	fixedOverhead     = 30.0 // 探测、封面、上传等固定开销（秒）
)

// resolutionFactor 分辨率系数
func resolutionFactor(height int) float64 {
	switch {
	case height >= 1080:
		return 1.5
	case height >= 720:
		return 1.0
	case height >= 480:
		return 0.75
	default:
		return 0.6
	}
}

// EstimateTranscodeTime 估算转码耗时（秒），只用于展示预计时间
func EstimateTranscodeTime(duration float64, height int, short bool) float64 {
	if duration <= 0 {
		return fixedOverhead
	}
	preset := presetFactorLong
	if short {
		preset = presetFactorShort
	}
	return duration*preset*resolutionFactor(height) + fixedOverhead
}

// encoderPreset 与估算中的预设系数对应
func encoderPreset(short bool) string {
	if short {
		return "veryfast"
	}
	return "medium"
}

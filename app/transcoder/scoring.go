package transcoder

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // transcode.cover_format=webp 时解码候选封面
)

// FrameScorer 给一帧图像打分，分数越高越适合作为封面
type FrameScorer func(img image.Image) float64

// FrameMetrics 单帧的画质指标，均基于亮度 0-255
type FrameMetrics struct {
	Sharpness     float64 // 相邻像素亮度差分的方差
	Contrast      float64 // 亮度标准差
	Brightness    float64 // 平均亮度
	ColorVariance float64 // 三个通道均值之间的标准差
}

// 评分权重与归一化参数
const (
	analyzeWidth = 320

	weightSharpness  = 0.35
	weightContrast   = 0.25
	weightBrightness = 0.20
	weightColor      = 0.20

	sharpnessNorm = 400.0
	contrastNorm  = 64.0
	colorNorm     = 48.0

	minBrightness   = 30.0
	maxBrightness   = 225.0
	targetBright    = 128.0
	minContrast     = 15.0
	badFramePenalty = 0.3
)

// AnalyzeFrame 计算一帧的画质指标，宽度大于 320 的图像先缩小
func AnalyzeFrame(img image.Image) FrameMetrics {
	var nrgba *image.NRGBA
	if img.Bounds().Dx() > analyzeWidth {
		nrgba = imaging.Resize(img, analyzeWidth, 0, imaging.Box)
	} else {
		nrgba = imaging.Clone(img)
	}

	b := nrgba.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return FrameMetrics{}
	}

	luma := make([]float64, w*h)
	var sumR, sumG, sumB, sumY, sumY2 float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := nrgba.PixOffset(x+b.Min.X, y+b.Min.Y)
			r := float64(nrgba.Pix[i])
			g := float64(nrgba.Pix[i+1])
			bl := float64(nrgba.Pix[i+2])
			l := 0.299*r + 0.587*g + 0.114*bl
			luma[y*w+x] = l
			sumR += r
			sumG += g
			sumB += bl
			sumY += l
			sumY2 += l * l
		}
	}

	n := float64(w * h)
	mean := sumY / n
	variance := sumY2/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	return FrameMetrics{
		Sharpness:     gradientVariance(luma, w, h),
		Contrast:      math.Sqrt(variance),
		Brightness:    mean,
		ColorVariance: stddev(sumR/n, sumG/n, sumB/n),
	}
}

// gradientVariance 水平与垂直一阶差分的方差，近似边缘能量
func gradientVariance(luma []float64, w, h int) float64 {
	var sum, sum2, count float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := luma[y*w+x]
			if x+1 < w {
				d := luma[y*w+x+1] - v
				sum += d
				sum2 += d * d
				count++
			}
			if y+1 < h {
				d := luma[(y+1)*w+x] - v
				sum += d
				sum2 += d * d
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	m := sum / count
	return math.Max(sum2/count-m*m, 0)
}

func stddev(values ...float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var acc float64
	for _, v := range values {
		acc += (v - mean) * (v - mean)
	}
	return math.Sqrt(acc / float64(len(values)))
}

// IsBadFrame 接近纯色、过暗或过曝
func (m FrameMetrics) IsBadFrame() bool {
	return m.Contrast < minContrast || m.Brightness < minBrightness || m.Brightness > maxBrightness
}

// ScoreMetrics 把指标合成为 0-1 的分数，坏帧乘以惩罚系数
func ScoreMetrics(m FrameMetrics) float64 {
	brightness := 0.0
	if m.Brightness >= minBrightness && m.Brightness <= maxBrightness {
		brightness = 1 - math.Abs(m.Brightness-targetBright)/targetBright
	}

	score := weightSharpness*math.Min(m.Sharpness/sharpnessNorm, 1) +
		weightContrast*math.Min(m.Contrast/contrastNorm, 1) +
		weightBrightness*brightness +
		weightColor*math.Min(m.ColorVariance/colorNorm, 1)

	if m.IsBadFrame() {
		score *= badFramePenalty
	}
	return score
}

// DefaultFrameScorer 默认评分策略
func DefaultFrameScorer(img image.Image) float64 {
	return ScoreMetrics(AnalyzeFrame(img))
}

// positionBonus 越靠近序列中间加分越多，最多 0.1
func positionBonus(i, n int) float64 {
	if n <= 1 {
		return 0.1
	}
	mid := float64(n-1) / 2
	return 0.1 * (1 - math.Abs(float64(i)-mid)/mid)
}

package transcoder

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"vod-transcoder/app/logger"
)

// fakeRunner 按规则模拟 ffmpeg/ffprobe，记录所有调用
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(name string, args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, _ time.Duration, name string, args []string, onStderr func(string)) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if onStderr != nil {
		onStderr("frame=  100 fps=25 time=00:00:30.00 bitrate=1000kbits/s")
	}
	if f.handle == nil {
		return nil, nil
	}
	return f.handle(name, args)
}

func (f *fakeRunner) callsContaining(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c, " "), s) {
			n++
		}
	}
	return n
}

func newTestTranscoder(t *testing.T, r Runner, opts ...Option) *Transcoder {
	t.Helper()
	o := DefaultOptions()
	return New(o, logger.NewNop(), append([]Option{WithRunner(r)}, opts...)...)
}

func lastArg(args []string) string {
	return args[len(args)-1]
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// writeHLSOutput 模拟 ffmpeg 生成的 index.m3u8 与一个切片
func writeHLSOutput(args []string) error {
	playlist := lastArg(args)
	dir := filepath.Dir(playlist)
	if err := os.WriteFile(filepath.Join(dir, "seg_0000.ts"), []byte("ts"), 0644); err != nil {
		return err
	}
	return os.WriteFile(playlist, []byte("#EXTM3U\n"), 0644)
}

// writeFrame 生成一张 jpg 截帧，fill 控制画面内容
func writeFrame(path string, fill func(x, y int) color.Color) error {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 36))
	for y := 0; y < 36; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, fill(x, y))
		}
	}
	return imaging.Save(img, path)
}

func solid(c color.Color) func(x, y int) color.Color {
	return func(int, int) color.Color { return c }
}

func checker(x, y int) color.Color {
	if (x/4+y/4)%2 == 0 {
		return color.NRGBA{R: 200, G: 200, B: 200, A: 255}
	}
	return color.NRGBA{R: 40, G: 40, B: 120, A: 255}
}

package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
)

func TestGenerateHLSSingleRung(t *testing.T) {
	out := t.TempDir()
	r := &fakeRunner{handle: func(_ string, args []string) ([]byte, error) {
		return nil, writeHLSOutput(args)
	}}
	tr := newTestTranscoder(t, r)

	var mu sync.Mutex
	var progress []float64
	hlsDir, err := tr.GenerateHLS(context.Background(), "in.mp4", out, 120, 1080,
		WithProgress(func(p float64) {
			mu.Lock()
			progress = append(progress, p)
			mu.Unlock()
		}))
	if err != nil {
		t.Fatal(err)
	}
	if hlsDir != filepath.Join(out, "hls") {
		t.Errorf("hlsDir = %s", hlsDir)
	}

	master, err := os.ReadFile(filepath.Join(hlsDir, MasterPlaylistName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(master), "v0/index.m3u8") {
		t.Errorf("master playlist = %q", master)
	}
	if _, err := os.Stat(filepath.Join(hlsDir, "v0", "seg_0000.ts")); err != nil {
		t.Errorf("segment missing: %v", err)
	}

	if len(r.calls) != 1 {
		t.Fatalf("ffmpeg calls = %d, want 1", len(r.calls))
	}
	args := r.calls[0][1:]
	if argValue(args, "-b:v") != "4000k" || argValue(args, "-maxrate") != "4500k" || argValue(args, "-bufsize") != "8000k" {
		t.Errorf("unexpected rate args: %v", args)
	}
	if argValue(args, "-preset") != "medium" {
		t.Errorf("preset = %s, want medium", argValue(args, "-preset"))
	}
	if slices.Contains(args, "-vf") {
		t.Errorf("source rung must not be scaled: %v", args)
	}

	// 30s of 120s 报告为 25%，最后以 100 结束
	if len(progress) != 2 || progress[0] != 25 || progress[1] != 100 {
		t.Errorf("progress = %v, want [25 100]", progress)
	}
}

func TestGenerateHLSMultiRungAndFastPreset(t *testing.T) {
	out := t.TempDir()
	r := &fakeRunner{handle: func(_ string, args []string) ([]byte, error) {
		return nil, writeHLSOutput(args)
	}}
	tr := newTestTranscoder(t, r)
	tr.opts.MultiRung = true

	if _, err := tr.GenerateHLS(context.Background(), "in.mp4", out, 60, 720, WithFastPreset()); err != nil {
		t.Fatal(err)
	}
	if len(r.calls) != 3 {
		t.Fatalf("ffmpeg calls = %d, want 3", len(r.calls))
	}
	for i, c := range r.calls {
		if argValue(c, "-preset") != "veryfast" {
			t.Errorf("call %d preset = %s", i, argValue(c, "-preset"))
		}
	}
	if got := argValue(r.calls[2], "-vf"); got != "scale=-2:360" {
		t.Errorf("lowest rung scale = %q", got)
	}
	for _, name := range []string{"v0", "v1", "v2"} {
		if _, err := os.Stat(filepath.Join(out, "hls", name, "index.m3u8")); err != nil {
			t.Errorf("%s playlist missing: %v", name, err)
		}
	}
}

func TestGenerateHLSTimeout(t *testing.T) {
	out := t.TempDir()
	r := &fakeRunner{handle: func(string, []string) ([]byte, error) {
		return nil, fmt.Errorf("ffmpeg 超过 1h: %w", ErrProcessTimeout)
	}}
	_, err := newTestTranscoder(t, r).GenerateHLS(context.Background(), "in.mp4", out, 120, 1080)
	if !errors.Is(err, ErrEncodeFailed) {
		t.Fatalf("err = %v, want ErrEncodeFailed", err)
	}
	if _, err := os.Stat(filepath.Join(out, "hls", MasterPlaylistName)); !os.IsNotExist(err) {
		t.Errorf("master playlist must not exist after failure")
	}
}

func TestGenerateHLSOverwritesPreviousAttempt(t *testing.T) {
	out := t.TempDir()
	stale := filepath.Join(out, "hls", "v0", "seg_0099.ts")
	writeFile(t, stale, "partial")

	r := &fakeRunner{handle: func(_ string, args []string) ([]byte, error) {
		return nil, writeHLSOutput(args)
	}}
	if _, err := newTestTranscoder(t, r).GenerateHLS(context.Background(), "in.mp4", out, 10, 480); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale segment from previous attempt still present")
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line     string
		duration float64
		want     float64
		ok       bool
	}{
		{"frame=1 time=00:01:00.00 bitrate=1", 120, 50, true},
		{"time=01:00:00.50", 3600, 100, true},
		{"time=00:00:00.00", 10, 0, true},
		{"Stream #0:0: Video: h264", 120, 0, false},
		{"time=00:00:10.00", 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := parseProgress(tt.line, tt.duration)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseProgress(%q, %v) = %v, %v; want %v, %v", tt.line, tt.duration, got, ok, tt.want, tt.ok)
		}
	}
}

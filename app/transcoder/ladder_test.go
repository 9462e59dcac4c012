package transcoder

import (
	"math"
	"strings"
	"testing"
)

func TestSelectLadder(t *testing.T) {
	tests := []struct {
		height  int
		bitrate int
		maxRate int
		bufSize int
	}{
		{2160, 4000, 4500, 8000},
		{1080, 4000, 4500, 8000},
		{1079, 2500, 3000, 5000},
		{720, 2500, 3000, 5000},
		{576, 1200, 1500, 2400},
		{480, 1200, 1500, 2400},
		{360, 800, 1000, 1600},
		{0, 800, 1000, 1600},
	}
	for _, tt := range tests {
		r := SelectLadder(tt.height)
		if r.Bitrate != tt.bitrate || r.MaxRate != tt.maxRate || r.BufSize != tt.bufSize {
			t.Errorf("SelectLadder(%d) = %d/%d/%d, want %d/%d/%d",
				tt.height, r.Bitrate, r.MaxRate, r.BufSize, tt.bitrate, tt.maxRate, tt.bufSize)
		}
	}
}

func TestBuildLadderSingle(t *testing.T) {
	ladder := BuildLadder(1080, false)
	if len(ladder) != 1 {
		t.Fatalf("len = %d, want 1", len(ladder))
	}
	if ladder[0].Name != "v0" || ladder[0].ScaleHeight != 0 || ladder[0].Height != 1080 {
		t.Errorf("unexpected rung %+v", ladder[0])
	}
}

func TestBuildLadderMulti(t *testing.T) {
	ladder := BuildLadder(720, true)
	wantHeights := []int{720, 480, 360}
	if len(ladder) != len(wantHeights) {
		t.Fatalf("len = %d, want %d", len(ladder), len(wantHeights))
	}
	for i, r := range ladder {
		if r.Height != wantHeights[i] {
			t.Errorf("rung %d height = %d, want %d", i, r.Height, wantHeights[i])
		}
		if i > 0 && r.ScaleHeight != wantHeights[i] {
			t.Errorf("rung %d scale = %d, want %d", i, r.ScaleHeight, wantHeights[i])
		}
	}
	if ladder[2].Name != "v2" {
		t.Errorf("name = %s, want v2", ladder[2].Name)
	}
}

func TestMasterPlaylist(t *testing.T) {
	got := MasterPlaylist(BuildLadder(1080, true))
	if !strings.HasPrefix(got, "#EXTM3U\n") {
		t.Fatalf("missing header: %q", got)
	}
	for _, want := range []string{
		"BANDWIDTH=4628000,NAME=\"1080p\"\nv0/index.m3u8",
		"BANDWIDTH=3128000,NAME=\"720p\"\nv1/index.m3u8",
		"v3/index.m3u8",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("playlist missing %q:\n%s", want, got)
		}
	}
}

func TestEstimateTranscodeTime(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		height   int
		short    bool
		want     float64
	}{
		{"unknown duration", 0, 1080, false, 30},
		{"long 1080p", 120, 1080, false, 120*0.6*1.5 + 30},
		{"short 720p", 60, 720, true, 60*0.35*1.0 + 30},
		{"long 480p", 100, 480, false, 100*0.6*0.75 + 30},
		{"short low res", 100, 240, true, 100*0.35*0.6 + 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTranscodeTime(tt.duration, tt.height, tt.short)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

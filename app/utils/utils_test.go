package utils

import "testing"

func TestTitleFromFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"summer_trip  2024.mp4", "summer trip 2024"},
		{"/drop/long/Holiday.Final.mkv", "Holiday.Final"},
		{"cafe\u0301.mov", "caf\u00e9"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := TitleFromFilename(tt.in); got != tt.want {
			t.Errorf("TitleFromFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Summer Trip", "Summer_Trip"},
		{"a b/c", "a_b_c"},
		{"..x..", "x"},
		{"///", "video"},
		{"cafe\u0301", "caf\u00e9"},
		{"剧集 第1集", "剧集_第1集"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if !IsPasswordHash(hash) {
		t.Error("bcrypt hash not recognised")
	}
	if IsPasswordHash("s3cret") {
		t.Error("plaintext recognised as hash")
	}
	if !VerifyPassword("s3cret", hash) || VerifyPassword("wrong", hash) {
		t.Error("VerifyPassword mismatch")
	}
}

package auth

import (
	"testing"
	"time"

	"vod-transcoder/app/config"
)

func newTestService(now time.Time) *JWTService {
	s := NewJWTService(config.JWTConfig{Secret: "secret", ExpireTime: 2, Issuer: "vod-transcoder"})
	s.now = func() time.Time { return now }
	return s
}

func TestGenerateAndValidate(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newTestService(now)

	token, expireAt, err := s.GenerateToken("admin")
	if err != nil {
		t.Fatal(err)
	}
	if !expireAt.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("expireAt = %v", expireAt)
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Username != "admin" || claims.Issuer != "vod-transcoder" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateRejects(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newTestService(now)
	token, _, err := s.GenerateToken("admin")
	if err != nil {
		t.Fatal(err)
	}

	other := NewJWTService(config.JWTConfig{Secret: "other", ExpireTime: 2, Issuer: "vod-transcoder"})
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("token signed with another secret accepted")
	}

	wrongIssuer := NewJWTService(config.JWTConfig{Secret: "secret", ExpireTime: 2, Issuer: "someone-else"})
	if _, err := wrongIssuer.ValidateToken(token); err == nil {
		t.Error("token from another issuer accepted")
	}

	later := newTestService(now.Add(3 * time.Hour))
	if _, err := later.ValidateToken(token); err == nil {
		t.Error("expired token accepted")
	}
}

func TestRefreshToken(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newTestService(now)
	token, _, err := s.GenerateToken("admin")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.RefreshToken(token); err == nil {
		t.Error("fresh token should not be refreshed")
	}

	s.now = func() time.Time { return now.Add(90 * time.Minute) }
	refreshed, expireAt, err := s.RefreshToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed == "" || !expireAt.Equal(now.Add(90*time.Minute+2*time.Hour)) {
		t.Errorf("refresh = %q, %v", refreshed, expireAt)
	}
}

package auth

import (
	"errors"
	"time"

	"vod-transcoder/app/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 令牌无法解析或已失效
var ErrInvalidToken = errors.New("invalid token")

// Claims JWT声明结构
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService JWT服务
type JWTService struct {
	config config.JWTConfig
	now    func() time.Time
}

// NewJWTService 创建JWT服务
func NewJWTService(cfg config.JWTConfig) *JWTService {
	if cfg.ExpireTime <= 0 {
		cfg.ExpireTime = 24
	}
	return &JWTService{config: cfg, now: time.Now}
}

// TTL 令牌有效期
func (j *JWTService) TTL() time.Duration {
	return time.Duration(j.config.ExpireTime) * time.Hour
}

// GenerateToken 生成JWT令牌，返回令牌和过期时间
func (j *JWTService) GenerateToken(username string) (string, time.Time, error) {
	now := j.now()
	expireAt := now.Add(j.TTL())
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expireAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(j.config.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expireAt, nil
}

// ValidateToken 验证JWT令牌
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(j.config.Secret), nil
	}, jwt.WithIssuer(j.config.Issuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RefreshToken 剩余有效期不足1小时时签发新令牌
func (j *JWTService) RefreshToken(tokenString string) (string, time.Time, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", time.Time{}, err
	}

	if claims.ExpiresAt.Time.Sub(j.now()) > time.Hour {
		return "", time.Time{}, errors.New("token still valid, no need to refresh")
	}
	return j.GenerateToken(claims.Username)
}

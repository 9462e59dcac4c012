package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"vod-transcoder/app/auth"
	"vod-transcoder/app/config"
	"vod-transcoder/app/middleware"
	"vod-transcoder/app/utils"

	"github.com/gin-gonic/gin"
)

// AuthHandler 管理员认证处理器。账号来自 server.username/server.password
type AuthHandler struct {
	jwtService   *auth.JWTService
	username     string
	passwordHash string
}

// NewAuthHandler 创建认证处理器，配置中的密码可以是明文或 bcrypt 哈希
func NewAuthHandler(cfg config.ServerConfig, jwtService *auth.JWTService) (*AuthHandler, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("未设置 server.username 或 server.password")
	}

	hash := cfg.Password
	if !utils.IsPasswordHash(hash) {
		var err error
		if hash, err = utils.HashPassword(cfg.Password); err != nil {
			return nil, err
		}
	}
	return &AuthHandler{
		jwtService:   jwtService,
		username:     cfg.Username,
		passwordHash: hash,
	}, nil
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	ExpireAt int64  `json:"expire_at"`
}

// Login 管理员登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.username)) == 1
	if !utils.VerifyPassword(req.Password, h.passwordHash) || !userOK {
		fail(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}

	token, expireAt, err := h.jwtService.GenerateToken(h.username)
	if err != nil {
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	success(c, LoginResponse{
		Token:    token,
		Username: h.username,
		ExpireAt: expireAt.Unix(),
	}, "登录成功")
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	token, expireAt, err := h.jwtService.RefreshToken(req.Token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "刷新令牌失败: "+err.Error())
		return
	}

	success(c, gin.H{
		"token":     token,
		"expire_at": expireAt.Unix(),
	}, "刷新成功")
}

// Me 获取当前用户信息
func (h *AuthHandler) Me(c *gin.Context) {
	success(c, gin.H{"username": c.GetString(middleware.ContextUsername)}, "success")
}

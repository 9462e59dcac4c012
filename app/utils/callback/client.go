package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"resty.dev/v3"

	"vod-transcoder/app/config"
	"vod-transcoder/app/metrics"
)

// KeyHeader 共享密钥请求头
const KeyHeader = "X-Transcode-Key"

// ErrRejected 远端返回 success=false
var ErrRejected = errors.New("回调被拒绝")

// Payload 导入请求体。受限内容使用 video_url 代替 hls_url
type Payload struct {
	Filename   string  `json:"filename"`
	Title      string  `json:"title"`
	IsShort    bool    `json:"is_short"`
	Duration   float64 `json:"duration"`
	HLSURL     string  `json:"hls_url,omitempty"`
	VideoURL   string  `json:"video_url,omitempty"`
	CoverURL   string  `json:"cover_url"`
	PreviewURL string  `json:"preview_url"`
}

// Result 导入响应
type Result struct {
	Success bool   `json:"success"`
	VideoID int64  `json:"video_id"`
	Skipped bool   `json:"skipped"` // 远端已存在相同记录
	Message string `json:"message"`
}

// Client 完成回调客户端
type Client struct {
	path   string
	client *resty.Client
}

// New 创建回调客户端
func New(cfg config.CallbackConfig) *Client {
	client := resty.New()
	client.SetBaseURL(cfg.APIBase)
	client.SetHeader(KeyHeader, cfg.Key)
	client.SetHeader("Content-Type", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.Retries > 0 {
		client.SetRetryCount(cfg.Retries)
		client.SetRetryWaitTime(time.Second)
		client.SetAllowNonIdempotentRetry(true)
	}

	path := cfg.Path
	if path == "" {
		path = "/api/videos/import-from-transcode"
	}
	return &Client{path: path, client: client}
}

// Notify 发送导入通知
func (c *Client) Notify(ctx context.Context, payload Payload) (*Result, error) {
	var result Result
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(c.path)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("请求导入接口失败: %w", err)
	}

	if !resp.IsSuccess() {
		metrics.CallbacksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("导入接口返回异常，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		metrics.CallbacksTotal.WithLabelValues("rejected").Inc()
		return &result, fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}

	if result.Skipped {
		metrics.CallbacksTotal.WithLabelValues("skipped").Inc()
	} else {
		metrics.CallbacksTotal.WithLabelValues("ok").Inc()
	}
	return &result, nil
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.client.Close()
}

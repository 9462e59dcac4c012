package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vod-transcoder/app/auth"
	"vod-transcoder/app/config"
	"vod-transcoder/app/handler"
	"vod-transcoder/app/logger"
	"vod-transcoder/app/middleware"
	"vod-transcoder/app/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statsCacheTTL 统计和队列接口的缓存时间
const statsCacheTTL = 5 * time.Second

// Server 管理 API 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server
}

// New 创建服务器并注册路由
func New(cfg *config.Config, log *logger.Logger, store *service.TaskStore, pool handler.PoolStatus) (*Server, error) {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(log))

	jwtService := auth.NewJWTService(cfg.JWT)
	authHandler, err := handler.NewAuthHandler(cfg.Server, jwtService)
	if err != nil {
		return nil, err
	}
	taskHandler := handler.NewTaskHandler(store, pool, statsCacheTTL, log)

	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:              ":" + cfg.Server.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes(jwtService, authHandler, taskHandler)
	return s, nil
}

// Handler 返回路由，测试中配合 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动服务器，正常关闭时返回 nil
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes(jwtService *auth.JWTService, authHandler *handler.AuthHandler, taskHandler *handler.TaskHandler) {
	s.gin.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.gin.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.RefreshToken)
	}

	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(jwtService))
	{
		protected.GET("/me", authHandler.Me)
		protected.GET("/stats", taskHandler.GetStats)

		queue := protected.Group("/queue")
		{
			queue.GET("", taskHandler.GetQueue)
			queue.POST("/reorder", taskHandler.Reorder)
		}

		tasks := protected.Group("/tasks")
		{
			tasks.GET("", taskHandler.ListTasks)
			tasks.POST("", taskHandler.Enqueue)
			tasks.GET("/:id", taskHandler.GetTask)
			tasks.POST("/:id/schedule", taskHandler.Schedule)
			tasks.POST("/:id/cancel", taskHandler.Cancel)
		}

		history := protected.Group("/history")
		{
			history.GET("", taskHandler.ListHistory)
			history.GET("/stats", taskHandler.GetHistoryStats)
		}
	}
}

// accessLog 简单的访问日志
func accessLog(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("API %s %s %d %v",
			c.Request.Method,
			c.Request.RequestURI,
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

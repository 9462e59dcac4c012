package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vod-transcoder/app/database"
	"vod-transcoder/app/filewatcher"
	"vod-transcoder/app/server"
	"vod-transcoder/app/service"
	"vod-transcoder/app/transcoder"
	"vod-transcoder/app/uploader"
	"vod-transcoder/app/utils/callback"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动转码服务",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, log, store := openStore()
		defer log.Close()
		defer database.Close()

		media := transcoder.New(transcoder.OptionsFromConfig(cfg.Transcode), log.Named("transcoder"))

		var poolOpts []service.PoolOption
		if cfg.Upload.Enabled {
			up, err := uploader.New(cfg.Upload, log.Named("uploader"))
			if err != nil {
				log.Fatalf("创建上传器失败: %v", err)
			}
			defer up.Close()
			poolOpts = append(poolOpts, service.WithDeliverer(up))
		} else {
			log.Warn("上传未启用，产物只保留在本地 completed 目录")
		}
		if cfg.Callback.Enabled {
			cb := callback.New(cfg.Callback)
			defer cb.Close()
			poolOpts = append(poolOpts, service.WithNotifier(cb))
		} else {
			log.Warn("完成回调未启用")
		}

		pool := service.NewWorkerPool(store, media, cfg.Worker, cfg.Paths, log.Named("worker"), poolOpts...)
		if _, err := pool.Recover(context.Background()); err != nil {
			log.Fatalf("恢复卡住的任务失败: %v", err)
		}

		watcher, err := filewatcher.NewManager(cfg.Watcher, cfg.Paths.Downloads, store, log.Named("watcher"))
		if err != nil {
			log.Fatalf("创建投放目录监控失败: %v", err)
		}

		var cleanup *service.CleanupService
		if cfg.Cleanup.Enabled {
			if cleanup, err = service.NewCleanupService(store, cfg.Cleanup, log.Named("cleanup")); err != nil {
				log.Fatalf("创建清理服务失败: %v", err)
			}
		}

		srv, err := server.New(cfg, log, store, pool)
		if err != nil {
			log.Fatalf("创建服务器失败: %v", err)
		}

		pool.Start()
		if err := watcher.Start(); err != nil {
			log.Fatalf("启动投放目录监控失败: %v", err)
		}
		if cleanup != nil {
			cleanup.Start()
		}

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		if err := watcher.Stop(); err != nil {
			log.Errorf("停止投放目录监控失败: %v", err)
		}
		if cleanup != nil {
			cleanup.Stop()
		}
		// 进行中的任务被取消后回到队列，源文件放回投放目录
		pool.Stop()
		log.Info("服务已退出")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

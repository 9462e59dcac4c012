package cmd

import (
	"os"
	"strings"

	"vod-transcoder/app/config"
	"vod-transcoder/app/database"
	"vod-transcoder/app/logger"
	"vod-transcoder/app/service"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "vod-transcoder",
	Short:   "视频转码发布服务",
	Long:    "监控投放目录，将视频转码为 HLS、生成封面和预览，上传到源站并通知发布接口",
	Version: "1.0.0",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径（默认 ./data/config.yaml 或 ./config.yaml）")
}

// initConfig 设置配置文件搜索路径和环境变量，读取由 config.Load 完成
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath("./data") // 相对于当前工作目录的 data 文件夹
		viper.AddConfigPath(".")      // 当前目录
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 环境变量 VOD_WORKER_MAX_WORKERS 覆盖 worker.max_workers
	viper.SetEnvPrefix("vod")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// openStore 加载配置、日志和数据库，供各子命令使用
func openStore() (*config.Config, *logger.Logger, *service.TaskStore) {
	cfg := config.Load()
	log := logger.New(cfg.Log)

	if err := database.Init(cfg, log); err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	return cfg, log, service.NewTaskStore(database.GetDB(), log.Named("store"))
}

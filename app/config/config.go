package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Callback  CallbackConfig  `mapstructure:"callback"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PathsConfig 本地目录布局
type PathsConfig struct {
	Downloads  string `mapstructure:"downloads"`  // 投放目录，下含 long/ 和 short/
	Processing string `mapstructure:"processing"` // 处理中的暂存目录
	Completed  string `mapstructure:"completed"`  // 产物目录，下含 long/ 和 short/
}

// WorkerConfig 工作池配置
type WorkerConfig struct {
	MaxWorkers         int           `mapstructure:"max_workers"`
	PollInterval       time.Duration `mapstructure:"poll_interval"` // 空闲时轮询间隔
	BusyInterval       time.Duration `mapstructure:"busy_interval"` // 有任务执行时的轮询间隔
	MaxRetries         int           `mapstructure:"max_retries"`
	MinFreeGB          float64       `mapstructure:"min_free_gb"`          // 磁盘低水位
	KeepLocalArtifacts bool          `mapstructure:"keep_local_artifacts"` // 上传后是否保留 completed 目录
}

// TranscodeConfig 转码参数
type TranscodeConfig struct {
	FFmpegPath            string        `mapstructure:"ffmpeg_path"`
	FFprobePath           string        `mapstructure:"ffprobe_path"`
	ProbeTimeout          time.Duration `mapstructure:"probe_timeout"`
	EncodeTimeout         time.Duration `mapstructure:"encode_timeout"`
	FrameTimeout          time.Duration `mapstructure:"frame_timeout"`
	SegmentTimeout        time.Duration `mapstructure:"segment_timeout"`
	HLSTime               int           `mapstructure:"hls_time"`
	MultiRung             bool          `mapstructure:"multi_rung"`
	CoverCount            int           `mapstructure:"cover_count"`
	CoverConcurrency      int           `mapstructure:"cover_concurrency"`
	CoverFormat           string        `mapstructure:"cover_format"` // jpg 或 webp
	PreviewSegments       int           `mapstructure:"preview_segments"`
	PreviewSegmentSeconds float64       `mapstructure:"preview_segment_seconds"`
	PreviewHeight         int           `mapstructure:"preview_height"`
}

// UploadConfig SFTP 上传配置
type UploadConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	User                string        `mapstructure:"user"`
	Password            string        `mapstructure:"password"`
	KeyFile             string        `mapstructure:"key_file"`
	KnownHosts          string        `mapstructure:"known_hosts"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	RemoteBase          string        `mapstructure:"remote_base"`
	PublicURL           string        `mapstructure:"public_url"`
	RestrictedBase      string        `mapstructure:"restricted_base"`
	RestrictedPublicURL string        `mapstructure:"restricted_public_url"`
	UID                 int           `mapstructure:"uid"` // <0 表示不修改属主
	GID                 int           `mapstructure:"gid"`
	DirMode             uint32        `mapstructure:"dir_mode"`
	FileMode            uint32        `mapstructure:"file_mode"`
}

// CallbackConfig 完成回调配置
type CallbackConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIBase string        `mapstructure:"api_base"`
	Path    string        `mapstructure:"path"`
	Key     string        `mapstructure:"key"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// WatcherConfig 投放目录监控配置
type WatcherConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	Extensions           []string `mapstructure:"extensions"`
	ProcessExistingFiles bool     `mapstructure:"process_existing_files"`
	LongPriority         int      `mapstructure:"long_priority"`
	ShortPriority        int      `mapstructure:"short_priority"`
}

// CleanupConfig 过期任务清理配置
type CleanupConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Schedule      string `mapstructure:"schedule"` // cron 表达式
	CompletedDays int    `mapstructure:"completed_days"`
	FailedDays    int    `mapstructure:"failed_days"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.username", "admin")
	viper.SetDefault("server.password", "admin") // 生产环境请改为 bcrypt 哈希

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.dir", "data/logs")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "vod-transcoder")

	viper.SetDefault("database.path", "data/transcode.db")

	viper.SetDefault("paths.downloads", "data/downloads")
	viper.SetDefault("paths.processing", "data/processing")
	viper.SetDefault("paths.completed", "data/completed")

	viper.SetDefault("worker.max_workers", 2)
	viper.SetDefault("worker.poll_interval", "10s")
	viper.SetDefault("worker.busy_interval", "2s")
	viper.SetDefault("worker.max_retries", 3)
	viper.SetDefault("worker.min_free_gb", 5.0)
	viper.SetDefault("worker.keep_local_artifacts", true)

	viper.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	viper.SetDefault("transcode.ffprobe_path", "ffprobe")
	viper.SetDefault("transcode.probe_timeout", "30s")
	viper.SetDefault("transcode.encode_timeout", "60m")
	viper.SetDefault("transcode.frame_timeout", "60s")
	viper.SetDefault("transcode.segment_timeout", "120s")
	viper.SetDefault("transcode.hls_time", 6)
	viper.SetDefault("transcode.multi_rung", false)
	viper.SetDefault("transcode.cover_count", 10)
	viper.SetDefault("transcode.cover_concurrency", 4)
	viper.SetDefault("transcode.cover_format", "jpg")
	viper.SetDefault("transcode.preview_segments", 5)
	viper.SetDefault("transcode.preview_segment_seconds", 2.0)
	viper.SetDefault("transcode.preview_height", 720)

	viper.SetDefault("upload.enabled", false)
	viper.SetDefault("upload.port", 22)
	viper.SetDefault("upload.dial_timeout", "15s")
	viper.SetDefault("upload.remote_base", "/var/www/media")
	viper.SetDefault("upload.restricted_base", "/var/www/media-restricted")
	viper.SetDefault("upload.uid", -1)
	viper.SetDefault("upload.gid", -1)
	viper.SetDefault("upload.dir_mode", 0755)
	viper.SetDefault("upload.file_mode", 0644)

	viper.SetDefault("callback.enabled", false)
	viper.SetDefault("callback.path", "/api/videos/import-from-transcode")
	viper.SetDefault("callback.timeout", "30s")
	viper.SetDefault("callback.retries", 2)

	viper.SetDefault("watcher.enabled", true)
	viper.SetDefault("watcher.extensions", []string{".mp4", ".mkv", ".mov", ".avi", ".webm", ".flv", ".ts", ".m4v"})
	viper.SetDefault("watcher.process_existing_files", true)

	viper.SetDefault("cleanup.enabled", true)
	viper.SetDefault("cleanup.schedule", "0 3 * * *") // 每天凌晨3点
	viper.SetDefault("cleanup.completed_days", 7)
	viper.SetDefault("cleanup.failed_days", 30)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Worker.MaxWorkers <= 0 {
		return fmt.Errorf("worker.max_workers 必须大于 0")
	}
	if config.Worker.MaxRetries <= 0 {
		return fmt.Errorf("worker.max_retries 必须大于 0")
	}
	if f := config.Transcode.CoverFormat; f != "jpg" && f != "webp" {
		return fmt.Errorf("transcode.cover_format 只能是 jpg 或 webp: %s", f)
	}
	if config.Upload.Enabled {
		if config.Upload.Host == "" || config.Upload.User == "" {
			return fmt.Errorf("上传已启用但未设置 upload.host 或 upload.user")
		}
		if config.Upload.Password == "" && config.Upload.KeyFile == "" {
			return fmt.Errorf("上传已启用但未设置密码或私钥")
		}
	}
	if config.Callback.Enabled && (config.Callback.APIBase == "" || config.Callback.Key == "") {
		return fmt.Errorf("回调已启用但未设置 callback.api_base 或 callback.key")
	}
	return nil
}

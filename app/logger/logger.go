package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vod-transcoder/app/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 包装 zap.Logger，提供格式化和结构化两套方法
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger

	// 仅根记录器持有，子记录器共享输出但不负责关闭
	rotate *dailyFile
}

// DefaultDir 文件输出时的默认日志目录
const DefaultDir = "data/logs"

// New 使用给定配置创建日志记录器。output=file 时按天切换文件，并由 lumberjack 按大小轮转
func New(cfg config.LogConfig) *Logger {
	level := parseLevel(cfg.Level)
	encCfg := encoderConfig()

	var core zapcore.Core
	var rotate *dailyFile

	if cfg.Output == "file" {
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultDir
		}
		var err error
		rotate, err = newDailyFile(dir, cfg)
		if err != nil {
			panic("创建日志目录失败: " + err.Error())
		}
		core = zapcore.NewCore(newEncoder(cfg.Format, encCfg), zapcore.AddSync(rotate.writer), level)

		// 调试模式下同时输出到控制台
		if level == zapcore.DebugLevel {
			console := zapcore.NewCore(newEncoder("text", encCfg), zapcore.AddSync(os.Stdout), level)
			core = zapcore.NewTee(core, console)
		}
	} else {
		core = zapcore.NewCore(newEncoder(cfg.Format, encCfg), zapcore.AddSync(os.Stdout), level)
	}

	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{Logger: l, sugar: l.Sugar(), rotate: rotate}
}

// NewNop 返回丢弃所有输出的日志记录器，供测试使用
func NewNop() *Logger {
	l := zap.NewNop()
	return &Logger{Logger: l, sugar: l.Sugar()}
}

// Named 返回带子名称的日志记录器，与父记录器共享输出
func (l *Logger) Named(name string) *Logger {
	named := l.Logger.Named(name)
	return &Logger{Logger: named, sugar: named.Sugar()}
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// newEncoder json 或带颜色的控制台格式
func newEncoder(format string, cfg zapcore.EncoderConfig) zapcore.Encoder {
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// dailyFile 以日期命名的日志文件，跨天时切换到新文件
type dailyFile struct {
	dir    string
	writer *lumberjack.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDailyFile(dir string, cfg config.LogConfig) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &dailyFile{
		dir: dir,
		writer: &lumberjack.Logger{
			Filename:   fileForDay(dir, time.Now()),
			MaxSize:    cfg.MaxSize,    // 兆字节
			MaxBackups: cfg.MaxBackups, // 备份数量
			MaxAge:     cfg.MaxAge,     // 天数
			Compress:   cfg.Compress,
		},
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.run(ctx)
	return d, nil
}

func fileForDay(dir string, day time.Time) string {
	return filepath.Join(dir, day.Format("2006-01-02")+".log")
}

// run 每天零点后切换文件名，关闭当前文件使下次写入打开新文件
func (d *dailyFile) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now) + time.Second):
			d.writer.Filename = fileForDay(d.dir, next)
			_ = d.writer.Close()
		}
	}
}

func (d *dailyFile) close() error {
	d.cancel()
	d.wg.Wait()
	return d.writer.Close()
}

// Close 刷新缓冲并关闭日志文件
func (l *Logger) Close() error {
	err := l.Logger.Sync()
	if l.rotate != nil {
		if cerr := l.rotate.close(); cerr != nil {
			return fmt.Errorf("关闭日志文件失败: %w", cerr)
		}
	}
	return err
}

// 便捷方法，使用 SugaredLogger 的格式化功能
func (l *Logger) Debugf(template string, args ...any) {
	l.sugar.Debugf(template, args...)
}

func (l *Logger) Infof(template string, args ...any) {
	l.sugar.Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...any) {
	l.sugar.Warnf(template, args...)
}

func (l *Logger) Errorf(template string, args ...any) {
	l.sugar.Errorf(template, args...)
}

func (l *Logger) Fatalf(template string, args ...any) {
	l.sugar.Fatalf(template, args...)
}

// 便捷方法，使用结构化日志
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.Logger.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.Logger.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.Logger.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.Logger.Error(msg, fields...)
}

func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.Logger.Fatal(msg, fields...)
}

// Sync 刷新缓冲区
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}

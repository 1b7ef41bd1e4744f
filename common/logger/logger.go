package logger

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options 日志配置
type Options struct {
	Level       string // "debug", "info", "warn", "error" (默认: "info")
	Format      string // "json" 或 "console" (默认: "json")
	ServiceName string // 服务名称，如 "wisefido-vitals"
	File        string // 可选：滚动日志文件路径，为空时只输出到 stdout
	MaxSizeMB   int    // 单个文件大小上限，默认 100MB
	MaxBackups  int    // 保留的旧文件数量，默认 5
	MaxAgeDays  int    // 旧文件保留天数，默认 14
}

// NewLogger 创建新的Logger实例
// level: "debug", "info", "warn", "error" (默认: "info")
// format: "json" 或 "console" (默认: "json")
// serviceName: 服务名称（用于日志管理，如 "wisefido-vitals"）
func NewLogger(level string, format string, serviceName string) (*zap.Logger, error) {
	return New(Options{Level: level, Format: format, ServiceName: serviceName})
}

// New 根据 Options 创建 Logger；设置 File 时额外写入 lumberjack 滚动文件
func New(opts Options) (*zap.Logger, error) {
	zapLevel := parseLevel(opts.Level)

	var config zap.Config
	if opts.Format == "console" {
		// 使用开发模式配置（控制台输出）
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel)
	} else {
		// 使用生产模式配置（JSON输出）
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapLevel)
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// 输出到标准输出（便于Docker和日志收集器捕获）
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}

	var buildOpts []zap.Option
	if opts.File != "" {
		fileCore := zapcore.NewCore(
			newEncoder(opts.Format, config.EncoderConfig),
			zapcore.AddSync(newRotatingWriter(opts)),
			config.Level,
		)
		buildOpts = append(buildOpts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	// 构建基础logger
	baseLogger, err := config.Build(buildOpts...)
	if err != nil {
		return nil, err
	}

	if opts.ServiceName != "" {
		baseLogger = baseLogger.With(zap.String("service_name", opts.ServiceName))
	}

	// 添加主机名（可选，用于分布式系统）
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		baseLogger = baseLogger.With(zap.String("hostname", hostname))
	}

	return baseLogger, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newEncoder(format string, cfg zapcore.EncoderConfig) zapcore.Encoder {
	if format == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func newRotatingWriter(opts Options) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	if w.MaxSize <= 0 {
		w.MaxSize = 100
	}
	if w.MaxBackups <= 0 {
		w.MaxBackups = 5
	}
	if w.MaxAge <= 0 {
		w.MaxAge = 14
	}
	return w
}

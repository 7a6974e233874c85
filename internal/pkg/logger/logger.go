package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"edge-cd/internal/pkg/config"
)

// Log 全局 logger, 未初始化前为 Nop, 单元测试可直接调用
var Log = zap.NewNop()

// pkgLog 供包级 Info/Warn 等函数使用, 跳过一层调用栈
var pkgLog = zap.NewNop()
var logWriter *LogWriter

// moduleRoot go.mod 所在目录, 用于输出可点击的相对路径
var moduleRoot = findModuleRoot()

func findModuleRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// 2006-01-02 15:04:05.000
func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// callerEncoder 输出 internal/core/deployment/engine.go:42 形式
func callerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	if !caller.Defined {
		enc.AppendString("undefined")
		return
	}
	if moduleRoot != "" && strings.HasPrefix(caller.File, moduleRoot) {
		if rel, err := filepath.Rel(moduleRoot, caller.File); err == nil {
			enc.AppendString(fmt.Sprintf("%s:%d", rel, caller.Line))
			return
		}
	}
	enc.AppendString(caller.TrimmedPath())
}

func parseLevel(raw string) zapcore.Level {
	level, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func openOutput(cfg *config.LogConfig) (zapcore.WriteSyncer, error) {
	if cfg.Output != "file" || cfg.FilePath == "" {
		return zapcore.AddSync(os.Stdout), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(file), nil
}

// Init 初始化日志, fields 附加到每条日志 (如 service/version)
func Init(cfg *config.LogConfig, fields ...zap.Field) error {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "component",
		CallerKey:        "caller",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       timeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     callerEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		// 时间 级别 组件 代码位置 消息 {字段}
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	out, err := openOutput(cfg)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(encoder, out, parseLevel(cfg.Level))
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel), zap.Fields(fields...)}

	Log = zap.New(core, opts...)
	pkgLog = Log.WithOptions(zap.AddCallerSkip(1))
	logWriter = &LogWriter{out}

	return nil
}

// Close 刷盘
func Close() error {
	if err := Log.Sync(); err != nil && !isStdSyncErr(err) {
		return fmt.Errorf("close log: %w", err)
	}
	return nil
}

// stdout 不支持 fsync, 忽略 "invalid argument"/"inappropriate ioctl"
func isStdSyncErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

func Debug(msg string, fields ...zap.Field) {
	pkgLog.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	pkgLog.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	pkgLog.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	pkgLog.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	pkgLog.Fatal(msg, fields...)
}

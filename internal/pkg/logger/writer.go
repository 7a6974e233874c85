package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// LogWriter 实现 gorm logger.Writer, SQL 日志与应用日志写同一输出
type LogWriter struct {
	out zapcore.WriteSyncer
}

func (w *LogWriter) Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w.out, "[gorm] "+format+"\n", args...)
}

// GetWriter 未初始化时写 stdout
func GetWriter() *LogWriter {
	if logWriter == nil {
		return &LogWriter{out: zapcore.AddSync(os.Stdout)}
	}
	return logWriter
}

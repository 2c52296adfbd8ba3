package kafka

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levels pairs kgo levels with zap levels, most verbose first.
var levels = []struct {
	kgo kgo.LogLevel
	zap zapcore.Level
}{
	{kgo.LogLevelDebug, zapcore.DebugLevel},
	{kgo.LogLevelInfo, zapcore.InfoLevel},
	{kgo.LogLevelWarn, zapcore.WarnLevel},
	{kgo.LogLevelError, zapcore.ErrorLevel},
}

// kgoLogger adapts a zap.Logger to the kgo.Logger interface.
type kgoLogger struct {
	*zap.Logger
}

func newKgoLogger(logger *zap.Logger) *kgoLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kgoLogger{logger.Named("kgo")}
}

// Level maps the most verbose level enabled on the zap core to a kgo level.
func (l *kgoLogger) Level() kgo.LogLevel {
	for _, lv := range levels {
		if l.Logger.Core().Enabled(lv.zap) {
			return lv.kgo
		}
	}
	return kgo.LogLevelNone
}

// Log writes msg with keyvals as fields. Unknown kgo levels log at info.
func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	if level == kgo.LogLevelNone {
		return
	}
	zl := zapcore.InfoLevel
	for _, lv := range levels {
		if lv.kgo == level {
			zl = lv.zap
			break
		}
	}

	ce := l.Logger.Check(zl, msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 < len(keyvals) {
			fields = append(fields, zap.Any(key, keyvals[i+1]))
		} else {
			fields = append(fields, zap.String(key, "MISSING_VALUE"))
		}
	}
	ce.Write(fields...)
}

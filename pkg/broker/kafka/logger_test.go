package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestKgoLogger_Level(t *testing.T) {
	tests := []struct {
		level zapcore.Level
		want  kgo.LogLevel
	}{
		{zapcore.DebugLevel, kgo.LogLevelDebug},
		{zapcore.InfoLevel, kgo.LogLevelInfo},
		{zapcore.WarnLevel, kgo.LogLevelWarn},
		{zapcore.ErrorLevel, kgo.LogLevelError},
		{zapcore.FatalLevel, kgo.LogLevelNone},
	}
	for _, tt := range tests {
		core, _ := observer.New(tt.level)
		assert.Equal(t, tt.want, newKgoLogger(zap.New(core)).Level(), tt.level.String())
	}
}

func TestKgoLogger_Log(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newKgoLogger(zap.New(core))

	l.Log(kgo.LogLevelWarn, "metadata refresh failed", "broker", 1, "dangling")
	l.Log(kgo.LogLevelNone, "dropped")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "kgo", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(1), fields["broker"])
	assert.Equal(t, "MISSING_VALUE", fields["dangling"])
}

package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestStatusEmoji(t *testing.T) {
	assert.Equal(t, "🟢", statusEmoji(200))
	assert.Equal(t, "🟡", statusEmoji(304))
	assert.Equal(t, "🟠", statusEmoji(404))
	assert.Equal(t, "🔴", statusEmoji(503))
}

func TestEmojiConsoleEncoder_EncodeEntry(t *testing.T) {
	encoder := NewEmojiConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})
	require.NotNil(t, encoder.Clone())

	tests := []struct {
		name   string
		level  zapcore.Level
		fields []zapcore.Field
		want   string
	}{
		{"type field", zapcore.InfoLevel, []zapcore.Field{zap.String("type", "alert")}, "🚨 hello"},
		{"status wins over type", zapcore.InfoLevel, []zapcore.Field{zap.String("type", "request"), zap.Int64("status", 503)}, "🔴 hello"},
		{"unknown type falls back to level", zapcore.WarnLevel, []zapcore.Field{zap.String("type", "nope")}, "⚠️ hello"},
		{"error level", zapcore.ErrorLevel, nil, "❌ hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := encoder.EncodeEntry(zapcore.Entry{Level: tt.level, Message: "hello"}, tt.fields)
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

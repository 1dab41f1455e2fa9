package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newBufferedLogger returns a Kratos logger writing JSON lines into a buffer.
func newBufferedLogger() (log.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
		}),
		zapcore.AddSync(buf),
		zapcore.DebugLevel,
	)
	return NewKratosAdapter(zap.New(core)), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestKratosAdapter_EmptyKeyvals(t *testing.T) {
	logger, buf := newBufferedLogger()
	assert.NoError(t, logger.Log(log.LevelInfo))
	assert.Empty(t, buf.String())
}

func TestKratosAdapter_MessageAndFields(t *testing.T) {
	logger, buf := newBufferedLogger()
	helper := log.NewHelper(logger)

	helper.Infow("msg", "task completed", "task_id", "abc", "attempts", 3, "error", errors.New("boom"))

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "task completed", entries[0]["msg"])
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "abc", entries[0]["task_id"])
	assert.Equal(t, float64(3), entries[0]["attempts"])
	assert.Equal(t, "boom", entries[0]["error"])
}

func TestKratosAdapter_LevelMapping(t *testing.T) {
	logger, buf := newBufferedLogger()

	_ = logger.Log(log.LevelDebug, "msg", "d")
	_ = logger.Log(log.LevelInfo, "msg", "i")
	_ = logger.Log(log.LevelWarn, "msg", "w")
	_ = logger.Log(log.LevelError, "msg", "e")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 4)
	assert.Equal(t, []string{"debug", "info", "warn", "error"}, []string{
		entries[0]["level"].(string), entries[1]["level"].(string),
		entries[2]["level"].(string), entries[3]["level"].(string),
	})
}

func TestKratosAdapter_SanitizesSecrets(t *testing.T) {
	logger, buf := newBufferedLogger()

	_ = logger.Log(log.LevelInfo, "msg", "connect", "redis_password", "supersecretvalue", "rabbitmq_uri", "amqp://guest:guest@mq:5672/")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "supe********alue", entries[0]["redis_password"])
	assert.Equal(t, "amqp://guest:xxxxx@mq:5672/", entries[0]["rabbitmq_uri"])
}

func TestKratosAdapter_OddKeyvalsDropsDangling(t *testing.T) {
	logger, buf := newBufferedLogger()

	_ = logger.Log(log.LevelInfo, "msg", "odd", "dangling")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "odd", entries[0]["msg"])
	_, ok := entries[0]["dangling"]
	assert.False(t, ok)
}

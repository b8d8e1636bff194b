package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/dredge/internal/config"
)

// syncBuffer adapts a bytes.Buffer into a zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func initTestLogger(t *testing.T, cfg config.LoggerConfig) *syncBuffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	Initialize(cfg, zapcore.Lock(&buf))
	return &buf
}

func TestInitializeConsoleFormat(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level: "debug", Format: "console", ServiceName: "dredge-test",
	})

	GetLogger().Info("hello from the scanner")
	out := buf.String()
	assert.Contains(t, out, "hello from the scanner")
	assert.Contains(t, out, "dredge-test.")
	assert.Contains(t, out, "INFO")
}

func TestInitializeJSONFormat(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level: "info", Format: "json", ServiceName: "dredge-test",
	})

	GetLogger().Warn("chunk retry")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "chunk retry", entry["msg"])
}

func TestLevelFiltering(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level: "warn", Format: "json", ServiceName: "dredge-test",
	})

	GetLogger().Info("too quiet to pass")
	assert.Empty(t, buf.String())

	GetLogger().Error("loud enough")
	assert.Contains(t, buf.String(), "loud enough")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level: "extremely-verbose", Format: "json", ServiceName: "dredge-test",
	})

	GetLogger().Debug("filtered")
	assert.Empty(t, buf.String())
	GetLogger().Info("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestInitializeOnlyRunsOnce(t *testing.T) {
	buf := initTestLogger(t, config.LoggerConfig{
		Level: "info", Format: "json", ServiceName: "first",
	})

	var second syncBuffer
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"},
		zapcore.Lock(&second))

	GetLogger().Info("routed to the first sink")
	assert.Contains(t, buf.String(), "first")
	assert.Empty(t, second.String())
}

func TestFileSinkWritesJSON(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "dredge.log")
	initTestLogger(t, config.LoggerConfig{
		Level: "info", Format: "console", ServiceName: "dredge-test",
		LogFile: logFile, MaxSize: 1, MaxBackups: 1, MaxAge: 1,
	})

	GetLogger().Info("persisted line")
	Sync()

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "persisted line", entry["msg"])
}

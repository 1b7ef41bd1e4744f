package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vitals.log")

	log, err := New(Options{Level: "info", Format: "json", ServiceName: "wisefido-vitals", File: path})
	require.NoError(t, err)

	log.Info("session started")
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "session started"))
	assert.True(t, strings.Contains(string(raw), `"service_name":"wisefido-vitals"`))
}

func TestNewRotatingWriter_Defaults(t *testing.T) {
	w := newRotatingWriter(Options{File: "x.log"})
	assert.Equal(t, 100, w.MaxSize)
	assert.Equal(t, 5, w.MaxBackups)
	assert.Equal(t, 14, w.MaxAge)
}

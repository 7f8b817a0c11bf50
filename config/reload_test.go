package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelReloader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crtbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0644))

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	r, err := NewLevelReloader(path, level, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))
	require.NoError(t, r.Reload())
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shout\n"), 0644))
	assert.Error(t, r.Reload())
	assert.Equal(t, zapcore.DebugLevel, level.Level())
}

func TestLevelReloader_IgnoresRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crtbridge.yaml")
	level := zap.NewAtomicLevelAt(zapcore.ErrorLevel)

	r, err := NewLevelReloader(path, level, nil)
	require.NoError(t, err)

	r.onChange(FileEvent{Path: path, Op: FileOpRemove})
	assert.Equal(t, zapcore.ErrorLevel, level.Level())

	// 文件缺失时回落到默认级别
	r.onChange(FileEvent{Path: path, Op: FileOpCreate})
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

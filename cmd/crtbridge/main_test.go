package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/crtbridge/config"
)

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.LogConfig
		level zapcore.Level
	}{
		{"json debug", config.LogConfig{Level: "debug", Format: "json"}, zapcore.DebugLevel},
		{"console warn", config.LogConfig{Level: "warn", Format: "console"}, zapcore.WarnLevel},
		{"unknown level falls back to info", config.LogConfig{Level: "verbose"}, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, level := initLogger(tt.cfg)
			require.NotNil(t, logger)
			assert.Equal(t, tt.level, level.Level())

			level.SetLevel(zapcore.ErrorLevel)
			assert.False(t, logger.Core().Enabled(zapcore.WarnLevel), "atomic level drives the logger")
		})
	}
}

func TestInitLogger_WritesToConfiguredPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "crtbridge.log")
	logger, _ := initLogger(config.LogConfig{Level: "info", Format: "json", OutputPaths: []string{out}})
	logger.Info("hello")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket:\n  type: dgram\n"), 0o644))
	_, err = loadConfig(path)
	assert.ErrorContains(t, err, "stream sockets")
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "crtbridge "+Version)
	assert.Contains(t, out.String(), "Git Commit: "+GitCommit)
}

func TestHealthCmd(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"health", "--addr", healthy.URL})
	require.NoError(t, root.Execute())
	assert.Equal(t, "OK\n", out.String())

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	root = newRootCmd()
	root.SetArgs([]string{"health", "--addr", broken.URL})
	assert.ErrorContains(t, root.Execute(), "status 503")
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, SocketConfig{}, cfg.Socket)
	assert.NotEqual(t, PoolConfig{}, cfg.Pool)
	assert.NotEqual(t, DemoConfig{}, cfg.Demo)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	// TLS 默认关闭
	assert.Equal(t, TLSConfig{}, cfg.TLS)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8127, cfg.Port)
	assert.Zero(t, cfg.MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultSocketConfig(t *testing.T) {
	cfg := DefaultSocketConfig()
	assert.Equal(t, "ipv4", cfg.Domain)
	assert.Equal(t, "stream", cfg.Type)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.False(t, cfg.KeepAlive)
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Positive(t, cfg.MaxWorkers)
	assert.Positive(t, cfg.QueueSize)
}

func TestDefaultDemoConfig(t *testing.T) {
	cfg := DefaultDemoConfig()
	assert.Equal(t, "./resources", cfg.ContentDir)
	assert.Equal(t, "received", cfg.ReceivedDir)
	assert.Zero(t, cfg.RateLimitRPS)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "crtbridge", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "crtbridge", cfg.Namespace)
	assert.Equal(t, "/metrics", cfg.Path)
}

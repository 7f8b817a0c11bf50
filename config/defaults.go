// =============================================================================
// 📦 crtbridge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Socket:    DefaultSocketConfig(),
		TLS:       DefaultTLSConfig(),
		Pool:      DefaultPoolConfig(),
		Demo:      DefaultDemoConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              8127,
		MaxConnections:    0,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   5 * time.Second,
	}
}

// DefaultSocketConfig 返回默认套接字选项
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		Domain:            "ipv4",
		Type:              "stream",
		ConnectTimeout:    3 * time.Second,
		KeepAlive:         false,
		KeepAliveInterval: 15 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
	}
}

// DefaultTLSConfig 返回默认 TLS 配置（禁用）
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{}
}

// DefaultPoolConfig 返回默认事件循环组配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxWorkers:  64,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// DefaultDemoConfig 返回默认演示应用配置
func DefaultDemoConfig() DemoConfig {
	return DemoConfig{
		ContentDir:     "./resources",
		ReceivedDir:    "received",
		InMemory:       false,
		RateLimitRPS:   0,
		RateLimitBurst: 20,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "crtbridge",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "crtbridge",
		Path:      "/metrics",
	}
}
